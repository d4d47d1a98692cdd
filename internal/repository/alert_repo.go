package repository

import (
	"context"
	"errors"
	"time"

	"wisefido-alert/internal/models"
)

// ErrStaleSeq 写入时 transition_seq 与期望值不一致（并发写入已抢先提交）
var ErrStaleSeq = errors.New("stale transition_seq")

// AlertRepository 报警存储接口
// 所有返回值都是副本，调用方修改不影响存储
type AlertRepository interface {
	// 创建报警（同时写入 seq=1 的变更记录）
	CreateAlert(ctx context.Context, alert *models.Alert, rec TransitionRecord) error

	// 获取单个报警，不存在返回 models.ErrNotFound
	GetAlert(ctx context.Context, alertID string) (*models.Alert, error)

	// 比较并写入：仅当存储中的 transition_seq == prevSeq 时写入 alert，
	// 同一事务内追加变更记录；不一致返回 ErrStaleSeq
	UpdateAlert(ctx context.Context, alert *models.Alert, prevSeq int64, rec TransitionRecord) error

	// 查询报警列表
	ListAlerts(ctx context.Context, filters AlertFilters) ([]*models.Alert, error)

	// 所有 active 报警的升级期限（按期限升序），用于调度器重建
	ListActiveDeadlines(ctx context.Context) ([]Deadline, error)

	// 医院维度汇总
	SummarizeAlerts(ctx context.Context, hospitalID string, now time.Time) (*models.AlertSummary, error)

	// 报警的变更记录（按 seq 升序）
	ListTransitions(ctx context.Context, alertID string) ([]TransitionRecord, error)
}

// AlertOrder 列表排序方式
type AlertOrder int

const (
	// OrderPriority urgency 升序 → tier 降序 → created_at 升序（看板）
	OrderPriority AlertOrder = iota
	// OrderNewest created_at 降序（历史）
	OrderNewest
)

// AlertFilters 报警过滤条件
type AlertFilters struct {
	HospitalID string               // 必填
	Statuses   []models.AlertStatus // 为空表示全部
	AlertType  *string
	Since      *time.Time // created_at >= Since
	Until      *time.Time // created_at < Until
	Order      AlertOrder
	Limit      int // <=0 不限制
}

// Deadline 升级期限
type Deadline struct {
	AlertID string
	At      time.Time
}

// TransitionRecord 状态变更审计记录，(AlertID, Seq) 唯一
type TransitionRecord struct {
	AlertID    string             `json:"alert_id"`
	Seq        int64              `json:"transition_seq"`
	EventType  models.EventType   `json:"event_type"`
	FromStatus models.AlertStatus `json:"from_status,omitempty"`
	ToStatus   models.AlertStatus `json:"to_status"`
	FromTier   int                `json:"from_tier"`
	ToTier     int                `json:"to_tier"`
	ActorID    string             `json:"actor_id"`
	OccurredAt time.Time          `json:"occurred_at"`
}

// NewTransitionRecord 由变更前后的报警构建记录（prev 为 nil 表示创建）
func NewTransitionRecord(prev, next *models.Alert, t models.EventType, actorID string, at time.Time) TransitionRecord {
	rec := TransitionRecord{
		AlertID:    next.AlertID,
		Seq:        next.TransitionSeq,
		EventType:  t,
		ToStatus:   next.Status,
		ToTier:     next.CurrentEscalationTier,
		ActorID:    actorID,
		OccurredAt: at,
	}
	if prev != nil {
		rec.FromStatus = prev.Status
		rec.FromTier = prev.CurrentEscalationTier
	}
	return rec
}

func statusAllowed(s models.AlertStatus, set []models.AlertStatus) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
