package models

import (
	"time"
)

// AlertStatus 报警状态
type AlertStatus string

const (
	StatusActive       AlertStatus = "active"
	StatusAcknowledged AlertStatus = "acknowledged"
	StatusResolved     AlertStatus = "resolved"
)

// Valid 是否为合法状态
func (s AlertStatus) Valid() bool {
	switch s {
	case StatusActive, StatusAcknowledged, StatusResolved:
		return true
	}
	return false
}

// 紧急程度：数值越小越紧急
const (
	UrgencyCritical = 1
	UrgencyLowest   = 5
)

// KnownAlertTypes 内置报警类型（策略文件可追加）
var KnownAlertTypes = []string{
	"cardiac_arrest",
	"code_blue",
	"fire",
	"security",
	"medical_emergency",
}

// Alert 报警（对应 alerts 表）
type Alert struct {
	AlertID      string  `json:"alert_id" db:"alert_id"`
	HospitalID   string  `json:"hospital_id" db:"hospital_id"`
	RoomNumber   string  `json:"room_number" db:"room_number"`
	AlertType    string  `json:"alert_type" db:"alert_type"`
	UrgencyLevel int     `json:"urgency_level" db:"urgency_level"` // 1 最紧急
	Description  *string `json:"description,omitempty" db:"description"`

	Status                AlertStatus `json:"status" db:"status"`
	CurrentEscalationTier int         `json:"current_escalation_tier" db:"current_escalation_tier"`
	NextEscalationAt      *time.Time  `json:"next_escalation_at,omitempty" db:"next_escalation_at"` // 仅 active 时存在
	TransitionSeq         int64       `json:"transition_seq" db:"transition_seq"`

	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`

	// 操作人（弱引用：只保存 ID）
	CreatedBy      string  `json:"created_by" db:"created_by"`
	AcknowledgedBy *string `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	ResolvedBy     *string `json:"resolved_by,omitempty" db:"resolved_by"`

	Notes      *string `json:"notes,omitempty" db:"notes"`           // 确认备注
	Resolution *string `json:"resolution,omitempty" db:"resolution"` // 解决说明
}

// IsActive 是否处于 active 状态
func (a *Alert) IsActive() bool {
	return a.Status == StatusActive
}

// Clone 深拷贝（仓库层返回副本，调用方修改不影响存储）
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	c.Description = cloneString(a.Description)
	c.NextEscalationAt = cloneTime(a.NextEscalationAt)
	c.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	c.ResolvedAt = cloneTime(a.ResolvedAt)
	c.AcknowledgedBy = cloneString(a.AcknowledgedBy)
	c.ResolvedBy = cloneString(a.ResolvedBy)
	c.Notes = cloneString(a.Notes)
	c.Resolution = cloneString(a.Resolution)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// StringPtr 返回字符串指针（空串返回 nil）
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// TimePtr 返回时间指针
func TimePtr(t time.Time) *time.Time {
	return &t
}
