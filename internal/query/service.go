// Package query 报警只读查询（看板、汇总、历史）
package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"wisefido-alert/internal/models"
	"wisefido-alert/internal/repository"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

const (
	// DefaultActiveLimit 看板默认条数
	DefaultActiveLimit = 50
	// MaxActiveLimit 看板最大条数
	MaxActiveLimit = 200
	// MaxHistoryLimit 历史查询 / 导出最大条数
	MaxHistoryLimit = 5000
)

// Service 查询服务
type Service struct {
	alerts    repository.AlertRepository
	hospitals repository.HospitalRepository
	clock     clock.PassiveClock
	logger    *zap.Logger
}

// NewService 创建查询服务；clk 为 nil 时使用系统时钟
func NewService(alerts repository.AlertRepository, hospitals repository.HospitalRepository, clk clock.PassiveClock, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Service{alerts: alerts, hospitals: hospitals, clock: clk, logger: logger}
}

// HistoryFilters 历史查询条件
type HistoryFilters struct {
	HospitalID string
	Statuses   []models.AlertStatus
	AlertType  string
	Since      *time.Time
	Until      *time.Time
	Limit      int
}

// GetActiveAlerts 未解决的报警（active + acknowledged）
// 排序：urgency 升序 → tier 降序 → 创建时间升序
func (s *Service) GetActiveAlerts(ctx context.Context, viewer models.Actor, hospitalID string, limit int) ([]*models.Alert, error) {
	if err := s.checkScope(ctx, viewer, hospitalID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultActiveLimit
	}
	if limit > MaxActiveLimit {
		limit = MaxActiveLimit
	}

	alerts, err := s.alerts.ListAlerts(ctx, repository.AlertFilters{
		HospitalID: hospitalID,
		Statuses:   []models.AlertStatus{models.StatusActive, models.StatusAcknowledged},
		Order:      repository.OrderPriority,
		Limit:      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list active alerts: %w", err)
	}
	return redact(viewer, alerts), nil
}

// GetAlertSummary 医院维度汇总
func (s *Service) GetAlertSummary(ctx context.Context, viewer models.Actor, hospitalID string) (*models.AlertSummary, error) {
	if err := s.checkScope(ctx, viewer, hospitalID); err != nil {
		return nil, err
	}
	summary, err := s.alerts.SummarizeAlerts(ctx, hospitalID, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to summarize alerts: %w", err)
	}
	return summary, nil
}

// GetAlert 单个报警
func (s *Service) GetAlert(ctx context.Context, viewer models.Actor, alertID string) (*models.Alert, error) {
	if err := checkViewer(viewer); err != nil {
		return nil, err
	}
	if strings.TrimSpace(alertID) == "" {
		return nil, fmt.Errorf("%w: alert_id is required", models.ErrValidation)
	}
	a, err := s.alerts.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	return redact(viewer, []*models.Alert{a})[0], nil
}

// GetTransitions 报警变更记录；operator 看不到操作人
func (s *Service) GetTransitions(ctx context.Context, viewer models.Actor, alertID string) ([]repository.TransitionRecord, error) {
	if err := checkViewer(viewer); err != nil {
		return nil, err
	}
	recs, err := s.alerts.ListTransitions(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if viewer.Role == models.RoleOperator {
		for i := range recs {
			if recs[i].Seq > 1 {
				recs[i].ActorID = ""
			}
		}
	}
	return recs, nil
}

// ListAlertHistory 历史报警（按创建时间倒序）
func (s *Service) ListAlertHistory(ctx context.Context, viewer models.Actor, f HistoryFilters) ([]*models.Alert, error) {
	if err := s.checkScope(ctx, viewer, f.HospitalID); err != nil {
		return nil, err
	}
	if f.Since != nil && f.Until != nil && !f.Since.Before(*f.Until) {
		return nil, fmt.Errorf("%w: since must be before until", models.ErrValidation)
	}
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", models.ErrValidation, st)
		}
	}
	limit := f.Limit
	if limit <= 0 || limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	filters := repository.AlertFilters{
		HospitalID: f.HospitalID,
		Statuses:   f.Statuses,
		Since:      f.Since,
		Until:      f.Until,
		Order:      repository.OrderNewest,
		Limit:      limit,
	}
	if f.AlertType != "" {
		filters.AlertType = &f.AlertType
	}
	alerts, err := s.alerts.ListAlerts(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert history: %w", err)
	}
	return redact(viewer, alerts), nil
}

func checkViewer(viewer models.Actor) error {
	if viewer.ID == "" {
		return fmt.Errorf("%w: viewer id is required", models.ErrValidation)
	}
	if _, ok := models.ParseRole(string(viewer.Role)); !ok && viewer.Role != models.RoleSystem {
		return models.NewForbiddenRoleError(fmt.Sprintf("unknown role %q", viewer.Role))
	}
	return nil
}

func (s *Service) checkScope(ctx context.Context, viewer models.Actor, hospitalID string) error {
	if err := checkViewer(viewer); err != nil {
		return err
	}
	if strings.TrimSpace(hospitalID) == "" {
		return fmt.Errorf("%w: hospital_id is required", models.ErrValidation)
	}
	ok, err := s.hospitals.HospitalExists(ctx, hospitalID)
	if err != nil {
		return fmt.Errorf("failed to check hospital: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: hospital_id=%s", models.ErrNotFound, hospitalID)
	}
	return nil
}

// redact operator 只能看到报警本身，看不到处理人
func redact(viewer models.Actor, alerts []*models.Alert) []*models.Alert {
	if viewer.Role != models.RoleOperator {
		return alerts
	}
	for _, a := range alerts {
		a.AcknowledgedBy = nil
		a.ResolvedBy = nil
	}
	return alerts
}
