package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wisefido-alert/internal/lifecycle"
	"wisefido-alert/internal/metrics"
	"wisefido-alert/internal/models"
	"wisefido-alert/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// AlertService 报警命令服务
type AlertService interface {
	// 创建报警：active(1)，排入 tier1 期限，发布 AlertCreated
	CreateAlert(ctx context.Context, req CreateAlertRequest) (*models.Alert, error)

	// 确认报警：取消升级期限，发布 AlertAcknowledged
	AcknowledgeAlert(ctx context.Context, req AcknowledgeAlertRequest) (*models.Alert, error)

	// 解决报警（需先确认），发布 AlertResolved
	ResolveAlert(ctx context.Context, req ResolveAlertRequest) (*models.Alert, error)

	// 升级报警（调度器到期触发或管理员手动）
	EscalateAlert(ctx context.Context, alertID string, trigger models.EscalationTrigger, actor models.Actor) (*models.Alert, error)
}

// Scheduling 升级期限登记（scheduler.Scheduler 实现）
type Scheduling interface {
	Schedule(alertID string, at time.Time)
	Cancel(alertID string)
}

// EventPublisher 事件分发（dispatcher.Dispatcher 实现），不得阻塞
type EventPublisher interface {
	Publish(ev models.AlertEvent)
}

// ============================================
// Request DTOs
// ============================================

// CreateAlertRequest 创建报警请求
type CreateAlertRequest struct {
	HospitalID   string `json:"hospital_id"`
	RoomNumber   string `json:"room_number"`
	AlertType    string `json:"alert_type"`
	UrgencyLevel int    `json:"urgency_level"`
	Description  string `json:"description,omitempty"`
	Actor        models.Actor
}

// AcknowledgeAlertRequest 确认报警请求
type AcknowledgeAlertRequest struct {
	AlertID string
	Actor   models.Actor
	Notes   string `json:"notes,omitempty"`
}

// ResolveAlertRequest 解决报警请求
type ResolveAlertRequest struct {
	AlertID    string
	Actor      models.Actor
	Resolution string `json:"resolution"`
}

// alertService 实现
type alertService struct {
	alerts    repository.AlertRepository
	hospitals repository.HospitalRepository
	policies  repository.PolicyRepository
	scheduler Scheduling
	publisher EventPublisher
	recorder  *metrics.Recorder
	clock     clock.PassiveClock
	locks     *keyedMutex
	logger    *zap.Logger
}

// NewAlertService 创建 AlertService 实例
func NewAlertService(
	alerts repository.AlertRepository,
	hospitals repository.HospitalRepository,
	policies repository.PolicyRepository,
	scheduler Scheduling,
	publisher EventPublisher,
	recorder *metrics.Recorder,
	clk clock.PassiveClock,
	logger *zap.Logger,
) AlertService {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &alertService{
		alerts:    alerts,
		hospitals: hospitals,
		policies:  policies,
		scheduler: scheduler,
		publisher: publisher,
		recorder:  recorder,
		clock:     clk,
		locks:     newKeyedMutex(),
		logger:    logger,
	}
}

// CreateAlert 创建报警
func (s *alertService) CreateAlert(ctx context.Context, req CreateAlertRequest) (alert *models.Alert, err error) {
	started := time.Now()
	defer func() { s.observe("create", started, err) }()

	if !models.RoleIn(req.Actor.Role, models.CreateRoles) {
		return nil, models.NewForbiddenRoleError(fmt.Sprintf("%s cannot create alerts", req.Actor.Role))
	}
	hospitalID := strings.TrimSpace(req.HospitalID)
	if hospitalID == "" {
		return nil, fmt.Errorf("%w: hospital_id is required", models.ErrValidation)
	}
	if !s.policies.KnownAlertType(req.AlertType) {
		return nil, fmt.Errorf("%w: unknown alert_type %q", models.ErrValidation, req.AlertType)
	}
	ok, err := s.hospitals.HospitalExists(ctx, hospitalID)
	if err != nil {
		return nil, fmt.Errorf("failed to check hospital: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: hospital_id=%s", models.ErrNotFound, hospitalID)
	}

	policy := s.policies.PolicyFor(hospitalID, req.AlertType)
	now := s.clock.Now()
	alertID := uuid.NewString()

	a, ev, err := lifecycle.NewAlert(alertID, lifecycle.CreateInput{
		HospitalID:   hospitalID,
		RoomNumber:   req.RoomNumber,
		AlertType:    req.AlertType,
		UrgencyLevel: req.UrgencyLevel,
		Description:  req.Description,
		CreatedBy:    req.Actor,
	}, policy, now)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(alertID)
	defer unlock()

	rec := repository.NewTransitionRecord(nil, a, ev.Type, req.Actor.ID, now)
	if err := s.alerts.CreateAlert(ctx, a, rec); err != nil {
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}

	s.scheduler.Schedule(a.AlertID, *a.NextEscalationAt)
	s.publisher.Publish(ev)
	s.recorder.ObserveTransition(string(ev.Type))

	s.logger.Info("Alert created",
		zap.String("alert_id", a.AlertID),
		zap.String("hospital_id", a.HospitalID),
		zap.String("alert_type", a.AlertType),
		zap.Int("urgency_level", a.UrgencyLevel),
		zap.String("policy", policy.Name),
		zap.Time("next_escalation_at", *a.NextEscalationAt),
	)
	return a, nil
}

// AcknowledgeAlert 确认报警
func (s *alertService) AcknowledgeAlert(ctx context.Context, req AcknowledgeAlertRequest) (alert *models.Alert, err error) {
	started := time.Now()
	defer func() { s.observe("acknowledge", started, err) }()

	return s.apply(ctx, req.AlertID, lifecycle.Command{
		Kind:  lifecycle.CommandAcknowledge,
		Actor: req.Actor,
		Notes: req.Notes,
	})
}

// ResolveAlert 解决报警
func (s *alertService) ResolveAlert(ctx context.Context, req ResolveAlertRequest) (alert *models.Alert, err error) {
	started := time.Now()
	defer func() { s.observe("resolve", started, err) }()

	return s.apply(ctx, req.AlertID, lifecycle.Command{
		Kind:       lifecycle.CommandResolve,
		Actor:      req.Actor,
		Resolution: req.Resolution,
	})
}

// EscalateAlert 升级报警
func (s *alertService) EscalateAlert(ctx context.Context, alertID string, trigger models.EscalationTrigger, actor models.Actor) (alert *models.Alert, err error) {
	started := time.Now()
	defer func() { s.observe("escalate", started, err) }()

	return s.apply(ctx, alertID, lifecycle.Command{
		Kind:    lifecycle.CommandEscalate,
		Actor:   actor,
		Trigger: trigger,
	})
}

// apply 在报警锁内执行：读取 → 状态机 → 比较写入 → 调度 → 分发
func (s *alertService) apply(ctx context.Context, alertID string, cmd lifecycle.Command) (*models.Alert, error) {
	if strings.TrimSpace(alertID) == "" {
		return nil, fmt.Errorf("%w: alert_id is required", models.ErrValidation)
	}

	unlock := s.locks.Lock(alertID)
	defer unlock()

	cur, err := s.alerts.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	policy := s.policies.PolicyFor(cur.HospitalID, cur.AlertType)
	now := s.clock.Now()

	out, err := lifecycle.Apply(cur, cmd, policy, now)
	if err != nil {
		// 期限未到的触发：按存储中的期限重新登记
		if cmd.Trigger == models.TriggerDeadline && cur.Status == models.StatusActive &&
			cur.NextEscalationAt != nil && now.Before(*cur.NextEscalationAt) {
			s.scheduler.Schedule(cur.AlertID, *cur.NextEscalationAt)
		}
		return nil, err
	}
	if !out.Changed {
		s.logger.Debug("Escalation at max tier ignored",
			zap.String("alert_id", cur.AlertID),
			zap.Int("tier", cur.CurrentEscalationTier),
		)
		return cur, nil
	}

	next := out.Alert
	if err := lifecycle.CheckTransition(cur, next, policy); err != nil {
		return nil, fmt.Errorf("refusing to commit transition: %w", err)
	}
	rec := repository.NewTransitionRecord(cur, next, out.Event.Type, cmd.Actor.ID, now)
	if err := s.alerts.UpdateAlert(ctx, next, cur.TransitionSeq, rec); err != nil {
		if errors.Is(err, repository.ErrStaleSeq) {
			return nil, fmt.Errorf("%w: concurrent update: %v", models.ErrInvalidTransition, err)
		}
		return nil, fmt.Errorf("failed to update alert: %w", err)
	}

	if next.NextEscalationAt != nil {
		s.scheduler.Schedule(next.AlertID, *next.NextEscalationAt)
	} else {
		s.scheduler.Cancel(next.AlertID)
	}
	s.publisher.Publish(*out.Event)
	s.recorder.ObserveTransition(string(out.Event.Type))
	if out.Event.Type == models.EventAlertEscalated {
		s.recorder.ObserveEscalation(next.CurrentEscalationTier, string(cmd.Trigger))
	}

	s.logger.Info("Alert transition committed",
		zap.String("alert_id", next.AlertID),
		zap.String("hospital_id", next.HospitalID),
		zap.String("event", string(out.Event.Type)),
		zap.String("status", string(next.Status)),
		zap.Int("tier", next.CurrentEscalationTier),
		zap.Int64("seq", next.TransitionSeq),
		zap.String("actor_id", cmd.Actor.ID),
	)
	return next, nil
}

func (s *alertService) observe(command string, started time.Time, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, models.ErrForbiddenRole):
		result = "forbidden"
	case errors.Is(err, models.ErrInvalidTransition):
		result = "invalid_transition"
	case errors.Is(err, models.ErrNotFound):
		result = "not_found"
	case errors.Is(err, models.ErrValidation):
		result = "validation"
	default:
		result = "error"
	}
	s.recorder.ObserveCommand(command, result, time.Since(started))
}
