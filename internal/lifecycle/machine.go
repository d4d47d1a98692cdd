// Package lifecycle 报警生命周期状态机
//
//	create → active(1) ─escalate→ active(t+1) ...
//	active(t) ─acknowledge→ acknowledged ─resolve→ resolved（终态，吸收所有后续命令）
//
// 本包只做纯函数计算：校验当前状态并返回新的报警值与事件，不做任何 IO。
// 持久化、加锁、调度和分发由 service 层负责。
package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"wisefido-alert/internal/models"
)

// CommandKind 命令类型
type CommandKind string

const (
	CommandAcknowledge CommandKind = "acknowledge"
	CommandResolve     CommandKind = "resolve"
	CommandEscalate    CommandKind = "escalate"
)

// Command 作用于已有报警的命令
type Command struct {
	Kind       CommandKind
	Actor      models.Actor
	Trigger    models.EscalationTrigger // 仅 escalate
	Notes      string                   // 仅 acknowledge
	Resolution string                   // 仅 resolve
}

// Outcome 状态机计算结果
// Changed=false 表示合法的空操作（如最高层级再次升级），此时 Event 为 nil
type Outcome struct {
	Alert   *models.Alert
	Event   *models.AlertEvent
	Changed bool
}

// CreateInput 创建报警参数
type CreateInput struct {
	HospitalID   string
	RoomNumber   string
	AlertType    string
	UrgencyLevel int
	Description  string
	CreatedBy    models.Actor
}

// NewAlert 创建报警：初始状态 active(1)，期限 = now + tier1.timeout
func NewAlert(id string, in CreateInput, policy models.EscalationPolicy, now time.Time) (*models.Alert, models.AlertEvent, error) {
	if err := validateCreate(in); err != nil {
		return nil, models.AlertEvent{}, err
	}
	if !models.RoleIn(in.CreatedBy.Role, models.CreateRoles) {
		return nil, models.AlertEvent{}, models.NewForbiddenRoleError(
			fmt.Sprintf("%s cannot create alerts", in.CreatedBy.Role))
	}
	tier1, ok := policy.TierDef(1)
	if !ok {
		return nil, models.AlertEvent{}, fmt.Errorf("%w: policy %q has no tier 1", models.ErrValidation, policy.Name)
	}

	next := now.Add(tier1.Timeout())
	a := &models.Alert{
		AlertID:               id,
		HospitalID:            strings.TrimSpace(in.HospitalID),
		RoomNumber:            strings.TrimSpace(in.RoomNumber),
		AlertType:             in.AlertType,
		UrgencyLevel:          in.UrgencyLevel,
		Description:           models.StringPtr(strings.TrimSpace(in.Description)),
		Status:                models.StatusActive,
		CurrentEscalationTier: 1,
		NextEscalationAt:      &next,
		TransitionSeq:         1,
		CreatedAt:             now,
		UpdatedAt:             now,
		CreatedBy:             in.CreatedBy.ID,
	}
	return a, models.NewAlertEvent(models.EventAlertCreated, a, in.CreatedBy.ID, now), nil
}

func validateCreate(in CreateInput) error {
	if strings.TrimSpace(in.HospitalID) == "" {
		return fmt.Errorf("%w: hospital_id is required", models.ErrValidation)
	}
	if strings.TrimSpace(in.RoomNumber) == "" {
		return fmt.Errorf("%w: room_number is required", models.ErrValidation)
	}
	if in.AlertType == "" {
		return fmt.Errorf("%w: alert_type is required", models.ErrValidation)
	}
	if in.UrgencyLevel < models.UrgencyCritical || in.UrgencyLevel > models.UrgencyLowest {
		return fmt.Errorf("%w: urgency_level must be between %d and %d, got %d",
			models.ErrValidation, models.UrgencyCritical, models.UrgencyLowest, in.UrgencyLevel)
	}
	if in.CreatedBy.ID == "" {
		return fmt.Errorf("%w: created_by is required", models.ErrValidation)
	}
	return nil
}

// Apply 在当前状态上应用命令
// cur 不会被修改；返回的 Outcome.Alert 是新值
func Apply(cur *models.Alert, cmd Command, policy models.EscalationPolicy, now time.Time) (Outcome, error) {
	if cur == nil {
		return Outcome{}, fmt.Errorf("%w: alert is nil", models.ErrNotFound)
	}
	// resolved 为吸收态
	if cur.Status == models.StatusResolved {
		return Outcome{Alert: cur}, fmt.Errorf("%w: alert %s is already resolved", models.ErrInvalidTransition, cur.AlertID)
	}

	switch cmd.Kind {
	case CommandAcknowledge:
		return acknowledge(cur, cmd, now)
	case CommandResolve:
		return resolve(cur, cmd, now)
	case CommandEscalate:
		return escalate(cur, cmd, policy, now)
	default:
		return Outcome{Alert: cur}, fmt.Errorf("%w: unknown command %q", models.ErrValidation, cmd.Kind)
	}
}

func acknowledge(cur *models.Alert, cmd Command, now time.Time) (Outcome, error) {
	if cur.Status != models.StatusActive {
		return Outcome{Alert: cur}, fmt.Errorf("%w: can only acknowledge active alerts, current status: %s",
			models.ErrInvalidTransition, cur.Status)
	}
	if !models.RoleIn(cmd.Actor.Role, models.AcknowledgeRoles) {
		return Outcome{Alert: cur}, models.NewForbiddenRoleError(
			fmt.Sprintf("%s cannot acknowledge alerts", cmd.Actor.Role))
	}

	next := cur.Clone()
	next.Status = models.StatusAcknowledged
	next.AcknowledgedAt = models.TimePtr(now)
	next.AcknowledgedBy = models.StringPtr(cmd.Actor.ID)
	next.NextEscalationAt = nil // 同一变更内取消升级
	next.Notes = models.StringPtr(strings.TrimSpace(cmd.Notes))
	return commit(next, models.EventAlertAcknowledged, cmd.Actor.ID, now, nil), nil
}

func resolve(cur *models.Alert, cmd Command, now time.Time) (Outcome, error) {
	if cur.Status != models.StatusAcknowledged {
		return Outcome{Alert: cur}, fmt.Errorf("%w: can only resolve acknowledged alerts, current status: %s",
			models.ErrInvalidTransition, cur.Status)
	}
	if !models.RoleIn(cmd.Actor.Role, models.ResolveRoles) {
		return Outcome{Alert: cur}, models.NewForbiddenRoleError(
			fmt.Sprintf("%s cannot resolve alerts", cmd.Actor.Role))
	}
	if strings.TrimSpace(cmd.Resolution) == "" {
		return Outcome{Alert: cur}, fmt.Errorf("%w: resolution is required", models.ErrValidation)
	}

	next := cur.Clone()
	next.Status = models.StatusResolved
	next.ResolvedAt = models.TimePtr(now)
	next.ResolvedBy = models.StringPtr(cmd.Actor.ID)
	next.Resolution = models.StringPtr(strings.TrimSpace(cmd.Resolution))
	next.NextEscalationAt = nil
	return commit(next, models.EventAlertResolved, cmd.Actor.ID, now, nil), nil
}

func escalate(cur *models.Alert, cmd Command, policy models.EscalationPolicy, now time.Time) (Outcome, error) {
	if cur.Status != models.StatusActive {
		return Outcome{Alert: cur}, fmt.Errorf("%w: can only escalate active alerts, current status: %s",
			models.ErrInvalidTransition, cur.Status)
	}

	switch cmd.Trigger {
	case models.TriggerDeadline:
		// 期限未到：过期的调度命令（期限已被重置）
		if cur.NextEscalationAt == nil || now.Before(*cur.NextEscalationAt) {
			return Outcome{Alert: cur}, fmt.Errorf("%w: escalation deadline for alert %s has not elapsed",
				models.ErrInvalidTransition, cur.AlertID)
		}
	case models.TriggerManual:
		if !models.RoleIn(cmd.Actor.Role, models.ManualEscalate) {
			return Outcome{Alert: cur}, models.NewForbiddenRoleError(
				fmt.Sprintf("%s cannot escalate alerts manually", cmd.Actor.Role))
		}
	default:
		return Outcome{Alert: cur}, fmt.Errorf("%w: unknown escalation trigger %q", models.ErrValidation, cmd.Trigger)
	}

	successor, ok := policy.Next(cur.CurrentEscalationTier)
	if !ok {
		// 已是最高层级：空操作，不报错，不重复通知
		return Outcome{Alert: cur, Changed: false}, nil
	}

	next := cur.Clone()
	next.CurrentEscalationTier = successor.Tier
	deadline := now.Add(successor.Timeout())
	next.NextEscalationAt = &deadline
	return commit(next, models.EventAlertEscalated, cmd.Actor.ID, now, successor.NotifyRoles), nil
}

// commit 递增 transitionSeq 并生成事件
func commit(next *models.Alert, t models.EventType, actorID string, now time.Time, roles []models.Role) Outcome {
	next.TransitionSeq++
	next.UpdatedAt = now
	ev := models.NewAlertEvent(t, next, actorID, now)
	if len(roles) > 0 {
		ev.NotifyRoles = append([]models.Role(nil), roles...)
	}
	return Outcome{Alert: next, Event: &ev, Changed: true}
}
