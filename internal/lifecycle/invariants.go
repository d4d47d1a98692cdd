package lifecycle

import (
	"fmt"

	"wisefido-alert/internal/models"
)

// CheckInvariants 校验单条报警的结构不变量
//   - nextEscalationAt 当且仅当 status=active 时存在
//   - acknowledgedAt 存在当且仅当状态为 acknowledged / resolved
//   - resolvedAt 存在当且仅当状态为 resolved
//   - 时间顺序 createdAt ≤ acknowledgedAt ≤ resolvedAt
//   - 层级在策略范围内
func CheckInvariants(a *models.Alert, policy models.EscalationPolicy) error {
	if err := checkState(a); err != nil {
		return err
	}
	return checkTierBound(a, policy)
}

// CheckTransition 校验一次变更 prev → next
// 层级上限只在层级变化时按当前策略校验，策略收紧后高于新上限的在途报警仍可确认与解决
func CheckTransition(prev, next *models.Alert, policy models.EscalationPolicy) error {
	if prev == nil {
		return fmt.Errorf("previous alert is nil")
	}
	if err := checkState(next); err != nil {
		return err
	}
	if next.CurrentEscalationTier < prev.CurrentEscalationTier {
		return fmt.Errorf("alert %s: tier decreased from %d to %d",
			next.AlertID, prev.CurrentEscalationTier, next.CurrentEscalationTier)
	}
	if next.TransitionSeq != prev.TransitionSeq+1 {
		return fmt.Errorf("alert %s: transition_seq %d does not follow %d",
			next.AlertID, next.TransitionSeq, prev.TransitionSeq)
	}
	if next.CurrentEscalationTier != prev.CurrentEscalationTier {
		return checkTierBound(next, policy)
	}
	return nil
}

func checkState(a *models.Alert) error {
	if a == nil {
		return fmt.Errorf("alert is nil")
	}
	if !a.Status.Valid() {
		return fmt.Errorf("alert %s: unknown status %q", a.AlertID, a.Status)
	}
	if (a.NextEscalationAt != nil) != (a.Status == models.StatusActive) {
		return fmt.Errorf("alert %s: next_escalation_at present=%v with status %s",
			a.AlertID, a.NextEscalationAt != nil, a.Status)
	}
	acked := a.Status == models.StatusAcknowledged || a.Status == models.StatusResolved
	if (a.AcknowledgedAt != nil) != acked {
		return fmt.Errorf("alert %s: acknowledged_at present=%v with status %s",
			a.AlertID, a.AcknowledgedAt != nil, a.Status)
	}
	if (a.ResolvedAt != nil) != (a.Status == models.StatusResolved) {
		return fmt.Errorf("alert %s: resolved_at present=%v with status %s",
			a.AlertID, a.ResolvedAt != nil, a.Status)
	}
	if a.AcknowledgedAt != nil && a.AcknowledgedAt.Before(a.CreatedAt) {
		return fmt.Errorf("alert %s: acknowledged before created", a.AlertID)
	}
	if a.ResolvedAt != nil && a.AcknowledgedAt != nil && a.ResolvedAt.Before(*a.AcknowledgedAt) {
		return fmt.Errorf("alert %s: resolved before acknowledged", a.AlertID)
	}
	if a.CurrentEscalationTier < 1 {
		return fmt.Errorf("alert %s: tier %d must be positive", a.AlertID, a.CurrentEscalationTier)
	}
	if a.TransitionSeq < 1 {
		return fmt.Errorf("alert %s: transition_seq must be positive", a.AlertID)
	}
	return nil
}

func checkTierBound(a *models.Alert, policy models.EscalationPolicy) error {
	if a.CurrentEscalationTier > policy.MaxTier() {
		return fmt.Errorf("alert %s: tier %d outside policy %q range [1,%d]",
			a.AlertID, a.CurrentEscalationTier, policy.Name, policy.MaxTier())
	}
	return nil
}
