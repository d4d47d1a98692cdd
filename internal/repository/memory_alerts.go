package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"wisefido-alert/internal/models"
)

// MemoryAlertsRepo 内存报警存储（DB_ENABLED=false 时使用，重启丢失）
type MemoryAlertsRepo struct {
	mu          sync.RWMutex
	alerts      map[string]*models.Alert // alertID -> Alert
	transitions map[string][]TransitionRecord
}

func NewMemoryAlertsRepo() *MemoryAlertsRepo {
	return &MemoryAlertsRepo{
		alerts:      map[string]*models.Alert{},
		transitions: map[string][]TransitionRecord{},
	}
}

var _ AlertRepository = (*MemoryAlertsRepo)(nil)

func (r *MemoryAlertsRepo) CreateAlert(_ context.Context, alert *models.Alert, rec TransitionRecord) error {
	if alert == nil || alert.AlertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.alerts[alert.AlertID]; ok {
		return fmt.Errorf("alert already exists: alert_id=%s", alert.AlertID)
	}
	r.alerts[alert.AlertID] = alert.Clone()
	r.transitions[alert.AlertID] = []TransitionRecord{rec}
	return nil
}

func (r *MemoryAlertsRepo) GetAlert(_ context.Context, alertID string) (*models.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.alerts[alertID]
	if !ok {
		return nil, fmt.Errorf("%w: alert_id=%s", models.ErrNotFound, alertID)
	}
	return a.Clone(), nil
}

func (r *MemoryAlertsRepo) UpdateAlert(_ context.Context, alert *models.Alert, prevSeq int64, rec TransitionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.alerts[alert.AlertID]
	if !ok {
		return fmt.Errorf("%w: alert_id=%s", models.ErrNotFound, alert.AlertID)
	}
	if cur.TransitionSeq != prevSeq {
		return fmt.Errorf("%w: alert_id=%s expected=%d actual=%d", ErrStaleSeq, alert.AlertID, prevSeq, cur.TransitionSeq)
	}
	r.alerts[alert.AlertID] = alert.Clone()
	r.transitions[alert.AlertID] = append(r.transitions[alert.AlertID], rec)
	return nil
}

func (r *MemoryAlertsRepo) ListAlerts(_ context.Context, filters AlertFilters) ([]*models.Alert, error) {
	r.mu.RLock()
	out := make([]*models.Alert, 0)
	for _, a := range r.alerts {
		if !matchFilters(a, filters) {
			continue
		}
		out = append(out, a.Clone())
	}
	r.mu.RUnlock()

	SortAlerts(out, filters.Order)
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}

func (r *MemoryAlertsRepo) ListActiveDeadlines(_ context.Context) ([]Deadline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Deadline, 0)
	for _, a := range r.alerts {
		if a.Status == models.StatusActive && a.NextEscalationAt != nil {
			out = append(out, Deadline{AlertID: a.AlertID, At: *a.NextEscalationAt})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].AlertID < out[j].AlertID
		}
		return out[i].At.Before(out[j].At)
	})
	return out, nil
}

func (r *MemoryAlertsRepo) SummarizeAlerts(_ context.Context, hospitalID string, now time.Time) (*models.AlertSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := models.NewAlertSummary(hospitalID, now)
	for _, a := range r.alerts {
		if a.HospitalID == hospitalID {
			s.Add(a, now)
		}
	}
	return s, nil
}

func (r *MemoryAlertsRepo) ListTransitions(_ context.Context, alertID string) ([]TransitionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	recs, ok := r.transitions[alertID]
	if !ok {
		return nil, fmt.Errorf("%w: alert_id=%s", models.ErrNotFound, alertID)
	}
	return append([]TransitionRecord(nil), recs...), nil
}

func matchFilters(a *models.Alert, f AlertFilters) bool {
	if f.HospitalID != "" && a.HospitalID != f.HospitalID {
		return false
	}
	if !statusAllowed(a.Status, f.Statuses) {
		return false
	}
	if f.AlertType != nil && a.AlertType != *f.AlertType {
		return false
	}
	if f.Since != nil && a.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !a.CreatedAt.Before(*f.Until) {
		return false
	}
	return true
}

// SortAlerts 按指定方式排序（内存实现与查询层共用）
func SortAlerts(alerts []*models.Alert, order AlertOrder) {
	sort.SliceStable(alerts, func(i, j int) bool {
		a, b := alerts[i], alerts[j]
		if order == OrderNewest {
			return a.CreatedAt.After(b.CreatedAt)
		}
		if a.UrgencyLevel != b.UrgencyLevel {
			return a.UrgencyLevel < b.UrgencyLevel
		}
		if a.CurrentEscalationTier != b.CurrentEscalationTier {
			return a.CurrentEscalationTier > b.CurrentEscalationTier
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.AlertID < b.AlertID
	})
}
