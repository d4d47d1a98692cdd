package models

import "time"

// AlertSummary 医院维度的报警汇总
type AlertSummary struct {
	HospitalID   string              `json:"hospital_id"`
	Total        int                 `json:"total"`
	ByStatus     map[AlertStatus]int `json:"by_status"`
	ActiveByTier map[int]int         `json:"active_by_tier"`
	Overdue      int                 `json:"overdue"` // active 且期限已过
	GeneratedAt  time.Time           `json:"generated_at"`
}

// NewAlertSummary 构造空汇总
func NewAlertSummary(hospitalID string, at time.Time) *AlertSummary {
	return &AlertSummary{
		HospitalID: hospitalID,
		ByStatus: map[AlertStatus]int{
			StatusActive:       0,
			StatusAcknowledged: 0,
			StatusResolved:     0,
		},
		ActiveByTier: map[int]int{},
		GeneratedAt:  at,
	}
}

// Add 累加一条报警
func (s *AlertSummary) Add(a *Alert, now time.Time) {
	s.Total++
	s.ByStatus[a.Status]++
	if a.Status == StatusActive {
		s.ActiveByTier[a.CurrentEscalationTier]++
		if a.NextEscalationAt != nil && !a.NextEscalationAt.After(now) {
			s.Overdue++
		}
	}
}
