package query

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"wisefido-alert/internal/models"
	"wisefido-alert/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	clocktesting "k8s.io/utils/clock/testing"
)

var (
	now      = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	doctor   = models.Actor{ID: "doc-1", Role: models.RoleDoctor}
	operator = models.Actor{ID: "op-1", Role: models.RoleOperator}
)

func seededService(t *testing.T) *Service {
	t.Helper()
	repo := repository.NewMemoryAlertsRepo()
	add := func(id string, urgency, tier int, status models.AlertStatus, created time.Time) {
		a := &models.Alert{
			AlertID:               id,
			HospitalID:            "h-1",
			RoomNumber:            "R-" + id,
			AlertType:             "code_blue",
			UrgencyLevel:          urgency,
			Status:                status,
			CurrentEscalationTier: tier,
			TransitionSeq:         1,
			CreatedAt:             created,
			UpdatedAt:             created,
			CreatedBy:             "op-1",
		}
		switch status {
		case models.StatusActive:
			next := created.Add(time.Minute)
			a.NextEscalationAt = &next
		case models.StatusAcknowledged:
			a.AcknowledgedAt = models.TimePtr(created.Add(30 * time.Second))
			a.AcknowledgedBy = models.StringPtr("nurse-1")
		case models.StatusResolved:
			a.AcknowledgedAt = models.TimePtr(created.Add(30 * time.Second))
			a.AcknowledgedBy = models.StringPtr("nurse-1")
			a.ResolvedAt = models.TimePtr(created.Add(time.Minute))
			a.ResolvedBy = models.StringPtr("doc-1")
			a.Resolution = models.StringPtr("stabilized")
		}
		require.NoError(t, repo.CreateAlert(context.Background(), a,
			repository.NewTransitionRecord(nil, a, models.EventAlertCreated, "op-1", created)))
	}
	add("overdue", 1, 2, models.StatusActive, now.Add(-10*time.Minute))
	add("fresh", 1, 1, models.StatusActive, now.Add(-10*time.Second))
	add("acked", 3, 1, models.StatusAcknowledged, now.Add(-5*time.Minute))
	add("closed", 1, 3, models.StatusResolved, now.Add(-time.Hour))

	return NewService(repo, repository.NewMemoryHospitalsRepo("h-1"), clocktesting.NewFakeClock(now), zap.NewNop())
}

func TestGetActiveAlerts_OrderAndScope(t *testing.T) {
	s := seededService(t)

	alerts, err := s.GetActiveAlerts(context.Background(), doctor, "h-1", 0)
	require.NoError(t, err)
	ids := []string{}
	for _, a := range alerts {
		ids = append(ids, a.AlertID)
	}
	assert.Equal(t, []string{"overdue", "fresh", "acked"}, ids)
	require.NotNil(t, alerts[2].AcknowledgedBy)

	limited, err := s.GetActiveAlerts(context.Background(), doctor, "h-1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestGetActiveAlerts_OperatorCannotSeeHandlers(t *testing.T) {
	s := seededService(t)

	alerts, err := s.GetActiveAlerts(context.Background(), operator, "h-1", 10)
	require.NoError(t, err)
	for _, a := range alerts {
		assert.Nil(t, a.AcknowledgedBy, a.AlertID)
		assert.Nil(t, a.ResolvedBy, a.AlertID)
	}
}

func TestGetActiveAlerts_Errors(t *testing.T) {
	s := seededService(t)

	_, err := s.GetActiveAlerts(context.Background(), doctor, "", 10)
	assert.True(t, errors.Is(err, models.ErrValidation))

	_, err = s.GetActiveAlerts(context.Background(), doctor, "h-unknown", 10)
	assert.True(t, errors.Is(err, models.ErrNotFound))

	_, err = s.GetActiveAlerts(context.Background(), models.Actor{ID: "x", Role: "janitor"}, "h-1", 10)
	assert.True(t, errors.Is(err, models.ErrForbiddenRole))
}

func TestGetAlertSummary(t *testing.T) {
	s := seededService(t)

	summary, err := s.GetAlertSummary(context.Background(), doctor, "h-1")
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 2, summary.ByStatus[models.StatusActive])
	assert.Equal(t, 1, summary.ByStatus[models.StatusAcknowledged])
	assert.Equal(t, 1, summary.ByStatus[models.StatusResolved])
	assert.Equal(t, 1, summary.ActiveByTier[1])
	assert.Equal(t, 1, summary.ActiveByTier[2])
	assert.Equal(t, 1, summary.Overdue)
	assert.Equal(t, now, summary.GeneratedAt)
}

func TestListAlertHistory_Filters(t *testing.T) {
	s := seededService(t)

	resolved, err := s.ListAlertHistory(context.Background(), doctor, HistoryFilters{
		HospitalID: "h-1",
		Statuses:   []models.AlertStatus{models.StatusResolved},
	})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "closed", resolved[0].AlertID)

	since := now.Add(-6 * time.Minute)
	recent, err := s.ListAlertHistory(context.Background(), doctor, HistoryFilters{HospitalID: "h-1", Since: &since})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "fresh", recent[0].AlertID)

	_, err = s.ListAlertHistory(context.Background(), doctor, HistoryFilters{
		HospitalID: "h-1",
		Statuses:   []models.AlertStatus{"closed"},
	})
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestExportHistoryXLSX(t *testing.T) {
	s := seededService(t)

	var buf bytes.Buffer
	n, err := s.ExportHistoryXLSX(context.Background(), doctor, HistoryFilters{HospitalID: "h-1"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(historySheet)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, HistoryExportHeader[0], rows[0][0])
	// 最新的在前
	assert.Equal(t, "fresh", rows[1][0])
	last := rows[4]
	assert.Equal(t, "closed", last[0])
	assert.Equal(t, "resolved", last[5])
	assert.Equal(t, "doc-1", last[11])
	assert.Equal(t, "30", last[12])
	assert.Equal(t, "stabilized", last[13])
}
