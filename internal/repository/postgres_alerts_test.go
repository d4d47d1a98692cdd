package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"wisefido-alert/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockAlertsDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresAlertsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewPostgresAlertsRepository(db, zap.NewNop())
	return db, mock, repo
}

var alertRowColumns = []string{
	"alert_id", "hospital_id", "room_number", "alert_type", "urgency_level", "description",
	"status", "current_escalation_tier", "next_escalation_at", "transition_seq",
	"created_at", "acknowledged_at", "resolved_at", "updated_at",
	"created_by", "acknowledged_by", "resolved_by", "notes", "resolution",
}

// ============================================
// 基础 CRUD 操作测试
// ============================================

func TestPostgresGetAlert_Success(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	alertID := uuid.New().String()
	createdAt := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	nextAt := createdAt.Add(time.Minute)

	rows := sqlmock.NewRows(alertRowColumns).AddRow(
		alertID, "hospital-1", "ICU-12", "code_blue", 1, "bed 3",
		"active", 1, nextAt, 1,
		createdAt, nil, nil, createdAt,
		"op-1", nil, nil, nil, nil,
	)
	mock.ExpectQuery(`SELECT`).WithArgs(alertID).WillReturnRows(rows)

	a, err := repo.GetAlert(context.Background(), alertID)
	require.NoError(t, err)
	assert.Equal(t, alertID, a.AlertID)
	assert.Equal(t, models.StatusActive, a.Status)
	assert.Equal(t, 1, a.UrgencyLevel)
	require.NotNil(t, a.Description)
	assert.Equal(t, "bed 3", *a.Description)
	require.NotNil(t, a.NextEscalationAt)
	assert.True(t, nextAt.Equal(*a.NextEscalationAt))
	assert.Nil(t, a.AcknowledgedAt)
	assert.Nil(t, a.AcknowledgedBy)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetAlert_NotFound(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	alertID := uuid.New().String()
	mock.ExpectQuery(`SELECT`).WithArgs(alertID).WillReturnError(sql.ErrNoRows)

	a, err := repo.GetAlert(context.Background(), alertID)
	assert.Nil(t, a)
	assert.True(t, errors.Is(err, models.ErrNotFound))

	require.NoError(t, mock.ExpectationsWereMet())
}

// 非 UUID 的 id 不发查询，直接返回 NotFound
func TestPostgresGetAlert_MalformedIDIsNotFound(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	for _, id := range []string{"", "not-a-uuid", "12345"} {
		a, err := repo.GetAlert(context.Background(), id)
		assert.Nil(t, a)
		assert.True(t, errors.Is(err, models.ErrNotFound), "id=%q", id)

		recs, err := repo.ListTransitions(context.Background(), id)
		assert.Nil(t, recs)
		assert.True(t, errors.Is(err, models.ErrNotFound), "id=%q", id)
	}

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateAlert_WritesTransition(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	now := time.Now().UTC()
	next := now.Add(time.Minute)
	a := &models.Alert{
		AlertID:               uuid.New().String(),
		HospitalID:            "hospital-1",
		RoomNumber:            "ER-1",
		AlertType:             "fire",
		UrgencyLevel:          2,
		Status:                models.StatusActive,
		CurrentEscalationTier: 1,
		NextEscalationAt:      &next,
		TransitionSeq:         1,
		CreatedAt:             now,
		UpdatedAt:             now,
		CreatedBy:             "op-1",
	}
	rec := NewTransitionRecord(nil, a, models.EventAlertCreated, "op-1", now)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO alerts`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO alert_transitions`).
		WithArgs(a.AlertID, int64(1), "AlertCreated", nil, "active", 0, 1, "op-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.CreateAlert(context.Background(), a, rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateAlert_CompareAndSet(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	now := time.Now().UTC()
	prev := &models.Alert{AlertID: uuid.New().String(), Status: models.StatusActive, CurrentEscalationTier: 1, TransitionSeq: 1}
	next := prev.Clone()
	next.Status = models.StatusAcknowledged
	next.TransitionSeq = 2
	next.AcknowledgedAt = &now
	next.AcknowledgedBy = models.StringPtr("nurse-1")
	next.UpdatedAt = now
	rec := NewTransitionRecord(prev, next, models.EventAlertAcknowledged, "nurse-1", now)

	args := make([]driver.Value, 0, 13)
	for i := 0; i < 11; i++ {
		args = append(args, sqlmock.AnyArg())
	}
	args = append(args, next.AlertID, int64(1))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE alerts SET`).WithArgs(args...).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO alert_transitions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.UpdateAlert(context.Background(), next, 1, rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateAlert_StaleSeq(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	next := &models.Alert{AlertID: uuid.New().String(), Status: models.StatusAcknowledged, TransitionSeq: 2}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE alerts SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.UpdateAlert(context.Background(), next, 1, TransitionRecord{AlertID: next.AlertID, Seq: 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStaleSeq))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListActiveDeadlines(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	t1 := time.Now().Add(-2 * time.Minute)
	t2 := time.Now().Add(-time.Minute)
	rows := sqlmock.NewRows([]string{"alert_id", "next_escalation_at"}).
		AddRow("a-1", t1).
		AddRow("a-2", t2)
	mock.ExpectQuery(`SELECT alert_id::text, next_escalation_at`).WillReturnRows(rows)

	out, err := repo.ListActiveDeadlines(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "a-1", out[0].AlertID)
	assert.True(t, t1.Equal(out[0].At))
	assert.Equal(t, "a-2", out[1].AlertID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListAlerts_BuildsFilters(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	mock.ExpectQuery(`FROM alerts WHERE hospital_id = \$1 AND status IN \(\$2, \$3\) ORDER BY urgency_level ASC`).
		WithArgs("hospital-1", "active", "acknowledged", 50).
		WillReturnRows(sqlmock.NewRows(alertRowColumns))

	out, err := repo.ListAlerts(context.Background(), AlertFilters{
		HospitalID: "hospital-1",
		Statuses:   []models.AlertStatus{models.StatusActive, models.StatusAcknowledged},
		Limit:      50,
	})
	require.NoError(t, err)
	assert.Empty(t, out)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSummarizeAlerts(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"status", "current_escalation_tier", "total", "overdue"}).
		AddRow("active", 1, 3, 1).
		AddRow("active", 2, 1, 0).
		AddRow("acknowledged", 1, 2, 0).
		AddRow("resolved", 3, 4, 0)
	mock.ExpectQuery(`GROUP BY status, current_escalation_tier`).
		WithArgs("hospital-1", now).
		WillReturnRows(rows)

	s, err := repo.SummarizeAlerts(context.Background(), "hospital-1", now)
	require.NoError(t, err)
	assert.Equal(t, 10, s.Total)
	assert.Equal(t, 4, s.ByStatus[models.StatusActive])
	assert.Equal(t, 2, s.ByStatus[models.StatusAcknowledged])
	assert.Equal(t, 4, s.ByStatus[models.StatusResolved])
	assert.Equal(t, 3, s.ActiveByTier[1])
	assert.Equal(t, 1, s.ActiveByTier[2])
	assert.Equal(t, 1, s.Overdue)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for range schemaStatements {
		mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, EnsureSchema(context.Background(), db))
	require.NoError(t, mock.ExpectationsWereMet())
}
