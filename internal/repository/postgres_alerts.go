package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"wisefido-alert/common/database"
	"wisefido-alert/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PostgresAlertsRepository 报警存储 PostgreSQL 实现
type PostgresAlertsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresAlertsRepository 创建报警 Repository
func NewPostgresAlertsRepository(db *sql.DB, logger *zap.Logger) *PostgresAlertsRepository {
	return &PostgresAlertsRepository{db: db, logger: logger}
}

// 确保实现了接口
var _ AlertRepository = (*PostgresAlertsRepository)(nil)

const alertColumns = `
	alert_id::text,
	hospital_id,
	room_number,
	alert_type,
	urgency_level,
	description,
	status,
	current_escalation_tier,
	next_escalation_at,
	transition_seq,
	created_at,
	acknowledged_at,
	resolved_at,
	updated_at,
	created_by,
	acknowledged_by,
	resolved_by,
	notes,
	resolution`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var a models.Alert
	var status string
	var description, ackBy, resolvedBy, notes, resolution sql.NullString
	var nextAt, ackAt, resolvedAt sql.NullTime

	err := row.Scan(
		&a.AlertID,
		&a.HospitalID,
		&a.RoomNumber,
		&a.AlertType,
		&a.UrgencyLevel,
		&description,
		&status,
		&a.CurrentEscalationTier,
		&nextAt,
		&a.TransitionSeq,
		&a.CreatedAt,
		&ackAt,
		&resolvedAt,
		&a.UpdatedAt,
		&a.CreatedBy,
		&ackBy,
		&resolvedBy,
		&notes,
		&resolution,
	)
	if err != nil {
		return nil, err
	}

	a.Status = models.AlertStatus(status)
	// 处理可空字段
	if description.Valid {
		a.Description = &description.String
	}
	if nextAt.Valid {
		a.NextEscalationAt = &nextAt.Time
	}
	if ackAt.Valid {
		a.AcknowledgedAt = &ackAt.Time
	}
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	if ackBy.Valid {
		a.AcknowledgedBy = &ackBy.String
	}
	if resolvedBy.Valid {
		a.ResolvedBy = &resolvedBy.String
	}
	if notes.Valid {
		a.Notes = &notes.String
	}
	if resolution.Valid {
		a.Resolution = &resolution.String
	}
	return &a, nil
}

// CreateAlert 创建报警
func (r *PostgresAlertsRepository) CreateAlert(ctx context.Context, alert *models.Alert, rec TransitionRecord) error {
	if alert == nil || alert.AlertID == "" {
		return fmt.Errorf("alert_id is required")
	}

	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		query := `
			INSERT INTO alerts (
				alert_id, hospital_id, room_number, alert_type, urgency_level, description,
				status, current_escalation_tier, next_escalation_at, transition_seq,
				created_at, updated_at, created_by
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`
		_, err := tx.ExecContext(ctx, query,
			alert.AlertID,
			alert.HospitalID,
			alert.RoomNumber,
			alert.AlertType,
			alert.UrgencyLevel,
			alert.Description,
			string(alert.Status),
			alert.CurrentEscalationTier,
			alert.NextEscalationAt,
			alert.TransitionSeq,
			alert.CreatedAt,
			alert.UpdatedAt,
			alert.CreatedBy,
		)
		if err != nil {
			return fmt.Errorf("failed to create alert: %w", err)
		}
		return insertTransition(ctx, tx, rec)
	})
}

// GetAlert 获取单个报警
func (r *PostgresAlertsRepository) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	// alert_id 列为 UUID：非法 id 直接视为不存在
	if _, err := uuid.Parse(alertID); err != nil {
		return nil, fmt.Errorf("%w: alert_id=%s", models.ErrNotFound, alertID)
	}

	query := `SELECT ` + alertColumns + ` FROM alerts WHERE alert_id = $1`
	a, err := scanAlert(r.db.QueryRowContext(ctx, query, alertID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: alert_id=%s", models.ErrNotFound, alertID)
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return a, nil
}

// UpdateAlert 按 transition_seq 比较并写入
func (r *PostgresAlertsRepository) UpdateAlert(ctx context.Context, alert *models.Alert, prevSeq int64, rec TransitionRecord) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		query := `
			UPDATE alerts SET
				status = $1,
				current_escalation_tier = $2,
				next_escalation_at = $3,
				transition_seq = $4,
				acknowledged_at = $5,
				acknowledged_by = $6,
				resolved_at = $7,
				resolved_by = $8,
				notes = $9,
				resolution = $10,
				updated_at = $11
			WHERE alert_id = $12 AND transition_seq = $13
		`
		res, err := tx.ExecContext(ctx, query,
			string(alert.Status),
			alert.CurrentEscalationTier,
			alert.NextEscalationAt,
			alert.TransitionSeq,
			alert.AcknowledgedAt,
			alert.AcknowledgedBy,
			alert.ResolvedAt,
			alert.ResolvedBy,
			alert.Notes,
			alert.Resolution,
			alert.UpdatedAt,
			alert.AlertID,
			prevSeq,
		)
		if err != nil {
			return fmt.Errorf("failed to update alert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: alert_id=%s expected=%d", ErrStaleSeq, alert.AlertID, prevSeq)
		}
		return insertTransition(ctx, tx, rec)
	})
}

func insertTransition(ctx context.Context, tx *sql.Tx, rec TransitionRecord) error {
	query := `
		INSERT INTO alert_transitions (
			alert_id, transition_seq, event_type, from_status, to_status,
			from_tier, to_tier, actor_id, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	var fromStatus *string
	if rec.FromStatus != "" {
		s := string(rec.FromStatus)
		fromStatus = &s
	}
	_, err := tx.ExecContext(ctx, query,
		rec.AlertID,
		rec.Seq,
		string(rec.EventType),
		fromStatus,
		string(rec.ToStatus),
		rec.FromTier,
		rec.ToTier,
		rec.ActorID,
		rec.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert transition: %w", err)
	}
	return nil
}

// buildWhereClause 构建 WHERE 子句
func (r *PostgresAlertsRepository) buildWhereClause(filters AlertFilters, args *[]interface{}, argN *int) []string {
	where := []string{}
	if filters.HospitalID != "" {
		where = append(where, fmt.Sprintf("hospital_id = $%d", *argN))
		*args = append(*args, filters.HospitalID)
		*argN++
	}
	if len(filters.Statuses) > 0 {
		placeholders := make([]string, len(filters.Statuses))
		for i := range filters.Statuses {
			placeholders[i] = fmt.Sprintf("$%d", *argN)
			*args = append(*args, string(filters.Statuses[i]))
			*argN++
		}
		where = append(where, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filters.AlertType != nil {
		where = append(where, fmt.Sprintf("alert_type = $%d", *argN))
		*args = append(*args, *filters.AlertType)
		*argN++
	}
	if filters.Since != nil {
		where = append(where, fmt.Sprintf("created_at >= $%d", *argN))
		*args = append(*args, *filters.Since)
		*argN++
	}
	if filters.Until != nil {
		where = append(where, fmt.Sprintf("created_at < $%d", *argN))
		*args = append(*args, *filters.Until)
		*argN++
	}
	return where
}

// ListAlerts 列表查询
func (r *PostgresAlertsRepository) ListAlerts(ctx context.Context, filters AlertFilters) ([]*models.Alert, error) {
	args := []interface{}{}
	argN := 1
	where := r.buildWhereClause(filters, &args, &argN)

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filters.Order == OrderNewest {
		query += " ORDER BY created_at DESC"
	} else {
		query += " ORDER BY urgency_level ASC, current_escalation_tier DESC, created_at ASC, alert_id ASC"
	}
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argN)
		args = append(args, filters.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	out := []*models.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}
	return out, nil
}

// ListActiveDeadlines 所有 active 报警的升级期限
func (r *PostgresAlertsRepository) ListActiveDeadlines(ctx context.Context) ([]Deadline, error) {
	query := `
		SELECT alert_id::text, next_escalation_at
		FROM alerts
		WHERE status = 'active' AND next_escalation_at IS NOT NULL
		ORDER BY next_escalation_at ASC, alert_id ASC
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active deadlines: %w", err)
	}
	defer rows.Close()

	out := []Deadline{}
	for rows.Next() {
		var d Deadline
		if err := rows.Scan(&d.AlertID, &d.At); err != nil {
			return nil, fmt.Errorf("failed to scan deadline: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deadlines: %w", err)
	}
	return out, nil
}

// SummarizeAlerts 医院维度汇总（按 status + tier 分组）
func (r *PostgresAlertsRepository) SummarizeAlerts(ctx context.Context, hospitalID string, now time.Time) (*models.AlertSummary, error) {
	if hospitalID == "" {
		return nil, fmt.Errorf("hospital_id is required")
	}

	query := `
		SELECT
			status,
			current_escalation_tier,
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE next_escalation_at IS NOT NULL AND next_escalation_at <= $2) AS overdue
		FROM alerts
		WHERE hospital_id = $1
		GROUP BY status, current_escalation_tier
	`
	rows, err := r.db.QueryContext(ctx, query, hospitalID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize alerts: %w", err)
	}
	defer rows.Close()

	s := models.NewAlertSummary(hospitalID, now)
	for rows.Next() {
		var status string
		var tier, total, overdue int
		if err := rows.Scan(&status, &tier, &total, &overdue); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		st := models.AlertStatus(status)
		s.Total += total
		s.ByStatus[st] += total
		if st == models.StatusActive {
			s.ActiveByTier[tier] += total
			s.Overdue += overdue
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate summary rows: %w", err)
	}
	return s, nil
}

// ListTransitions 报警变更记录
func (r *PostgresAlertsRepository) ListTransitions(ctx context.Context, alertID string) ([]TransitionRecord, error) {
	if _, err := uuid.Parse(alertID); err != nil {
		return nil, fmt.Errorf("%w: alert_id=%s", models.ErrNotFound, alertID)
	}
	query := `
		SELECT alert_id::text, transition_seq, event_type, from_status, to_status,
		       from_tier, to_tier, actor_id, occurred_at
		FROM alert_transitions
		WHERE alert_id = $1
		ORDER BY transition_seq ASC
	`
	rows, err := r.db.QueryContext(ctx, query, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert transitions: %w", err)
	}
	defer rows.Close()

	out := []TransitionRecord{}
	for rows.Next() {
		var rec TransitionRecord
		var eventType, toStatus string
		var fromStatus sql.NullString
		if err := rows.Scan(&rec.AlertID, &rec.Seq, &eventType, &fromStatus, &toStatus,
			&rec.FromTier, &rec.ToTier, &rec.ActorID, &rec.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert transition: %w", err)
		}
		rec.EventType = models.EventType(eventType)
		rec.ToStatus = models.AlertStatus(toStatus)
		if fromStatus.Valid {
			rec.FromStatus = models.AlertStatus(fromStatus.String)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert transitions: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: alert_id=%s", models.ErrNotFound, alertID)
	}
	return out, nil
}
