package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements 服务自有表（启动时幂等创建）
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS hospitals (
		hospital_id   TEXT PRIMARY KEY,
		hospital_name TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		alert_id                UUID PRIMARY KEY,
		hospital_id             TEXT NOT NULL,
		room_number             TEXT NOT NULL,
		alert_type              TEXT NOT NULL,
		urgency_level           SMALLINT NOT NULL CHECK (urgency_level BETWEEN 1 AND 5),
		description             TEXT,
		status                  TEXT NOT NULL CHECK (status IN ('active', 'acknowledged', 'resolved')),
		current_escalation_tier INTEGER NOT NULL CHECK (current_escalation_tier >= 1),
		next_escalation_at      TIMESTAMPTZ,
		transition_seq          BIGINT NOT NULL,
		created_at              TIMESTAMPTZ NOT NULL,
		acknowledged_at         TIMESTAMPTZ,
		resolved_at             TIMESTAMPTZ,
		updated_at              TIMESTAMPTZ NOT NULL,
		created_by              TEXT NOT NULL,
		acknowledged_by         TEXT,
		resolved_by             TEXT,
		notes                   TEXT,
		resolution              TEXT,
		CHECK ((status = 'active') = (next_escalation_at IS NOT NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_hospital_status ON alerts (hospital_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_next_escalation ON alerts (next_escalation_at) WHERE status = 'active'`,
	`CREATE TABLE IF NOT EXISTS alert_transitions (
		alert_id       UUID NOT NULL REFERENCES alerts (alert_id),
		transition_seq BIGINT NOT NULL,
		event_type     TEXT NOT NULL,
		from_status    TEXT,
		to_status      TEXT NOT NULL,
		from_tier      INTEGER NOT NULL,
		to_tier        INTEGER NOT NULL,
		actor_id       TEXT NOT NULL,
		occurred_at    TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (alert_id, transition_seq)
	)`,
}

// EnsureSchema 创建服务所需的表与索引
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}
