package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// HospitalRepository 医院存在性校验
type HospitalRepository interface {
	HospitalExists(ctx context.Context, hospitalID string) (bool, error)
}

// MemoryHospitalsRepo 内存实现；未登记任何医院时接受所有 hospital_id（开发模式）
type MemoryHospitalsRepo struct {
	mu        sync.RWMutex
	hospitals map[string]struct{}
}

func NewMemoryHospitalsRepo(ids ...string) *MemoryHospitalsRepo {
	r := &MemoryHospitalsRepo{hospitals: map[string]struct{}{}}
	for _, id := range ids {
		if id != "" {
			r.hospitals[id] = struct{}{}
		}
	}
	return r
}

func (r *MemoryHospitalsRepo) Add(hospitalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hospitals[hospitalID] = struct{}{}
}

func (r *MemoryHospitalsRepo) HospitalExists(_ context.Context, hospitalID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.hospitals) == 0 {
		return hospitalID != "", nil
	}
	_, ok := r.hospitals[hospitalID]
	return ok, nil
}

// PostgresHospitalsRepo hospitals 表
type PostgresHospitalsRepo struct {
	db *sql.DB
}

func NewPostgresHospitalsRepo(db *sql.DB) *PostgresHospitalsRepo {
	return &PostgresHospitalsRepo{db: db}
}

func (r *PostgresHospitalsRepo) HospitalExists(ctx context.Context, hospitalID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM hospitals WHERE hospital_id = $1)`, hospitalID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check hospital: %w", err)
	}
	return exists, nil
}
