package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgresStore persists job records with gorm and runs the hot
// matched-count updates over a pgx pool directly.
type PostgresStore struct {
	db  *gorm.DB
	pgx *pgxpool.Pool
}

func NewPostgresStore(db *gorm.DB, pool *pgxpool.Pool) (*PostgresStore, error) {
	if err := db.AutoMigrate(&JobRecord{}); err != nil {
		return nil, fmt.Errorf("jobstore: migrate: %w", err)
	}
	return &PostgresStore{db: db, pgx: pool}, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, rec *JobRecord) error {
	rec.Status = StatusActive
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"prompt", "correlation_id", "status", "updated_at"}),
	}).Create(rec).Error
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, jobID string, matched int64) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&JobRecord{}).
		Where("job_id = ?", jobID).
		Updates(map[string]any{
			"status":        StatusCompleted,
			"matched_count": matched,
			"completed_at":  &now,
		}).Error
}

func (s *PostgresStore) MarkCancelled(ctx context.Context, jobID string, matched int64) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&JobRecord{}).
		Where("job_id = ?", jobID).
		Updates(map[string]any{
			"status":        StatusCancelled,
			"matched_count": matched,
			"completed_at":  &now,
		}).Error
}

func (s *PostgresStore) MarkFailed(ctx context.Context, jobID, errorMessage string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&JobRecord{}).
		Where("job_id = ?", jobID).
		Updates(map[string]any{
			"status":        StatusFailed,
			"error_message": errorMessage,
			"completed_at":  &now,
		}).Error
}

// UpdateMatchedCount runs on every counter flush tick, so it goes through
// pgx rather than gorm.
func (s *PostgresStore) UpdateMatchedCount(ctx context.Context, jobID string, matched int64) error {
	if s.pgx == nil {
		return s.db.WithContext(ctx).Model(&JobRecord{}).
			Where("job_id = ?", jobID).
			Update("matched_count", matched).Error
	}
	_, err := s.pgx.Exec(ctx,
		`UPDATE job_records SET matched_count = $1, updated_at = $2 WHERE job_id = $3`,
		matched, time.Now().UTC(), jobID)
	return err
}

func (s *PostgresStore) LoadJob(ctx context.Context, jobID string) (*JobRecord, error) {
	var rec JobRecord
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}
