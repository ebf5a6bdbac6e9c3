// Package jobstore is the narrow repository contract the core records job
// lifecycle state through. The relational store is an external
// collaborator; nothing else in the core touches the database.
package jobstore

import (
	"context"
	"time"
)

// Job lifecycle states as persisted.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// JobRecord is the persisted view of a job registration.
type JobRecord struct {
	ID            uint   `gorm:"primarykey"`
	JobID         string `gorm:"uniqueIndex"`
	Prompt        string
	CorrelationID string
	Status        string
	MatchedCount  int64
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// Store is the repository contract.
type Store interface {
	CreateJob(ctx context.Context, rec *JobRecord) error
	MarkCompleted(ctx context.Context, jobID string, matched int64) error
	MarkCancelled(ctx context.Context, jobID string, matched int64) error
	MarkFailed(ctx context.Context, jobID, errorMessage string) error
	UpdateMatchedCount(ctx context.Context, jobID string, matched int64) error
	LoadJob(ctx context.Context, jobID string) (*JobRecord, error)
}

// NopStore is used when no database is configured.
type NopStore struct{}

func (NopStore) CreateJob(ctx context.Context, rec *JobRecord) error { return nil }
func (NopStore) MarkCompleted(ctx context.Context, jobID string, matched int64) error {
	return nil
}
func (NopStore) MarkCancelled(ctx context.Context, jobID string, matched int64) error {
	return nil
}
func (NopStore) MarkFailed(ctx context.Context, jobID, errorMessage string) error { return nil }
func (NopStore) UpdateMatchedCount(ctx context.Context, jobID string, matched int64) error {
	return nil
}
func (NopStore) LoadJob(ctx context.Context, jobID string) (*JobRecord, error) {
	return nil, nil
}
