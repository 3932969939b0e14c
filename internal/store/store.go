package store

import (
	"context"
	"errors"
	"time"

	"github.com/smileloop/smileloop/internal/model"
)

// ErrInvalidTransition is returned when a job status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// JobStats holds aggregate job statistics.
type JobStats struct {
	Total           int            `json:"total"`
	CountByStatus   map[string]int `json:"count_by_status"`
	CountByProvider map[string]int `json:"count_by_provider"`
	AvgDurationMS   float64        `json:"avg_duration_ms"`
	Downloads       int            `json:"downloads"`
}

// Store defines the persistence operations for jobs.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	GetJobByCheckout(ctx context.Context, checkoutID string) (*model.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error)
	UpdateJobStatus(ctx context.Context, id, status string) error
	UpdateJob(ctx context.Context, j *model.Job) error
	SetProgress(ctx context.Context, id, step string) error
	SetCheckout(ctx context.Context, id, checkoutID string) error
	MarkPaid(ctx context.Context, id string, at time.Time) error
	IncrementDownloads(ctx context.Context, id string) error
	ListFinishedBefore(ctx context.Context, before time.Time) ([]*model.Job, error)
	ListActiveJobs(ctx context.Context) ([]*model.Job, error)
	ClearArtifacts(ctx context.Context, id string) error
	GetJobStats(ctx context.Context) (*JobStats, error)
	InsertEvent(ctx context.Context, jobID string, seq int, step, message string) error
	GetEvents(ctx context.Context, jobID string) ([]model.JobEvent, error)
	RateCounter
	Close() error
}

// RateLimit is one fixed-window counter and its ceiling.
type RateLimit struct {
	Key    string
	Limit  int
	Window time.Duration
}

// RateCounter keeps fixed-window request counters keyed by an arbitrary string.
type RateCounter interface {
	RateCount(ctx context.Context, key string, window time.Duration, now time.Time) (int, error)
	ReserveRate(ctx context.Context, limits []RateLimit, now time.Time) (exceeded int, err error)
	ReleaseRate(ctx context.Context, limits []RateLimit, reservedAt time.Time) error
	PurgeRateLimits(ctx context.Context, before time.Time) (int, error)
}
