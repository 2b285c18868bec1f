package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/loom/internal/model"
)

// ErrNotFound is returned when a job does not exist (or has been reaped).
var ErrNotFound = errors.New("job not found")

// JobStats holds aggregate statistics over all stored jobs.
type JobStats struct {
	Total        int            `json:"total"`
	CountByStage map[string]int `json:"count_by_stage"`
	Cacheable    int            `json:"cacheable"`
}

// ListFilter narrows a ListJobs query. Zero time bounds are unbounded.
type ListFilter struct {
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// Store defines the persistence operations for jobs. It is pure CRUD: all
// transition policy lives in the engine, which is the only State writer.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, f ListFilter) ([]*model.Job, int, error)
	UpdateState(ctx context.Context, id string, st model.State) error
	SetResult(ctx context.Context, id, resultURL string, expiresAt *time.Time) error
	ListExpired(ctx context.Context, now time.Time) ([]*model.Job, error)
	DeleteJob(ctx context.Context, id string) error
	GetJobStats(ctx context.Context) (*JobStats, error)
	Close() error
}
