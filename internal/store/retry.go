package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/seantiz/loom/internal/model"
)

const (
	retryInitialInterval = 50 * time.Millisecond
	retryMaxInterval     = 2 * time.Second
)

// Compile-time interface satisfaction check.
var _ Store = (*RetryingStore)(nil)

// RetryingStore wraps a Store and retries transient failures with bounded
// exponential backoff. Definite outcomes (missing rows, malformed requests)
// are never retried. After the attempts are exhausted the last error
// surfaces as a service-level error; it is never folded into a job's own
// FAILED stage.
type RetryingStore struct {
	inner    Store
	attempts uint64
}

// NewRetryingStore wraps inner with up to attempts retries per operation.
func NewRetryingStore(inner Store, attempts int) *RetryingStore {
	if attempts < 0 {
		attempts = 0
	}
	return &RetryingStore{inner: inner, attempts: uint64(attempts)}
}

func (r *RetryingStore) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxInterval = retryMaxInterval

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, model.ErrInvalidArgument) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, r.attempts), ctx))
}

func (r *RetryingStore) CreateJob(ctx context.Context, j *model.Job) error {
	return r.retry(ctx, func() error { return r.inner.CreateJob(ctx, j) })
}

func (r *RetryingStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var j *model.Job
	err := r.retry(ctx, func() error {
		var err error
		j, err = r.inner.GetJob(ctx, id)
		return err
	})
	return j, err
}

func (r *RetryingStore) ListJobs(ctx context.Context, f ListFilter) ([]*model.Job, int, error) {
	var jobs []*model.Job
	var total int
	err := r.retry(ctx, func() error {
		var err error
		jobs, total, err = r.inner.ListJobs(ctx, f)
		return err
	})
	return jobs, total, err
}

func (r *RetryingStore) UpdateState(ctx context.Context, id string, st model.State) error {
	return r.retry(ctx, func() error { return r.inner.UpdateState(ctx, id, st) })
}

func (r *RetryingStore) SetResult(ctx context.Context, id, resultURL string, expiresAt *time.Time) error {
	return r.retry(ctx, func() error { return r.inner.SetResult(ctx, id, resultURL, expiresAt) })
}

func (r *RetryingStore) ListExpired(ctx context.Context, now time.Time) ([]*model.Job, error) {
	var jobs []*model.Job
	err := r.retry(ctx, func() error {
		var err error
		jobs, err = r.inner.ListExpired(ctx, now)
		return err
	})
	return jobs, err
}

func (r *RetryingStore) DeleteJob(ctx context.Context, id string) error {
	return r.retry(ctx, func() error { return r.inner.DeleteJob(ctx, id) })
}

func (r *RetryingStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	var stats *JobStats
	err := r.retry(ctx, func() error {
		var err error
		stats, err = r.inner.GetJobStats(ctx)
		return err
	})
	return stats, err
}

func (r *RetryingStore) Close() error {
	return r.inner.Close()
}
