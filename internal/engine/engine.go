// Package engine orchestrates asynchronous job execution: admission through
// the result cache, the stage state machine, graft evaluation, result
// delivery, watch fan-out, and expiry.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/loom/internal/cache"
	"github.com/seantiz/loom/internal/evaluator"
	"github.com/seantiz/loom/internal/model"
	"github.com/seantiz/loom/internal/pipeline"
	"github.com/seantiz/loom/internal/store"
)

// DefaultTTL is the result retention period when a job does not request one.
const DefaultTTL = 24 * time.Hour

// codeInternal marks failures that are neither evaluator nor pipeline errors.
const codeInternal = "INTERNAL"

// codeChannel marks jobs whose channel resolves to no evaluator.
const codeChannel = "CHANNEL_NOT_FOUND"

// CreateRequest is a validated job submission.
type CreateRequest struct {
	User        string
	Org         string
	Graft       json.RawMessage
	Typespec    string
	Arguments   map[string]json.RawMessage
	Channel     string
	Format      model.Format
	Destination model.Destination
	NoCache     bool
	TTLSeconds  *int
}

// Engine is the scheduler: it admits jobs, drives each through its lifecycle
// in a goroutine, and exposes cancellation and watching.
type Engine struct {
	store    store.Store
	cache    *cache.Cache
	registry *evaluator.Registry
	pipeline *pipeline.Pipeline
	machine  *Machine
	hub      *Hub
	logger   *slog.Logger
	wg       sync.WaitGroup

	defaultTTL    time.Duration
	cacheFailures bool

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// Options tune engine behavior beyond its collaborators.
type Options struct {
	// DefaultTTL is the result retention period for jobs without an explicit
	// ttl_seconds. Zero means DefaultTTL.
	DefaultTTL time.Duration
	// CacheFailures keeps failed jobs in the result cache, so duplicate
	// requests observe the recorded failure instead of recomputing.
	CacheFailures bool
}

// New creates an engine. The hub and machine are owned by the engine; callers
// reach them through Hub and the engine's own methods.
func New(s store.Store, c *cache.Cache, reg *evaluator.Registry, p *pipeline.Pipeline, logger *slog.Logger, opts Options) *Engine {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	hub := NewHub()
	return &Engine{
		store:         s,
		cache:         c,
		registry:      reg,
		pipeline:      p,
		machine:       NewMachine(s, hub),
		hub:           hub,
		logger:        logger,
		defaultTTL:    opts.DefaultTTL,
		cacheFailures: opts.CacheFailures,
		running:       make(map[string]context.CancelFunc),
	}
}

// Hub returns the engine's watch hub for SSE subscription.
func (e *Engine) Hub() *Hub {
	return e.hub
}

// CreateJob admits a submission. When the result cache already holds a live
// job for the request's fingerprint, that job is returned with cached=true
// and nothing new is created. Otherwise a new QUEUED job is persisted,
// execution starts in a goroutine, and the job is returned with cached=false.
func (e *Engine) CreateJob(ctx context.Context, req CreateRequest) (*model.Job, bool, error) {
	if err := validateRequest(req); err != nil {
		return nil, false, err
	}

	fingerprint := model.ComputeFingerprint(req.Graft, req.Typespec, req.Arguments, req.Channel, req.Format, req.Destination)
	id := model.NewID()

	if !req.NoCache {
		// Reserve loops because a committed entry can refer to a job reaped
		// between Lookup and GetJob; stale entries are removed and the
		// reservation retried.
		for {
			winner, reserved, pending := e.cache.Reserve(fingerprint, id)
			if reserved {
				break
			}
			if pending != nil {
				// The holder has claimed the fingerprint but its record is
				// not durable yet; it will commit the entry or release it on
				// store failure. A pending entry is never stale, so wait for
				// the outcome rather than probing the store.
				select {
				case <-ctx.Done():
					return nil, false, ctx.Err()
				case <-pending:
				}
				continue
			}
			existing, err := e.store.GetJob(ctx, winner)
			if errors.Is(err, store.ErrNotFound) {
				e.cache.Remove(fingerprint, winner)
				continue
			}
			if err != nil {
				return nil, false, err
			}
			cacheHits.Inc()
			return existing, true, nil
		}
	}

	now := time.Now().UTC()
	j := &model.Job{
		ID:          id,
		User:        req.User,
		Org:         req.Org,
		Graft:       req.Graft,
		Typespec:    req.Typespec,
		Arguments:   req.Arguments,
		Channel:     req.Channel,
		Format:      req.Format,
		Destination: req.Destination,
		NoCache:     req.NoCache,
		Fingerprint: fingerprint,
		TTLSeconds:  req.TTLSeconds,
		State: model.State{
			Stage:     model.StageQueued,
			Timestamp: now,
		},
		CreatedAt: now,
	}

	e.hub.Register(id, j.State)
	if err := e.store.CreateJob(ctx, j); err != nil {
		if !req.NoCache {
			e.cache.Remove(fingerprint, id)
		}
		e.hub.Drop(id)
		return nil, false, fmt.Errorf("create job: %w", err)
	}
	if !req.NoCache {
		e.cache.Commit(fingerprint, id)
	}
	jobsCreated.Inc()

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.running[id] = cancel
	e.mu.Unlock()

	jCopy := *j
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(runCtx, &jCopy)
	}()

	return j, false, nil
}

// validateRequest rejects malformed submissions before anything is created.
func validateRequest(req CreateRequest) error {
	if len(req.Graft) == 0 {
		return fmt.Errorf("%w: graft is required", model.ErrInvalidArgument)
	}
	if !json.Valid(req.Graft) {
		return fmt.Errorf("%w: graft is not valid JSON", model.ErrInvalidArgument)
	}
	if err := req.Format.Validate(); err != nil {
		return err
	}
	if err := req.Destination.Validate(); err != nil {
		return err
	}
	if req.TTLSeconds != nil && *req.TTLSeconds <= 0 {
		return fmt.Errorf("%w: ttl_seconds must be positive", model.ErrInvalidArgument)
	}
	return nil
}

// run drives one job through QUEUED→PREPARING→RUNNING→SAVING→SUCCEEDED,
// diverting to FAILED on error. A context cancelled by CancelJob aborts the
// lifecycle quietly; CancelJob records the CANCELLED stage itself.
func (e *Engine) run(ctx context.Context, j *model.Job) {
	defer func() {
		e.mu.Lock()
		delete(e.running, j.ID)
		e.mu.Unlock()
	}()

	start := time.Now()

	if !e.advance(ctx, j, model.StagePreparing) {
		return
	}

	ev, err := e.registry.Resolve(j.Channel)
	if err != nil {
		e.fail(j, start, &model.JobError{Code: codeChannel, Message: err.Error()})
		return
	}

	graph, err := ev.Decompose(ctx, j.Graft, j.Typespec, j.Arguments)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.fail(j, start, jobError(err))
		return
	}

	if !e.advance(ctx, j, model.StageRunning) {
		return
	}

	value, err := ev.Execute(ctx, graph, func(p model.TasksProgress) {
		if _, err := e.machine.UpdateProgress(context.Background(), j.ID, p); err != nil {
			e.logger.Error("failed to record progress", "job_id", j.ID, "error", err)
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.fail(j, start, jobError(err))
		return
	}

	if err := evaluator.CheckTypespec(value, j.Typespec); err != nil {
		e.fail(j, start, jobError(err))
		return
	}

	if !e.advance(ctx, j, model.StageSaving) {
		return
	}

	url, err := e.pipeline.Deliver(j, value)
	if err != nil {
		e.fail(j, start, jobError(err))
		return
	}

	expiresAt := time.Now().UTC().Add(e.retention(j))
	if err := e.store.SetResult(context.Background(), j.ID, url, &expiresAt); err != nil {
		e.logger.Error("failed to record result", "job_id", j.ID, "error", err)
		e.fail(j, start, &model.JobError{Code: codeInternal, Message: fmt.Sprintf("record result: %v", err)})
		return
	}

	if _, err := e.machine.Advance(context.Background(), j.ID, model.StageSucceeded, nil, nil); err != nil {
		e.logger.Error("failed to finish job", "job_id", j.ID, "error", err)
		return
	}
	jobDuration.Observe(time.Since(start).Seconds())
	e.logger.Info("job succeeded", "job_id", j.ID, "duration_ms", time.Since(start).Milliseconds())
}

// retention returns how long the job's result is kept after success.
func (e *Engine) retention(j *model.Job) time.Duration {
	if j.TTLSeconds != nil && *j.TTLSeconds > 0 {
		return time.Duration(*j.TTLSeconds) * time.Second
	}
	return e.defaultTTL
}

// advance moves the job forward, reporting whether the lifecycle should
// continue. A conflict means the job was cancelled concurrently.
func (e *Engine) advance(ctx context.Context, j *model.Job, target model.Stage) bool {
	if ctx.Err() != nil {
		return false
	}
	if _, err := e.machine.Advance(context.Background(), j.ID, target, nil, nil); err != nil {
		if !errors.Is(err, ErrConflict) {
			e.logger.Error("failed to advance job", "job_id", j.ID, "target", target, "error", err)
		}
		return false
	}
	return true
}

// fail records the FAILED stage and, unless failures are cached, evicts the
// job's fingerprint so the next identical request recomputes.
func (e *Engine) fail(j *model.Job, start time.Time, jobErr *model.JobError) {
	if _, err := e.machine.Advance(context.Background(), j.ID, model.StageFailed, jobErr, nil); err != nil {
		if !errors.Is(err, ErrConflict) {
			e.logger.Error("failed to record job failure", "job_id", j.ID, "error", err)
		}
		return
	}
	if !e.cacheFailures && !j.NoCache {
		e.cache.Remove(j.Fingerprint, j.ID)
	}
	jobDuration.Observe(time.Since(start).Seconds())
	e.logger.Info("job failed", "job_id", j.ID, "code", jobErr.Code, "error", jobErr.Message)
}

// jobError converts an execution error into the taxonomy recorded on the job.
func jobError(err error) *model.JobError {
	var evalErr *evaluator.Error
	if errors.As(err, &evalErr) {
		return &model.JobError{Code: evalErr.Code, Message: evalErr.Message}
	}
	var pipeErr *pipeline.Error
	if errors.As(err, &pipeErr) {
		return &model.JobError{Code: pipeErr.Code, Message: pipeErr.Message}
	}
	return &model.JobError{Code: codeInternal, Message: err.Error()}
}

// CancelJob requests cancellation. Cancelling a terminal job is an idempotent
// no-op returning the recorded state. A job in SAVING cannot be cancelled;
// ErrInvalidTransition is returned and delivery proceeds.
func (e *Engine) CancelJob(ctx context.Context, id string) (*model.State, error) {
	j, err := e.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.State.Stage.Terminal() {
		return &j.State, nil
	}

	e.mu.Lock()
	cancel := e.running[id]
	e.mu.Unlock()

	st, err := e.machine.Advance(ctx, id, model.StageCancelled, nil, nil)
	if errors.Is(err, ErrConflict) {
		// The job reached a terminal stage between the read and the advance.
		j, err := e.store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		return &j.State, nil
	}
	if err != nil {
		return nil, err
	}

	if cancel != nil {
		cancel()
	}
	if !j.NoCache {
		e.cache.Remove(j.Fingerprint, id)
	}
	return st, nil
}

// GetJob returns the job by id.
func (e *Engine) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return e.store.GetJob(ctx, id)
}

// ListJobs returns jobs matching the filter plus the unpaginated total.
func (e *Engine) ListJobs(ctx context.Context, f store.ListFilter) ([]*model.Job, int, error) {
	return e.store.ListJobs(ctx, f)
}

// Stats returns aggregate job statistics alongside the live cache size.
func (e *Engine) Stats(ctx context.Context) (*store.JobStats, int, error) {
	stats, err := e.store.GetJobStats(ctx)
	if err != nil {
		return nil, 0, err
	}
	return stats, e.cache.Len(), nil
}

// WatchJob subscribes to the job's state events. The returned channel first
// carries the job's current state, then every subsequent state in order, and
// closes after a terminal state. The unsubscribe function must be called when
// the watcher disconnects.
func (e *Engine) WatchJob(ctx context.Context, id string) (<-chan model.State, func(), error) {
	j, err := e.store.GetJob(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ch, unsubscribe := e.hub.Subscribe(id, j.State)
	return ch, unsubscribe, nil
}

// Channels returns the registered evaluator channels.
func (e *Engine) Channels() []string {
	return e.registry.Channels()
}

// Wait blocks until all in-flight job goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}
