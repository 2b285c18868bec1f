package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/seantiz/loom/internal/model"
	"github.com/seantiz/loom/internal/store"
)

// ErrInvalidTransition is returned when a stage transition is not in the
// transition graph.
var ErrInvalidTransition = errors.New("invalid stage transition")

// ErrConflict is returned when a mutation targets a job already in a
// terminal stage.
var ErrConflict = errors.New("job is already in a terminal stage")

// Machine is the sole mutator of job state. Advance and UpdateProgress take
// a per-job lock, so every state write is single-writer: a late progress
// update can never race a cancellation into re-opening a terminal stage.
// Each accepted mutation publishes exactly one event to the watch hub.
type Machine struct {
	store store.Store
	hub   *Hub

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMachine creates a state machine writing through s and publishing to hub.
func NewMachine(s store.Store, hub *Hub) *Machine {
	return &Machine{
		store: s,
		hub:   hub,
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *Machine) lockFor(jobID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[jobID] = l
	}
	return l
}

// forget releases the per-job lock entry once a job has been reaped.
func (m *Machine) forget(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, jobID)
}

// Advance transitions the job to target. jobErr must be supplied exactly
// when target is FAILED. Progress, if given, is folded into the new state.
// Re-issuing the job's current stage is an accepted no-op that publishes no
// event, so retried transitions are idempotent.
func (m *Machine) Advance(ctx context.Context, jobID string, target model.Stage, jobErr *model.JobError, progress *model.TasksProgress) (*model.State, error) {
	if (jobErr != nil) != (target == model.StageFailed) {
		return nil, fmt.Errorf("%w: advance to %s with error=%v", model.ErrInvalidArgument, target, jobErr != nil)
	}

	l := m.lockFor(jobID)
	l.Lock()
	defer l.Unlock()

	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	current := j.State.Stage

	if target == current {
		return &j.State, nil
	}
	if current.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrConflict, current)
	}
	if !model.ValidTransition(current, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
	}

	st := model.State{
		Stage:     target,
		Progress:  foldProgress(j.State.Progress, progress),
		Error:     jobErr,
		Timestamp: time.Now().UTC(),
	}
	if err := m.store.UpdateState(ctx, jobID, st); err != nil {
		return nil, err
	}

	m.hub.Publish(jobID, st)
	if target.Terminal() {
		jobsFinished.WithLabelValues(string(target)).Inc()
	}
	return &st, nil
}

// UpdateProgress folds a progress report into the job's state without
// changing its stage, publishing the updated state to watchers. Reports
// arriving after the job reached a terminal stage are discarded.
func (m *Machine) UpdateProgress(ctx context.Context, jobID string, progress model.TasksProgress) (*model.State, error) {
	l := m.lockFor(jobID)
	l.Lock()
	defer l.Unlock()

	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.State.Stage.Terminal() {
		return &j.State, nil
	}

	st := model.State{
		Stage:     j.State.Stage,
		Progress:  foldProgress(j.State.Progress, &progress),
		Timestamp: time.Now().UTC(),
	}
	if err := m.store.UpdateState(ctx, jobID, st); err != nil {
		return nil, err
	}

	m.hub.Publish(jobID, st)
	return &st, nil
}

// foldProgress merges an incoming report into a copy of the recorded
// progress, preserving known counts and the monotonic finished counter.
func foldProgress(recorded, incoming *model.TasksProgress) *model.TasksProgress {
	if recorded == nil && incoming == nil {
		return nil
	}
	merged := model.TasksProgress{}
	if recorded != nil {
		merged = *recorded
	}
	if incoming != nil {
		merged.Merge(*incoming)
	}
	return &merged
}
