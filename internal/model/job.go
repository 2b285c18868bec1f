package model

import (
	"encoding/json"
	"time"
)

// Stage is a job lifecycle stage.
type Stage string

// Job stage constants.
const (
	StageQueued    Stage = "QUEUED"
	StagePreparing Stage = "PREPARING"
	StageRunning   Stage = "RUNNING"
	StageSaving    Stage = "SAVING"
	StageFailed    Stage = "FAILED"
	StageSucceeded Stage = "SUCCEEDED"
	StageCancelled Stage = "CANCELLED"
)

// Terminal reports whether the stage permits no further transitions.
func (s Stage) Terminal() bool {
	return s == StageFailed || s == StageSucceeded || s == StageCancelled
}

// validTransitions maps each stage to the set of stages it may transition to.
// Terminal stages have no outgoing edges.
var validTransitions = map[Stage]map[Stage]bool{
	StageQueued: {
		StagePreparing: true,
		StageFailed:    true,
		StageCancelled: true,
	},
	StagePreparing: {
		StageRunning:   true,
		StageFailed:    true,
		StageCancelled: true,
	},
	StageRunning: {
		StageSaving:    true,
		StageFailed:    true,
		StageCancelled: true,
	},
	StageSaving: {
		StageSucceeded: true,
		StageFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one stage to another is allowed.
func ValidTransition(from, to Stage) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TasksProgress holds subtask counts for a running job. Each count is
// independently optional: a nil field means the count is unknown, which is
// distinct from zero. Progress producers may only know some of the counts.
type TasksProgress struct {
	Waiting  *int `json:"waiting,omitempty"`
	Ready    *int `json:"ready,omitempty"`
	Running  *int `json:"running,omitempty"`
	Finished *int `json:"finished,omitempty"`
}

// Merge folds an incremental progress report into p. Known counts from in
// replace the corresponding counts in p; nil fields in in leave p untouched.
// Finished never decreases: a report carrying a lower finished count than
// already recorded is ignored for that field.
func (p *TasksProgress) Merge(in TasksProgress) {
	if in.Waiting != nil {
		p.Waiting = in.Waiting
	}
	if in.Ready != nil {
		p.Ready = in.Ready
	}
	if in.Running != nil {
		p.Running = in.Running
	}
	if in.Finished != nil {
		if p.Finished == nil || *in.Finished >= *p.Finished {
			p.Finished = in.Finished
		}
	}
}

// JobError describes why a job reached the FAILED stage.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// State is the mutable portion of a job: the current stage, the latest known
// subtask progress, and the failure description when the stage is FAILED.
type State struct {
	Stage     Stage          `json:"stage"`
	Progress  *TasksProgress `json:"tasks_progress,omitempty"`
	Error     *JobError      `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Job is one submitted computation. The request fields are immutable after
// creation; only State, ResultURL, and ExpiresAt change over the job's life.
type Job struct {
	ID          string                     `json:"id"`
	User        string                     `json:"user,omitempty"`
	Org         string                     `json:"org,omitempty"`
	Graft       json.RawMessage            `json:"graft"`
	Typespec    string                     `json:"typespec,omitempty"`
	Arguments   map[string]json.RawMessage `json:"arguments,omitempty"`
	Channel     string                     `json:"channel,omitempty"`
	Format      Format                     `json:"format"`
	Destination Destination                `json:"destination"`
	NoCache     bool                       `json:"no_cache,omitempty"`
	Fingerprint string                     `json:"fingerprint"`

	// TTLSeconds is the caller's result-retention hint. It governs how long
	// the result is kept after SUCCEEDED, not how long the job may run.
	TTLSeconds *int `json:"ttl_seconds,omitempty"`

	State     State      `json:"state"`
	ResultURL string     `json:"result_url,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
