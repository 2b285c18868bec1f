// Package evaluator defines the collaborator that turns a graft into a
// subtask graph and executes it, plus a registry resolving evaluators by
// channel and a built-in local implementation.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/loom/internal/model"
)

// DefaultChannel is the registry key used when a job does not name a channel.
const DefaultChannel = "default"

// Error is a computation failure with a stable code from the evaluator
// error taxonomy. It is recorded on the job verbatim.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Evaluator error codes.
const (
	CodeParse        = "EVAL_PARSE"
	CodeUnknownOp    = "EVAL_UNKNOWN_OP"
	CodeCycle        = "EVAL_CYCLE"
	CodeMissingArg   = "EVAL_MISSING_ARG"
	CodeType         = "EVAL_TYPE"
	CodeTypeMismatch = "EVAL_TYPE_MISMATCH"
	CodeDivZero      = "EVAL_DIV_ZERO"
)

// Task is one node of a decomposed graft: an operation applied to the values
// of its dependencies.
type Task struct {
	Key  string
	Op   string
	Deps []string
}

// Graph is a decomposed graft: subtasks grouped into dependency levels, plus
// the values already known before any subtask runs (literals and arguments).
// Tasks within one level are independent and may run in parallel.
type Graph struct {
	Levels  [][]*Task
	Seed    map[string]any
	Returns string
}

// TaskCount returns the number of subtasks in the graph.
func (g *Graph) TaskCount() int {
	n := 0
	for _, level := range g.Levels {
		n += len(level)
	}
	return n
}

// Evaluator executes grafts. Decompose turns a graft into a subtask graph
// without running anything; Execute runs the graph, reporting progress counts
// through report (which may be nil) until it produces the terminal value or
// an *Error. Both honor context cancellation cooperatively: a cancelled
// context only requests that subtasks stop, and Execute returns ctx.Err()
// once they do.
type Evaluator interface {
	Decompose(ctx context.Context, graft json.RawMessage, typespec string, arguments map[string]json.RawMessage) (*Graph, error)
	Execute(ctx context.Context, g *Graph, report func(model.TasksProgress)) (any, error)
}

// Registry holds registered evaluators and resolves which one serves a given
// channel. Jobs without a channel resolve to the default channel's evaluator.
type Registry struct {
	mu         sync.RWMutex
	evaluators map[string]Evaluator
}

// NewRegistry creates an empty evaluator registry.
func NewRegistry() *Registry {
	return &Registry{evaluators: make(map[string]Evaluator)}
}

// Register adds an evaluator for the given channel.
func (r *Registry) Register(channel string, ev Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[channel] = ev
}

// Resolve returns the evaluator serving the given channel. An empty channel
// resolves to the default channel. Returns an error if neither the channel
// nor the default is registered.
func (r *Registry) Resolve(channel string) (Evaluator, error) {
	if channel == "" {
		channel = DefaultChannel
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if ev, ok := r.evaluators[channel]; ok {
		return ev, nil
	}
	if ev, ok := r.evaluators[DefaultChannel]; ok {
		return ev, nil
	}
	return nil, fmt.Errorf("no evaluator registered for channel %q", channel)
}

// Channels returns the registered channel names, sorted for a stable API
// response.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	channels := make([]string, 0, len(r.evaluators))
	for name := range r.evaluators {
		channels = append(channels, name)
	}
	sort.Strings(channels)
	return channels
}
