package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/loom/internal/model"
)

// DefaultWorkers is the subtask pool size when none is configured.
const DefaultWorkers = 8

// knownOps is the operation vocabulary of the local evaluator. Each op node
// in a graft becomes one subtask.
var knownOps = map[string]bool{
	"ident":  true,
	"add":    true,
	"sub":    true,
	"mul":    true,
	"div":    true,
	"neg":    true,
	"min":    true,
	"max":    true,
	"sum":    true,
	"concat": true,
	"list":   true,
	"sleep":  true,
}

// Local evaluates grafts in-process. A graft is a JSON object mapping keys to
// nodes: a node is either a literal value, a string referencing another key
// or a job argument, or an array ["op", "dep", ...] invoking an operation on
// referenced values. The "returns" key names the result node.
type Local struct {
	workers int
}

// NewLocal creates a local evaluator running at most workers subtasks at once.
func NewLocal(workers int) *Local {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Local{workers: workers}
}

// Decompose parses the graft into a leveled subtask graph without executing
// anything. Tasks within one level have no dependencies on each other.
func (l *Local) Decompose(_ context.Context, graft json.RawMessage, _ string, arguments map[string]json.RawMessage) (*Graph, error) {
	var nodes map[string]json.RawMessage
	if err := json.Unmarshal(graft, &nodes); err != nil {
		return nil, &Error{Code: CodeParse, Message: fmt.Sprintf("graft is not a JSON object: %v", err)}
	}

	returnsRaw, ok := nodes["returns"]
	if !ok {
		return nil, &Error{Code: CodeParse, Message: "graft has no 'returns' key"}
	}
	var returns string
	if err := json.Unmarshal(returnsRaw, &returns); err != nil {
		return nil, &Error{Code: CodeParse, Message: "'returns' must name a node"}
	}

	// Arguments seed the value table first; graft literals shadow them.
	seed := make(map[string]any, len(arguments))
	for name, raw := range arguments {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, &Error{Code: CodeParse, Message: fmt.Sprintf("argument %q is not valid JSON: %v", name, err)}
		}
		seed[name] = v
	}

	tasks := make(map[string]*Task)
	for key, raw := range nodes {
		if key == "returns" {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, &Error{Code: CodeParse, Message: fmt.Sprintf("node %q is not valid JSON: %v", key, err)}
		}

		switch node := v.(type) {
		case []any:
			t, err := parseInvocation(key, node)
			if err != nil {
				return nil, err
			}
			tasks[key] = t
		case string:
			// Reference node: aliases another key or argument.
			tasks[key] = &Task{Key: key, Op: "ident", Deps: []string{node}}
		default:
			seed[key] = v
		}
	}

	for _, t := range tasks {
		for _, dep := range t.Deps {
			if _, isSeed := seed[dep]; isSeed {
				continue
			}
			if _, isTask := tasks[dep]; isTask {
				continue
			}
			return nil, &Error{
				Code:    CodeMissingArg,
				Message: fmt.Sprintf("node %q depends on %q, which is neither a graft node nor an argument", t.Key, dep),
			}
		}
	}

	if _, isSeed := seed[returns]; !isSeed {
		if _, isTask := tasks[returns]; !isTask {
			return nil, &Error{Code: CodeMissingArg, Message: fmt.Sprintf("'returns' names unknown node %q", returns)}
		}
	}

	levels, err := levelize(tasks, seed)
	if err != nil {
		return nil, err
	}

	return &Graph{Levels: levels, Seed: seed, Returns: returns}, nil
}

func parseInvocation(key string, node []any) (*Task, error) {
	if len(node) == 0 {
		return nil, &Error{Code: CodeParse, Message: fmt.Sprintf("node %q is an empty invocation", key)}
	}
	op, ok := node[0].(string)
	if !ok {
		return nil, &Error{Code: CodeParse, Message: fmt.Sprintf("node %q: operation name must be a string", key)}
	}
	if !knownOps[op] {
		return nil, &Error{Code: CodeUnknownOp, Message: fmt.Sprintf("node %q invokes unknown operation %q", key, op)}
	}

	deps := make([]string, 0, len(node)-1)
	for i, arg := range node[1:] {
		ref, ok := arg.(string)
		if !ok {
			return nil, &Error{Code: CodeParse, Message: fmt.Sprintf("node %q: argument %d must reference a node by key", key, i)}
		}
		deps = append(deps, ref)
	}
	return &Task{Key: key, Op: op, Deps: deps}, nil
}

// levelize groups tasks into dependency levels via Kahn's algorithm. A round
// that resolves no task means the remaining tasks form a cycle.
func levelize(tasks map[string]*Task, seed map[string]any) ([][]*Task, error) {
	resolved := make(map[string]bool, len(seed))
	for key := range seed {
		resolved[key] = true
	}

	remaining := make(map[string]*Task, len(tasks))
	for key, t := range tasks {
		remaining[key] = t
	}

	var levels [][]*Task
	for len(remaining) > 0 {
		var level []*Task
		for _, t := range remaining {
			ready := true
			for _, dep := range t.Deps {
				if !resolved[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, t)
			}
		}
		if len(level) == 0 {
			return nil, &Error{Code: CodeCycle, Message: fmt.Sprintf("graft contains a dependency cycle among %d nodes", len(remaining))}
		}
		for _, t := range level {
			resolved[t.Key] = true
			delete(remaining, t.Key)
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// Execute runs the graph level by level on a bounded worker pool, reporting
// progress counts as subtasks move through ready, running, and finished.
func (l *Local) Execute(ctx context.Context, g *Graph, report func(model.TasksProgress)) (any, error) {
	values := make(map[string]any, len(g.Seed)+g.TaskCount())
	for k, v := range g.Seed {
		values[k] = v
	}

	total := g.TaskCount()
	var mu sync.Mutex
	ready, running, finished := 0, 0, 0

	emit := func() {
		if report == nil {
			return
		}
		w, rd, rn, fin := total-ready-running-finished, ready, running, finished
		report(model.TasksProgress{Waiting: &w, Ready: &rd, Running: &rn, Finished: &fin})
	}

	for _, level := range g.Levels {
		mu.Lock()
		ready += len(level)
		emit()
		mu.Unlock()

		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(l.workers)
		for _, t := range level {
			t := t
			eg.Go(func() error {
				if err := egCtx.Err(); err != nil {
					return err
				}

				mu.Lock()
				ready--
				running++
				emit()
				args := make([]any, len(t.Deps))
				for i, dep := range t.Deps {
					args[i] = values[dep]
				}
				mu.Unlock()

				out, err := applyOp(egCtx, t.Op, args)
				if err != nil {
					return fmt.Errorf("node %q: %w", t.Key, err)
				}

				mu.Lock()
				values[t.Key] = out
				running--
				finished++
				emit()
				mu.Unlock()
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
	}

	return values[g.Returns], nil
}

func applyOp(ctx context.Context, op string, args []any) (any, error) {
	switch op {
	case "ident":
		if len(args) != 1 {
			return nil, opArity(op, 1, len(args))
		}
		return args[0], nil

	case "add", "sub", "mul", "div":
		if len(args) != 2 {
			return nil, opArity(op, 2, len(args))
		}
		a, err := asNumber(op, args[0])
		if err != nil {
			return nil, err
		}
		b, err := asNumber(op, args[1])
		if err != nil {
			return nil, err
		}
		switch op {
		case "add":
			return a + b, nil
		case "sub":
			return a - b, nil
		case "mul":
			return a * b, nil
		default:
			if b == 0 {
				return nil, &Error{Code: CodeDivZero, Message: "division by zero"}
			}
			return a / b, nil
		}

	case "neg":
		if len(args) != 1 {
			return nil, opArity(op, 1, len(args))
		}
		a, err := asNumber(op, args[0])
		if err != nil {
			return nil, err
		}
		return -a, nil

	case "min", "max", "sum":
		nums, err := asNumbers(op, args)
		if err != nil {
			return nil, err
		}
		if len(nums) == 0 {
			return nil, &Error{Code: CodeType, Message: fmt.Sprintf("%s of nothing", op)}
		}
		acc := nums[0]
		for _, n := range nums[1:] {
			switch op {
			case "min":
				acc = math.Min(acc, n)
			case "max":
				acc = math.Max(acc, n)
			default:
				acc += n
			}
		}
		return acc, nil

	case "concat":
		out := ""
		for _, a := range args {
			s, ok := a.(string)
			if !ok {
				return nil, &Error{Code: CodeType, Message: fmt.Sprintf("concat requires strings, got %T", a)}
			}
			out += s
		}
		return out, nil

	case "list":
		return append([]any{}, args...), nil

	case "sleep":
		if len(args) != 1 {
			return nil, opArity(op, 1, len(args))
		}
		ms, err := asNumber(op, args[0])
		if err != nil {
			return nil, err
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, &Error{Code: CodeUnknownOp, Message: fmt.Sprintf("unknown operation %q", op)}
}

func opArity(op string, want, got int) error {
	return &Error{Code: CodeType, Message: fmt.Sprintf("%s takes %d arguments, got %d", op, want, got)}
}

func asNumber(op string, v any) (float64, error) {
	n, ok := v.(float64)
	if !ok {
		return 0, &Error{Code: CodeType, Message: fmt.Sprintf("%s requires numbers, got %T", op, v)}
	}
	return n, nil
}

// asNumbers flattens the arguments to numbers: either each argument is a
// number, or a single argument is a list of numbers.
func asNumbers(op string, args []any) ([]float64, error) {
	if len(args) == 1 {
		if list, ok := args[0].([]any); ok {
			nums := make([]float64, 0, len(list))
			for _, v := range list {
				n, err := asNumber(op, v)
				if err != nil {
					return nil, err
				}
				nums = append(nums, n)
			}
			return nums, nil
		}
	}
	nums := make([]float64, 0, len(args))
	for _, v := range args {
		n, err := asNumber(op, v)
		if err != nil {
			return nil, err
		}
		nums = append(nums, n)
	}
	return nums, nil
}

// CheckTypespec verifies that a terminal value matches the job's declared
// result type. Unknown or empty typespecs are not checked.
func CheckTypespec(value any, typespec string) error {
	ok := true
	switch typespec {
	case "", "Any":
		return nil
	case "Int":
		n, isNum := value.(float64)
		ok = isNum && n == math.Trunc(n)
	case "Float":
		_, ok = value.(float64)
	case "Str":
		_, ok = value.(string)
	case "Bool":
		_, ok = value.(bool)
	case "List":
		_, ok = value.([]any)
	case "Dict":
		_, ok = value.(map[string]any)
	default:
		return nil
	}
	if !ok {
		return &Error{Code: CodeTypeMismatch, Message: fmt.Sprintf("result %T does not match typespec %q", value, typespec)}
	}
	return nil
}
