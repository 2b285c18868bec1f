package engine

import (
	"sync"

	"github.com/seantiz/loom/internal/model"
)

// watchBufferSize is the channel buffer for each watch subscriber. When a
// subscriber falls this far behind, its oldest pending non-terminal state is
// dropped so that only the newest progress survives backpressure.
const watchBufferSize = 16

// Hub fans out job state events to any number of concurrent watchers.
// It is safe for concurrent use and never blocks a publisher on a slow
// subscriber.
//
// Closed topics are retained as markers holding the final state, so that
// late watchers (those subscribing after a job finishes) receive the
// terminal state followed by a closed channel. The Expiration Reaper drops
// markers once the job itself is reaped.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	last   model.State
	subs   map[int]chan model.State
	nextID int
	closed bool
}

// NewHub creates a new watch hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]*topic)}
}

// Register creates the topic for a newly created job seeded with its initial
// state. Registering an existing topic is a no-op.
func (h *Hub) Register(jobID string, initial model.State) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.topics[jobID]; ok {
		return
	}
	h.topics[jobID] = &topic{
		last:   initial,
		subs:   make(map[int]chan model.State),
		closed: initial.Stage.Terminal(),
	}
}

// Subscribe returns a channel of state events for the job and an unsubscribe
// function. The current state is already buffered on the returned channel,
// and every later state follows in publish order; the channel closes after a
// terminal state is delivered. current seeds the topic when the hub has no
// record of the job (for example after a restart).
//
// The first-state emission and the subscription registration happen under
// one lock acquisition, so a watcher can neither miss nor double-receive a
// concurrently published state.
func (h *Hub) Subscribe(jobID string, current model.State) (<-chan model.State, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[jobID]
	if !ok {
		t = &topic{
			last:   current,
			subs:   make(map[int]chan model.State),
			closed: current.Stage.Terminal(),
		}
		h.topics[jobID] = t
	}

	ch := make(chan model.State, watchBufferSize)
	ch <- t.last
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	watchSubscribers.Inc()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			watchSubscribers.Dec()
		}
	}
}

// Publish delivers a state event to all subscribers of the job. A terminal
// state closes the topic: it is guaranteed to reach every subscriber, after
// which their channels close and future Subscribe calls see the marker.
func (h *Hub) Publish(jobID string, st model.State) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[jobID]
	if !ok || t.closed {
		return
	}

	t.last = st
	for _, ch := range t.subs {
		deliver(ch, st)
	}

	if st.Stage.Terminal() {
		t.closed = true
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
			watchSubscribers.Dec()
		}
	}
}

// deliver enqueues st, evicting the oldest buffered state when the
// subscriber is full. The buffer never holds a terminal state at publish
// time (terminal states close the topic), so eviction only collapses
// progress updates.
func deliver(ch chan model.State, st model.State) {
	for {
		select {
		case ch <- st:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

// Drop removes the topic for a reaped job, closing any remaining
// subscriber channels.
func (h *Hub) Drop(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[jobID]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
		watchSubscribers.Dec()
	}
	delete(h.topics, jobID)
}
