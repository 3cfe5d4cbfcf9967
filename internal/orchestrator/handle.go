package orchestrator

import (
	"sync"
	"time"

	"github.com/clipcut/clipcut-agent/internal/progress"
	"github.com/clipcut/clipcut-agent/internal/sessions"
)

// State is the session state machine:
//
//	idle -> merging -> (fetching -> extracting)* -> completed | canceled | failed
//
// Local sources go straight from idle to extracting.
type State string

const (
	StateIdle       State = "idle"
	StateMerging    State = "merging"
	StateFetching   State = "fetching"
	StateExtracting State = "extracting"
	StateCompleted  State = "completed"
	StateCanceled   State = "canceled"
	StateFailed     State = "failed"
)

// Handle is the caller's view of a running session.
type Handle struct {
	SessionID string

	sourceKind string
	createdAt  time.Time
	stream     *progress.Stream
	done       chan struct{}

	mu      sync.Mutex
	state   State
	outputs []string
	result  Result
	err     error
	partial bool
}

func newHandle(id, sourceKind string) *Handle {
	return &Handle{
		SessionID:  id,
		sourceKind: sourceKind,
		createdAt:  time.Now().UTC(),
		stream:     progress.NewStream(),
		done:       make(chan struct{}),
		state:      StateIdle,
	}
}

// Events returns a latest-value channel of progress updates. It is closed
// when the session ends.
func (h *Handle) Events() <-chan progress.Event {
	return h.stream.Subscribe()
}

// Unsubscribe releases a channel returned by Events before the session ends.
func (h *Handle) Unsubscribe(ch <-chan progress.Event) {
	h.stream.Unsubscribe(ch)
}

// Done is closed when the session has finished and cleaned up.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the session finishes.
func (h *Handle) Wait() (Result, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// State returns the current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Snapshot builds a session record from in-memory state.
func (h *Handle) Snapshot() *sessions.Session {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &sessions.Session{
		ID:         h.SessionID,
		SourceKind: h.sourceKind,
		Status:     statusOf(h.state),
		Phase:      string(h.state),
		Outputs:    append([]string{}, h.outputs...),
		Partial:    h.partial,
		CreatedAt:  h.createdAt,
		UpdatedAt:  time.Now().UTC(),
	}
	if ev, ok := h.stream.Latest(); ok {
		s.Progress = ev.Percentage
	}
	if h.err != nil {
		s.Error = h.err.Error()
	}
	return s
}

func statusOf(s State) string {
	switch s {
	case StateCompleted:
		return sessions.StatusCompleted
	case StateCanceled:
		return sessions.StatusCanceled
	case StateFailed:
		return sessions.StatusFailed
	case StateIdle:
		return sessions.StatusPending
	default:
		return sessions.StatusRunning
	}
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *Handle) addOutput(name string) {
	h.mu.Lock()
	h.outputs = append(h.outputs, name)
	h.mu.Unlock()
}

func (h *Handle) publish(ev progress.Event) {
	h.stream.Publish(ev)
}

func (h *Handle) finish(res Result, err error, partial bool) {
	h.mu.Lock()
	h.result = res
	h.err = err
	h.partial = partial
	h.mu.Unlock()

	h.stream.Close()
	close(h.done)
}
