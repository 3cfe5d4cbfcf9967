// Package operation tracks the external process currently running for each
// extraction session and lets another goroutine cancel it.
package operation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrCanceled is returned by any stage that observed a cancelled session.
var ErrCanceled = errors.New("operation canceled")

// ErrSessionActive is returned by Begin when the session already has state.
var ErrSessionActive = errors.New("session already has an active operation")

// Kind tags the registered process.
type Kind string

const (
	KindNone    Kind = ""
	KindFetch   Kind = "fetch"
	KindExtract Kind = "extract"
)

// Killer is anything that can be forcibly stopped.
type Killer interface {
	Kill() error
}

// State is the per-session operation record.
type State struct {
	Handle    Killer
	Kind      Kind
	Cancelled bool
}

// Controller is the session-keyed registry. The zero value is not usable;
// use NewController.
type Controller struct {
	mu     sync.Mutex
	states map[string]*State
	logger *slog.Logger
}

// NewController creates an empty registry.
func NewController(logger *slog.Logger) *Controller {
	return &Controller{
		states: make(map[string]*State),
		logger: logger,
	}
}

// Begin creates the state for a session. It fails if one already exists.
func (c *Controller) Begin(session string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.states[session]; ok {
		return fmt.Errorf("%w: %s", ErrSessionActive, session)
	}
	c.states[session] = &State{}
	return nil
}

// Register records handle as the session's current process, replacing any
// previous one. If the session was cancelled before the process was
// registered, the process is killed immediately.
func (c *Controller) Register(session string, handle Killer, kind Kind) {
	c.mu.Lock()
	st, ok := c.states[session]
	if !ok {
		st = &State{}
		c.states[session] = st
	}
	st.Handle = handle
	st.Kind = kind
	cancelled := st.Cancelled
	c.mu.Unlock()

	if cancelled && handle != nil {
		c.kill(session, handle, kind)
	}
}

// Unregister drops the handle if it is still the registered one.
func (c *Controller) Unregister(session string, handle Killer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.states[session]; ok && st.Handle == handle {
		st.Handle = nil
		st.Kind = KindNone
	}
}

// Cancel sets the cooperative flag and then kills the registered process.
// It returns false when the session has no operation.
func (c *Controller) Cancel(session string) bool {
	c.mu.Lock()
	st, ok := c.states[session]
	if !ok {
		c.mu.Unlock()
		return false
	}
	st.Cancelled = true
	handle, kind := st.Handle, st.Kind
	c.mu.Unlock()

	if handle != nil {
		c.kill(session, handle, kind)
	}
	return true
}

// IsCancelled reports whether Cancel was called for the session.
func (c *Controller) IsCancelled(session string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[session]
	return ok && st.Cancelled
}

// Checkpoint returns ErrCanceled when the session has been cancelled.
func (c *Controller) Checkpoint(session string) error {
	if c.IsCancelled(session) {
		return ErrCanceled
	}
	return nil
}

// Clear removes the session's state.
func (c *Controller) Clear(session string) {
	c.mu.Lock()
	delete(c.states, session)
	c.mu.Unlock()
}

// Snapshot returns a copy of the session state.
func (c *Controller) Snapshot(session string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[session]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Active returns the ids of sessions with state.
func (c *Controller) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.states))
	for id := range c.states {
		ids = append(ids, id)
	}
	return ids
}

func (c *Controller) kill(session string, handle Killer, kind Kind) {
	if err := handle.Kill(); err != nil && c.logger != nil {
		c.logger.Warn("failed to kill process", "session_id", session, "kind", string(kind), "error", err)
	}
}
