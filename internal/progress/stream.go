package progress

import "sync"

// Stream fans out progress events with latest-value semantics: a slow
// subscriber sees the newest event, not every event.
type Stream struct {
	mu     sync.Mutex
	subs   []chan Event
	latest *Event
	closed bool
}

// NewStream returns an open stream.
func NewStream() *Stream {
	return &Stream{}
}

// Subscribe returns a channel that receives the latest event and is closed
// when the stream closes. A subscriber joining late first receives the most
// recent event.
func (s *Stream) Subscribe() <-chan Event {
	ch := make(chan Event, 1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest != nil {
		ch <- *s.latest
	}
	if s.closed {
		close(ch)
		return ch
	}
	s.subs = append(s.subs, ch)
	return ch
}

// Publish delivers ev to every subscriber, replacing any undelivered event.
// Publishing after Close is a no-op.
func (s *Stream) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.latest != nil && *s.latest == ev {
		return
	}
	e := ev
	s.latest = &e

	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- ev
	}
}

// Unsubscribe detaches ch and closes it. Unknown channels are ignored.
func (s *Stream) Unsubscribe(ch <-chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subs {
		if sub == ch {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			close(sub)
			return
		}
	}
}

// Latest returns the last published event.
func (s *Stream) Latest() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest == nil {
		return Event{}, false
	}
	return *s.latest, true
}

// Close closes all subscriber channels. Buffered events stay readable.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}
