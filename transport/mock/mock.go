// Package mock provides in-memory implementations of [transport.Transport] and
// [transport.Session] for unit tests.
//
// All mocks are safe for concurrent use. Set the exported fields to control
// results and inspect the recorded calls afterwards.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/d1nch8g/livevoice/transport"
)

// ─── Transport ────────────────────────────────────────────────────────────────

// Transport is a mock implementation of [transport.Transport].
type Transport struct {
	mu sync.Mutex

	// ConnectError is returned by Connect when set.
	ConnectError error

	// Gate, when non-nil, blocks Connect until a value is received from it.
	Gate chan struct{}

	// IgnoreCancel keeps a gated Connect waiting even after its context is
	// cancelled, so that it completes late.
	IgnoreCancel bool

	// SendError is copied into every session created by Connect.
	SendError error

	// CloseError is copied into every session created by Connect.
	CloseError error

	// ConnectCalls records the configuration passed to each Connect call.
	ConnectCalls []transport.SessionConfig

	sessions  []*Session
	callbacks []transport.Callbacks
}

var _ transport.Transport = (*Transport)(nil)

// Connect implements [transport.Transport].
func (t *Transport) Connect(ctx context.Context, cfg transport.SessionConfig, cb transport.Callbacks) (transport.Session, error) {
	t.mu.Lock()
	t.ConnectCalls = append(t.ConnectCalls, cfg)
	gate := t.Gate
	ignoreCancel := t.IgnoreCancel
	t.mu.Unlock()

	if gate != nil {
		if ignoreCancel {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ConnectError != nil {
		return nil, t.ConnectError
	}
	s := &Session{
		id:         fmt.Sprintf("mock-%d", len(t.sessions)+1),
		SendError:  t.SendError,
		CloseError: t.CloseError,
	}
	t.sessions = append(t.sessions, s)
	t.callbacks = append(t.callbacks, cb)
	cb.Open()
	return s, nil
}

// CallCount returns the number of Connect calls.
func (t *Transport) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ConnectCalls)
}

// Sessions returns every session created so far, oldest first.
func (t *Transport) Sessions() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Session(nil), t.sessions...)
}

// OpenSessions counts sessions that have not been closed.
func (t *Transport) OpenSessions() int {
	n := 0
	for _, s := range t.Sessions() {
		if !s.Closed() {
			n++
		}
	}
	return n
}

// Callbacks returns the callbacks registered by the i-th successful Connect.
func (t *Transport) Callbacks(i int) transport.Callbacks {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callbacks[i]
}

// Latest returns the most recent session and its callbacks.
func (t *Transport) Latest() (*Session, transport.Callbacks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.sessions)
	if n == 0 {
		return nil, transport.Callbacks{}
	}
	return t.sessions[n-1], t.callbacks[n-1]
}

// ─── Session ──────────────────────────────────────────────────────────────────

// Session is a mock implementation of [transport.Session].
type Session struct {
	mu sync.Mutex
	id string

	// SendError is returned by Send when set.
	SendError error

	// CloseError is returned by Close when set.
	CloseError error

	// Sent records every blob accepted by Send.
	Sent []transport.Blob

	// CallCountClose records how many times Close was called.
	CallCountClose int

	closed bool
}

var _ transport.Session = (*Session)(nil)

// ID implements [transport.Session].
func (s *Session) ID() string { return s.id }

// Send implements [transport.Session].
func (s *Session) Send(blob transport.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendError != nil {
		return s.SendError
	}
	s.Sent = append(s.Sent, blob)
	return nil
}

// SetSendError changes the error returned by subsequent Send calls.
func (s *Session) SetSendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendError = err
}

// SentCount returns the number of blobs accepted by Send.
func (s *Session) SentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Sent)
}

// Close implements [transport.Session].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	return s.CloseError
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
