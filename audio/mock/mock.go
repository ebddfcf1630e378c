// Package mock provides a scripted [audio.Microphone] for unit tests.
package mock

import (
	"context"
	"sync"

	"github.com/d1nch8g/livevoice/audio"
)

// Microphone is a mock implementation of [audio.Microphone]. Blocks written
// to Feed are forwarded to the capture channel while a capture run is active.
type Microphone struct {
	mu sync.Mutex

	// OpenError is returned by Open when set.
	OpenError error

	// CaptureError ends StartCapture immediately when set.
	CaptureError error

	// Feed delivers blocks to the running capture. It must be created by the
	// test, usually with NewMicrophone.
	Feed chan []float32

	openCalls  int
	closeCalls int
	open       bool
	closed     chan struct{}
}

var _ audio.Microphone = (*Microphone)(nil)

// NewMicrophone returns a Microphone with a buffered feed.
func NewMicrophone() *Microphone {
	return &Microphone{
		Feed:   make(chan []float32, 16),
		closed: make(chan struct{}, 16),
	}
}

// Open implements [audio.Microphone].
func (m *Microphone) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openCalls++
	if m.OpenError != nil {
		return m.OpenError
	}
	m.open = true
	return nil
}

// Close implements [audio.Microphone].
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	m.open = false
	if m.closed != nil {
		select {
		case m.closed <- struct{}{}:
		default:
		}
	}
	return nil
}

// StartCapture implements [audio.Microphone].
func (m *Microphone) StartCapture(ctx context.Context, blocks chan<- []float32) error {
	m.mu.Lock()
	err := m.CaptureError
	m.mu.Unlock()
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-m.Feed:
			select {
			case blocks <- b:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// IsOpen reports whether the device is currently held.
func (m *Microphone) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// OpenCalls returns how many times Open was called.
func (m *Microphone) OpenCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCalls
}

// CloseCalls returns how many times Close was called.
func (m *Microphone) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

// Closed is signalled on every Close.
func (m *Microphone) Closed() <-chan struct{} {
	return m.closed
}
