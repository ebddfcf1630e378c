// Package mock provides an in-memory [sound.Output] with a manually advanced
// clock for unit tests.
package mock

import (
	"sync"
	"time"

	"github.com/d1nch8g/livevoice/codec"
	"github.com/d1nch8g/livevoice/sound"
)

// Output is a mock implementation of [sound.Output]. It is safe for
// concurrent use.
type Output struct {
	mu    sync.Mutex
	clock time.Duration

	// ScheduleError is returned by Schedule when set.
	ScheduleError error

	// ResumeError is returned by Resume when set.
	ResumeError error

	// CallCountResume records how many times Resume was called.
	CallCountResume int

	// Scheduled records every source in scheduling order.
	Scheduled []*Source
}

var _ sound.Output = (*Output)(nil)

// Source is a chunk scheduled on the mock Output.
type Source struct {
	mu      sync.Mutex
	start   time.Duration
	Frame   codec.Frame
	onEnded func()
	stopped bool
	ended   bool
}

// Now implements [sound.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.clock
}

// SetNow moves the clock to t.
func (o *Output) SetNow(t time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clock = t
}

// Advance moves the clock forward by d.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clock += d
}

// Schedule implements [sound.Output]. Like a device, it never starts a
// source before the current clock.
func (o *Output) Schedule(start time.Duration, frame codec.Frame, onEnded func()) (sound.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ScheduleError != nil {
		return nil, o.ScheduleError
	}
	s := &Source{start: max(start, o.clock), Frame: frame, onEnded: onEnded}
	o.Scheduled = append(o.Scheduled, s)
	return s, nil
}

// Resume implements [sound.Output].
func (o *Output) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountResume++
	return o.ResumeError
}

// Sources returns a snapshot of the scheduled sources.
func (o *Output) Sources() []*Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Source(nil), o.Scheduled...)
}

// Start implements [sound.Source].
func (s *Source) Start() time.Duration { return s.start }

// Stop implements [sound.Source].
func (s *Source) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// Stopped reports whether Stop was called.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Finish simulates natural completion. Stopped or finished sources do not
// fire their callback again.
func (s *Source) Finish() {
	s.mu.Lock()
	if s.stopped || s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	fn := s.onEnded
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
