package sound

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/d1nch8g/livevoice/codec"
	"github.com/d1nch8g/livevoice/metrics"
)

// SourceID is the scheduler's key for a live source.
type SourceID uint64

// Chunk describes one scheduled frame.
type Chunk struct {
	ID    SourceID
	Start time.Duration
	Frame codec.Frame
}

// End returns the time at which the chunk finishes playing.
func (c Chunk) End() time.Duration { return c.Start + c.Frame.Duration() }

// Scheduler queues frames back to back on an Output and tracks every
// scheduled source so that playback can be flushed at once.
//
// The output device reports completions from its own goroutine, so all state
// is guarded by a mutex. Enqueue holds it across the read-modify-write of the
// playback clock.
type Scheduler struct {
	out     Output
	metrics *metrics.Metrics

	mu        sync.Mutex
	nextStart time.Duration
	nextID    SourceID
	live      map[SourceID]Source
}

// NewScheduler creates a scheduler on out. m may be nil.
func NewScheduler(out Output, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		out:     out,
		metrics: m,
		live:    make(map[SourceID]Source),
	}
}

// Enqueue schedules frame to start right after everything already queued, or
// now if the queue has drained. Empty frames are ignored.
func (s *Scheduler) Enqueue(frame codec.Frame) (Chunk, error) {
	if frame.Len() == 0 {
		return Chunk{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := max(s.nextStart, s.out.Now())

	s.nextID++
	id := s.nextID
	src, err := s.out.Schedule(start, frame, func() { s.release(id) })
	if err != nil {
		return Chunk{}, fmt.Errorf("failed to schedule chunk: %w", err)
	}
	// The device clock may have moved between Now and Schedule.
	start = src.Start()

	s.nextStart = start + frame.Duration()
	s.live[id] = src
	s.metrics.ChunkScheduled(frame.Duration().Seconds())
	s.metrics.SetLiveSources(len(s.live))

	return Chunk{ID: id, Start: start, Frame: frame}, nil
}

// release drops a naturally finished source.
func (s *Scheduler) release(id SourceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, id)
	s.metrics.SetLiveSources(len(s.live))
}

// FlushAll stops every live source and resets the playback clock so the next
// chunk anchors to the current output time. It returns the number of sources
// stopped.
func (s *Scheduler) FlushAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.live)
	for id, src := range s.live {
		src.Stop()
		delete(s.live, id)
	}
	s.nextStart = 0
	s.metrics.SetLiveSources(0)

	if n > 0 {
		slog.Debug("playback flushed", "sources", n)
	}
	return n
}

// Live returns the number of scheduled or playing sources.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// NextStart returns the time at which the next chunk would start if the
// output clock had not advanced past it.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}
