package sound

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/d1nch8g/livevoice/codec"
)

// mixer renders scheduled frames onto a sample clock. The clock advances only
// when render is called, which makes it the device's notion of "now".
type mixer struct {
	rate int

	mu     sync.Mutex
	clock  int64
	voices map[*voice]struct{}
}

type voice struct {
	m       *mixer
	start   int64
	samples []float32
	onEnded func()
}

func newMixer(rate int) *mixer {
	return &mixer{rate: rate, voices: make(map[*voice]struct{})}
}

func (m *mixer) now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(m.clock) * time.Second / time.Duration(m.rate)
}

func (m *mixer) schedule(start time.Duration, frame codec.Frame, onEnded func()) (*voice, error) {
	if frame.SampleRate != m.rate {
		return nil, fmt.Errorf("frame rate %d does not match output rate %d", frame.SampleRate, m.rate)
	}
	v := &voice{
		m:       m,
		samples: frame.Samples,
		onEnded: onEnded,
	}
	m.mu.Lock()
	v.start = max(int64(math.Round(start.Seconds()*float64(m.rate))), m.clock)
	m.voices[v] = struct{}{}
	m.mu.Unlock()
	return v, nil
}

// Start implements Source.
func (v *voice) Start() time.Duration {
	return time.Duration(v.start) * time.Second / time.Duration(v.m.rate)
}

// Stop implements Source.
func (v *voice) Stop() {
	v.m.mu.Lock()
	delete(v.m.voices, v)
	v.m.mu.Unlock()
}

// render mixes the next len(buf) samples into buf and advances the clock. It
// returns the completion callbacks of voices that finished inside the block;
// the caller runs them without holding the mixer lock.
func (m *mixer) render(buf []float32) []func() {
	clear(buf)

	m.mu.Lock()
	defer m.mu.Unlock()

	from, to := m.clock, m.clock+int64(len(buf))
	var ended []func()
	for v := range m.voices {
		end := v.start + int64(len(v.samples))
		lo, hi := max(v.start, from), min(end, to)
		for i := lo; i < hi; i++ {
			buf[i-from] += v.samples[i-v.start]
		}
		if end <= to {
			delete(m.voices, v)
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
		}
	}
	for i, s := range buf {
		buf[i] = min(max(s, -1), 1)
	}
	m.clock = to
	return ended
}

func (m *mixer) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.voices)
}
