package engine

import (
	"slices"
	"sync"
)

// Signals is the UI-facing view of the engine.
type Signals struct {
	Recording bool
	Status    string
	Error     string
	Phase     Phase

	// StartDisabled is set while a configuration error prevents streaming.
	StartDisabled bool
}

type signalHub struct {
	mu      sync.Mutex
	current Signals
	subs    []func(Signals)
}

func (h *signalHub) snapshot() Signals {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

func (h *signalHub) subscribe(fn func(Signals)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = append(h.subs, fn)
}

// update applies fn and notifies subscribers when the result differs.
// Subscribers run on the caller's goroutine after the lock is released.
func (h *signalHub) update(fn func(*Signals)) {
	h.mu.Lock()
	prev := h.current
	fn(&h.current)
	next := h.current
	subs := slices.Clone(h.subs)
	h.mu.Unlock()

	if next == prev {
		return
	}
	for _, sub := range subs {
		sub(next)
	}
}
