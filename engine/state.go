package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/d1nch8g/livevoice/transport"
)

// Phase is the externally visible lifecycle stage of the engine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseOpen
	PhaseStreaming
	PhaseClosed
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	case PhaseStreaming:
		return "streaming"
	case PhaseClosed:
		return "closed"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ErrInvalidTransition is logged when an action does not apply to the
// current state.
var ErrInvalidTransition = errors.New("invalid state transition")

// ConnectError reports a failed connect attempt.
type ConnectError struct {
	Attempt uint64
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect attempt %d: %v", e.Attempt, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// state is one of idleState, connectingState, openState, closedState or
// failedState.
type state interface {
	phase() Phase
}

type idleState struct{}

type connectingState struct {
	attempt uint64
	cancel  context.CancelFunc
}

type openState struct {
	attempt uint64
	sess    transport.Session
}

type closedState struct {
	code   int
	reason string
}

type failedState struct {
	err error
}

func (idleState) phase() Phase       { return PhaseIdle }
func (connectingState) phase() Phase { return PhaseConnecting }
func (openState) phase() Phase       { return PhaseOpen }
func (closedState) phase() Phase     { return PhaseClosed }
func (failedState) phase() Phase     { return PhaseFailed }

// canConnect reports whether a new attempt may start from s.
func canConnect(s state) bool {
	switch s.(type) {
	case idleState, closedState, failedState:
		return true
	default:
		return false
	}
}

// attemptOf returns the connect attempt that owns s, if any.
func attemptOf(s state) (uint64, bool) {
	switch s := s.(type) {
	case connectingState:
		return s.attempt, true
	case openState:
		return s.attempt, true
	default:
		return 0, false
	}
}
