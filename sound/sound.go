// Package sound schedules decoded agent audio for gapless playback.
package sound

import (
	"time"

	"github.com/d1nch8g/livevoice/codec"
)

// Output defines the interface of an audio output device
type Output interface {
	// Now returns the device's monotonic playback clock.
	Now() time.Duration

	// Schedule plays frame starting at start on the device clock. A start the
	// clock has already passed is moved to the current time; Source.Start
	// reports where playback actually begins. onEnded is called once when
	// playback finishes naturally; it is not called for sources that were
	// stopped.
	Schedule(start time.Duration, frame codec.Frame, onEnded func()) (Source, error)

	// Resume makes sure the device is running
	Resume() error
}

// Source is a scheduled or playing chunk on an Output.
type Source interface {
	// Start returns the device time at which playback begins.
	Start() time.Duration

	// Stop halts playback immediately. Stopping twice is harmless.
	Stop()
}
