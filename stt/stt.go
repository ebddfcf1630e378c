package stt

import "context"

// Event is one recognition hypothesis.
type Event struct {
	Text string

	// Final marks a settled utterance. Partial events may be revised.
	Final bool
}

// Recognizer defines the interface for speech-to-text implementations
type Recognizer interface {
	// StreamRecognize performs streaming speech recognition
	// audioData: channel receiving LINEAR16 PCM chunks
	// events: channel for partial and final hypotheses, closed on return
	// sampleRate: audio sample rate in Hz
	StreamRecognize(ctx context.Context, audioData <-chan []byte, events chan<- Event, sampleRate int64) error

	// Close closes the STT client and cleans up resources
	Close() error
}
