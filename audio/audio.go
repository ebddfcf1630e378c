package audio

import (
	"context"
	"fmt"
)

// Microphone defines the interface for audio capture devices
type Microphone interface {
	// Open acquires the input device. Failing to get permission or a device
	// is reported here.
	Open() error

	// Close releases the input device
	Close() error

	// StartCapture reads fixed-size blocks of mono samples and sends them to
	// the provided channel. The method blocks until the context is cancelled
	StartCapture(ctx context.Context, blocks chan<- []float32) error
}

// CaptureError reports that recording could not be started or continued.
type CaptureError struct {
	Err error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture: %v", e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// SendError reports that a captured frame could not be submitted.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send audio: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
