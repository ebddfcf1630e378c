package audio

import (
	"context"
	"errors"
	"log/slog"

	"github.com/d1nch8g/livevoice/codec"
	"github.com/d1nch8g/livevoice/metrics"
	"github.com/d1nch8g/livevoice/transport"
)

// Sink receives encoded capture frames.
type Sink interface {
	// Active reports whether a session is available to take frames.
	Active() bool
	Send(blob transport.Blob) error
}

// PipelineConfig wires a Pipeline to its owner.
type PipelineConfig struct {
	// SampleRate is the capture rate advertised in the blob MIME type.
	SampleRate int

	// Dispatch runs fn on the goroutine that owns the pipeline. When nil
	// blocks are handled on the capture goroutine.
	Dispatch func(fn func())

	// OnSendError is called after capture has been stopped because a frame
	// could not be sent.
	OnSendError func(err *SendError)

	// OnCaptureError is called when the read loop ends on its own while
	// recording.
	OnCaptureError func(err *CaptureError)

	Metrics *metrics.Metrics
}

// Pipeline streams microphone blocks to a [Sink] while recording.
//
// Pipeline is not safe for concurrent use: Start, Stop and Recording must be
// called from the goroutine that Dispatch runs on.
type Pipeline struct {
	mic  Microphone
	sink Sink
	cfg  PipelineConfig

	recording bool
	gen       uint64
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewPipeline(mic Microphone, sink Sink, cfg PipelineConfig) *Pipeline {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = int(GetDefaultConfig().SampleRate)
	}
	return &Pipeline{mic: mic, sink: sink, cfg: cfg}
}

// Recording reports whether a capture run is active.
func (p *Pipeline) Recording() bool {
	return p.recording
}

// Start acquires the microphone and begins streaming blocks. Calling Start
// while recording is a no-op.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.recording {
		return nil
	}
	// The previous run releases the device on its way out.
	if p.done != nil {
		<-p.done
		p.done = nil
	}

	if err := p.mic.Open(); err != nil {
		if cerr := p.mic.Close(); cerr != nil {
			slog.Debug("failed to release microphone", "err", cerr)
		}
		return &CaptureError{Err: err}
	}

	p.gen++
	gen := p.gen
	runCtx, cancel := context.WithCancel(ctx)
	blocks := make(chan []float32, 8)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.recording = true

	go func() {
		defer close(blocks)
		defer func() {
			if err := p.mic.Close(); err != nil {
				slog.Warn("failed to close microphone", "err", err)
			}
		}()

		err := p.mic.StartCapture(runCtx, blocks)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		slog.Warn("audio capture stopped", "err", err)
		p.dispatch(func() {
			if gen != p.gen || !p.recording {
				return
			}
			p.Stop()
			if p.cfg.OnCaptureError != nil {
				p.cfg.OnCaptureError(&CaptureError{Err: err})
			}
		})
	}()

	go func() {
		defer close(done)
		for block := range blocks {
			p.dispatch(func() { p.handleBlock(gen, block) })
		}
	}()

	slog.Debug("audio capture started", "generation", gen)
	return nil
}

// Stop ends the current capture run. It is idempotent and may be called from
// inside OnSendError or a dispatched block.
func (p *Pipeline) Stop() {
	if !p.recording {
		return
	}
	p.recording = false
	p.gen++
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	slog.Debug("audio capture stopped")
}

func (p *Pipeline) handleBlock(gen uint64, samples []float32) {
	if gen != p.gen || !p.recording || !p.sink.Active() {
		return
	}

	blob := transport.Blob{
		MIMEType: codec.PCMMIMEType(p.cfg.SampleRate),
		Data:     codec.Encode(samples),
	}
	if err := p.sink.Send(blob); err != nil {
		p.cfg.Metrics.SendFailed()
		p.Stop()
		if p.cfg.OnSendError != nil {
			p.cfg.OnSendError(&SendError{Err: err})
		}
		return
	}
	p.cfg.Metrics.FrameSent()
}

func (p *Pipeline) dispatch(fn func()) {
	if p.cfg.Dispatch == nil {
		fn()
		return
	}
	p.cfg.Dispatch(fn)
}
