package sound

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/d1nch8g/livevoice/codec"
)

type OutputConfig struct {
	SampleRate      float64
	FramesPerBuffer int
}

func GetDefaultConfig() OutputConfig {
	return OutputConfig{
		SampleRate:      24000,
		FramesPerBuffer: 512,
	}
}

// PortaudioOutput plays scheduled frames on the default output device. Its
// clock counts the samples written to the device.
type PortaudioOutput struct {
	config      OutputConfig
	audioBuffer []float32
	mix         *mixer

	mu      sync.Mutex
	stream  *portaudio.Stream
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

var _ Output = (*PortaudioOutput)(nil)

func NewPortaudioOutput(config OutputConfig) *PortaudioOutput {
	return &PortaudioOutput{
		config:      config,
		audioBuffer: make([]float32, config.FramesPerBuffer),
		mix:         newMixer(int(config.SampleRate)),
	}
}

func (p *PortaudioOutput) Initialize() error {
	return portaudio.Initialize()
}

func (p *PortaudioOutput) Terminate() {
	portaudio.Terminate()
}

func (p *PortaudioOutput) Open() error {
	stream, err := portaudio.OpenDefaultStream(
		0,
		1,
		p.config.SampleRate,
		p.config.FramesPerBuffer,
		p.audioBuffer,
	)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.stream = stream
	p.mu.Unlock()
	return nil
}

// Now implements Output.
func (p *PortaudioOutput) Now() time.Duration { return p.mix.now() }

// Schedule implements Output.
func (p *PortaudioOutput) Schedule(start time.Duration, frame codec.Frame, onEnded func()) (Source, error) {
	return p.mix.schedule(start, frame, onEnded)
}

// Resume starts the playback goroutine if it is not running.
func (p *PortaudioOutput) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		return errors.New("Stream not opened")
	}
	if p.running {
		return nil
	}
	if err := p.stream.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	go p.playLoop(ctx, p.stream, p.done)
	return nil
}

func (p *PortaudioOutput) playLoop(ctx context.Context, stream *portaudio.Stream, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ended := p.mix.render(p.audioBuffer)
		if err := stream.Write(); err != nil {
			slog.Warn("error writing audio", "err", err)
		}
		for _, fn := range ended {
			fn()
		}
	}
}

func (p *PortaudioOutput) Close() error {
	p.mu.Lock()
	stream, cancel, done, running := p.stream, p.cancel, p.done, p.running
	p.stream = nil
	p.running = false
	p.mu.Unlock()

	if running {
		cancel()
		<-done
		if err := stream.Stop(); err != nil {
			slog.Warn("error stopping output stream", "err", err)
		}
	}
	if stream != nil {
		return stream.Close()
	}
	return nil
}
