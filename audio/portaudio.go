package audio

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

type Config struct {
	SampleRate      float64
	FramesPerBuffer int
}

// PortaudioMicrophone captures mono float samples from the default input
// device.
type PortaudioMicrophone struct {
	mu          sync.Mutex
	stream      *portaudio.Stream
	audioBuffer []float32
	config      Config
}

var _ Microphone = (*PortaudioMicrophone)(nil)

func NewPortaudioMicrophone(config Config) *PortaudioMicrophone {
	return &PortaudioMicrophone{
		config:      config,
		audioBuffer: make([]float32, config.FramesPerBuffer),
	}
}

func (a *PortaudioMicrophone) Initialize() error {
	return portaudio.Initialize()
}

func (a *PortaudioMicrophone) Terminate() {
	portaudio.Terminate()
}

func (a *PortaudioMicrophone) Open() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stream != nil {
		return errors.New("Stream already opened")
	}
	stream, err := portaudio.OpenDefaultStream(
		1,
		0,
		a.config.SampleRate,
		a.config.FramesPerBuffer,
		a.audioBuffer,
	)
	if err != nil {
		return err
	}
	a.stream = stream
	return nil
}

func (a *PortaudioMicrophone) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stream == nil {
		return nil
	}
	err := a.stream.Close()
	a.stream = nil
	return err
}

func (a *PortaudioMicrophone) StartCapture(ctx context.Context, blocks chan<- []float32) error {
	a.mu.Lock()
	stream := a.stream
	a.mu.Unlock()
	if stream == nil {
		return errors.New("Stream not opened")
	}

	if err := stream.Start(); err != nil {
		return err
	}
	defer stream.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := stream.Read(); err != nil {
				// Input overflow only loses samples; keep going.
				if errors.Is(err, portaudio.InputOverflowed) {
					continue
				}
				slog.Warn("error reading audio", "err", err)
				continue
			}

			block := make([]float32, len(a.audioBuffer))
			copy(block, a.audioBuffer)

			select {
			case blocks <- block:
			case <-ctx.Done():
				return ctx.Err()
			default:
				// Drop audio if channel is full
			}
		}
	}
}

func GetDefaultConfig() Config {
	return Config{
		SampleRate:      16000,
		FramesPerBuffer: 1024,
	}
}
