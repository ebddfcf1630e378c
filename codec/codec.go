// Package codec converts audio between the engine's float sample frames and
// the 16-bit little-endian PCM wire format exchanged with the remote agent.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// SampleWidth is the size in bytes of one wire sample.
const SampleWidth = 2

// Frame is a mono block of normalized samples in [-1, 1].
type Frame struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Len returns the number of samples in the frame.
func (f Frame) Len() int { return len(f.Samples) }

// DecodeError reports a malformed inbound audio payload.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode audio: %s: %v", e.Reason, e.Err)
	}
	return "decode audio: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode converts float samples to 16-bit little-endian PCM. Values outside
// [-1, 1] are clamped and NaN is written as silence.
func Encode(samples []float32) []byte {
	out := make([]byte, len(samples)*SampleWidth)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*SampleWidth:], uint16(quantize(s)))
	}
	return out
}

func quantize(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	return int16(math.Round(v * math.MaxInt16))
}

// Decode unpacks 16-bit little-endian PCM bytes into samples.
func Decode(b []byte) ([]int16, error) {
	if len(b)%SampleWidth != 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("payload length %d is not a multiple of %d", len(b), SampleWidth)}
	}
	samples := make([]int16, len(b)/SampleWidth)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*SampleWidth:]))
	}
	return samples, nil
}

// DecodeBase64 decodes a base64 payload and then unpacks it as PCM.
func DecodeBase64(s string) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid base64", Err: err}
	}
	return Decode(raw)
}

// ToFrame builds a playable mono frame from interleaved samples. Multi-channel
// input is downmixed by averaging each sample group.
func ToFrame(samples []int16, sampleRate, channels int) (Frame, error) {
	if sampleRate <= 0 {
		return Frame{}, &DecodeError{Reason: fmt.Sprintf("invalid sample rate %d", sampleRate)}
	}
	if channels < 1 {
		return Frame{}, &DecodeError{Reason: fmt.Sprintf("invalid channel count %d", channels)}
	}

	n := len(samples) / channels
	out := make([]float32, n)
	for i := range n {
		var sum int32
		for c := range channels {
			sum += int32(samples[i*channels+c])
		}
		out[i] = max(float32(sum)/float32(channels)/math.MaxInt16, -1)
	}
	return Frame{Samples: out, SampleRate: sampleRate}, nil
}

// PCMMIMEType returns the MIME type announcing 16-bit PCM at rate.
func PCMMIMEType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}
