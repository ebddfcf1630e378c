package codec

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strconv"

	"github.com/hajimehoshi/go-mp3"
	resampling "github.com/tphakala/go-audio-resampling"
)

// DefaultPCMRate is assumed for audio/pcm payloads that carry no rate parameter.
const DefaultPCMRate = 24000

// Decoder turns inbound audio payloads into frames at a fixed output rate.
// It is safe for use by a single goroutine.
type Decoder struct {
	// OutputRate is the sample rate frames are converted to. Zero keeps the
	// source rate.
	OutputRate int
}

// NewDecoder returns a Decoder producing frames at outputRate.
func NewDecoder(outputRate int) *Decoder {
	return &Decoder{OutputRate: outputRate}
}

// DecodePart decodes one inline audio payload according to its MIME type.
func (d *Decoder) DecodePart(mimeType string, data []byte) (Frame, error) {
	kind, params := "audio/pcm", map[string]string(nil)
	if mimeType != "" {
		var err error
		kind, params, err = mime.ParseMediaType(mimeType)
		if err != nil {
			return Frame{}, &DecodeError{Reason: fmt.Sprintf("invalid mime type %q", mimeType), Err: err}
		}
	}

	var (
		frame Frame
		err   error
	)
	switch kind {
	case "audio/pcm", "audio/l16":
		frame, err = decodePCM(data, params)
	case "audio/mpeg", "audio/mp3":
		frame, err = decodeMP3(data)
	default:
		return Frame{}, &DecodeError{Reason: fmt.Sprintf("unsupported mime type %q", kind)}
	}
	if err != nil {
		return Frame{}, err
	}
	return d.resample(frame)
}

func decodePCM(data []byte, params map[string]string) (Frame, error) {
	rate := DefaultPCMRate
	if v, ok := params["rate"]; ok {
		r, err := strconv.Atoi(v)
		if err != nil {
			return Frame{}, &DecodeError{Reason: fmt.Sprintf("invalid rate %q", v), Err: err}
		}
		rate = r
	}
	samples, err := Decode(data)
	if err != nil {
		return Frame{}, err
	}
	return ToFrame(samples, rate, 1)
}

// decodeMP3 decodes a complete MP3 payload. go-mp3 always yields 16-bit
// stereo, which is downmixed to mono.
func decodeMP3(data []byte) (Frame, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return Frame{}, &DecodeError{Reason: "invalid mp3 stream", Err: err}
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return Frame{}, &DecodeError{Reason: "read mp3 stream", Err: err}
	}
	// Trailing partial sample groups are dropped.
	pcm = pcm[:len(pcm)/4*4]
	if len(pcm) == 0 {
		return Frame{}, &DecodeError{Reason: "mp3 stream contains no audio"}
	}
	samples, err := Decode(pcm)
	if err != nil {
		return Frame{}, err
	}
	return ToFrame(samples, dec.SampleRate(), 2)
}

func (d *Decoder) resample(f Frame) (Frame, error) {
	if d.OutputRate <= 0 || f.SampleRate == d.OutputRate || len(f.Samples) == 0 {
		return f, nil
	}

	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(f.SampleRate),
		OutputRate: float64(d.OutputRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return Frame{}, fmt.Errorf("failed to create resampler: %w", err)
	}

	in := make([]float64, len(f.Samples))
	for i, s := range f.Samples {
		in[i] = float64(s)
	}
	out, err := rs.Process(in)
	if err != nil {
		return Frame{}, fmt.Errorf("resample error: %w", err)
	}
	// The filter holds back the tail of the payload until flushed.
	tail, err := rs.Flush()
	if err != nil {
		return Frame{}, fmt.Errorf("resample flush error: %w", err)
	}
	out = append(out, tail...)

	samples := make([]float32, len(out))
	for i, s := range out {
		samples[i] = float32(min(max(s, -1), 1))
	}
	return Frame{Samples: samples, SampleRate: d.OutputRate}, nil
}
