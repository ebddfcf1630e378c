package tts

import "context"

// Synthesizer defines the interface for text-to-speech synthesis
type Synthesizer interface {
	// SynthesizeToStream sends encoded audio chunks to audioData and closes
	// it when synthesis ends.
	SynthesizeToStream(ctx context.Context, text string, options SynthesisOptions, audioData chan<- []byte) error
	Close() error
}

// SynthesisOptions represents the configuration for speech synthesis
type SynthesisOptions struct {
	Voice  string
	Speed  float64
	Volume float64
	Model  string

	// Container is the output container: "mp3", "wav" or "ogg_opus".
	Container string
}

// MIMEType returns the media type of audio produced with these options.
func (o SynthesisOptions) MIMEType() string {
	switch o.Container {
	case "wav":
		return "audio/wav"
	case "ogg_opus":
		return "audio/ogg"
	default:
		return "audio/mpeg"
	}
}
