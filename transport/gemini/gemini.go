// Package gemini connects the engine to the Gemini Live API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/d1nch8g/livevoice/transport"
)

// DefaultModel is used when the session config names none.
const DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

// liveSession is the part of *genai.Session the transport uses.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type connectFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

// Transport opens Gemini Live sessions.
type Transport struct {
	connect connectFunc
}

var _ transport.Transport = (*Transport)(nil)

// New creates a Gemini API client authenticated with apiKey.
func New(ctx context.Context, apiKey string) (*Transport, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Transport{
		connect: func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
			return client.Live.Connect(ctx, model, cfg)
		},
	}, nil
}

// Connect opens a live session and starts its receive loop.
func (t *Transport) Connect(ctx context.Context, cfg transport.SessionConfig, cb transport.Callbacks) (transport.Session, error) {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	live, err := t.connect(ctx, model, connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", model, err)
	}

	s := &session{id: uuid.NewString(), live: live}
	slog.Info("gemini session open", "session_id", s.id, "model", model)
	cb.Open()
	go s.receive(cb)
	return s, nil
}

func connectConfig(cfg transport.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{}

	modalities := cfg.ResponseModalities
	if len(modalities) == 0 {
		modalities = []string{"AUDIO"}
	}
	for _, m := range modalities {
		lc.ResponseModalities = append(lc.ResponseModalities, genai.Modality(strings.ToUpper(m)))
	}

	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
		if lang := cfg.Extra["language"]; lang != "" {
			lc.SpeechConfig.LanguageCode = lang
		}
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Extra["output_transcription"] == "true" {
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

type session struct {
	id   string
	live liveSession

	mu     sync.Mutex
	closed bool
}

func (s *session) ID() string { return s.id }

func (s *session) Send(blob transport.Blob) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("session closed")
	}
	return s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: blob.MIMEType, Data: blob.Data},
	})
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.live.Close()
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) receive(cb transport.Callbacks) {
	for {
		msg, err := s.live.Receive()
		if err != nil {
			s.finish(cb, err)
			return
		}
		if msg.GoAway != nil {
			slog.Warn("server is going away", "session_id", s.id, "time_left", msg.GoAway.TimeLeft)
		}
		if m, ok := translate(msg); ok {
			cb.Message(m)
		}
	}
}

// finish maps the error that ended the receive loop onto the callbacks.
func (s *session) finish(cb transport.Callbacks, err error) {
	var closeErr *websocket.CloseError
	switch {
	case s.isClosed():
		cb.Close(transport.CloseNormal, "session closed")
	case errors.As(err, &closeErr):
		slog.Info("gemini session closed", "session_id", s.id, "code", closeErr.Code, "reason", closeErr.Text)
		cb.Close(closeErr.Code, closeErr.Text)
	default:
		slog.Error("gemini receive failed", "session_id", s.id, "err", err)
		cb.Error(err)
	}
}

// translate converts server content into an engine message. Setup
// acknowledgements and other control traffic are skipped.
func translate(msg *genai.LiveServerMessage) (transport.Message, bool) {
	sc := msg.ServerContent
	if sc == nil {
		return transport.Message{}, false
	}

	out := transport.Message{
		Interrupted:  sc.Interrupted,
		TurnComplete: sc.TurnComplete,
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil {
				continue
			}
			if p.InlineData != nil && len(p.InlineData.Data) > 0 {
				out.Parts = append(out.Parts, transport.Part{Audio: &transport.Blob{
					MIMEType: p.InlineData.MIMEType,
					Data:     p.InlineData.Data,
				}})
				continue
			}
			if p.Text != "" && !p.Thought {
				out.Parts = append(out.Parts, transport.Part{Text: p.Text})
			}
		}
	}
	if tr := sc.OutputTranscription; tr != nil && tr.Text != "" {
		out.Parts = append(out.Parts, transport.Part{Text: tr.Text})
	}

	if len(out.Parts) == 0 && !out.Interrupted && !out.TurnComplete {
		return transport.Message{}, false
	}
	return out, true
}
