// Package yandex implements a cascade agent on Yandex Cloud: microphone audio
// is recognized by SpeechKit STT, each final utterance is answered by
// YandexGPT and the answer is synthesized by SpeechKit TTS.
package yandex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/d1nch8g/livevoice/codec"
	"github.com/d1nch8g/livevoice/gpt"
	"github.com/d1nch8g/livevoice/stt"
	"github.com/d1nch8g/livevoice/transport"
	"github.com/d1nch8g/livevoice/tts"
)

// Config holds Yandex Cloud credentials and defaults.
type Config struct {
	IAMToken string
	APIKey   string
	FolderID string
	Language string

	// HistorySize is the number of exchanges sent with each request.
	HistorySize int
	MaxTokens   int
	Temperature float64
}

// Authorization returns the header value for the configured credential. An
// IAM token wins over an API key.
func (c Config) Authorization() string {
	if c.IAMToken != "" {
		return "Bearer " + c.IAMToken
	}
	return "Api-Key " + c.APIKey
}

// Completer produces replies. *gpt.Client implements it.
type Completer interface {
	Complete(ctx context.Context, req gpt.Request) (*gpt.Response, error)
	ModelURI(model string) string
}

// Transport opens cascade sessions.
type Transport struct {
	cfg   Config
	stt   stt.Recognizer
	tts   tts.Synthesizer
	gpt   Completer
	owned bool

	now func() time.Time
	// playtime estimates how long the client plays a reply.
	playtime func(transport.Blob) time.Duration
}

var _ transport.Transport = (*Transport)(nil)

// New dials the SpeechKit services.
func New(cfg Config) (*Transport, error) {
	auth := cfg.Authorization()
	rec, err := stt.NewYandexSTTClient(stt.YandexConfig{
		Authorization: auth,
		FolderID:      cfg.FolderID,
		Language:      cfg.Language,
	})
	if err != nil {
		return nil, err
	}
	synth, err := tts.NewYandexTTSClient(tts.YandexConfig{
		Authorization: auth,
		FolderID:      cfg.FolderID,
	})
	if err != nil {
		_ = rec.Close()
		return nil, err
	}
	t := NewWithClients(cfg, rec, synth, gpt.NewClient(cfg.FolderID, auth))
	t.owned = true
	return t, nil
}

// NewWithClients builds a Transport from existing clients.
func NewWithClients(cfg Config, rec stt.Recognizer, synth tts.Synthesizer, completer Completer) *Transport {
	if cfg.Language == "" {
		cfg.Language = "ru-RU"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 500
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.6
	}
	return &Transport{cfg: cfg, stt: rec, tts: synth, gpt: completer, now: time.Now, playtime: blobDuration}
}

func blobDuration(b transport.Blob) time.Duration {
	f, err := codec.NewDecoder(0).DecodePart(b.MIMEType, b.Data)
	if err != nil {
		return 0
	}
	return f.Duration()
}

// Close releases the gRPC connections opened by New.
func (t *Transport) Close() error {
	if !t.owned {
		return nil
	}
	return errors.Join(t.stt.Close(), t.tts.Close())
}

// Connect starts a recognition stream. The session lives until Close or until
// the recognizer stops; ctx only bounds the setup.
func (t *Transport) Connect(ctx context.Context, cfg transport.SessionConfig, cb transport.Callbacks) (transport.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.InputSampleRate <= 0 {
		return nil, fmt.Errorf("invalid input sample rate %d", cfg.InputSampleRate)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:      uuid.NewString(),
		t:       t,
		cfg:     cfg,
		cb:      cb,
		history: gpt.NewHistory(cfg.Instructions, t.cfg.HistorySize),
		audio:   make(chan []byte, 64),
		cancel:  cancel,
	}

	events := make(chan stt.Event, 16)
	recErr := make(chan error, 1)
	go func() {
		recErr <- t.stt.StreamRecognize(runCtx, s.audio, events, int64(cfg.InputSampleRate))
	}()
	go s.run(runCtx, events, recErr)

	slog.Info("yandex session started", "session_id", s.id, "model", cfg.Model, "voice", cfg.Voice)
	cb.Open()
	return s, nil
}

type session struct {
	id      string
	t       *Transport
	cfg     transport.SessionConfig
	cb      transport.Callbacks
	history *gpt.History

	mu          sync.Mutex
	closed      bool
	audio       chan []byte
	cancel      context.CancelFunc
	turn        uint64
	replyCancel context.CancelFunc
	// speakingUntil is when the last delivered reply stops playing.
	speakingUntil time.Time
}

func (s *session) ID() string { return s.id }

func (s *session) Send(blob transport.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	select {
	case s.audio <- blob.Data:
	default:
		slog.Warn("recognizer is behind, dropping audio", "session_id", s.id)
	}
	return nil
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.audio)
	s.cancel()
	return nil
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) run(ctx context.Context, events <-chan stt.Event, recErr <-chan error) {
	for ev := range events {
		if ev.Final {
			slog.Debug("utterance recognized", "session_id", s.id, "text", ev.Text)
			s.interrupt()
			s.startReply(ctx, ev.Text)
			continue
		}
		if s.interrupt() {
			slog.Debug("user interrupted the agent", "session_id", s.id)
			s.cb.Message(transport.Message{Interrupted: true})
		}
	}

	err := <-recErr
	s.cancel()
	switch {
	case s.isClosed():
		s.cb.Close(transport.CloseNormal, "session closed")
	case err != nil:
		s.cb.Error(fmt.Errorf("recognition failed: %w", err))
	default:
		s.cb.Close(transport.CloseNormal, "recognition finished")
	}
}

// interrupt cancels a reply in progress and reports whether the agent was
// producing or playing one.
func (s *session) interrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	busy := s.replyCancel != nil || s.t.now().Before(s.speakingUntil)
	if s.replyCancel != nil {
		s.replyCancel()
		s.replyCancel = nil
	}
	s.speakingUntil = time.Time{}
	s.turn++
	return busy
}

func (s *session) startReply(ctx context.Context, text string) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	turn := s.turn
	s.replyCancel = cancel
	s.mu.Unlock()

	go func() {
		defer cancel()
		// A failed turn leaves the recognition stream running.
		if err := s.reply(ctx, turn, text); err != nil && ctx.Err() == nil {
			slog.Warn("reply failed", "session_id", s.id, "err", err)
			s.mu.Lock()
			if turn == s.turn {
				s.replyCancel = nil
			}
			s.mu.Unlock()
		}
	}()
}

func (s *session) reply(ctx context.Context, turn uint64, text string) error {
	resp, err := s.t.gpt.Complete(ctx, gpt.Request{
		ModelURI: s.t.gpt.ModelURI(s.cfg.Model),
		CompletionOptions: gpt.CompletionOptions{
			MaxTokens:   s.t.cfg.MaxTokens,
			Temperature: s.t.cfg.Temperature,
		},
		Messages: s.history.Messages(text),
	})
	if err != nil {
		return fmt.Errorf("failed to complete reply: %w", err)
	}
	answer, err := resp.Text()
	if err != nil {
		return fmt.Errorf("failed to complete reply: %w", err)
	}

	opts := tts.GetDefaultSynthesisOptions()
	if s.cfg.Voice != "" {
		opts.Voice = s.cfg.Voice
	}
	audio, err := tts.Synthesize(ctx, s.t.tts, answer, opts)
	if err != nil {
		return fmt.Errorf("failed to synthesize reply: %w", err)
	}

	blob := &transport.Blob{MIMEType: opts.MIMEType(), Data: audio}
	playtime := s.t.playtime(*blob)

	s.mu.Lock()
	if s.closed || turn != s.turn {
		s.mu.Unlock()
		return nil
	}
	s.replyCancel = nil
	start := s.t.now()
	if s.speakingUntil.After(start) {
		start = s.speakingUntil
	}
	s.speakingUntil = start.Add(playtime)
	s.mu.Unlock()

	s.history.Add(text, answer)
	s.cb.Message(transport.Message{
		Parts:        []transport.Part{{Audio: blob}, {Text: answer}},
		TurnComplete: true,
	})
	return nil
}
