// Package engine runs the voice session: it owns the connection to the agent,
// routes microphone frames out and agent audio into playback, and publishes
// status signals for the UI.
//
// All engine state is owned by the goroutine running [Engine.Run]. Public
// actions and transport callbacks are posted to it and never block.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/d1nch8g/livevoice/audio"
	"github.com/d1nch8g/livevoice/codec"
	"github.com/d1nch8g/livevoice/metrics"
	"github.com/d1nch8g/livevoice/sound"
	"github.com/d1nch8g/livevoice/transport"
)

// Config holds the engine settings.
type Config struct {
	// Session is passed to the transport unchanged.
	Session transport.SessionConfig

	InputSampleRate  int
	OutputSampleRate int

	// ConfigErr, when set, disables recording and is shown as a persistent
	// error. The engine does not connect.
	ConfigErr error
}

// Engine is the session state machine.
type Engine struct {
	cfg       Config
	transport transport.Transport
	output    sound.Output
	scheduler *sound.Scheduler
	pipeline  *audio.Pipeline
	decoder   *codec.Decoder
	metrics   *metrics.Metrics

	box     *mailbox
	ctx     context.Context
	state   state
	attempt uint64

	hub signalHub
}

// NewEngine wires an engine to its transport and audio devices.
func NewEngine(cfg Config, tr transport.Transport, out sound.Output, mic audio.Microphone, m *metrics.Metrics) *Engine {
	if cfg.InputSampleRate == 0 {
		cfg.InputSampleRate = 16000
	}
	if cfg.OutputSampleRate == 0 {
		cfg.OutputSampleRate = codec.DefaultPCMRate
	}
	if cfg.Session.InputSampleRate == 0 {
		cfg.Session.InputSampleRate = cfg.InputSampleRate
	}

	e := &Engine{
		cfg:       cfg,
		transport: tr,
		output:    out,
		scheduler: sound.NewScheduler(out, m),
		decoder:   codec.NewDecoder(cfg.OutputSampleRate),
		metrics:   m,
		box:       newMailbox(),
		ctx:       context.Background(),
		state:     idleState{},
	}
	e.pipeline = audio.NewPipeline(mic, sessionSink{e}, audio.PipelineConfig{
		SampleRate:     cfg.InputSampleRate,
		Dispatch:       e.post,
		OnSendError:    e.onSendError,
		OnCaptureError: e.onCaptureError,
		Metrics:        m,
	})
	return e
}

// Run processes events until ctx is cancelled. It connects immediately
// unless the configuration is invalid.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	if e.cfg.ConfigErr != nil {
		slog.Error("streaming disabled", "err", e.cfg.ConfigErr)
		e.signal(func(s *Signals) {
			s.StartDisabled = true
			s.Error = e.cfg.ConfigErr.Error()
		})
	} else {
		e.connect()
	}

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			slog.Info("engine stopped")
			return ctx.Err()
		case <-e.box.wake:
		}
		for ctx.Err() == nil {
			fn, ok := e.box.next()
			if !ok {
				break
			}
			fn()
			e.signal(func(*Signals) {})
		}
	}
}

// Start begins recording.
func (e *Engine) Start() { e.post(e.startRecording) }

// Stop ends recording.
func (e *Engine) Stop() { e.post(e.stopRecording) }

// Reset tears the session down and connects again. It is safe in any state.
func (e *Engine) Reset() { e.post(e.reset) }

// Signals returns the current signal values.
func (e *Engine) Signals() Signals {
	return e.hub.snapshot()
}

// OnChange registers fn to be called on the engine goroutine whenever the
// signals change.
func (e *Engine) OnChange(fn func(Signals)) {
	e.hub.subscribe(fn)
}

func (e *Engine) post(fn func()) {
	e.box.post(fn)
}

// shutdown tears down and runs the events still queued, so connect results
// that arrived late are closed. Later results are closed by their goroutine.
func (e *Engine) shutdown() {
	e.teardown()
	for _, fn := range e.box.close() {
		fn()
	}
	e.teardown()
}

func (e *Engine) connect() {
	if e.ctx.Err() != nil {
		return
	}
	if !canConnect(e.state) {
		slog.Warn("connect rejected", "phase", e.state.phase(), "err", ErrInvalidTransition)
		return
	}

	e.attempt++
	attempt := e.attempt
	ctx, cancel := context.WithCancel(e.ctx)
	e.state = connectingState{attempt: attempt, cancel: cancel}
	e.setStatus("connecting...")
	slog.Info("connecting", "attempt", attempt, "model", e.cfg.Session.Model)

	cb := transport.Callbacks{
		OnOpen: func() {
			e.post(func() { slog.Debug("transport opened", "attempt", attempt) })
		},
		OnMessage: func(m transport.Message) {
			e.post(func() { e.handleMessage(attempt, m) })
		},
		OnError: func(err error) {
			e.post(func() { e.handleError(attempt, err) })
		},
		OnClose: func(code int, reason string) {
			e.post(func() { e.handleClose(attempt, code, reason) })
		},
	}

	go func() {
		sess, err := e.transport.Connect(ctx, e.cfg.Session, cb)
		if !e.box.post(func() { e.connected(attempt, sess, err) }) && sess != nil {
			slog.Debug("closing session opened after shutdown", "attempt", attempt, "session_id", sess.ID())
			e.closeSession(sess)
		}
	}()
}

func (e *Engine) connected(attempt uint64, sess transport.Session, err error) {
	cs, ok := e.state.(connectingState)
	if !ok || cs.attempt != attempt {
		if sess != nil {
			slog.Debug("discarding superseded session", "attempt", attempt, "session_id", sess.ID())
			e.closeSession(sess)
			e.metrics.SessionResult("discarded")
		}
		return
	}
	cs.cancel()

	if err != nil {
		if sess != nil {
			e.closeSession(sess)
		}
		cerr := &ConnectError{Attempt: attempt, Err: err}
		slog.Error("connect failed", "attempt", attempt, "err", err)
		e.metrics.SessionResult("failed")
		e.state = failedState{err: cerr}
		e.setError(fmt.Sprintf("connect failed: %v", err))
		return
	}

	slog.Info("session open", "attempt", attempt, "session_id", sess.ID())
	e.metrics.SessionResult("connected")
	e.state = openState{attempt: attempt, sess: sess}
	e.setStatus("connected")
}

// live reports whether events tagged with attempt belong to the current
// session.
func (e *Engine) live(attempt uint64) bool {
	cur, ok := attemptOf(e.state)
	return ok && cur == attempt
}

func (e *Engine) handleMessage(attempt uint64, m transport.Message) {
	if !e.live(attempt) {
		slog.Debug("ignoring message from stale session", "attempt", attempt)
		return
	}

	if m.Interrupted {
		n := e.scheduler.FlushAll()
		e.metrics.Interrupted()
		slog.Debug("playback interrupted", "stopped", n)
	}

	var (
		texts     []string
		played    bool
		decodeErr error
	)
	for _, part := range m.Parts {
		if part.Audio != nil {
			frame, err := e.decoder.DecodePart(part.Audio.MIMEType, part.Audio.Data)
			if err != nil {
				e.metrics.DecodeFailed()
				slog.Warn("dropping agent audio", "mime", part.Audio.MIMEType, "err", err)
				decodeErr = err
				continue
			}
			if frame.Len() == 0 {
				continue
			}
			if _, err := e.scheduler.Enqueue(frame); err != nil {
				slog.Warn("failed to schedule agent audio", "err", err)
				continue
			}
			played = true
			continue
		}
		if text := strings.TrimSpace(part.Text); text != "" {
			texts = append(texts, text)
		}
	}

	if m.TurnComplete {
		slog.Debug("agent turn complete", "attempt", attempt)
	}

	if len(texts) > 0 {
		e.setStatus(strings.Join(texts, " "))
		return
	}
	if played {
		return
	}
	if m.Interrupted {
		e.setStatus("interrupted")
	}
	if decodeErr != nil {
		e.setError(fmt.Sprintf("failed to decode agent audio: %v", decodeErr))
	}
}

func (e *Engine) handleError(attempt uint64, err error) {
	if !e.live(attempt) {
		slog.Debug("ignoring error from stale session", "attempt", attempt, "err", err)
		return
	}
	slog.Error("transport error", "attempt", attempt, "err", err)

	e.pipeline.Stop()
	e.dropSession()
	e.state = failedState{err: err}
	e.setError(fmt.Sprintf("connection error: %v", err))
}

func (e *Engine) handleClose(attempt uint64, code int, reason string) {
	if !e.live(attempt) {
		slog.Debug("ignoring close from stale session", "attempt", attempt, "code", code)
		return
	}
	slog.Info("transport closed", "attempt", attempt, "code", code, "reason", reason)

	e.pipeline.Stop()
	e.dropSession()
	e.state = closedState{code: code, reason: reason}
	if reason == "" {
		reason = "unknown reason"
	}
	e.setStatus(fmt.Sprintf("connection closed: %d %s", code, reason))
}

func (e *Engine) startRecording() {
	if e.pipeline.Recording() {
		return
	}
	if e.cfg.ConfigErr != nil {
		slog.Warn("start ignored", "err", e.cfg.ConfigErr)
		return
	}

	e.signal(func(s *Signals) { s.Error = "" })
	if _, ok := e.state.(openState); !ok {
		slog.Warn("start rejected", "phase", e.state.phase(), "err", ErrInvalidTransition)
		e.setError("cannot start recording: no active session")
		return
	}

	e.resumeOutput()
	e.setStatus("requesting microphone access...")
	if err := e.pipeline.Start(e.ctx); err != nil {
		var cerr *audio.CaptureError
		if errors.As(err, &cerr) {
			err = cerr.Err
		}
		slog.Error("failed to start recording", "err", err)
		e.pipeline.Stop()
		e.setError(fmt.Sprintf("failed to start recording: %v", err))
		return
	}
	e.setStatus("recording... speak now")
}

func (e *Engine) stopRecording() {
	if !e.pipeline.Recording() {
		return
	}
	e.pipeline.Stop()
	e.setStatus("recording stopped")
}

func (e *Engine) onSendError(err *audio.SendError) {
	slog.Error("failed to send audio", "err", err.Err)
	e.setError(fmt.Sprintf("failed to send audio: %v", err.Err))
}

func (e *Engine) onCaptureError(err *audio.CaptureError) {
	slog.Error("capture failed", "err", err.Err)
	e.setError(fmt.Sprintf("recording failed: %v", err.Err))
}

func (e *Engine) reset() {
	slog.Info("resetting session", "phase", e.state.phase())
	e.teardown()
	if e.cfg.ConfigErr != nil {
		return
	}
	e.resumeOutput()
	e.connect()
}

// teardown stops capture and playback and releases any session. Failures are
// logged and swallowed.
func (e *Engine) teardown() {
	e.pipeline.Stop()
	if n := e.scheduler.FlushAll(); n > 0 {
		slog.Debug("flushed playback", "stopped", n)
	}
	e.dropSession()
	e.state = idleState{}
}

// dropSession cancels a pending connect or closes the open session.
func (e *Engine) dropSession() {
	switch s := e.state.(type) {
	case connectingState:
		s.cancel()
	case openState:
		e.closeSession(s.sess)
	}
}

func (e *Engine) closeSession(sess transport.Session) {
	if err := sess.Close(); err != nil {
		slog.Warn("failed to close session", "session_id", sess.ID(), "err", err)
	}
}

func (e *Engine) resumeOutput() {
	if err := e.output.Resume(); err != nil {
		slog.Warn("failed to resume audio output", "err", err)
	}
}

// setStatus replaces the status and clears any error.
func (e *Engine) setStatus(msg string) {
	e.signal(func(s *Signals) {
		s.Status = msg
		s.Error = ""
	})
}

// setError replaces the error. The status is left as is.
func (e *Engine) setError(msg string) {
	e.signal(func(s *Signals) { s.Error = msg })
}

// signal applies fn and refreshes the derived fields.
func (e *Engine) signal(fn func(*Signals)) {
	phase := e.state.phase()
	recording := e.pipeline.Recording()
	if phase == PhaseOpen && recording {
		phase = PhaseStreaming
	}
	e.hub.update(func(s *Signals) {
		fn(s)
		s.Phase = phase
		s.Recording = recording
		if e.cfg.ConfigErr != nil {
			s.StartDisabled = true
			if s.Error == "" {
				s.Error = e.cfg.ConfigErr.Error()
			}
		}
	})
}

// sessionSink exposes the open session to the capture pipeline.
type sessionSink struct {
	e *Engine
}

func (s sessionSink) Active() bool {
	_, ok := s.e.state.(openState)
	return ok
}

func (s sessionSink) Send(blob transport.Blob) error {
	open, ok := s.e.state.(openState)
	if !ok {
		return errors.New("no active session")
	}
	return open.sess.Send(blob)
}
