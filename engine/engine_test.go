package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	audiomock "github.com/d1nch8g/livevoice/audio/mock"
	"github.com/d1nch8g/livevoice/codec"
	"github.com/d1nch8g/livevoice/metrics"
	soundmock "github.com/d1nch8g/livevoice/sound/mock"
	"github.com/d1nch8g/livevoice/transport"
	transportmock "github.com/d1nch8g/livevoice/transport/mock"
)

type harness struct {
	e   *Engine
	tr  *transportmock.Transport
	out *soundmock.Output
	mic *audiomock.Microphone
	m   *metrics.Metrics

	mu      sync.Mutex
	history []Signals
}

func newHarness(t *testing.T, cfg Config, tr *transportmock.Transport) *harness {
	t.Helper()
	h := &harness{
		tr:  tr,
		out: &soundmock.Output{},
		mic: audiomock.NewMicrophone(),
		m:   metrics.New(prometheus.NewRegistry()),
	}
	h.e = NewEngine(cfg, tr, h.out, h.mic, h.m)
	h.e.OnChange(func(s Signals) {
		h.mu.Lock()
		h.history = append(h.history, s)
		h.mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func connected(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t, Config{Session: transport.SessionConfig{Model: "test-model"}}, &transportmock.Transport{})
	h.waitPhase(t, PhaseOpen)
	return h
}

// barrier waits until every event posted so far has been handled.
func (h *harness) barrier(t *testing.T) {
	t.Helper()
	ch := make(chan struct{})
	h.e.post(func() { close(ch) })
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("engine loop did not drain")
	}
}

// do runs fn on the engine loop and waits for it.
func (h *harness) do(t *testing.T, fn func()) {
	t.Helper()
	h.e.post(fn)
	h.barrier(t)
}

func (h *harness) waitPhase(t *testing.T, p Phase) {
	t.Helper()
	waitFor(t, func() bool { return h.e.Signals().Phase == p }, "phase "+p.String())
}

func (h *harness) statuses() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	prev := ""
	for _, s := range h.history {
		if s.Status != prev {
			out = append(out, s.Status)
			prev = s.Status
		}
	}
	return out
}

func (h *harness) snapshots() []Signals {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Signals(nil), h.history...)
}

func (h *harness) deliver(t *testing.T, m transport.Message) {
	t.Helper()
	_, cb := h.tr.Latest()
	cb.Message(m)
	h.barrier(t)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func pcm(samples int) transport.Part {
	return transport.Part{Audio: &transport.Blob{
		MIMEType: "audio/pcm;rate=24000",
		Data:     codec.Encode(make([]float32, samples)),
	}}
}

func text(s string) transport.Part {
	return transport.Part{Text: s}
}

func TestEngine_ConnectsOnRun(t *testing.T) {
	h := connected(t)

	sig := h.e.Signals()
	if sig.Status != "connected" {
		t.Errorf("Status = %q, want %q", sig.Status, "connected")
	}
	if sig.Error != "" {
		t.Errorf("Error = %q, want empty", sig.Error)
	}
	if h.tr.CallCount() != 1 {
		t.Errorf("Connect called %d times, want 1", h.tr.CallCount())
	}
	if got := h.tr.ConnectCalls[0].Model; got != "test-model" {
		t.Errorf("Model = %q, want test-model", got)
	}
	if got := h.tr.ConnectCalls[0].InputSampleRate; got != 16000 {
		t.Errorf("InputSampleRate = %d, want 16000", got)
	}

	st := h.statuses()
	if len(st) < 2 || st[0] != "connecting..." || st[len(st)-1] != "connected" {
		t.Errorf("statuses = %q", st)
	}
	if v := testutil.ToFloat64(h.m.Sessions.WithLabelValues("connected")); v != 1 {
		t.Errorf("connected sessions = %v, want 1", v)
	}
}

func TestEngine_ConnectFailure(t *testing.T) {
	tr := &transportmock.Transport{ConnectError: errors.New("dial refused")}
	h := newHarness(t, Config{}, tr)
	h.waitPhase(t, PhaseFailed)

	sig := h.e.Signals()
	if sig.Error != "connect failed: dial refused" {
		t.Errorf("Error = %q", sig.Error)
	}
	if sig.Status != "connecting..." {
		t.Errorf("Status = %q, want stale %q", sig.Status, "connecting...")
	}
	if len(tr.Sessions()) != 0 {
		t.Error("failed connect left a session")
	}
	var st state
	h.do(t, func() { st = h.e.state })
	fs, ok := st.(failedState)
	if !ok {
		t.Fatalf("state = %T, want failedState", st)
	}
	var cerr *ConnectError
	if !errors.As(fs.err, &cerr) {
		t.Errorf("failed state error = %v, want *ConnectError", fs.err)
	}
}

func TestEngine_MessagePartOrdering(t *testing.T) {
	h := connected(t)

	var sourcesAtText int
	h.e.OnChange(func(s Signals) {
		if s.Status == "hello there" {
			sourcesAtText = len(h.out.Sources())
		}
	})

	h.deliver(t, transport.Message{Parts: []transport.Part{
		pcm(2400),
		text("  hello there \n"),
		pcm(1200),
	}})

	srcs := h.out.Sources()
	if len(srcs) != 2 {
		t.Fatalf("scheduled %d chunks, want 2", len(srcs))
	}
	if srcs[0].Frame.Len() != 2400 || srcs[1].Frame.Len() != 1200 {
		t.Errorf("chunks out of order: %d, %d", srcs[0].Frame.Len(), srcs[1].Frame.Len())
	}
	if srcs[1].Start() != srcs[0].Start()+100*time.Millisecond {
		t.Errorf("second chunk starts at %v, want %v", srcs[1].Start(), srcs[0].Start()+100*time.Millisecond)
	}
	if sourcesAtText != 2 {
		t.Errorf("status emitted with %d chunks scheduled, want 2", sourcesAtText)
	}
	if got := h.e.Signals().Status; got != "hello there" {
		t.Errorf("Status = %q, want %q", got, "hello there")
	}
}

func TestEngine_TextPartsJoined(t *testing.T) {
	h := connected(t)

	h.deliver(t, transport.Message{Parts: []transport.Part{text(" one"), text(""), text("two ")}})

	if got := h.e.Signals().Status; got != "one two" {
		t.Errorf("Status = %q, want %q", got, "one two")
	}
}

func TestEngine_InterruptionFlushesPlayback(t *testing.T) {
	h := connected(t)

	h.deliver(t, transport.Message{Parts: []transport.Part{pcm(2400), pcm(2400)}})
	if h.e.scheduler.Live() != 2 {
		t.Fatalf("Live() = %d, want 2", h.e.scheduler.Live())
	}

	h.deliver(t, transport.Message{Interrupted: true})

	for i, src := range h.out.Sources() {
		if !src.Stopped() {
			t.Errorf("chunk %d still playing", i)
		}
	}
	if h.e.scheduler.Live() != 0 {
		t.Errorf("Live() = %d, want 0", h.e.scheduler.Live())
	}
	n := 0
	for _, s := range h.statuses() {
		if s == "interrupted" {
			n++
		}
	}
	if n != 1 {
		t.Errorf("interrupted status emitted %d times, want 1", n)
	}
	if v := testutil.ToFloat64(h.m.Interruptions); v != 1 {
		t.Errorf("interruptions = %v, want 1", v)
	}
}

func TestEngine_InterruptionWithAudioFlushesFirst(t *testing.T) {
	h := connected(t)

	h.deliver(t, transport.Message{Parts: []transport.Part{pcm(2400)}})
	h.deliver(t, transport.Message{Interrupted: true, Parts: []transport.Part{pcm(1200)}})

	srcs := h.out.Sources()
	if len(srcs) != 2 {
		t.Fatalf("scheduled %d chunks, want 2", len(srcs))
	}
	if !srcs[0].Stopped() {
		t.Error("old chunk not flushed")
	}
	if srcs[1].Stopped() {
		t.Error("new chunk was flushed")
	}
	if h.e.scheduler.Live() != 1 {
		t.Errorf("Live() = %d, want 1", h.e.scheduler.Live())
	}
	if got := h.e.Signals().Status; got == "interrupted" {
		t.Error("interrupted status emitted for a message with audio")
	}
}

func TestEngine_DecodeFailure(t *testing.T) {
	h := connected(t)

	bad := transport.Part{Audio: &transport.Blob{MIMEType: "audio/pcm;rate=24000", Data: []byte{1, 2, 3}}}

	h.deliver(t, transport.Message{Parts: []transport.Part{bad, pcm(240)}})
	if got := h.e.Signals().Error; got != "" {
		t.Errorf("Error = %q, want empty when other audio played", got)
	}
	if h.e.scheduler.Live() != 1 {
		t.Errorf("Live() = %d, want 1", h.e.scheduler.Live())
	}

	h.deliver(t, transport.Message{Parts: []transport.Part{bad}})
	if got := h.e.Signals().Error; !strings.HasPrefix(got, "failed to decode agent audio: ") {
		t.Errorf("Error = %q", got)
	}
	if h.e.Signals().Phase != PhaseOpen {
		t.Error("decode failure must not end the session")
	}
	if v := testutil.ToFloat64(h.m.DecodeErrors); v != 2 {
		t.Errorf("decode errors = %v, want 2", v)
	}
}

func TestEngine_StartStopRecording(t *testing.T) {
	h := connected(t)

	h.e.Start()
	h.barrier(t)

	sig := h.e.Signals()
	if !sig.Recording || sig.Phase != PhaseStreaming {
		t.Fatalf("signals after start = %+v", sig)
	}
	if sig.Status != "recording... speak now" {
		t.Errorf("Status = %q", sig.Status)
	}
	if h.out.CallCountResume == 0 {
		t.Error("output not resumed on start")
	}

	h.mic.Feed <- []float32{0.25, -0.25}
	sess, _ := h.tr.Latest()
	waitFor(t, func() bool { return sess.SentCount() == 1 }, "frame sent")
	if got := sess.Sent[0].MIMEType; got != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q", got)
	}

	h.e.Start()
	h.barrier(t)
	if h.mic.OpenCalls() != 1 {
		t.Errorf("second Start reopened the microphone")
	}

	h.e.Stop()
	h.barrier(t)
	sig = h.e.Signals()
	if sig.Recording || sig.Phase != PhaseOpen {
		t.Errorf("signals after stop = %+v", sig)
	}
	if sig.Status != "recording stopped" {
		t.Errorf("Status = %q", sig.Status)
	}
	waitFor(t, func() bool { return !h.mic.IsOpen() }, "microphone release")
}

func TestEngine_StartWithoutSession(t *testing.T) {
	tr := &transportmock.Transport{ConnectError: errors.New("offline")}
	h := newHarness(t, Config{}, tr)
	h.waitPhase(t, PhaseFailed)

	h.e.Start()
	h.barrier(t)

	if got := h.e.Signals().Error; got != "cannot start recording: no active session" {
		t.Errorf("Error = %q", got)
	}
	if h.mic.OpenCalls() != 0 {
		t.Error("microphone requested without a session")
	}
}

func TestEngine_MicrophoneDenied(t *testing.T) {
	h := connected(t)
	h.mic.OpenError = errors.New("permission denied")

	h.e.Start()
	h.barrier(t)

	sig := h.e.Signals()
	if sig.Error != "failed to start recording: permission denied" {
		t.Errorf("Error = %q", sig.Error)
	}
	if sig.Recording {
		t.Error("recording after failed start")
	}
	if h.mic.IsOpen() {
		t.Error("microphone left open")
	}
}

func TestEngine_SendFailureStopsCapture(t *testing.T) {
	h := connected(t)
	h.e.Start()
	h.barrier(t)

	sess, _ := h.tr.Latest()
	sess.SetSendError(errors.New("socket closed"))
	h.mic.Feed <- []float32{0.1}
	waitFor(t, func() bool { return !h.e.Signals().Recording }, "capture stop")

	sig := h.e.Signals()
	if sig.Error != "failed to send audio: socket closed" {
		t.Errorf("Error = %q", sig.Error)
	}
	if sig.Status == "recording stopped" {
		t.Error("internal stop must not overwrite the error with a status")
	}

	snaps := h.snapshots()
	for i := 1; i < len(snaps); i++ {
		if snaps[i-1].Recording && !snaps[i].Recording && snaps[i].Error == "" {
			t.Errorf("recording stopped without an error in the same step: %+v", snaps[i])
		}
	}
	if v := testutil.ToFloat64(h.m.SendErrors); v != 1 {
		t.Errorf("send errors = %v, want 1", v)
	}
}

func TestEngine_ConfigErrorBlocksStart(t *testing.T) {
	tr := &transportmock.Transport{}
	h := newHarness(t, Config{ConfigErr: errors.New("API_KEY is not set")}, tr)

	h.e.Start()
	h.e.Reset()
	h.barrier(t)

	sig := h.e.Signals()
	if sig.Error == "" {
		t.Error("configuration error not shown")
	}
	if !sig.StartDisabled {
		t.Error("start not disabled")
	}
	if h.mic.OpenCalls() != 0 {
		t.Error("microphone requested despite configuration error")
	}
	if tr.CallCount() != 0 {
		t.Error("connect attempted despite configuration error")
	}
}

func TestEngine_ResetIdempotence(t *testing.T) {
	gate := make(chan struct{})
	tr := &transportmock.Transport{Gate: gate, IgnoreCancel: true}
	h := newHarness(t, Config{}, tr)
	h.waitPhase(t, PhaseConnecting)

	h.e.Reset()
	h.e.Reset()
	h.barrier(t)
	close(gate)

	waitFor(t, func() bool {
		return len(tr.Sessions()) == 3 && tr.OpenSessions() == 1
	}, "superseded sessions to close")
	h.waitPhase(t, PhaseOpen)
	h.barrier(t)

	if n := tr.OpenSessions(); n != 1 {
		t.Errorf("%d live sessions, want 1", n)
	}
	var st state
	h.do(t, func() { st = h.e.state })
	open, ok := st.(openState)
	if !ok {
		t.Fatalf("state = %T, want openState", st)
	}
	if open.sess.(*transportmock.Session).Closed() {
		t.Error("engine holds a closed session")
	}
	if open.attempt != 3 {
		t.Errorf("open attempt = %d, want 3", open.attempt)
	}
}

func TestEngine_ResetTearsDown(t *testing.T) {
	tr := &transportmock.Transport{CloseError: errors.New("already closed")}
	h := newHarness(t, Config{}, tr)
	h.waitPhase(t, PhaseOpen)

	h.e.Start()
	h.deliver(t, transport.Message{Parts: []transport.Part{pcm(2400)}})
	first, _ := tr.Latest()

	h.e.Reset()
	h.barrier(t)
	h.waitPhase(t, PhaseOpen)

	if !first.Closed() {
		t.Error("previous session not closed")
	}
	if h.e.scheduler.Live() != 0 || h.e.scheduler.NextStart() != 0 {
		t.Error("playback not flushed")
	}
	if h.e.Signals().Recording {
		t.Error("recording survived reset")
	}
	if tr.CallCount() != 2 {
		t.Errorf("Connect called %d times, want 2", tr.CallCount())
	}
	if h.e.Signals().Error != "" {
		t.Errorf("close failure surfaced: %q", h.e.Signals().Error)
	}
}

func TestEngine_TransportClose(t *testing.T) {
	h := connected(t)
	h.e.Start()
	h.barrier(t)

	_, cb := h.tr.Latest()
	cb.Close(transport.CloseGoingAway, "")
	h.barrier(t)

	sig := h.e.Signals()
	if sig.Phase != PhaseClosed {
		t.Errorf("Phase = %v, want closed", sig.Phase)
	}
	if sig.Recording {
		t.Error("recording survived close")
	}
	if sig.Status != "connection closed: 1001 unknown reason" {
		t.Errorf("Status = %q", sig.Status)
	}

	h.e.Reset()
	h.waitPhase(t, PhaseOpen)
}

func TestEngine_TransportError(t *testing.T) {
	h := connected(t)
	sess, cb := h.tr.Latest()

	cb.Error(errors.New("reset by peer"))
	h.barrier(t)

	sig := h.e.Signals()
	if sig.Phase != PhaseFailed {
		t.Errorf("Phase = %v, want failed", sig.Phase)
	}
	if sig.Error != "connection error: reset by peer" {
		t.Errorf("Error = %q", sig.Error)
	}
	if !sess.Closed() {
		t.Error("session not closed after error")
	}
}

func TestEngine_IgnoresStaleCallbacks(t *testing.T) {
	h := connected(t)
	_, old := h.tr.Latest()

	h.e.Reset()
	waitFor(t, func() bool { return h.tr.CallCount() == 2 }, "reconnect")
	h.waitPhase(t, PhaseOpen)

	old.Message(transport.Message{Parts: []transport.Part{pcm(240), text("ghost")}})
	old.Close(transport.CloseNormal, "bye")
	h.barrier(t)

	if len(h.out.Sources()) != 0 {
		t.Error("audio from a stale session was scheduled")
	}
	sig := h.e.Signals()
	if sig.Status == "ghost" || sig.Phase != PhaseOpen {
		t.Errorf("stale callbacks changed signals: %+v", sig)
	}
}

func TestEngine_StatusClearsErrorButErrorKeepsStatus(t *testing.T) {
	h := connected(t)

	h.e.post(func() { h.e.setError("boom") })
	h.barrier(t)
	sig := h.e.Signals()
	if sig.Status != "connected" || sig.Error != "boom" {
		t.Errorf("after error: %+v", sig)
	}

	h.e.post(func() { h.e.setStatus("next") })
	h.barrier(t)
	sig = h.e.Signals()
	if sig.Status != "next" || sig.Error != "" {
		t.Errorf("after status: %+v", sig)
	}
}

func TestEngine_ResetFromCallback(t *testing.T) {
	h := connected(t)

	var once sync.Once
	h.e.OnChange(func(s Signals) {
		if s.Status == "hello" {
			once.Do(h.e.Reset)
		}
	})
	h.deliver(t, transport.Message{Parts: []transport.Part{text("hello")}})

	waitFor(t, func() bool { return h.tr.CallCount() == 2 }, "reset")
	h.waitPhase(t, PhaseOpen)
}

func TestEngine_ShutdownClosesLateSessions(t *testing.T) {
	tests := []struct {
		name string
		// queued delays the loop so the connect result is still in the
		// mailbox when the engine stops.
		queued bool
	}{
		{"result after shutdown", false},
		{"result queued at shutdown", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := make(chan struct{})
			tr := &transportmock.Transport{Gate: gate, IgnoreCancel: true}
			e := NewEngine(Config{}, tr, &soundmock.Output{}, audiomock.NewMicrophone(), nil)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				defer close(done)
				_ = e.Run(ctx)
			}()
			waitFor(t, func() bool { return e.Signals().Phase == PhaseConnecting }, "connecting")

			if tt.queued {
				running, block := make(chan struct{}), make(chan struct{})
				e.post(func() {
					close(running)
					<-block
				})
				<-running
				close(gate)
				waitFor(t, func() bool {
					e.box.mu.Lock()
					defer e.box.mu.Unlock()
					// OnOpen and the connect result.
					return len(e.box.queue) == 2
				}, "connect result to be queued")
				cancel()
				close(block)
				<-done
			} else {
				cancel()
				<-done
				close(gate)
			}

			waitFor(t, func() bool {
				return len(tr.Sessions()) == 1 && tr.OpenSessions() == 0
			}, "late session to close")
		})
	}
}
