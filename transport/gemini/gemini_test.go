package gemini

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/d1nch8g/livevoice/transport"
)

type fakeLive struct {
	msgs   chan *genai.LiveServerMessage
	errs   chan error
	sent   []genai.LiveRealtimeInput
	closed chan struct{}
}

func newFakeLive() *fakeLive {
	return &fakeLive{
		msgs:   make(chan *genai.LiveServerMessage, 4),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (f *fakeLive) SendRealtimeInput(input genai.LiveRealtimeInput) error {
	f.sent = append(f.sent, input)
	return nil
}

func (f *fakeLive) Receive() (*genai.LiveServerMessage, error) {
	select {
	case m := <-f.msgs:
		return m, nil
	case err := <-f.errs:
		return nil, err
	case <-f.closed:
		return nil, io.ErrClosedPipe
	}
}

func (f *fakeLive) Close() error {
	close(f.closed)
	return nil
}

type events struct {
	messages chan transport.Message
	closes   chan int
	errs     chan error
	opened   bool
}

func newEvents() *events {
	return &events{
		messages: make(chan transport.Message, 4),
		closes:   make(chan int, 1),
		errs:     make(chan error, 1),
	}
}

func (e *events) callbacks() transport.Callbacks {
	return transport.Callbacks{
		OnOpen:    func() { e.opened = true },
		OnMessage: func(m transport.Message) { e.messages <- m },
		OnError:   func(err error) { e.errs <- err },
		OnClose:   func(code int, reason string) { e.closes <- code },
	}
}

func dial(t *testing.T, live *fakeLive, cfg transport.SessionConfig) (transport.Session, *events, *genai.LiveConnectConfig, string) {
	t.Helper()
	var (
		gotCfg   *genai.LiveConnectConfig
		gotModel string
	)
	tr := &Transport{connect: func(ctx context.Context, model string, lc *genai.LiveConnectConfig) (liveSession, error) {
		gotModel, gotCfg = model, lc
		return live, nil
	}}
	ev := newEvents()
	sess, err := tr.Connect(context.Background(), cfg, ev.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !ev.opened {
		t.Error("OnOpen not called")
	}
	return sess, ev, gotCfg, gotModel
}

func TestConnectConfig(t *testing.T) {
	lc := connectConfig(transport.SessionConfig{
		Voice:        "Orus",
		Instructions: "be kind",
		Extra:        map[string]string{"output_transcription": "true"},
	})

	if len(lc.ResponseModalities) != 1 || lc.ResponseModalities[0] != genai.ModalityAudio {
		t.Errorf("modalities = %v", lc.ResponseModalities)
	}
	if got := lc.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Orus" {
		t.Errorf("voice = %q", got)
	}
	if got := lc.SystemInstruction.Parts[0].Text; got != "be kind" {
		t.Errorf("instruction = %q", got)
	}
	if lc.OutputAudioTranscription == nil {
		t.Error("transcription not requested")
	}

	bare := connectConfig(transport.SessionConfig{ResponseModalities: []string{"text"}})
	if bare.SpeechConfig != nil || bare.SystemInstruction != nil {
		t.Error("unexpected optional fields")
	}
	if bare.ResponseModalities[0] != genai.ModalityText {
		t.Errorf("modalities = %v", bare.ResponseModalities)
	}
}

func TestTranslate(t *testing.T) {
	msg := &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		ModelTurn: &genai.Content{Parts: []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: "audio/pcm;rate=24000", Data: []byte{1, 0}}},
			{Text: "hi"},
			{Text: "thinking", Thought: true},
			{InlineData: &genai.Blob{MIMEType: "audio/pcm;rate=24000", Data: []byte{2, 0}}},
		}},
		TurnComplete: true,
	}}

	m, ok := translate(msg)
	if !ok {
		t.Fatal("message skipped")
	}
	if len(m.Parts) != 3 {
		t.Fatalf("parts = %+v", m.Parts)
	}
	if m.Parts[0].Audio == nil || m.Parts[1].Text != "hi" || m.Parts[2].Audio.Data[0] != 2 {
		t.Errorf("parts out of order: %+v", m.Parts)
	}
	if !m.TurnComplete || m.Interrupted {
		t.Errorf("flags = %+v", m)
	}

	if _, ok := translate(&genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}); ok {
		t.Error("setup message translated")
	}

	m, ok = translate(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{Interrupted: true}})
	if !ok || !m.Interrupted || len(m.Parts) != 0 {
		t.Errorf("interruption = %+v, %v", m, ok)
	}
}

func TestSession_SendAndReceive(t *testing.T) {
	live := newFakeLive()
	sess, ev, lc, model := dial(t, live, transport.SessionConfig{Voice: "Orus"})
	defer sess.Close()

	if model != DefaultModel {
		t.Errorf("model = %q, want default", model)
	}
	if lc.SpeechConfig == nil {
		t.Error("speech config not passed")
	}

	if err := sess.Send(transport.Blob{MIMEType: "audio/pcm;rate=16000", Data: []byte{1, 2}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(live.sent) != 1 || live.sent[0].Audio.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("sent = %+v", live.sent)
	}

	live.msgs <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{Interrupted: true}}
	select {
	case m := <-ev.messages:
		if !m.Interrupted {
			t.Errorf("message = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestSession_RemoteClose(t *testing.T) {
	live := newFakeLive()
	_, ev, _, _ := dial(t, live, transport.SessionConfig{})

	live.errs <- &websocket.CloseError{Code: 1011, Text: "internal"}
	select {
	case code := <-ev.closes:
		if code != 1011 {
			t.Errorf("code = %d, want 1011", code)
		}
	case err := <-ev.errs:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("close not reported")
	}
}

func TestSession_ReceiveError(t *testing.T) {
	live := newFakeLive()
	_, ev, _, _ := dial(t, live, transport.SessionConfig{})

	boom := errors.New("connection reset")
	live.errs <- boom
	select {
	case err := <-ev.errs:
		if !errors.Is(err, boom) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error not reported")
	}
}

func TestSession_LocalClose(t *testing.T) {
	live := newFakeLive()
	sess, ev, _, _ := dial(t, live, transport.SessionConfig{})

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := sess.Send(transport.Blob{}); err == nil {
		t.Error("Send after Close succeeded")
	}
	select {
	case code := <-ev.closes:
		if code != transport.CloseNormal {
			t.Errorf("code = %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close not reported")
	}
}
