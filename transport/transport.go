// Package transport defines the boundary between the voice engine and the
// remote conversational agent.
//
// A Transport opens Sessions. A Session accepts outbound audio blobs and
// reports inbound traffic through the Callbacks supplied at connect time.
// Callbacks may be invoked from any goroutine owned by the transport; the
// engine re-posts them onto its own loop.
package transport

import "context"

// Blob is an encoded media payload.
type Blob struct {
	MIMEType string
	Data     []byte
}

// Part is one element of an inbound message. Exactly one of Audio or Text is
// set.
type Part struct {
	Audio *Blob
	Text  string
}

// Message is one inbound unit from the agent. Parts keep their wire order.
type Message struct {
	Parts []Part

	// Interrupted reports that the user started speaking over the agent and
	// any queued playback must be discarded.
	Interrupted bool

	// TurnComplete marks the end of the agent's turn.
	TurnComplete bool
}

// Callbacks receive session events. Nil fields are ignored.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(Message)
	OnError   func(error)
	OnClose   func(code int, reason string)
}

// Open invokes OnOpen if it is set.
func (c Callbacks) Open() {
	if c.OnOpen != nil {
		c.OnOpen()
	}
}

// Message invokes OnMessage if it is set.
func (c Callbacks) Message(m Message) {
	if c.OnMessage != nil {
		c.OnMessage(m)
	}
}

// Error invokes OnError if it is set.
func (c Callbacks) Error(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

// Close invokes OnClose if it is set.
func (c Callbacks) Close(code int, reason string) {
	if c.OnClose != nil {
		c.OnClose(code, reason)
	}
}

// SessionConfig carries the agent selection passed through connect. The
// engine does not interpret it.
type SessionConfig struct {
	Model              string
	Voice              string
	Instructions       string
	ResponseModalities []string
	InputSampleRate    int
	Extra              map[string]string
}

// Session is a live connection to the agent.
type Session interface {
	// ID identifies the session in logs.
	ID() string

	// Send submits one outbound audio blob.
	Send(blob Blob) error

	// Close terminates the session. Calling Close more than once returns nil.
	Close() error
}

// Transport opens sessions to a remote agent.
type Transport interface {
	// Connect establishes a session. It blocks until the session is ready or
	// the attempt fails. OnOpen is invoked before Connect returns a session.
	Connect(ctx context.Context, cfg SessionConfig, cb Callbacks) (Session, error)
}

// Close codes reported through Callbacks.OnClose.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)
