package gpt

import "sync"

// History keeps the most recent exchanges of a conversation.
type History struct {
	mu      sync.Mutex
	system  string
	limit   int
	entries []Message
}

// NewHistory returns a History that keeps at most limit user/assistant
// exchanges. A zero limit keeps 10.
func NewHistory(system string, limit int) *History {
	if limit <= 0 {
		limit = 10
	}
	return &History{system: system, limit: limit}
}

// Messages returns the system prompt, the kept exchanges and the pending user
// input.
func (h *History) Messages(userInput string) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	msgs := make([]Message, 0, len(h.entries)+2)
	if h.system != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Text: h.system})
	}
	msgs = append(msgs, h.entries...)
	return append(msgs, Message{Role: RoleUser, Text: userInput})
}

// Add records a finished exchange and trims the oldest ones.
func (h *History) Add(userInput, reply string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries,
		Message{Role: RoleUser, Text: userInput},
		Message{Role: RoleAssistant, Text: reply},
	)
	if keep := h.limit * 2; len(h.entries) > keep {
		h.entries = append([]Message(nil), h.entries[len(h.entries)-keep:]...)
	}
}

// Len returns the number of kept exchanges.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries) / 2
}
