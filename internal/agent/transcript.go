package agent

import (
	"sync"

	"github.com/chadiek/live-assistant/internal/domain"
)

// Transcript is the ordered, append-only log of turns shown to the user.
// It is safe for concurrent use.
type Transcript struct {
	mu    sync.RWMutex
	turns []domain.Turn
}

func NewTranscript() *Transcript { return &Transcript{} }

// Append adds t to the end of the log.
func (t *Transcript) Append(turn domain.Turn) {
	t.mu.Lock()
	t.turns = append(t.turns, turn)
	t.mu.Unlock()
}

func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.turns)
}

// Turns returns a copy of the log in insertion order.
func (t *Transcript) Turns() []domain.Turn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

// Messages builds reply-service context from the log. Error turns describe
// our own failures, not the conversation, and are left out.
func (t *Transcript) Messages() []domain.ChatMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.ChatMessage, 0, len(t.turns))
	for _, turn := range t.turns {
		if turn.IsError {
			continue
		}
		out = append(out, domain.ChatMessage{Role: turn.Role, Content: turn.Text})
	}
	return out
}
