package chatcontext

import (
	"time"

	"github.com/go-go-golems/chatrelay/pkg/chat"
)

// Transcript is the bounded in-memory record of completed exchanges on one connection.
// It is owned by a single connection goroutine and is not safe for concurrent use.
type Transcript struct {
	limit int
	turns []chat.Turn
}

// NewTranscript keeps at most limit turns; limit <= 0 disables retention.
func NewTranscript(limit int) *Transcript {
	return &Transcript{limit: limit}
}

func (t *Transcript) Append(role chat.Role, content string) {
	if t == nil || t.limit <= 0 {
		return
	}
	t.turns = append(t.turns, chat.Turn{Role: role, Content: content, CreatedAt: time.Now()})
	if over := len(t.turns) - t.limit; over > 0 {
		t.turns = append([]chat.Turn(nil), t.turns[over:]...)
	}
}

// Turns returns a copy in insertion order.
func (t *Transcript) Turns() []chat.Turn {
	if t == nil {
		return nil
	}
	return append([]chat.Turn(nil), t.turns...)
}

func (t *Transcript) Len() int {
	if t == nil {
		return 0
	}
	return len(t.turns)
}

func (t *Transcript) Reset() {
	if t == nil {
		return
	}
	t.turns = nil
}
