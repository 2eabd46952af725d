// Package conversation holds the append-only chat log and visualization gallery
// shown by the app page.
package conversation

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Stage     string    `json:"stage,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Log is safe for concurrent appends. Entries are never rewritten or removed.
type Log struct {
	mu       sync.RWMutex
	messages []Message
	now      func() time.Time
}

func NewLog() *Log {
	return &Log{now: time.Now}
}

func (l *Log) AppendUser(content string) Message {
	return l.append(Message{Role: RoleUser, Content: content})
}

// AppendBot records a bot message; stage names the pipeline step that produced it.
func (l *Log) AppendBot(content, stage string) Message {
	return l.append(Message{Role: RoleBot, Content: content, Stage: stage})
}

func (l *Log) append(msg Message) Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg.ID = uuid.NewString()
	msg.CreatedAt = l.now().UTC()
	l.messages = append(l.messages, msg)
	return msg
}

func (l *Log) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Since returns the messages appended after the first n.
func (l *Log) Since(n int) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n < 0 {
		n = 0
	}
	if n >= len(l.messages) {
		return []Message{}
	}
	out := make([]Message, len(l.messages)-n)
	copy(out, l.messages[n:])
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}
