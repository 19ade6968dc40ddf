// Package event records what the daemon did on behalf of each
// application: syncs and automated promotions. Events feed the status
// API; they are informational, not a durable audit log.
package event

import (
	"sync"
	"time"
)

type Type string

const (
	EventSync        Type = "sync"
	EventAutoPromote Type = "autopromote"
)

const LogLevelInfo = "info"
const LogLevelError = "error"

type Event struct {
	Application string      `json:"application"`
	Type        Type        `json:"type"`
	StartedAt   time.Time   `json:"startedAt"`
	EndedAt     time.Time   `json:"endedAt"`
	LogLevel    string      `json:"logLevel"`
	Message     string      `json:"message,omitempty"`
	Metadata    interface{} `json:"metadata,omitempty"`
}

// Sink receives events as they happen.
type Sink interface {
	LogEvent(e Event)
}

// Log is a bounded in-memory Sink; once full, the oldest events are
// dropped.
type Log struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

var _ Sink = &Log{}

func NewLog(limit int) *Log {
	if limit <= 0 {
		limit = 100
	}
	return &Log{limit: limit}
}

func (l *Log) LogEvent(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	if len(l.events) > l.limit {
		l.events = l.events[len(l.events)-l.limit:]
	}
}

// Events returns the retained events, oldest first.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}
