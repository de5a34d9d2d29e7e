// Package synclog keeps a bounded in-memory log of sync activity for the
// status surface. Entries are mirrored to slog.
package synclog

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultCapacity is used when New is given a non-positive capacity
const DefaultCapacity = 200

// Level of an entry
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Entry is one logged event
type Entry struct {
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Email   string    `json:"email,omitempty"`
	Message string    `json:"message"`
}

// Log is a fixed-size ring of entries, safe for concurrent use
type Log struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a log holding at most capacity entries. logger may be nil.
func New(capacity int, logger *slog.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		entries: make([]Entry, capacity),
		logger:  logger,
		now:     time.Now,
	}
}

// Record appends an entry, evicting the oldest when full
func (l *Log) Record(level Level, email, message string) {
	e := Entry{Level: level, Email: email, Message: message}

	l.mu.Lock()
	e.Time = l.now()
	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	if l.logger != nil {
		l.logger.Log(context.Background(), level.slogLevel(), message, "component", "synclog", "email", email)
	}
}

func (l *Log) Info(email, message string)  { l.Record(LevelInfo, email, message) }
func (l *Log) Warn(email, message string)  { l.Record(LevelWarn, email, message) }
func (l *Log) Error(email, message string) { l.Record(LevelError, email, message) }

// Len returns the number of stored entries
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.entries)
	}
	return l.next
}

// ReadRecent returns up to n entries, newest first. n <= 0 returns all.
func (l *Log) ReadRecent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.full {
		size = len(l.entries)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Entry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.entries)) % len(l.entries)
		out = append(out, l.entries[idx])
	}
	return out
}
