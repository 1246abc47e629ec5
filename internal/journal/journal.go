// Package journal records protocol traffic for diagnostics. Every frame the
// endpoint sends, accepts or drops can be appended as an Entry; backends are
// chosen by DSN scheme (memory://, file://, postgres://) and custom schemes
// can be registered.
package journal

import (
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("journal closed")
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionDropped  Direction = "dropped"
)

type Entry struct {
	Session       string    `json:"session,omitempty"`
	Direction     Direction `json:"direction"`
	Action        string    `json:"action,omitempty"`
	CorrelationID string    `json:"id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Frame         string    `json:"frame,omitempty"`
	RecordedAt    time.Time `json:"recordedAt"`
}

type Journal interface {
	Record(entry Entry) error
	// Recent returns up to limit entries, oldest first.
	Recent(limit int) ([]Entry, error)
	Close() error
}

const defaultCapacity = 1024

type inMemoryJournal struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry
	closed   bool
}

func NewInMemoryJournal(capacity int) Journal {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &inMemoryJournal{
		capacity: capacity,
		entries:  make([]Entry, 0, capacity),
	}
}

func (j *inMemoryJournal) Record(entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	if len(j.entries) >= j.capacity {
		copy(j.entries, j.entries[1:])
		j.entries = j.entries[:len(j.entries)-1]
	}
	j.entries = append(j.entries, entry)
	return nil
}

func (j *inMemoryJournal) Recent(limit int) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return tail(j.entries, limit), nil
}

func (j *inMemoryJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}

func tail(entries []Entry, limit int) []Entry {
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	return append([]Entry(nil), entries[len(entries)-limit:]...)
}

// TruncateFrame bounds the stored copy of a raw frame.
func TruncateFrame(raw []byte, max int) string {
	if max <= 0 || len(raw) <= max {
		return string(raw)
	}
	return strings.ToValidUTF8(string(raw[:max]), "") + "…"
}
