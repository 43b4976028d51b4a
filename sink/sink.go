// Package sink writes the minimal per-call record back once a call
// reaches a terminal state. The persistence behind it is an external
// collaborator; this package only defines the contract and two writers.
package sink

import (
	"context"
	"sync"
	"time"

	"callpipe/core"
)

// Call status values reported by the telephony provider, plus the
// status the idle sweep assigns.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusBusy      = "busy"
	StatusNoAnswer  = "no-answer"
	StatusCanceled  = "canceled"
	StatusExpired   = "expired"
)

// IsTerminal reports whether a provider status ends the call.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusBusy, StatusNoAnswer, StatusCanceled:
		return true
	}
	return false
}

// CallRecord is the write-back after a call ends: identifier, final
// status and the non-system conversation history.
type CallRecord struct {
	CallID   string             `json:"call_id"`
	Status   string             `json:"status"`
	Messages []core.ChatMessage `json:"messages"`
	EndedAt  time.Time          `json:"ended_at"`
}

// StatusSink persists terminal call records.
type StatusSink interface {
	WriteCallRecord(ctx context.Context, record CallRecord) error
}

// MemorySink keeps records in memory for tests and standalone runs.
type MemorySink struct {
	mu      sync.Mutex
	records []CallRecord
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) WriteCallRecord(_ context.Context, record CallRecord) error {
	s.mu.Lock()
	s.records = append(s.records, record)
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Records() []CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CallRecord, len(s.records))
	copy(out, s.records)
	return out
}
