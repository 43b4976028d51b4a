package session

import (
	"context"
	"sync"
	"time"

	"callpipe/core"
)

// Params carries the immutable configuration a session is created with.
type Params struct {
	CallID       string
	StreamID     string
	Voice        string
	Language     string
	Model        string
	SystemPrompt string
}

// Session is the per-call state. The orchestrator is the single writer;
// everything mutable is reached through methods so the locking stays in
// one place.
type Session struct {
	CallID       string
	Voice        string
	Language     string
	Model        string
	SystemPrompt string
	CreatedAt    time.Time

	mu           sync.Mutex
	streamID     string
	history      []core.ChatMessage
	turnInFlight bool
	cancelTurn   context.CancelFunc
	turnSeq      int
	silentTurns  int
	live         bool
	pendingMarks []string
}

func New(params Params) *Session {
	s := &Session{
		CallID:       params.CallID,
		Voice:        params.Voice,
		Language:     params.Language,
		Model:        params.Model,
		SystemPrompt: params.SystemPrompt,
		CreatedAt:    time.Now(),
		streamID:     params.StreamID,
		live:         true,
	}
	if params.SystemPrompt != "" {
		s.history = append(s.history, core.NewChatMessage(core.ChatRoleSystem, params.SystemPrompt))
	}
	return s
}

func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

func (s *Session) Age() time.Duration {
	return time.Since(s.CreatedAt)
}

// BindStream records the media-stream identifier once the transport connects.
func (s *Session) BindStream(streamID string) {
	s.mu.Lock()
	s.streamID = streamID
	s.mu.Unlock()
}

func (s *Session) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

// History returns a copy of the conversation so callers can read it
// without holding the session lock.
func (s *Session) History() []core.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.ChatMessage, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) AppendMessage(role core.ChatRole, text string) {
	s.mu.Lock()
	s.history = append(s.history, core.NewChatMessage(role, text))
	s.mu.Unlock()
}

// BeginTurn installs the cancellation handle for a new turn and returns
// the turn's sequence number. Any prior in-flight handle is invoked
// first, so at most one token stream is ever live per session.
func (s *Session) BeginTurn(cancel context.CancelFunc) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelTurn != nil {
		s.cancelTurn()
	}
	s.cancelTurn = cancel
	s.turnInFlight = true
	s.turnSeq++
	return s.turnSeq
}

// EndTurn clears the in-flight state, but only for the turn that set it;
// a turn superseded by barge-in must not clobber its successor.
func (s *Session) EndTurn(seq int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.turnSeq {
		return
	}
	s.turnInFlight = false
	s.cancelTurn = nil
}

// CancelTurn invokes the current turn's cancellation handle, once.
// Returns whether a turn was actually in flight.
func (s *Session) CancelTurn() bool {
	s.mu.Lock()
	cancel := s.cancelTurn
	inFlight := s.turnInFlight
	s.cancelTurn = nil
	s.turnInFlight = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return inFlight
}

func (s *Session) TurnInFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnInFlight
}

func (s *Session) TurnSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnSeq
}

// RecordSilence increments and returns the consecutive silent turn count.
func (s *Session) RecordSilence() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silentTurns++
	return s.silentTurns
}

func (s *Session) ResetSilence() {
	s.mu.Lock()
	s.silentTurns = 0
	s.mu.Unlock()
}

// PushMark queues an outstanding playback checkpoint name.
func (s *Session) PushMark(name string) {
	s.mu.Lock()
	s.pendingMarks = append(s.pendingMarks, name)
	s.mu.Unlock()
}

// PopMark removes a checkpoint the transport reported as played.
func (s *Session) PopMark(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, mark := range s.pendingMarks {
		if mark == name {
			s.pendingMarks = append(s.pendingMarks[:i], s.pendingMarks[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Session) PendingMarks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingMarks)
}

// Close marks the session dead and cancels any in-flight turn. Safe to
// call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancelTurn
	s.cancelTurn = nil
	s.turnInFlight = false
	s.live = false
	s.pendingMarks = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
