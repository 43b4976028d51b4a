package session

import (
	"sync"
	"time"

	"callpipe/core"
)

// Registry is the concurrent store of active call sessions, keyed by
// call id with a secondary index by media-stream id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byStream map[string]string // streamID -> callID
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byStream: make(map[string]string),
	}
}

func (r *Registry) Create(params Params) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[params.CallID]; exists {
		return nil, core.ErrSessionExists
	}
	s := New(params)
	r.sessions[params.CallID] = s
	if params.StreamID != "" {
		r.byStream[params.StreamID] = params.CallID
	}
	return s, nil
}

func (r *Registry) Get(callID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	return s, ok
}

func (r *Registry) GetByStream(streamID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	callID, ok := r.byStream[streamID]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[callID]
	return s, ok
}

// BindStream indexes a session by its media-stream id once the
// transport assigns one.
func (r *Registry) BindStream(callID, streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	if !ok {
		return
	}
	s.BindStream(streamID)
	r.byStream[streamID] = callID
}

// Remove takes a session out of the registry. The caller finalizes it.
func (r *Registry) Remove(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	if !ok {
		return nil, false
	}
	delete(r.sessions, callID)
	if streamID := s.StreamID(); streamID != "" {
		delete(r.byStream, streamID)
	}
	return s, true
}

// Sweep removes and returns every session older than maxAge, regardless
// of activity. This is the leak backstop, not the normal teardown path.
func (r *Registry) Sweep(maxAge time.Duration) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []*Session
	for callID, s := range r.sessions {
		if s.Age() < maxAge {
			continue
		}
		delete(r.sessions, callID)
		if streamID := s.StreamID(); streamID != "" {
			delete(r.byStream, streamID)
		}
		expired = append(expired, s)
	}
	return expired
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
