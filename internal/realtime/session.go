package realtime

import (
	"errors"
	"fmt"
	"sync"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateError      State = "error"
)

var ErrInvalidTransition = errors.New("realtime: invalid session transition")

var transitions = map[State][]State{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateOpen, StateIdle, StateError},
	StateOpen:       {StateIdle, StateError},
	StateError:      {StateConnecting},
}

// SessionState is a point-in-time copy of the session for readers.
type SessionState struct {
	State               State `json:"state"`
	IsUserSpeaking      bool  `json:"isUserSpeaking"`
	IsResponseStreaming bool  `json:"isResponseStreaming"`
}

// Session is the live connection state. The pipeline is its only writer;
// Snapshot may be called from any goroutine.
type Session struct {
	mu    sync.RWMutex
	state SessionState
}

func NewSession() *Session {
	return &Session{state: SessionState{State: StateIdle}}
}

func (s *Session) Snapshot() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) State() State {
	return s.Snapshot().State
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.state.State
	for _, allowed := range transitions[from] {
		if allowed == to {
			s.state.State = to
			if to != StateOpen {
				s.state.IsUserSpeaking = false
				s.state.IsResponseStreaming = false
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func (s *Session) setSpeaking(v bool) {
	s.mu.Lock()
	s.state.IsUserSpeaking = v
	s.mu.Unlock()
}

func (s *Session) setStreaming(v bool) {
	s.mu.Lock()
	s.state.IsResponseStreaming = v
	s.mu.Unlock()
}
