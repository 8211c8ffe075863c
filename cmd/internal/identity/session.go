package identity

import (
	"sync"

	"parley/cmd/internal/chat"
)

// Session is the mutex-guarded per-process session record: the signed-in
// user, the onboarding flag, and the current auth state. It is handed to
// its consumers explicitly instead of living behind a process-global.
type Session struct {
	mu        sync.RWMutex
	user      *chat.User
	onboarded bool
	state     AuthState
	observers []chan AuthState
}

// NewSession starts unauthenticated.
func NewSession() *Session {
	return &Session{state: Unauthenticated()}
}

// User returns the signed-in user, or nil.
func (s *Session) User() *chat.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// Onboarded reports whether the user finished profile setup.
func (s *Session) Onboarded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.onboarded
}

// SetOnboarded records profile-setup completion.
func (s *Session) SetOnboarded(done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onboarded = done
}

// State returns the current auth state.
func (s *Session) State() AuthState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Transition moves the state machine. Transitions equal (by tag) to the
// current state are suppressed and not broadcast.
func (s *Session) Transition(next AuthState) {
	s.mu.Lock()
	if s.state.Equal(next) {
		s.mu.Unlock()
		return
	}
	s.state = next
	switch next.Phase {
	case PhaseAuthenticated:
		s.user = next.User
	case PhaseUnauthenticated:
		s.user = nil
		s.onboarded = false
	}
	observers := make([]chan AuthState, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, ch := range observers {
		select {
		case ch <- next:
		default:
		}
	}
}

// Watch registers an auth-state observer. Emissions are best-effort and
// conflate under a slow consumer.
func (s *Session) Watch() <-chan AuthState {
	ch := make(chan AuthState, 1)
	s.mu.Lock()
	s.observers = append(s.observers, ch)
	s.mu.Unlock()
	return ch
}
