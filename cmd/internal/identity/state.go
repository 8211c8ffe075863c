package identity

import "parley/cmd/internal/chat"

// Phase tags the authentication state machine.
type Phase string

const (
	PhaseUnauthenticated Phase = "unauthenticated"
	PhaseAuthenticating  Phase = "authenticating"
	PhaseAuthenticated   Phase = "authenticated"
	PhaseFailed          Phase = "failed"
)

// AuthState is one point in the authentication state machine. Failed
// carries the triggering error; Authenticated carries the principal.
type AuthState struct {
	Phase Phase
	User  *chat.User
	Err   error
}

func Unauthenticated() AuthState { return AuthState{Phase: PhaseUnauthenticated} }
func Authenticating() AuthState  { return AuthState{Phase: PhaseAuthenticating} }
func Failed(err error) AuthState { return AuthState{Phase: PhaseFailed, Err: err} }

func Authenticated(u chat.User) AuthState {
	return AuthState{Phase: PhaseAuthenticated, User: &u}
}

// Equal compares by phase tag only. Two failures with different underlying
// errors, or two authentications of different users, are deliberately equal:
// consumers key re-rendering off phase transitions, and payload-sensitive
// comparison caused redundant transitions in practice.
func (s AuthState) Equal(o AuthState) bool { return s.Phase == o.Phase }
