// Package identity manages chat principals: the user directory documents,
// the in-process session, the authentication state machine, and gateway
// token verification. Persistence rides the same docstore the chat core
// uses; no separate identity database exists.
package identity

import (
	"errors"
)

var (
	// ErrUserNotFound reports a lookup miss for a user document.
	ErrUserNotFound = errors.New("identity: user not found")

	// ErrSignInPending is returned when a sign-in attempt starts while an
	// earlier one is still unresolved. The flow holds at most one pending
	// attempt; the caller must resolve or cancel it first.
	ErrSignInPending = errors.New("identity: sign-in already in progress")

	// ErrNoPendingSignIn is returned when a completion arrives with no
	// attempt outstanding.
	ErrNoPendingSignIn = errors.New("identity: no sign-in in progress")

	// ErrInvalidToken covers malformed, expired, and wrongly signed tokens
	// indistinguishably, to avoid oracle behavior at the gateway edge.
	ErrInvalidToken = errors.New("identity: invalid token")
)
