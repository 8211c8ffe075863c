package identity

import (
	"context"
	"sync"

	"parley/cmd/internal/chat"
)

// SignInFlow holds at most one pending sign-in attempt. External providers
// resolve asynchronously; the flow bridges their callback into the waiting
// Begin call. Starting a second attempt while one is pending is an error
// rather than a silent replacement, which would leak the first waiter.
type SignInFlow struct {
	mu      sync.Mutex
	pending chan signInResult
}

type signInResult struct {
	user chat.User
	err  error
}

// NewSignInFlow builds an idle flow.
func NewSignInFlow() *SignInFlow { return &SignInFlow{} }

// Begin registers an attempt and blocks until Complete, Fail, or ctx
// cancellation resolves it. Returns ErrSignInPending if an attempt is
// already outstanding.
func (f *SignInFlow) Begin(ctx context.Context) (chat.User, error) {
	f.mu.Lock()
	if f.pending != nil {
		f.mu.Unlock()
		return chat.User{}, ErrSignInPending
	}
	ch := make(chan signInResult, 1)
	f.pending = ch
	f.mu.Unlock()

	select {
	case res := <-ch:
		return res.user, res.err
	case <-ctx.Done():
		f.clear(ch)
		return chat.User{}, ctx.Err()
	}
}

// Complete resolves the pending attempt with an authenticated user.
func (f *SignInFlow) Complete(u chat.User) error {
	return f.resolve(signInResult{user: u})
}

// Fail resolves the pending attempt with the provider's error.
func (f *SignInFlow) Fail(err error) error {
	return f.resolve(signInResult{err: err})
}

func (f *SignInFlow) resolve(res signInResult) error {
	f.mu.Lock()
	ch := f.pending
	f.pending = nil
	f.mu.Unlock()
	if ch == nil {
		return ErrNoPendingSignIn
	}
	ch <- res
	return nil
}

// clear drops the attempt only if it is still ours; a resolution that won
// the race already cleared it.
func (f *SignInFlow) clear(ch chan signInResult) {
	f.mu.Lock()
	if f.pending == ch {
		f.pending = nil
	}
	f.mu.Unlock()
}
