package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"parley/cmd/internal/chat"
	"parley/cmd/internal/docstore"
)

// UserStore is the user directory over the document store. Users are
// created on first authentication and never hard-deleted; presence and
// profile fields are the only mutable parts.
type UserStore struct {
	log   *slog.Logger
	store docstore.Store
}

// NewUserStore builds a user directory client.
func NewUserStore(log *slog.Logger, store docstore.Store) *UserStore {
	if log == nil {
		log = slog.Default()
	}
	return &UserStore{log: log, store: store}
}

// Ensure upserts the profile document on authentication. Merge semantics:
// a returning user keeps any field the new profile leaves blank.
func (s *UserStore) Ensure(ctx context.Context, u chat.User) error {
	if u.ID == "" {
		return chat.ErrMissingUser
	}
	err := s.store.Batch(ctx, []docstore.Op{
		docstore.SetMerge(docstore.Ref{Collection: chat.UsersCollection, ID: u.ID}, u.Fields()),
	})
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	s.log.Debug("identity.user.ensure", "user_id", u.ID)
	return nil
}

// Get reads one user.
func (s *UserStore) Get(ctx context.Context, userID string) (chat.User, error) {
	snap, err := s.store.Get(ctx, docstore.Ref{Collection: chat.UsersCollection, ID: userID})
	if errors.Is(err, docstore.ErrNotFound) {
		return chat.User{}, ErrUserNotFound
	}
	if err != nil {
		return chat.User{}, fmt.Errorf("get user: %w", err)
	}
	return chat.UserFromSnapshot(snap), nil
}

// GetByEmail resolves a user by exact email.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (chat.User, error) {
	return s.getByField(ctx, "email", email)
}

// GetByMobile resolves a user by exact phone number.
func (s *UserStore) GetByMobile(ctx context.Context, mobile string) (chat.User, error) {
	return s.getByField(ctx, "mobile", mobile)
}

func (s *UserStore) getByField(ctx context.Context, field, value string) (chat.User, error) {
	if value == "" {
		return chat.User{}, ErrUserNotFound
	}
	snaps, err := s.store.GetAll(ctx, docstore.Query{
		Collection: chat.UsersCollection,
		Filters:    []docstore.Filter{docstore.Where(field, docstore.FilterEqual, value)},
		Limit:      1,
	})
	if err != nil {
		return chat.User{}, fmt.Errorf("lookup user by %s: %w", field, err)
	}
	if len(snaps) == 0 {
		return chat.User{}, ErrUserNotFound
	}
	return chat.UserFromSnapshot(snaps[0]), nil
}

// List returns every user except the excluded one (the caller), for the
// new-chat picker.
func (s *UserStore) List(ctx context.Context, excludeUserID string) ([]chat.User, error) {
	snaps, err := s.store.GetAll(ctx, docstore.Query{Collection: chat.UsersCollection})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	out := make([]chat.User, 0, len(snaps))
	for _, snap := range snaps {
		if snap.Ref.ID == excludeUserID {
			continue
		}
		out = append(out, chat.UserFromSnapshot(snap))
	}
	return out, nil
}

// SetPresence flips a user's availability and stamps lastActiveAt
// server-side. Delivery trackers key off this write.
func (s *UserStore) SetPresence(ctx context.Context, userID string, p chat.Presence) error {
	if userID == "" {
		return chat.ErrMissingUser
	}
	err := s.store.Batch(ctx, []docstore.Op{
		docstore.SetMerge(docstore.Ref{Collection: chat.UsersCollection, ID: userID}, map[string]any{
			"status":       string(p),
			"lastActiveAt": docstore.ServerTimestamp,
		}),
	})
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	s.log.Debug("identity.presence.set", "user_id", userID, "status", string(p))
	return nil
}

// Observe opens a live feed of one user's document, used for presence
// badges and delivery tracking.
func (s *UserStore) Observe(ctx context.Context, userID string) (*docstore.DocSubscription, error) {
	if userID == "" {
		return nil, chat.ErrMissingUser
	}
	return s.store.SubscribeDoc(ctx, docstore.Ref{Collection: chat.UsersCollection, ID: userID})
}
