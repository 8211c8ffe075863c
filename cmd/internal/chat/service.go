package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"parley/cmd/internal/docstore"
	"parley/cmd/internal/ids"
)

// Lifecycle is the application lifecycle state accompanying typing events.
// Leaving the foreground must never strand a stale "typing" flag, so the
// background states get a grace-period write instead of a direct one.
type Lifecycle string

const (
	LifecycleActive     Lifecycle = "active"
	LifecycleInactive   Lifecycle = "inactive"
	LifecycleBackground Lifecycle = "background"
	LifecycleTerminated Lifecycle = "terminated"
)

const defaultTypingGrace = 5 * time.Second

// Service is the conversation reconciliation engine. One instance backs one
// session; it serializes its own batches per call and relies on the store's
// atomic increments for correctness against the other participant's client.
type Service struct {
	log   *slog.Logger
	store docstore.Store
	now   func() time.Time

	typingGrace time.Duration

	mu           sync.Mutex
	typingStops  map[string]*time.Timer // conversation id -> pending stop write
	deliverySubs map[string]*docstore.DocSubscription
}

// Option configures a Service.
type Option func(*Service)

// WithNow overrides the client clock used for message timestamps
// (server timestamps always come from the store).
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTypingGrace overrides the grace period before a background lifecycle
// transition force-clears the typing flag.
func WithTypingGrace(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.typingGrace = d
		}
	}
}

// NewService constructs the engine on top of a document store.
func NewService(log *slog.Logger, store docstore.Store, opts ...Option) *Service {
	s := &Service{
		log:          log,
		store:        store,
		now:          func() time.Time { return time.Now().UTC() },
		typingGrace:  defaultTypingGrace,
		typingStops:  make(map[string]*time.Timer),
		deliverySubs: make(map[string]*docstore.DocSubscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Close cancels pending typing-stop tasks and delivery trackers.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.typingStops {
		t.Stop()
		delete(s.typingStops, id)
	}
	for id, sub := range s.deliverySubs {
		sub.Unsubscribe()
		delete(s.deliverySubs, id)
	}
}

// FindExistingConversation resolves the conversation directory: the
// projection owned by userID whose counterpart is otherUserID. A nil result
// with a nil error means no conversation exists between the two, a valid
// outcome rather than a failure. If inconsistent duplicates exist (see the
// creation-race note on CreateConversation) the first match wins.
func (s *Service) FindExistingConversation(ctx context.Context, userID, otherUserID string) (*UserConversation, error) {
	if userID == "" || otherUserID == "" {
		return nil, ErrMissingUser
	}

	snaps, err := s.store.GetAll(ctx, docstore.Query{
		Collection: UserConversationsCollection,
		Filters: []docstore.Filter{
			docstore.Where("userId", docstore.FilterEqual, userID),
			docstore.Where("otherUserId", docstore.FilterEqual, otherUserID),
		},
		Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	uc := UserConversationFromSnapshot(snaps[0])
	return &uc, nil
}

// CreateResult carries everything a creation materializes, so the caller
// can update in-memory state without a round trip.
type CreateResult struct {
	Conversation Conversation
	Mine         UserConversation
	Theirs       UserConversation
	Message      Message
}

// CreateConversation materializes a new two-party conversation: the shared
// conversation document, both user-scoped projections, and the first
// message, written in one atomic batch. The initiator's projection starts
// with unread 0 (their own message never accrues unread); the recipient's
// starts at 1. The first message is optimistically marked delivered since
// the recipient's listener observes it immediately.
//
// Known gap: two near-simultaneous creations for the same pair, each
// missing the other's in-flight write in FindExistingConversation, produce
// two conversations. There is no store-level uniqueness constraint to lean
// on; callers must run the directory lookup first and tolerate duplicates.
func (s *Service) CreateConversation(ctx context.Context, current, other User, initialText string) (CreateResult, error) {
	if current.ID == "" || other.ID == "" {
		return CreateResult{}, ErrMissingUser
	}
	if current.ID == other.ID {
		return CreateResult{}, ErrSameParticipant
	}
	if strings.TrimSpace(initialText) == "" {
		return CreateResult{}, ErrEmptyMessage
	}

	conversationID := ids.NewDocID()
	now := s.now()

	last := LastMessage{Text: initialText, SenderID: current.ID, Status: StatusDelivered, Timestamp: now}

	conv := Conversation{
		ID:           conversationID,
		Participants: map[string]bool{current.ID: true, other.ID: true},
		LastMessage:  last,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	mine := UserConversation{
		ID:                ProjectionID(current.ID, conversationID),
		UserID:            current.ID,
		UserName:          current.DisplayName,
		UserImageURL:      current.PhotoURL,
		ConversationID:    conversationID,
		OtherUserID:       other.ID,
		OtherUserName:     other.DisplayName,
		OtherUserImageURL: other.PhotoURL,
		LastMessage:       last,
		UnreadCount:       0,
		UpdatedAt:         now,
	}
	theirs := UserConversation{
		ID:                ProjectionID(other.ID, conversationID),
		UserID:            other.ID,
		UserName:          other.DisplayName,
		UserImageURL:      other.PhotoURL,
		ConversationID:    conversationID,
		OtherUserID:       current.ID,
		OtherUserName:     current.DisplayName,
		OtherUserImageURL: current.PhotoURL,
		LastMessage:       last,
		UnreadCount:       1,
		UpdatedAt:         now,
	}
	msg := Message{
		ID:        ids.NewDocID(),
		SenderID:  current.ID,
		Content:   initialText,
		Type:      MessageText,
		Status:    StatusDelivered,
		Timestamp: now,
	}

	err := s.store.Batch(ctx, []docstore.Op{
		docstore.Set(docstore.Ref{Collection: ConversationsCollection, ID: conversationID}, conv.Fields()),
		docstore.Set(docstore.Ref{Collection: UserConversationsCollection, ID: mine.ID}, mine.Fields()),
		docstore.Set(docstore.Ref{Collection: UserConversationsCollection, ID: theirs.ID}, theirs.Fields()),
		docstore.Set(docstore.Ref{Collection: MessagesCollection(conversationID), ID: msg.ID}, msg.Fields()),
	})
	if err != nil {
		return CreateResult{}, fmt.Errorf("create conversation: %w", err)
	}

	s.log.Info("chat.conversation.create",
		"conversation_id", conversationID, "user_id", current.ID, "other_user_id", other.ID)

	return CreateResult{Conversation: conv, Mine: mine, Theirs: theirs, Message: msg}, nil
}

// SendMessage appends a message and reconciles both projections in one
// atomic batch: message insert, conversation last-message update, sender
// projection merge (unread unchanged), recipient projection merge with an
// atomic server-side unread increment (never read-modify-write, so
// concurrent senders cannot lose counts).
func (s *Service) SendMessage(ctx context.Context, conversationID, senderID, recipientID, text string) (Message, error) {
	if conversationID == "" {
		return Message{}, ErrMissingConversation
	}
	if senderID == "" || recipientID == "" {
		return Message{}, ErrMissingUser
	}
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyMessage
	}

	now := s.now()
	msg := Message{
		ID:        ids.NewDocID(),
		SenderID:  senderID,
		Content:   text,
		Type:      MessageText,
		Status:    StatusDelivered,
		Timestamp: now,
	}
	last := LastMessage{Text: text, SenderID: senderID, Status: StatusDelivered, Timestamp: now}

	err := s.store.Batch(ctx, []docstore.Op{
		docstore.Set(docstore.Ref{Collection: MessagesCollection(conversationID), ID: msg.ID}, msg.Fields()),
		docstore.Update(docstore.Ref{Collection: ConversationsCollection, ID: conversationID}, map[string]any{
			"lastMessage": last.fields(),
			"updatedAt":   now,
		}),
		projectionSendMerge(senderID, conversationID, last, false),
		projectionSendMerge(recipientID, conversationID, last, true),
	})
	if err != nil {
		return Message{}, fmt.Errorf("send message: %w", err)
	}

	s.log.Info("chat.send", "conversation_id", conversationID, "sender_id", senderID, "message_id", msg.ID)
	return msg, nil
}

// projectionSendMerge is the per-projection write on send. A merge-set
// rather than an update: a projection missing due to partial manual cleanup
// heals instead of failing the whole send.
func projectionSendMerge(userID, conversationID string, last LastMessage, incrementUnread bool) docstore.Op {
	fields := map[string]any{
		"lastMessage": last.fields(),
		"updatedAt":   docstore.ServerTimestamp,
	}
	if incrementUnread {
		fields["unreadCount"] = docstore.Increment(1)
	}
	return docstore.SetMerge(docstore.Ref{
		Collection: UserConversationsCollection,
		ID:         ProjectionID(userID, conversationID),
	}, fields)
}

// MarkConversationRead zeroes the caller's unread counter and advances
// every delivered message from the counterpart to read, in one batch.
//
// The query and the batch are not mutually atomic: a message delivered in
// between is missed and corrected by the next invocation. Accepted
// eventual-consistency gap; the operation is idempotent.
func (s *Service) MarkConversationRead(ctx context.Context, conversationID, userID string) error {
	if conversationID == "" {
		return ErrMissingConversation
	}
	if userID == "" {
		return ErrMissingUser
	}

	snaps, err := s.store.GetAll(ctx, docstore.Query{
		Collection: MessagesCollection(conversationID),
		Filters: []docstore.Filter{
			docstore.Where("status", docstore.FilterEqual, string(StatusDelivered)),
			docstore.Where("senderId", docstore.FilterNotEqual, userID),
		},
	})
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	ops := []docstore.Op{
		docstore.Update(docstore.Ref{Collection: UserConversationsCollection, ID: ProjectionID(userID, conversationID)}, map[string]any{
			"unreadCount": int64(0),
			"updatedAt":   docstore.ServerTimestamp,
		}),
	}
	for _, snap := range snaps {
		ops = append(ops, docstore.Update(snap.Ref, map[string]any{
			"status": string(StatusRead),
			"readAt": docstore.ServerTimestamp,
		}))
	}

	if err := s.store.Batch(ctx, ops); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// MarkMessagesAsRead advances only the given messages to read and
// decrements the caller's unread counter by the number of messages actually
// advanced. Duplicate ids, the caller's own messages, and already-read
// messages are skipped so the counter can never be over-decremented below
// its true value.
func (s *Service) MarkMessagesAsRead(ctx context.Context, messageIDs []string, conversationID, userID string) error {
	if conversationID == "" {
		return ErrMissingConversation
	}
	if userID == "" {
		return ErrMissingUser
	}
	if len(messageIDs) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(messageIDs))
	var ops []docstore.Op
	advanced := 0

	for _, id := range messageIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		snap, err := s.store.Get(ctx, docstore.Ref{Collection: MessagesCollection(conversationID), ID: id})
		if err != nil {
			return fmt.Errorf("mark messages read: %w", err)
		}
		msg := MessageFromSnapshot(snap)
		if msg.SenderID == userID || !msg.Status.CanAdvanceTo(StatusRead) {
			continue
		}

		ops = append(ops, docstore.Update(snap.Ref, map[string]any{
			"status": string(StatusRead),
			"readAt": docstore.ServerTimestamp,
		}))
		advanced++
	}
	if advanced == 0 {
		return nil
	}

	ops = append(ops, docstore.Update(docstore.Ref{Collection: UserConversationsCollection, ID: ProjectionID(userID, conversationID)}, map[string]any{
		"unreadCount": docstore.Increment(int64(-advanced)),
		"updatedAt":   docstore.ServerTimestamp,
	}))

	if err := s.store.Batch(ctx, ops); err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}
	return nil
}

// SetTypingIndicator reconciles the counterpart projections' typing flags
// with the sender's lifecycle state.
//
// Active/inactive write directly. Background/terminated instead schedule a
// single replaceable grace task that force-writes isTyping=false, so typing
// state never outlives the app leaving the foreground. Any pending task for
// the conversation is canceled and replaced first, never accumulated.
func (s *Service) SetTypingIndicator(ctx context.Context, userID, conversationID string, isTyping bool, state Lifecycle) error {
	if conversationID == "" {
		return ErrMissingConversation
	}
	if userID == "" {
		return ErrMissingUser
	}

	s.cancelTypingStop(conversationID)

	switch state {
	case LifecycleActive, LifecycleInactive:
		return s.writeTypingState(ctx, userID, conversationID, isTyping)
	case LifecycleBackground, LifecycleTerminated:
		s.scheduleTypingStop(userID, conversationID)
		return nil
	default:
		return fmt.Errorf("unknown lifecycle state %q", state)
	}
}

// writeTypingState updates every other participant's projection. Stopping
// deletes typingUserId outright: absence, not false, is what "nobody is
// typing" looks like, which disambiguates rapid toggles.
func (s *Service) writeTypingState(ctx context.Context, userID, conversationID string, isTyping bool) error {
	snap, err := s.store.Get(ctx, docstore.Ref{Collection: ConversationsCollection, ID: conversationID})
	if err != nil {
		return fmt.Errorf("typing state: %w", err)
	}
	conv := ConversationFromSnapshot(snap)

	var ops []docstore.Op
	for participantID := range conv.Participants {
		if participantID == userID {
			continue
		}
		fields := map[string]any{
			"isTyping":  isTyping,
			"updatedAt": docstore.ServerTimestamp,
		}
		if isTyping {
			fields["typingUserId"] = userID
		} else {
			fields["typingUserId"] = docstore.FieldDelete
		}
		ops = append(ops, docstore.Update(docstore.Ref{
			Collection: UserConversationsCollection,
			ID:         ProjectionID(participantID, conversationID),
		}, fields))
	}
	if len(ops) == 0 {
		return nil
	}

	if err := s.store.Batch(ctx, ops); err != nil {
		return fmt.Errorf("typing state: %w", err)
	}
	return nil
}

func (s *Service) cancelTypingStop(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.typingStops[conversationID]; ok {
		t.Stop()
		delete(s.typingStops, conversationID)
	}
}

func (s *Service) scheduleTypingStop(userID, conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typingStops[conversationID] = time.AfterFunc(s.typingGrace, func() {
		s.mu.Lock()
		delete(s.typingStops, conversationID)
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Best effort: typing state is inherently lossy. Log and move on.
		if err := s.writeTypingState(ctx, userID, conversationID, false); err != nil {
			s.log.Warn("chat.typing.background_clear.fail",
				"conversation_id", conversationID, "user_id", userID, "err", err)
		}
	})
}

// DeleteConversation removes the conversation, both projections, and every
// message, in one batch, on behalf of either participant.
func (s *Service) DeleteConversation(ctx context.Context, conversationID, userID string) error {
	if conversationID == "" {
		return ErrMissingConversation
	}

	msgs, err := s.store.GetAll(ctx, docstore.Query{Collection: MessagesCollection(conversationID)})
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	projections, err := s.store.GetAll(ctx, docstore.Query{
		Collection: UserConversationsCollection,
		Filters:    []docstore.Filter{docstore.Where("conversationId", docstore.FilterEqual, conversationID)},
	})
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	var ops []docstore.Op
	for _, m := range msgs {
		ops = append(ops, docstore.Delete(m.Ref))
	}
	for _, p := range projections {
		ops = append(ops, docstore.Delete(p.Ref))
	}
	ops = append(ops, docstore.Delete(docstore.Ref{Collection: ConversationsCollection, ID: conversationID}))

	if err := s.store.Batch(ctx, ops); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	s.log.Info("chat.conversation.delete", "conversation_id", conversationID, "user_id", userID)
	return nil
}

// FetchConversations opens the chat-list feed: every projection owned by
// userID, newest activity first. The caller owns the subscription.
func (s *Service) FetchConversations(ctx context.Context, userID string) (*docstore.Subscription, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	return s.store.Subscribe(ctx, docstore.Query{
		Collection: UserConversationsCollection,
		Filters:    []docstore.Filter{docstore.Where("userId", docstore.FilterEqual, userID)},
		OrderBy:    "updatedAt",
		Desc:       true,
	})
}

// FetchMessages opens a live page of messages: the `limit` messages
// immediately after the cursor message (or the start), ascending by send
// time. The cursor is a message id; its timestamp becomes the exclusive
// query cursor.
func (s *Service) FetchMessages(ctx context.Context, conversationID string, limit int, afterMessageID string) (*docstore.Subscription, error) {
	if conversationID == "" {
		return nil, ErrMissingConversation
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}

	q := docstore.Query{
		Collection: MessagesCollection(conversationID),
		OrderBy:    "timestamp",
		Limit:      limit,
	}
	if afterMessageID != "" {
		snap, err := s.store.Get(ctx, docstore.Ref{Collection: MessagesCollection(conversationID), ID: afterMessageID})
		if err != nil {
			return nil, fmt.Errorf("fetch messages: resolve cursor: %w", err)
		}
		q.StartAfter = snap.Time("timestamp")
	}
	return s.store.Subscribe(ctx, q)
}

// UserConversationsFromSnapshots converts a projection-feed emission.
func UserConversationsFromSnapshots(snaps []docstore.Snapshot) []UserConversation {
	out := make([]UserConversation, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, UserConversationFromSnapshot(s))
	}
	return out
}

// MessagesFromSnapshots converts a message-feed emission.
func MessagesFromSnapshots(snaps []docstore.Snapshot) []Message {
	out := make([]Message, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, MessageFromSnapshot(s))
	}
	return out
}
