package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"parley/cmd/internal/docstore"
)

// stepClock hands out strictly increasing timestamps so every write in a
// test lands at a distinct, ordered instant.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2025, 4, 23, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestService(t *testing.T) (*Service, *docstore.MemoryStore) {
	t.Helper()
	clock := newStepClock()
	store := docstore.NewMemoryStore(clock.Now)
	t.Cleanup(func() { store.Close() })
	svc := NewService(nil, store, WithNow(clock.Now), WithTypingGrace(20*time.Millisecond))
	t.Cleanup(svc.Close)
	return svc, store
}

func getProjection(t *testing.T, store docstore.Store, userID, conversationID string) UserConversation {
	t.Helper()
	snap, err := store.Get(context.Background(), docstore.Ref{
		Collection: UserConversationsCollection,
		ID:         ProjectionID(userID, conversationID),
	})
	if err != nil {
		t.Fatalf("get projection %s: %v", ProjectionID(userID, conversationID), err)
	}
	return UserConversationFromSnapshot(snap)
}

func mustCreate(t *testing.T, svc *Service, a, b User, text string) CreateResult {
	t.Helper()
	res, err := svc.CreateConversation(context.Background(), a, b, text)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return res
}

var (
	alice = User{ID: "alice", DisplayName: "Alice", PhotoURL: "https://img/a.png", Status: PresenceOnline}
	bob   = User{ID: "bob", DisplayName: "Bob", PhotoURL: "https://img/b.png", Status: PresenceOffline}
)

func TestCreateConversation(t *testing.T) {
	t.Parallel()
	svc, store := newTestService(t)
	ctx := context.Background()

	res := mustCreate(t, svc, alice, bob, "hi")

	mine := getProjection(t, store, alice.ID, res.Conversation.ID)
	theirs := getProjection(t, store, bob.ID, res.Conversation.ID)

	if mine.UnreadCount != 0 {
		t.Errorf("initiator unread = %d, want 0", mine.UnreadCount)
	}
	if theirs.UnreadCount != 1 {
		t.Errorf("recipient unread = %d, want 1", theirs.UnreadCount)
	}
	if mine.LastMessage.Text != "hi" || theirs.LastMessage.Text != "hi" {
		t.Errorf("last message = %q / %q, want %q on both", mine.LastMessage.Text, theirs.LastMessage.Text, "hi")
	}
	if mine.OtherUserID != bob.ID || theirs.OtherUserID != alice.ID {
		t.Errorf("counterparts = %q / %q", mine.OtherUserID, theirs.OtherUserID)
	}

	// Both lookup directions resolve to the same conversation.
	fromA, err := svc.FindExistingConversation(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("find a->b: %v", err)
	}
	fromB, err := svc.FindExistingConversation(ctx, bob.ID, alice.ID)
	if err != nil {
		t.Fatalf("find b->a: %v", err)
	}
	if fromA == nil || fromB == nil {
		t.Fatal("directory lookup returned nil for an existing conversation")
	}
	if fromA.ConversationID != res.Conversation.ID || fromB.ConversationID != res.Conversation.ID {
		t.Errorf("directory ids = %q / %q, want %q", fromA.ConversationID, fromB.ConversationID, res.Conversation.ID)
	}

	if res.Message.Status != StatusDelivered {
		t.Errorf("first message status = %q, want %q", res.Message.Status, StatusDelivered)
	}
}

func TestCreateConversation_Rejections(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateConversation(ctx, alice, alice, "hi"); !errors.Is(err, ErrSameParticipant) {
		t.Errorf("self conversation err = %v, want ErrSameParticipant", err)
	}
	if _, err := svc.CreateConversation(ctx, alice, bob, "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("blank text err = %v, want ErrEmptyMessage", err)
	}
	if _, err := svc.CreateConversation(ctx, User{}, bob, "hi"); !errors.Is(err, ErrMissingUser) {
		t.Errorf("missing user err = %v, want ErrMissingUser", err)
	}
}

func TestFindExistingConversation_Absent(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)

	uc, err := svc.FindExistingConversation(context.Background(), alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if uc != nil {
		t.Fatalf("lookup of absent pair = %+v, want nil", uc)
	}
}

func TestSendMessage_UnreadAccounting(t *testing.T) {
	t.Parallel()
	svc, store := newTestService(t)
	ctx := context.Background()

	res := mustCreate(t, svc, alice, bob, "hi") // bob unread: 1
	convID := res.Conversation.ID

	// Alternate senders. Each recipient's counter grows only with messages
	// sent to them.
	sends := []struct{ from, to string }{
		{bob.ID, alice.ID},
		{alice.ID, bob.ID},
		{alice.ID, bob.ID},
		{bob.ID, alice.ID},
		{alice.ID, bob.ID},
	}
	for i, sd := range sends {
		if _, err := svc.SendMessage(ctx, convID, sd.from, sd.to, "m"); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	if got := getProjection(t, store, alice.ID, convID).UnreadCount; got != 2 {
		t.Errorf("alice unread = %d, want 2", got)
	}
	if got := getProjection(t, store, bob.ID, convID).UnreadCount; got != 4 {
		t.Errorf("bob unread = %d, want 4", got)
	}
}

func TestSendMessage_UpdatesPreviews(t *testing.T) {
	t.Parallel()
	svc, store := newTestService(t)
	ctx := context.Background()

	res := mustCreate(t, svc, alice, bob, "hi")
	msg, err := svc.SendMessage(ctx, res.Conversation.ID, bob.ID, alice.ID, "hello there")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	snap, err := store.Get(ctx, docstore.Ref{Collection: ConversationsCollection, ID: res.Conversation.ID})
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	conv := ConversationFromSnapshot(snap)
	if conv.LastMessage.Text != "hello there" || conv.LastMessage.SenderID != bob.ID {
		t.Errorf("conversation preview = %+v", conv.LastMessage)
	}
	if !conv.UpdatedAt.Equal(msg.Timestamp) {
		t.Errorf("conversation updatedAt = %v, want %v", conv.UpdatedAt, msg.Timestamp)
	}
	for _, uid := range []string{alice.ID, bob.ID} {
		if got := getProjection(t, store, uid, res.Conversation.ID).LastMessage.Text; got != "hello there" {
			t.Errorf("%s preview = %q, want %q", uid, got, "hello there")
		}
	}
}

func TestMarkConversationRead_Idempotent(t *testing.T) {
	t.Parallel()
	svc, store := newTestService(t)
	ctx := context.Background()

	res := mustCreate(t, svc, alice, bob, "hi")
	convID := res.Conversation.ID
	if _, err := svc.SendMessage(ctx, convID, alice.ID, bob.ID, "again"); err != nil {
		t.Fatalf("send: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := svc.MarkConversationRead(ctx, convID, bob.ID); err != nil {
			t.Fatalf("mark read pass %d: %v", i+1, err)
		}
		if got := getProjection(t, store, bob.ID, convID).UnreadCount; got != 0 {
			t.Errorf("pass %d: bob unread = %d, want 0", i+1, got)
		}
	}

	msgs, err := store.GetAll(ctx, docstore.Query{Collection: MessagesCollection(convID)})
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	for _, snap := range msgs {
		m := MessageFromSnapshot(snap)
		if m.Status != StatusRead {
			t.Errorf("message %s status = %q, want %q", m.ID, m.Status, StatusRead)
		}
		if m.ReadAt.IsZero() {
			t.Errorf("message %s has no readAt", m.ID)
		}
	}

	// Reading must never touch the sender's own counter.
	if got := getProjection(t, store, alice.ID, convID).UnreadCount; got != 0 {
		t.Errorf("alice unread = %d, want 0", got)
	}
}

func TestMarkMessagesAsRead_SkipsOwnAndDuplicates(t *testing.T) {
	t.Parallel()
	svc, store := newTestService(t)
	ctx := context.Background()

	res := mustCreate(t, svc, alice, bob, "hi")
	convID := res.Conversation.ID
	m2, err := svc.SendMessage(ctx, convID, alice.ID, bob.ID, "two")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	own, err := svc.SendMessage(ctx, convID, bob.ID, alice.ID, "mine")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// bob unread is 2; passing duplicates and bob's own message must
	// decrement by exactly 2.
	ids := []string{res.Message.ID, res.Message.ID, m2.ID, own.ID, m2.ID}
	if err := svc.MarkMessagesAsRead(ctx, ids, convID, bob.ID); err != nil {
		t.Fatalf("mark messages: %v", err)
	}

	if got := getProjection(t, store, bob.ID, convID).UnreadCount; got != 0 {
		t.Errorf("bob unread = %d, want 0", got)
	}

	ownSnap, err := store.Get(ctx, docstore.Ref{Collection: MessagesCollection(convID), ID: own.ID})
	if err != nil {
		t.Fatalf("get own message: %v", err)
	}
	if got := MessageFromSnapshot(ownSnap).Status; got != StatusDelivered {
		t.Errorf("own message status = %q, want %q (never read by its sender)", got, StatusDelivered)
	}

	// Re-marking already-read messages is a counter no-op.
	if err := svc.MarkMessagesAsRead(ctx, []string{res.Message.ID, m2.ID}, convID, bob.ID); err != nil {
		t.Fatalf("re-mark: %v", err)
	}
	if got := getProjection(t, store, bob.ID, convID).UnreadCount; got != 0 {
		t.Errorf("bob unread after re-mark = %d, want 0 (never negative)", got)
	}
}

func TestSetTypingIndicator_ActivePath(t *testing.T) {
	t.Parallel()
	svc, store := newTestService(t)
	ctx := context.Background()

	res := mustCreate(t, svc, alice, bob, "hi")
	convID := res.Conversation.ID

	if err := svc.SetTypingIndicator(ctx, alice.ID, convID, true, LifecycleActive); err != nil {
		t.Fatalf("typing on: %v", err)
	}

	snap, err := store.Get(ctx, docstore.Ref{Collection: UserConversationsCollection, ID: ProjectionID(bob.ID, convID)})
	if err != nil {
		t.Fatalf("get bob projection: %v", err)
	}
	if !snap.Bool("isTyping") || snap.String("typingUserId") != alice.ID {
		t.Errorf("bob sees isTyping=%v typingUserId=%q", snap.Bool("isTyping"), snap.String("typingUserId"))
	}
	// The typist's own projection is untouched.
	if getProjection(t, store, alice.ID, convID).IsTyping {
		t.Error("alice's own projection flagged as typing")
	}

	if err := svc.SetTypingIndicator(ctx, alice.ID, convID, false, LifecycleActive); err != nil {
		t.Fatalf("typing off: %v", err)
	}
	snap, err = store.Get(ctx, docstore.Ref{Collection: UserConversationsCollection, ID: ProjectionID(bob.ID, convID)})
	if err != nil {
		t.Fatalf("get bob projection: %v", err)
	}
	if snap.Bool("isTyping") {
		t.Error("isTyping still raised after stop")
	}
	if snap.Has("typingUserId") {
		t.Error("typingUserId survives a stop; the field must be deleted, not falsified")
	}
}

func TestSetTypingIndicator_BackgroundGrace(t *testing.T) {
	t.Parallel()
	svc, store := newTestService(t)
	ctx := context.Background()

	res := mustCreate(t, svc, alice, bob, "hi")
	convID := res.Conversation.ID

	if err := svc.SetTypingIndicator(ctx, alice.ID, convID, true, LifecycleActive); err != nil {
		t.Fatalf("typing on: %v", err)
	}
	if err := svc.SetTypingIndicator(ctx, alice.ID, convID, true, LifecycleBackground); err != nil {
		t.Fatalf("background transition: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		uc := getProjection(t, store, bob.ID, convID)
		if !uc.IsTyping {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("typing flag survived backgrounding")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDeleteConversation(t *testing.T) {
	t.Parallel()
	svc, store := newTestService(t)
	ctx := context.Background()

	res := mustCreate(t, svc, alice, bob, "hi")
	convID := res.Conversation.ID
	if _, err := svc.SendMessage(ctx, convID, bob.ID, alice.ID, "more"); err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := svc.DeleteConversation(ctx, convID, alice.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := store.Get(ctx, docstore.Ref{Collection: ConversationsCollection, ID: convID}); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("conversation doc err = %v, want ErrNotFound", err)
	}
	for _, uid := range []string{alice.ID, bob.ID} {
		ref := docstore.Ref{Collection: UserConversationsCollection, ID: ProjectionID(uid, convID)}
		if _, err := store.Get(ctx, ref); !errors.Is(err, docstore.ErrNotFound) {
			t.Errorf("%s projection err = %v, want ErrNotFound", uid, err)
		}
	}
	msgs, err := store.GetAll(ctx, docstore.Query{Collection: MessagesCollection(convID)})
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("%d messages survived deletion", len(msgs))
	}
}

func TestFetchConversations_OrderedByActivity(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	carol := User{ID: "carol", DisplayName: "Carol"}
	first := mustCreate(t, svc, alice, bob, "hi bob")
	second := mustCreate(t, svc, alice, carol, "hi carol")

	sub, err := svc.FetchConversations(ctx, alice.ID)
	if err != nil {
		t.Fatalf("fetch conversations: %v", err)
	}
	defer sub.Unsubscribe()

	snaps := <-sub.Updates()
	list := UserConversationsFromSnapshots(snaps)
	if len(list) != 2 {
		t.Fatalf("feed size = %d, want 2", len(list))
	}
	if list[0].ConversationID != second.Conversation.ID || list[1].ConversationID != first.Conversation.ID {
		t.Errorf("feed order = [%s %s], want newest activity first", list[0].ConversationID, list[1].ConversationID)
	}

	// New activity in the older conversation must float it to the top on
	// the next emission.
	if _, err := svc.SendMessage(ctx, first.Conversation.ID, bob.ID, alice.ID, "bump"); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snaps, ok := <-sub.Updates():
			if !ok {
				t.Fatal("feed closed early")
			}
			list = UserConversationsFromSnapshots(snaps)
			if len(list) == 2 && list[0].ConversationID == first.Conversation.ID {
				return
			}
		case <-deadline:
			t.Fatal("bumped conversation never reached the top of the feed")
		}
	}
}

func TestScenario_FirstContactRoundTrip(t *testing.T) {
	t.Parallel()
	svc, store := newTestService(t)
	ctx := context.Background()

	// A opens a chat with B with no prior conversation.
	if uc, err := svc.FindExistingConversation(ctx, alice.ID, bob.ID); err != nil || uc != nil {
		t.Fatalf("precondition: lookup = (%+v, %v)", uc, err)
	}
	res := mustCreate(t, svc, alice, bob, "hello")
	convID := res.Conversation.ID

	// B replies into the same conversation.
	found, err := svc.FindExistingConversation(ctx, bob.ID, alice.ID)
	if err != nil || found == nil {
		t.Fatalf("b's lookup = (%+v, %v)", found, err)
	}
	if found.ConversationID != convID {
		t.Fatalf("b resolved %q, want %q", found.ConversationID, convID)
	}
	if _, err := svc.SendMessage(ctx, convID, bob.ID, alice.ID, "hi back"); err != nil {
		t.Fatalf("reply: %v", err)
	}

	msgs, err := store.GetAll(ctx, docstore.Query{Collection: MessagesCollection(convID), OrderBy: "timestamp"})
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("message count = %d, want 2", len(msgs))
	}

	// A's counter never moved for A's own message; B still owes a read.
	if got := getProjection(t, store, alice.ID, convID).UnreadCount; got != 1 {
		t.Errorf("alice unread = %d, want 1 (the reply)", got)
	}
	if got := getProjection(t, store, bob.ID, convID).UnreadCount; got != 1 {
		t.Errorf("bob unread = %d, want 1 until marked", got)
	}
	if err := svc.MarkConversationRead(ctx, convID, bob.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if got := getProjection(t, store, bob.ID, convID).UnreadCount; got != 0 {
		t.Errorf("bob unread after mark = %d, want 0", got)
	}
}
