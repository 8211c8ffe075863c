package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v4"

	"parley/cmd/internal/chat"
	"parley/cmd/internal/docstore"
	"parley/cmd/internal/identity"
	v1 "parley/shared/contracts/chat/v1"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fixture struct {
	store *docstore.MemoryStore
	svc   *chat.Service
	users *identity.UserStore
	srv   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("PARLEY_WS_ORIGIN_REQUIRED", "false")

	store := docstore.NewMemoryStore(nil)
	t.Cleanup(func() { store.Close() })

	svc := chat.NewService(nil, store, chat.WithTypingGrace(20*time.Millisecond))
	t.Cleanup(svc.Close)

	users := identity.NewUserStore(nil, store)
	for _, u := range []chat.User{
		{ID: "alice", DisplayName: "Alice", Status: chat.PresenceOffline},
		{ID: "bob", DisplayName: "Bob", Status: chat.PresenceOffline},
	} {
		if err := users.Ensure(context.Background(), u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}

	tokens, err := identity.NewTokenVerifier(testSecret)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	g := New(nil, svc, users, tokens, nil)
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)

	return &fixture{store: store, svc: svc, users: users, srv: srv}
}

func (f *fixture) dial(t *testing.T, ctx context.Context) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func signTestToken(t *testing.T, userID string) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := v1.Envelope{V: v1.Version, Type: typ, ID: "t-" + typ, TS: time.Now().UTC(), Payload: raw}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// recvUntil reads envelopes until one of the wanted type arrives, skipping
// interleaved pushes (feed and page emissions race the acks).
func recvUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string) v1.Envelope {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read (waiting for %s): %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type == v1.TypeError && typ != v1.TypeError {
			t.Fatalf("server error while waiting for %s: %s", typ, string(env.Payload))
		}
		if env.Type == typ {
			return env
		}
	}
}

// recvAll reads until at least one envelope of every wanted type has been
// seen, keeping the latest of each.
func recvAll(t *testing.T, ctx context.Context, conn *websocket.Conn, types ...string) map[string]v1.Envelope {
	t.Helper()
	want := make(map[string]struct{}, len(types))
	for _, typ := range types {
		want[typ] = struct{}{}
	}
	got := make(map[string]v1.Envelope, len(types))
	for len(got) < len(types) {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read (have %d/%d types): %v", len(got), len(types), err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type == v1.TypeError {
			t.Fatalf("server error: %s", string(env.Payload))
		}
		if _, ok := want[env.Type]; ok {
			got[env.Type] = env
		}
	}
	return got
}

func hello(t *testing.T, ctx context.Context, conn *websocket.Conn, userID string) {
	t.Helper()
	send(t, ctx, conn, v1.TypeHello, v1.HelloPayload{Token: signTestToken(t, userID)})
	env := recvUntil(t, ctx, conn, v1.TypeHelloAck)
	var ack v1.HelloAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.UserID != userID || ack.SessionID == "" {
		t.Fatalf("hello ack = %+v", ack)
	}
}

func TestGateway_HelloAndPresence(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := f.dial(t, ctx)
	hello(t, ctx, conn, "alice")

	u, err := f.users.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get alice: %v", err)
	}
	if u.Status != chat.PresenceOnline {
		t.Errorf("alice status = %q, want online after hello", u.Status)
	}
}

func TestGateway_RequiresHelloFirst(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := f.dial(t, ctx)
	send(t, ctx, conn, v1.TypeMessageSend, v1.MessageSendPayload{RecipientID: "bob", Text: "hi"})

	env := recvUntil(t, ctx, conn, v1.TypeError)
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if p.Code != "unauthenticated" {
		t.Errorf("error code = %q, want unauthenticated", p.Code)
	}
}

func TestGateway_BadTokenClosesSession(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := f.dial(t, ctx)
	send(t, ctx, conn, v1.TypeHello, v1.HelloPayload{Token: "not.a.jwt"})

	// An error envelope may or may not arrive before the close lands; the
	// session must end either way.
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("session survived a bad token")
		}
	}
}

func TestGateway_FirstContactSendFlow(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := f.dial(t, ctx)
	hello(t, ctx, conn, "alice")

	send(t, ctx, conn, v1.TypeConversationsSubscribe, struct{}{})
	recvUntil(t, ctx, conn, v1.TypeConversationsList)

	// Open the chat screen against bob with no conversation yet.
	send(t, ctx, conn, v1.TypeConversationOpen, v1.ConversationOpenPayload{OtherUserID: "bob"})
	env := recvUntil(t, ctx, conn, v1.TypeConversationOpened)
	var opened v1.ConversationOpenedPayload
	if err := json.Unmarshal(env.Payload, &opened); err != nil {
		t.Fatalf("unmarshal opened: %v", err)
	}
	if opened.ConversationID != "" {
		t.Fatalf("opened conversation id = %q, want empty before first contact", opened.ConversationID)
	}

	// The first send materializes the conversation. The ack, the message
	// page, and the updated chat list race each other on the wire; collect
	// until all three arrived.
	send(t, ctx, conn, v1.TypeMessageSend, v1.MessageSendPayload{RecipientID: "bob", Text: "hello"})
	got := recvAll(t, ctx, conn, v1.TypeMessageAck, v1.TypeMessagePage, v1.TypeConversationsList)

	var ack v1.MessageAckPayload
	if err := json.Unmarshal(got[v1.TypeMessageAck].Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.ConversationID == "" || ack.MessageID == "" {
		t.Fatalf("ack = %+v", ack)
	}

	var page v1.MessagePagePayload
	if err := json.Unmarshal(got[v1.TypeMessagePage].Payload, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if page.ConversationID != ack.ConversationID || len(page.Messages) == 0 {
		t.Fatalf("page = %+v", page)
	}

	var list v1.ConversationsListPayload
	if err := json.Unmarshal(got[v1.TypeConversationsList].Payload, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list.Conversations) != 1 || list.Conversations[0].OtherUserID != "bob" {
		t.Fatalf("list = %+v", list)
	}

	// Both projections exist; bob owes one read.
	bobUC, err := f.store.Get(ctx, docstore.Ref{
		Collection: chat.UserConversationsCollection,
		ID:         chat.ProjectionID("bob", ack.ConversationID),
	})
	if err != nil {
		t.Fatalf("bob projection: %v", err)
	}
	if got := bobUC.Int64("unreadCount"); got != 1 {
		t.Errorf("bob unread = %d, want 1", got)
	}
}

func TestGateway_TypingReachesCounterpart(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Seed a conversation out of band.
	res, err := f.svc.CreateConversation(ctx,
		chat.User{ID: "alice", DisplayName: "Alice"},
		chat.User{ID: "bob", DisplayName: "Bob"}, "hi")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	conn := f.dial(t, ctx)
	hello(t, ctx, conn, "alice")

	send(t, ctx, conn, v1.TypeConversationOpen, v1.ConversationOpenPayload{ConversationID: res.Conversation.ID})
	recvUntil(t, ctx, conn, v1.TypeConversationOpened)

	send(t, ctx, conn, v1.TypeTyping, v1.TypingPayload{ConversationID: res.Conversation.ID, IsTyping: true})

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := f.store.Get(ctx, docstore.Ref{
			Collection: chat.UserConversationsCollection,
			ID:         chat.ProjectionID("bob", res.Conversation.ID),
		})
		if err != nil {
			t.Fatalf("bob projection: %v", err)
		}
		if snap.Bool("isTyping") && snap.String("typingUserId") == "alice" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("typing flag never reached bob's projection")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGateway_OriginPolicy(t *testing.T) {
	t.Setenv("PARLEY_WS_ORIGIN_REQUIRED", "true")
	t.Setenv("PARLEY_WS_ALLOWED_ORIGINS", "http://localhost")

	g := New(nil, nil, nil, nil, nil)
	srv := httptest.NewServer(g)
	defer srv.Close()

	// No Origin header: rejected outright.
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403 without origin", resp.StatusCode)
	}

	// Disallowed origin: rejected.
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403 for disallowed origin", resp.StatusCode)
	}
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(3, time.Second)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d denied inside the limit", i)
		}
	}
	if rl.Allow(now) {
		t.Fatal("fourth event allowed inside the window")
	}
	if !rl.Allow(now.Add(2 * time.Second)) {
		t.Fatal("event denied after the window slid")
	}
}
