// Package main provides a CI-friendly WebSocket smoke test for the Parley
// chat gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment (JWT auth)
//   - chat list subscription
//   - first-contact conversation.open (empty conversation id)
//   - send -> ack -> message.page echo
//   - unread accounting on the recipient's chat list
//   - recipient opening the conversation and seeing the message
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "parley/shared/contracts/chat/v1"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v4"
)

const (
	defaultSubprotocol = "parley.chat.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	userID    string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		secret  = flag.String("secret", "", "HMAC secret used to mint smoke tokens (must match PARLEY_TOKEN_SECRET)")
		userA   = flag.String("user-a", "smoke-alice", "User id for client A")
		userB   = flag.String("user-b", "smoke-bob", "User id for client B")
		text    = flag.String("text", "hello parley 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if len(*secret) < 32 {
		fatalf("-secret must be at least 32 bytes")
	}
	if *userA == *userB {
		fatalf("-user-a and -user-b must differ")
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, mintToken(*secret, *userA), *userA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, mintToken(*secret, *userB), *userB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	mustSubscribe(root, b, *timeout)

	mustOpenByUser(root, a, *userB, *timeout)

	convID, msgID := mustSendAndAssertAck(root, a, *userB, *text, *timeout)

	mustPageContains(root, a, convID, msgID, *text, *timeout)

	mustListShowsUnread(root, b, convID, *text, *timeout)

	mustOpenByConversation(root, b, convID, *timeout)
	mustPageContains(root, b, convID, msgID, *text, *timeout)

	fmt.Printf("OK: A=%s B=%s conv_id=%s msg_id=%s\n", a.sessionID, b.sessionID, convID, msgID)
}

// mintToken signs a short-lived HS256 token the way the external identity
// provider would.
func mintToken(secret, userID string) string {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		fatalf("mint token for %s: %v", userID, err)
	}
	return signed
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, token, wantUserID string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{Token: token}),
	}
	mustWriteWithTimeout(parent, c.conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello.ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello.ack missing session_id (%s)", name)
	}
	if p.UserID != wantUserID {
		fatalf("hello.ack user_id mismatch (%s): got=%q want=%q", name, p.UserID, wantUserID)
	}
	c.sessionID = p.SessionID
	c.userID = p.UserID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSubscribe(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeConversationsSubscribe,
		ID:      fmt.Sprintf("%s-subscribe", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(struct{}{}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	// Initial snapshot arrives promptly even when empty.
	c.mustReadUntilType(parent, v1.TypeConversationsList, stepTimeout, nil)
}

func mustOpenByUser(parent context.Context, c *smokeClient, otherUserID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeConversationOpen,
		ID:   fmt.Sprintf("%s-open-user", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.ConversationOpenPayload{
			OtherUserID: otherUserID,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	opened := c.mustReadUntilType(parent, v1.TypeConversationOpened, stepTimeout, skipSet(v1.TypeConversationsList, v1.TypeMessagePage))

	var p v1.ConversationOpenedPayload
	if err := json.Unmarshal(opened.Payload, &p); err != nil {
		fatalf("unmarshal conversation.opened payload (%s): %v", c.name, err)
	}
	if p.OtherUserID != otherUserID {
		fatalf("opened other_user_id mismatch (%s): got=%q want=%q", c.name, p.OtherUserID, otherUserID)
	}
	// First contact: conversation_id may legitimately be empty until the
	// first send materializes the conversation.
}

func mustOpenByConversation(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeConversationOpen,
		ID:   fmt.Sprintf("%s-open-conv", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.ConversationOpenPayload{
			ConversationID: convID,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	opened := c.mustReadUntilType(parent, v1.TypeConversationOpened, stepTimeout, skipSet(v1.TypeConversationsList, v1.TypeMessagePage))

	var p v1.ConversationOpenedPayload
	if err := json.Unmarshal(opened.Payload, &p); err != nil {
		fatalf("unmarshal conversation.opened payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("opened conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, recipientID, text string, stepTimeout time.Duration) (convID, msgID string) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessageSend,
		ID:   fmt.Sprintf("%s-send", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{
			RecipientID: recipientID,
			Text:        text,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skipSet(v1.TypeMessagePage, v1.TypeConversationsList))

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message.ack payload (%s): %v", c.name, err)
	}
	if strings.TrimSpace(p.ConversationID) == "" {
		fatalf("ack missing conversation_id (%s)", c.name)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		fatalf("ack missing message_id (%s)", c.name)
	}
	if p.Timestamp.IsZero() {
		fatalf("ack missing timestamp (%s)", c.name)
	}
	return p.ConversationID, p.MessageID
}

func mustPageContains(parent context.Context, c *smokeClient, convID, msgID, text string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.mustReadUntilType(ctx, v1.TypeMessagePage, stepTimeout, skipSet(v1.TypeConversationsList))

		var p v1.MessagePagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal message.page payload (%s): %v", c.name, err)
		}
		if p.ConversationID != convID {
			continue
		}
		for _, m := range p.Messages {
			if m.ID == msgID {
				if m.Content != text {
					fatalf("page text mismatch (%s): got=%q want=%q", c.name, m.Content, text)
				}
				if m.Timestamp.IsZero() {
					fatalf("page message timestamp missing (%s)", c.name)
				}
				return
			}
		}
		// Not merged yet; keep waiting for the next emission.
	}
}

func mustListShowsUnread(parent context.Context, c *smokeClient, convID, text string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.mustReadUntilType(ctx, v1.TypeConversationsList, stepTimeout, skipSet(v1.TypeMessagePage))

		var p v1.ConversationsListPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal conversations.list payload (%s): %v", c.name, err)
		}
		for _, s := range p.Conversations {
			if s.ConversationID != convID {
				continue
			}
			if s.UnreadCount >= 1 && s.LastMessageText == text {
				return
			}
		}
		// Snapshot predates the send; wait for the next one.
	}
}

func skipSet(types ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(types))
	for _, t := range types {
		m[t] = struct{}{}
	}
	return m
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
