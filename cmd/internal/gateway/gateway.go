// Package gateway is the WebSocket entrypoint for parley chat sessions. It
// enforces origin policy, subprotocol selection, rate limits, and
// heartbeats, and bridges validated envelopes to the chat engine: directory
// resolution, pagination feeds, sends, typing, and read receipts.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"parley/cmd/internal/chat"
	"parley/cmd/internal/docstore"
	"parley/cmd/internal/identity"
	"parley/cmd/internal/ids"
	v1 "parley/shared/contracts/chat/v1"
)

const (
	wsSubprotocolV1 = "parley.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Stats receives session/send counters; the app layer backs it with
// Prometheus. A nil Stats is a no-op.
type Stats interface {
	SessionOpened()
	SessionClosed()
	MessageSent()
	ConversationCreated()
}

// Gateway is the WebSocket gateway over the chat engine.
type Gateway struct {
	log    *slog.Logger
	svc    *chat.Service
	users  *identity.UserStore
	tokens *identity.TokenVerifier
	stats  Stats

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// New constructs a gateway with secure defaults.
func New(log *slog.Logger, svc *chat.Service, users *identity.UserStore, tokens *identity.TokenVerifier, stats Stats) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &Gateway{log: log, svc: svc, users: users, tokens: tokens, stats: stats}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("PARLEY_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("PARLEY_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("PARLEY_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("PARLEY_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("PARLEY_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("PARLEY_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("PARLEY_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("PARLEY_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("PARLEY_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("PARLEY_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// session is the per-connection chat state built up by the handshake and
// conversation.open. All fields are touched only by the read loop.
type session struct {
	client    *Client
	userID    string
	debouncer *chat.Debouncer

	feed     *docstore.Subscription
	pager    *chat.Pager
	convID   string // open conversation; empty until opened or created
	otherID  string // counterpart of the open chat screen
	pageSize int
}

func (s *session) teardown() {
	if s.pager != nil {
		s.pager.Close()
		s.pager = nil
	}
	if s.feed != nil {
		s.feed.Unsubscribe()
		s.feed = nil
	}
	if s.debouncer != nil {
		s.debouncer.Close()
		s.debouncer = nil
	}
}

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the chat loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := newWireID()
	client := NewClient(sessionID, g.sendQueueSize)
	sess := &session{client: client}

	if g.stats != nil {
		g.stats.SessionOpened()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send; pushers stop
	// on client.Done instead.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			sess.teardown()
			if sess.userID != "" {
				// Presence goes dark when the last word from the device does.
				presCtx, presCancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := g.users.SetPresence(presCtx, sess.userID, chat.PresenceOffline); err != nil {
					g.log.Warn("ws.presence.offline.fail", "user_id", sess.userID, "err", err)
				}
				presCancel()
			}
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			if g.stats != nil {
				g.stats.SessionClosed()
			}
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		if env.Type == v1.TypeHello {
			if err := g.onHello(ctx, sess, env); err != nil {
				g.trySendError(ctx, client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			continue readLoop
		}

		if sess.userID == "" {
			g.trySendError(ctx, client, "unauthenticated", "hello first")
			continue readLoop
		}

		switch env.Type {
		case v1.TypeConversationsSubscribe:
			if err := g.onConversationsSubscribe(ctx, sess); err != nil {
				g.trySendError(ctx, client, "subscribe_failed", err.Error())
			}

		case v1.TypeConversationOpen:
			if err := g.onConversationOpen(ctx, sess, env); err != nil {
				g.trySendError(ctx, client, "open_failed", err.Error())
			}

		case v1.TypeConversationMore:
			if err := g.onConversationMore(ctx, sess, env); err != nil {
				g.trySendError(ctx, client, "load_more_failed", err.Error())
			}

		case v1.TypeMessageSend:
			if err := g.onMessageSend(ctx, sess, env, now); err != nil {
				g.trySendError(ctx, client, "send_failed", err.Error())
			}

		case v1.TypeTyping:
			if err := g.onTyping(ctx, sess, env); err != nil {
				g.trySendError(ctx, client, "typing_failed", err.Error())
			}

		case v1.TypeRead:
			if err := g.onRead(ctx, sess, env); err != nil {
				g.trySendError(ctx, client, "read_failed", err.Error())
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *Gateway) onHello(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if sess.userID != "" {
		return errors.New("already authenticated")
	}

	userID, err := g.tokens.Verify(p.Token)
	if err != nil {
		return err
	}
	sess.userID = userID
	sess.client.UserID = userID
	sess.debouncer = chat.NewDebouncer(g.svc, userID, 0)

	if err := g.users.SetPresence(ctx, userID, chat.PresenceOnline); err != nil {
		g.log.Warn("ws.presence.online.fail", "user_id", userID, "err", err)
	}

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{SessionID: sess.client.SessionID, UserID: userID})
	if !g.enqueue(ctx, sess.client, newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC())) {
		return errors.New("backpressure: hello.ack")
	}

	g.log.Info("ws.hello", "session_id", sess.client.SessionID, "user_id", userID)
	return nil
}

func (g *Gateway) onConversationsSubscribe(ctx context.Context, sess *session) error {
	if sess.feed != nil {
		return nil // already streaming
	}
	feed, err := g.svc.FetchConversations(ctx, sess.userID)
	if err != nil {
		return err
	}
	sess.feed = feed

	client := sess.client
	go func() {
		for snaps := range feed.Updates() {
			list := chat.UserConversationsFromSnapshots(snaps)
			payload, _ := json.Marshal(v1.ConversationsListPayload{Conversations: wireSummaries(list)})
			// Best effort: the next emission carries the full list again.
			g.enqueue(ctx, client, newEnvelope(v1.TypeConversationsList, payload, time.Now().UTC()))
		}
	}()
	return nil
}

func (g *Gateway) onConversationOpen(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.ConversationOpenPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if p.ConversationID == "" && p.OtherUserID == "" {
		return errors.New("conversation_id or other_user_id required")
	}

	convID := strings.TrimSpace(p.ConversationID)
	otherID := strings.TrimSpace(p.OtherUserID)
	if convID == "" {
		// Directory resolution; a miss is not an error: the conversation
		// materializes on first send.
		uc, err := g.svc.FindExistingConversation(ctx, sess.userID, otherID)
		if err != nil {
			return err
		}
		if uc != nil {
			convID = uc.ConversationID
		}
	}

	if sess.pager != nil {
		sess.pager.Close()
		sess.pager = nil
	}
	sess.convID = convID
	sess.otherID = otherID
	sess.pageSize = p.PageSize

	openedPayload, _ := json.Marshal(v1.ConversationOpenedPayload{ConversationID: convID, OtherUserID: otherID})
	if !g.enqueue(ctx, sess.client, newEnvelope(v1.TypeConversationOpened, openedPayload, time.Now().UTC())) {
		return errors.New("backpressure: opened")
	}

	if convID == "" {
		return nil
	}
	return g.startPager(ctx, sess, convID)
}

// startPager opens the merged message feed for the conversation and streams
// every list revision to the client.
func (g *Gateway) startPager(ctx context.Context, sess *session, convID string) error {
	pager := chat.NewPager(g.svc, convID, sess.userID, sess.pageSize)
	if err := pager.LoadPage(ctx, ""); err != nil {
		pager.Close()
		return err
	}
	sess.pager = pager

	client := sess.client
	go func() {
		for msgs := range pager.Updates() {
			payload, _ := json.Marshal(v1.MessagePagePayload{ConversationID: convID, Messages: wireMessages(msgs)})
			g.enqueue(ctx, client, newEnvelope(v1.TypeMessagePage, payload, time.Now().UTC()))
		}
	}()
	return nil
}

func (g *Gateway) onConversationMore(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.ConversationMorePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if sess.pager == nil || p.ConversationID != sess.convID {
		return errors.New("conversation not open")
	}
	return sess.pager.LoadPage(ctx, p.Cursor)
}

func (g *Gateway) onMessageSend(ctx context.Context, sess *session, env v1.Envelope, now time.Time) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	text := strings.TrimSpace(p.Text)
	if text == "" {
		return errors.New("empty text")
	}
	if len([]rune(text)) > maxMessageChars {
		return fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}

	recipientID := strings.TrimSpace(p.RecipientID)
	if recipientID == "" {
		recipientID = sess.otherID
	}
	if recipientID == "" {
		return errors.New("missing recipient_id")
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		convID = sess.convID
	}

	var msg chat.Message
	if convID == "" {
		// First contact: materialize the conversation around this send.
		current, err := g.users.Get(ctx, sess.userID)
		if err != nil {
			return err
		}
		other, err := g.users.Get(ctx, recipientID)
		if err != nil {
			return err
		}
		res, err := g.svc.CreateConversation(ctx, current, other, text)
		if err != nil {
			return err
		}
		convID = res.Conversation.ID
		msg = res.Message
		sess.convID = convID
		if g.stats != nil {
			g.stats.ConversationCreated()
		}
		if err := g.startPager(ctx, sess, convID); err != nil {
			g.log.Warn("ws.open_after_create.fail", "conversation_id", convID, "err", err)
		}
	} else {
		var err error
		msg, err = g.svc.SendMessage(ctx, convID, sess.userID, recipientID, text)
		if err != nil {
			return err
		}
	}

	// The composer emptied; the typing flag comes down with the send.
	if err := sess.debouncer.Stop(ctx, convID); err != nil {
		g.log.Warn("ws.typing.stop.fail", "conversation_id", convID, "err", err)
	}

	if sess.pager != nil && sess.convID == convID {
		sess.pager.AppendLocalSend(msg)
	}

	// Promote to delivered the moment the recipient shows up online.
	if err := g.svc.TrackDelivery(ctx, convID, msg.ID, recipientID); err != nil {
		g.log.Warn("ws.track_delivery.fail", "conversation_id", convID, "message_id", msg.ID, "err", err)
	}

	if g.stats != nil {
		g.stats.MessageSent()
	}

	ackPayload, _ := json.Marshal(v1.MessageAckPayload{
		ConversationID: convID,
		MessageID:      msg.ID,
		Timestamp:      msg.Timestamp,
	})
	if !g.enqueue(ctx, sess.client, newEnvelope(v1.TypeMessageAck, ackPayload, now)) {
		return errors.New("backpressure: ack")
	}
	return nil
}

func (g *Gateway) onTyping(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		convID = sess.convID
	}
	if convID == "" {
		return errors.New("conversation not open")
	}

	if p.Lifecycle != "" {
		return sess.debouncer.Lifecycle(ctx, convID, chat.Lifecycle(p.Lifecycle))
	}
	if p.IsTyping {
		return sess.debouncer.Keystroke(ctx, convID)
	}
	return sess.debouncer.Stop(ctx, convID)
}

func (g *Gateway) onRead(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.ReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return errors.New("missing conversation_id")
	}

	if len(p.MessageIDs) > 0 {
		return g.svc.MarkMessagesAsRead(ctx, p.MessageIDs, convID, sess.userID)
	}
	return g.svc.MarkConversationRead(ctx, convID, sess.userID)
}

// ---- wire conversions ----

func wireMessages(msgs []chat.Message) []v1.Message {
	out := make([]v1.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, v1.Message{
			ID:          m.ID,
			SenderID:    m.SenderID,
			Content:     m.Content,
			Type:        string(m.Type),
			Status:      string(m.Status),
			Timestamp:   m.Timestamp,
			DeliveredAt: m.DeliveredAt,
			ReadAt:      m.ReadAt,
		})
	}
	return out
}

func wireSummaries(list []chat.UserConversation) []v1.ConversationSummary {
	out := make([]v1.ConversationSummary, 0, len(list))
	for _, uc := range list {
		out = append(out, v1.ConversationSummary{
			ConversationID:    uc.ConversationID,
			OtherUserID:       uc.OtherUserID,
			OtherUserName:     uc.OtherUserName,
			OtherUserImageURL: uc.OtherUserImageURL,
			LastMessageText:   uc.LastMessage.Text,
			LastMessageSender: uc.LastMessage.SenderID,
			LastMessageStatus: string(uc.LastMessage.Status),
			UnreadCount:       uc.UnreadCount,
			IsTyping:          uc.IsTyping,
			TypingUserID:      uc.TypingUserID,
			UpdatedAt:         uc.UpdatedAt,
		})
	}
	return out
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeError, p, time.Now().UTC()))
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newWireID() string {
	id, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		return ids.NewDocID()
	}
	return id
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      newWireID(),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// Keep this strict: only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
