// Package v1 defines the Parley chat protocol v1 contract.
//
// It is shared between the server and clients to keep the wire protocol
// authoritative, and stays dependency-light on purpose.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	Version = 1

	TypeHello    = "hello"
	TypeHelloAck = "hello.ack"

	TypeConversationsSubscribe = "conversations.subscribe"
	TypeConversationsList      = "conversations.list"

	TypeConversationOpen   = "conversation.open"
	TypeConversationOpened = "conversation.opened"
	TypeConversationMore   = "conversation.load_more"

	TypeMessagePage = "message.page"
	TypeMessageSend = "message.send"
	TypeMessageAck  = "message.ack"

	TypeTyping = "typing"
	TypeRead   = "read"

	TypeError = "error"
)

var AllowedTypes = map[string]struct{}{
	TypeHello:                  {},
	TypeHelloAck:               {},
	TypeConversationsSubscribe: {},
	TypeConversationsList:      {},
	TypeConversationOpen:       {},
	TypeConversationOpened:     {},
	TypeConversationMore:       {},
	TypeMessagePage:            {},
	TypeMessageSend:            {},
	TypeMessageAck:             {},
	TypeTyping:                 {},
	TypeRead:                   {},
	TypeError:                  {},
}

type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := AllowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

type HelloPayload struct {
	Token string `json:"token"`
}

type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ConversationOpenPayload opens a chat session. Either ConversationID (a
// known conversation) or OtherUserID (directory resolution) must be set.
type ConversationOpenPayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
	OtherUserID    string `json:"other_user_id,omitempty"`
	PageSize       int    `json:"page_size,omitempty"`
}

type ConversationOpenedPayload struct {
	ConversationID string `json:"conversation_id"`
	OtherUserID    string `json:"other_user_id,omitempty"`
}

// ConversationMorePayload requests the next history page; Cursor is the
// oldest loaded message id.
type ConversationMorePayload struct {
	ConversationID string `json:"conversation_id"`
	Cursor         string `json:"cursor"`
}

// Message is the wire form of one chat message.
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	Content     string    `json:"content"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	DeliveredAt time.Time `json:"delivered_at,omitempty"`
	ReadAt      time.Time `json:"read_at,omitempty"`
}

// MessagePagePayload carries the full current merged message list for the
// open conversation; every emission replaces the previous one.
type MessagePagePayload struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}

// MessageSendPayload sends into the open conversation, or creates a new
// conversation with RecipientID when ConversationID is empty.
type MessageSendPayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
	RecipientID    string `json:"recipient_id"`
	Text           string `json:"text"`
}

type MessageAckPayload struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// TypingPayload reports a keystroke edge or a lifecycle transition.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
	Lifecycle      string `json:"lifecycle,omitempty"`
}

// ReadPayload marks the given messages read on behalf of the session user.
type ReadPayload struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids,omitempty"`
}

// ConversationSummary is the wire form of one chat-list entry.
type ConversationSummary struct {
	ConversationID    string    `json:"conversation_id"`
	OtherUserID       string    `json:"other_user_id"`
	OtherUserName     string    `json:"other_user_name,omitempty"`
	OtherUserImageURL string    `json:"other_user_image_url,omitempty"`
	LastMessageText   string    `json:"last_message_text,omitempty"`
	LastMessageSender string    `json:"last_message_sender,omitempty"`
	LastMessageStatus string    `json:"last_message_status,omitempty"`
	UnreadCount       int64     `json:"unread_count"`
	IsTyping          bool      `json:"is_typing,omitempty"`
	TypingUserID      string    `json:"typing_user_id,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type ConversationsListPayload struct {
	Conversations []ConversationSummary `json:"conversations"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
