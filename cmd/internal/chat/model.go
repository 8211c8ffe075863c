// Package chat implements the conversation synchronization core: the
// directory mapping user pairs to conversations, the reconciliation engine
// that keeps the two per-user projections of each conversation consistent,
// the pagination/live-merge controller, and the typing-indicator debouncer.
//
// Everything rides on the docstore contract; the package holds no storage
// or transport of its own.
package chat

import (
	"time"

	"parley/cmd/internal/docstore"
)

// Collection names (wire-stable, shared with every client of the store).
const (
	UsersCollection             = "users"
	ConversationsCollection     = "conversations"
	UserConversationsCollection = "userConversations"
)

// MessagesCollection returns the per-conversation message subcollection path.
func MessagesCollection(conversationID string) string {
	return ConversationsCollection + "/" + conversationID + "/messages"
}

// ProjectionID is the deterministic document id of a user-scoped
// conversation projection. The double-write pattern produces exactly two of
// these per conversation, one per participant.
func ProjectionID(userID, conversationID string) string {
	return userID + "_" + conversationID
}

// Presence is a user's coarse availability state.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
)

// MessageType tags the message payload kind. Only text flows through the
// reconciled core today; the other kinds exist for the media path.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageAudio MessageType = "audio"
	MessageVideo MessageType = "video"
)

// MessageStatus is the monotonic delivery lifecycle: sent → delivered → read.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

func statusRank(s MessageStatus) int {
	switch s {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	default:
		return -1
	}
}

// CanAdvanceTo reports whether moving to next respects monotonicity.
// Status never regresses: read stays read.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	return statusRank(next) > statusRank(s)
}

// User is a chat participant profile.
type User struct {
	ID           string
	DisplayName  string
	PhotoURL     string
	Email        string
	Mobile       string
	Status       Presence
	LastActiveAt time.Time
}

// Fields renders the user for document storage.
func (u User) Fields() map[string]any {
	f := map[string]any{
		"displayName": u.DisplayName,
		"photoUrl":    u.PhotoURL,
		"status":      string(u.Status),
	}
	if u.Email != "" {
		f["email"] = u.Email
	}
	if u.Mobile != "" {
		f["mobile"] = u.Mobile
	}
	if !u.LastActiveAt.IsZero() {
		f["lastActiveAt"] = u.LastActiveAt
	}
	return f
}

// UserFromSnapshot rebuilds a User from its document.
func UserFromSnapshot(s docstore.Snapshot) User {
	return User{
		ID:           s.Ref.ID,
		DisplayName:  s.String("displayName"),
		PhotoURL:     s.String("photoUrl"),
		Email:        s.String("email"),
		Mobile:       s.String("mobile"),
		Status:       Presence(s.String("status")),
		LastActiveAt: s.Time("lastActiveAt"),
	}
}

// LastMessage is the denormalized preview copied onto the conversation and
// both projections on every send.
type LastMessage struct {
	Text      string
	SenderID  string
	Status    MessageStatus
	Timestamp time.Time
}

func (m LastMessage) fields() map[string]any {
	return map[string]any{
		"text":      m.Text,
		"senderId":  m.SenderID,
		"status":    string(m.Status),
		"timestamp": m.Timestamp,
	}
}

func lastMessageFromChild(f map[string]any) LastMessage {
	if f == nil {
		return LastMessage{}
	}
	s := docstore.Snapshot{Exists: true, Fields: f}
	return LastMessage{
		Text:      s.String("text"),
		SenderID:  s.String("senderId"),
		Status:    MessageStatus(s.String("status")),
		Timestamp: s.Time("timestamp"),
	}
}

// Conversation is the shared two-party conversation document. The
// participant set is a membership map for O(1) tests and is immutable after
// creation.
type Conversation struct {
	ID           string
	Participants map[string]bool
	LastMessage  LastMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Fields renders the conversation for document storage.
func (c Conversation) Fields() map[string]any {
	parts := make(map[string]any, len(c.Participants))
	for id, ok := range c.Participants {
		parts[id] = ok
	}
	return map[string]any{
		"participants": parts,
		"lastMessage":  c.LastMessage.fields(),
		"createdAt":    c.CreatedAt,
		"updatedAt":    c.UpdatedAt,
	}
}

// ConversationFromSnapshot rebuilds a Conversation from its document.
func ConversationFromSnapshot(s docstore.Snapshot) Conversation {
	parts := make(map[string]bool)
	for id, v := range s.Child("participants") {
		b, _ := v.(bool)
		parts[id] = b
	}
	return Conversation{
		ID:           s.Ref.ID,
		Participants: parts,
		LastMessage:  lastMessageFromChild(s.Child("lastMessage")),
		CreatedAt:    s.Time("createdAt"),
		UpdatedAt:    s.Time("updatedAt"),
	}
}

// UserConversation is one user's projection of a conversation: the chat-list
// card. Both projections are written by whichever participant is acting, but
// each is read only by its owner.
type UserConversation struct {
	ID                string // ProjectionID(UserID, ConversationID)
	UserID            string
	UserName          string
	UserImageURL      string
	ConversationID    string
	OtherUserID       string
	OtherUserName     string
	OtherUserImageURL string
	LastMessage       LastMessage
	UnreadCount       int64
	IsTyping          bool
	TypingUserID      string // empty when nobody is typing (field absent)
	UpdatedAt         time.Time
}

// Fields renders the projection for document storage. TypingUserID is only
// written when set; its absence is meaningful to readers.
func (uc UserConversation) Fields() map[string]any {
	f := map[string]any{
		"userId":            uc.UserID,
		"userName":          uc.UserName,
		"userImageUrl":      uc.UserImageURL,
		"conversationId":    uc.ConversationID,
		"otherUserId":       uc.OtherUserID,
		"otherUserName":     uc.OtherUserName,
		"otherUserImageUrl": uc.OtherUserImageURL,
		"lastMessage":       uc.LastMessage.fields(),
		"unreadCount":       uc.UnreadCount,
		"isTyping":          uc.IsTyping,
		"updatedAt":         uc.UpdatedAt,
	}
	if uc.TypingUserID != "" {
		f["typingUserId"] = uc.TypingUserID
	}
	return f
}

// UserConversationFromSnapshot rebuilds a projection from its document.
func UserConversationFromSnapshot(s docstore.Snapshot) UserConversation {
	return UserConversation{
		ID:                s.Ref.ID,
		UserID:            s.String("userId"),
		UserName:          s.String("userName"),
		UserImageURL:      s.String("userImageUrl"),
		ConversationID:    s.String("conversationId"),
		OtherUserID:       s.String("otherUserId"),
		OtherUserName:     s.String("otherUserName"),
		OtherUserImageURL: s.String("otherUserImageUrl"),
		LastMessage:       lastMessageFromChild(s.Child("lastMessage")),
		UnreadCount:       s.Int64("unreadCount"),
		IsTyping:          s.Bool("isTyping"),
		TypingUserID:      s.String("typingUserId"),
		UpdatedAt:         s.Time("updatedAt"),
	}
}

// Message is one message inside a conversation's subcollection.
type Message struct {
	ID          string
	SenderID    string
	Content     string
	Type        MessageType
	Status      MessageStatus
	Timestamp   time.Time
	DeliveredAt time.Time
	ReadAt      time.Time
}

// Fields renders the message for document storage.
func (m Message) Fields() map[string]any {
	f := map[string]any{
		"senderId":  m.SenderID,
		"content":   m.Content,
		"type":      string(m.Type),
		"status":    string(m.Status),
		"timestamp": m.Timestamp,
	}
	if !m.DeliveredAt.IsZero() {
		f["deliveredAt"] = m.DeliveredAt
	}
	if !m.ReadAt.IsZero() {
		f["readAt"] = m.ReadAt
	}
	return f
}

// MessageFromSnapshot rebuilds a Message from its document.
func MessageFromSnapshot(s docstore.Snapshot) Message {
	return Message{
		ID:          s.Ref.ID,
		SenderID:    s.String("senderId"),
		Content:     s.String("content"),
		Type:        MessageType(s.String("type")),
		Status:      MessageStatus(s.String("status")),
		Timestamp:   s.Time("timestamp"),
		DeliveredAt: s.Time("deliveredAt"),
		ReadAt:      s.Time("readAt"),
	}
}
