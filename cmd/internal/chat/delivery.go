package chat

import (
	"context"
	"fmt"

	"parley/cmd/internal/docstore"
)

// TrackDelivery watches the recipient's presence and promotes the message to
// delivered the moment they come online. One tracker per message id; opening
// a tracker for an id that already has one replaces the old tracker, so a
// re-send after reconnect never leaks a watcher. The tracker is one-shot: it
// tears itself down after the first successful promotion.
func (s *Service) TrackDelivery(ctx context.Context, conversationID, messageID, recipientID string) error {
	if conversationID == "" {
		return ErrMissingConversation
	}
	if messageID == "" || recipientID == "" {
		return ErrMissingUser
	}

	sub, err := s.store.SubscribeDoc(ctx, docstore.Ref{Collection: UsersCollection, ID: recipientID})
	if err != nil {
		return fmt.Errorf("track delivery: %w", err)
	}

	s.mu.Lock()
	if prev, ok := s.deliverySubs[messageID]; ok {
		prev.Unsubscribe()
	}
	s.deliverySubs[messageID] = sub
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			if s.deliverySubs[messageID] == sub {
				delete(s.deliverySubs, messageID)
			}
			s.mu.Unlock()
			sub.Unsubscribe()
		}()

		for snap := range sub.Updates() {
			if !snap.Exists || snap.String("status") != string(PresenceOnline) {
				continue
			}
			if err := s.MarkDelivered(ctx, conversationID, messageID, recipientID); err != nil {
				s.log.Warn("chat.delivery.mark.fail",
					"conversation_id", conversationID, "message_id", messageID, "err", err)
				continue
			}
			return
		}
	}()
	return nil
}

// MarkDelivered advances one message from sent to delivered and mirrors the
// new status into the conversation's embedded last message, in one batch.
// The recipient must be online; status only ever moves forward, so a
// message already delivered or read is left alone.
func (s *Service) MarkDelivered(ctx context.Context, conversationID, messageID, recipientID string) error {
	if conversationID == "" {
		return ErrMissingConversation
	}
	if messageID == "" || recipientID == "" {
		return ErrMissingUser
	}

	userSnap, err := s.store.Get(ctx, docstore.Ref{Collection: UsersCollection, ID: recipientID})
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if userSnap.String("status") != string(PresenceOnline) {
		return nil
	}

	msgSnap, err := s.store.Get(ctx, docstore.Ref{Collection: MessagesCollection(conversationID), ID: messageID})
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	msg := MessageFromSnapshot(msgSnap)
	if !msg.Status.CanAdvanceTo(StatusDelivered) {
		return nil
	}

	err = s.store.Batch(ctx, []docstore.Op{
		docstore.Update(msgSnap.Ref, map[string]any{
			"status":      string(StatusDelivered),
			"deliveredAt": docstore.ServerTimestamp,
		}),
		docstore.Update(docstore.Ref{Collection: ConversationsCollection, ID: conversationID}, map[string]any{
			"lastMessage.status": string(StatusDelivered),
		}),
	})
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}

	s.log.Debug("chat.delivery.marked",
		"conversation_id", conversationID, "message_id", messageID, "recipient_id", recipientID)
	return nil
}
