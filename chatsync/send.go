package chatsync

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"quill/logger"
	"quill/models"
	"quill/store"
)

// ErrNotOwner is returned when a member tries to edit or delete a message
// they did not send.
var ErrNotOwner = errors.New("not the message sender")

// Body is the author-supplied content of an outgoing message. Media and
// audio fields are opaque references resolved by the UI layer.
type Body struct {
	Text      string
	MediaURL  string
	MediaType string
	AudioURL  string
}

// SendMessage writes the message optimistically and returns its client id.
// The placeholder appears in the open conversation's window immediately;
// the confirmed copy replaces it once the subscription delivers it. On
// success one atomic conversation update sets the last-message summary and
// increments every other member's unread counter; the sender never
// read-modify-writes those fields.
func (s *Synchronizer) SendMessage(ctx context.Context, convID string, body Body, reply *models.ReplyPreview) (string, error) {
	clientID := uuid.NewString()
	msg := models.Message{
		ChatID:       convID,
		ClientID:     clientID,
		SenderID:     s.self.ID,
		SenderName:   s.self.Name,
		Text:         body.Text,
		MediaURL:     body.MediaURL,
		MediaType:    body.MediaType,
		AudioURL:     body.AudioURL,
		ClientTime:   s.clock().UnixMilli(),
		Status:       models.StatusSent,
		ReplyPreview: reply,
	}

	s.mu.Lock()
	if s.active != nil && s.active.id == convID {
		s.active.pending = append(s.active.pending, &PendingMessage{Message: msg})
	}
	s.mu.Unlock()

	if err := s.deliver(ctx, convID, clientID, msg); err != nil {
		s.markFailed(convID, clientID)
		return clientID, err
	}
	return clientID, nil
}

// Resend retries a failed optimistic send. The same client id and document
// id are reused, so a duplicate confirmation reconciles to one message.
func (s *Synchronizer) Resend(ctx context.Context, convID, clientID string) error {
	s.mu.Lock()
	var msg models.Message
	found := false
	if s.active != nil && s.active.id == convID {
		for _, p := range s.active.pending {
			if p.Message.ClientID == clientID {
				p.Failed = false
				msg = p.Message
				found = true
				break
			}
		}
	}
	s.mu.Unlock()
	if !found {
		return errors.Errorf("no failed send with client id %s", clientID)
	}
	// The original write may have persisted with only its ack lost. A full
	// rewrite would regress the recipient's read flip and drop reactions
	// added meanwhile, so resend only when the document is truly absent.
	if _, ok, err := s.st.Get(ctx, models.CollMessages, clientID); err != nil {
		s.markFailed(convID, clientID)
		return err
	} else if ok {
		s.dropPending(convID, clientID)
		return nil
	}
	if err := s.deliver(ctx, convID, clientID, msg); err != nil {
		s.markFailed(convID, clientID)
		return err
	}
	return nil
}

func (s *Synchronizer) dropPending(convID, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.id != convID {
		return
	}
	kept := s.active.pending[:0]
	for _, p := range s.active.pending {
		if p.Message.ClientID != clientID {
			kept = append(kept, p)
		}
	}
	s.active.pending = kept
}

func (s *Synchronizer) deliver(ctx context.Context, convID, clientID string, msg models.Message) error {
	if err := s.st.Write(ctx, models.CollMessages, clientID, msg, "timestamp"); err != nil {
		return errors.Wrap(err, "write message")
	}
	if err := s.bumpConversation(ctx, convID, msg); err != nil {
		// The message is durable; only the summary lagged. Log, don't fail
		// the send.
		logger.Warnf("chatsync: bump conversation %s: %v", convID, err)
	}
	return nil
}

// bumpConversation refreshes the list summary and unread counters after a
// confirmed send, in a single atomic update.
func (s *Synchronizer) bumpConversation(ctx context.Context, convID string, msg models.Message) error {
	ops := []store.FieldOp{
		store.Set("lastMessage", models.LastMessage{
			Text:       summaryText(Body{Text: msg.Text, MediaURL: msg.MediaURL, AudioURL: msg.AudioURL}),
			Timestamp:  s.clock().UnixMilli(),
			SenderID:   s.self.ID,
			SenderName: s.self.Name,
		}),
	}
	snap, ok, err := s.st.Get(ctx, models.CollConversations, convID)
	if err != nil {
		return err
	}
	if ok {
		var conv models.Conversation
		if err := snap.Decode(&conv); err != nil {
			return err
		}
		for _, p := range conv.Participants {
			if p != s.self.ID {
				ops = append(ops, store.Increment("unreadCounts."+p, 1))
			}
		}
	}
	return s.st.AtomicUpdate(ctx, models.CollConversations, convID, ops)
}

func (s *Synchronizer) markFailed(convID, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.id != convID {
		return
	}
	for _, p := range s.active.pending {
		if p.Message.ClientID == clientID {
			p.Failed = true
		}
	}
}

// EditMessage replaces the text of the local user's own message and marks
// it edited. The conversation's last-message summary is left alone.
func (s *Synchronizer) EditMessage(ctx context.Context, msgID, newText string) error {
	snap, ok, err := s.st.Get(ctx, models.CollMessages, msgID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("message %s not found", msgID)
	}
	var msg models.Message
	if err := snap.Decode(&msg); err != nil {
		return err
	}
	if msg.SenderID != s.self.ID {
		return ErrNotOwner
	}
	return s.st.AtomicUpdate(ctx, models.CollMessages, msgID, []store.FieldOp{
		store.Set("text", newText),
		store.Set("edited", true),
	})
}

// DeleteMessage removes the local user's own message, then recomputes the
// conversation summary from the store's remaining tail rather than any
// cached state.
func (s *Synchronizer) DeleteMessage(ctx context.Context, convID, msgID string) error {
	snap, ok, err := s.st.Get(ctx, models.CollMessages, msgID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	var msg models.Message
	if err := snap.Decode(&msg); err != nil {
		return err
	}
	if msg.SenderID != s.self.ID {
		return ErrNotOwner
	}
	if err := s.st.Delete(ctx, models.CollMessages, msgID); err != nil {
		return err
	}
	return s.refreshSummary(ctx, convID)
}

func (s *Synchronizer) refreshSummary(ctx context.Context, convID string) error {
	tail, err := s.st.Find(ctx, store.Query{
		Collection: models.CollMessages,
		Eq:         map[string]interface{}{"chatid": convID},
		OrderBy:    "timestamp",
		Desc:       true,
		Limit:      1,
	})
	if err != nil {
		return err
	}
	if len(tail) == 0 {
		return s.st.AtomicUpdate(ctx, models.CollConversations, convID, []store.FieldOp{
			store.DeleteField("lastMessage"),
		})
	}
	var last models.Message
	if err := tail[0].Decode(&last); err != nil {
		return err
	}
	return s.st.AtomicUpdate(ctx, models.CollConversations, convID, []store.FieldOp{
		store.Set("lastMessage", models.LastMessage{
			Text:       summaryText(Body{Text: last.Text, MediaURL: last.MediaURL, AudioURL: last.AudioURL}),
			Timestamp:  last.SortTime(),
			SenderID:   last.SenderID,
			SenderName: last.SenderName,
		}),
	})
}

// ClearHistory hides the conversation's history for the local member by
// advancing their watermark. Other members' views are untouched. The saved
// self-notes store has a single member, so there it purges permanently.
func (s *Synchronizer) ClearHistory(ctx context.Context, convID string) error {
	if models.IsSavedChat(convID, s.self.ID) {
		return s.purgeHistory(ctx, convID)
	}
	now := s.clock().UnixMilli()
	err := s.st.AtomicUpdate(ctx, models.CollConversations, convID, []store.FieldOp{
		store.Set("clearedAt."+s.self.ID, now),
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.active != nil && s.active.id == convID {
		s.active.clearedAt = now
	}
	s.mu.Unlock()
	return nil
}

func (s *Synchronizer) purgeHistory(ctx context.Context, convID string) error {
	msgs, err := s.st.Find(ctx, store.Query{
		Collection: models.CollMessages,
		Eq:         map[string]interface{}{"chatid": convID},
	})
	if err != nil {
		return err
	}
	writes := make([]store.BatchWrite, 0, len(msgs)+1)
	for _, m := range msgs {
		writes = append(writes, store.BatchWrite{
			Collection: models.CollMessages, ID: m.ID, Delete: true,
		})
	}
	writes = append(writes, store.BatchWrite{
		Collection: models.CollConversations,
		ID:         convID,
		Ops:        []store.FieldOp{store.DeleteField("lastMessage")},
	})
	return s.st.UpdateBatch(ctx, writes)
}

// PinMessage records a message id to pin in the conversation header; an
// empty id unpins.
func (s *Synchronizer) PinMessage(ctx context.Context, convID, msgID string) error {
	if msgID == "" {
		return s.st.AtomicUpdate(ctx, models.CollConversations, convID, []store.FieldOp{
			store.DeleteField("pinnedMessageId"),
		})
	}
	return s.st.AtomicUpdate(ctx, models.CollConversations, convID, []store.FieldOp{
		store.Set("pinnedMessageId", msgID),
	})
}

// PinConversation toggles the conversation's position at the top of the list.
func (s *Synchronizer) PinConversation(ctx context.Context, convID string, pinned bool) error {
	return s.st.AtomicUpdate(ctx, models.CollConversations, convID, []store.FieldOp{
		store.Set("pinned", pinned),
	})
}
