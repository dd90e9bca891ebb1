// Package chatsync keeps the local view of conversations and messages in
// step with the remote store: the ordered conversation list, the message
// window of the open conversation, optimistic sends, read receipts, edits
// and history clearing.
package chatsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"quill/logger"
	"quill/models"
	"quill/store"
)

// windowSize bounds how many confirmed messages the open conversation loads.
const windowSize = 150

// User identifies the local account.
type User struct {
	ID   string
	Name string
}

type Synchronizer struct {
	st    store.Client
	self  User
	clock func() time.Time

	mu     sync.Mutex
	active *activeConv

	receipts *receiptBatcher
}

type activeConv struct {
	id        string
	clearedAt int64
	cancel    func()
	pending   []*PendingMessage
}

func New(st store.Client, self User) *Synchronizer {
	return &Synchronizer{
		st:       st,
		self:     self,
		clock:    time.Now,
		receipts: newReceiptBatcher(st, self.ID),
	}
}

// EnsureDirectChat creates the two-member conversation with peer if it does
// not exist yet and returns its id. The id is derived, so both sides race
// to the same document.
func (s *Synchronizer) EnsureDirectChat(ctx context.Context, peerID string) (string, error) {
	id := models.DirectChatID(s.self.ID, peerID)
	if _, ok, err := s.st.Get(ctx, models.CollConversations, id); err != nil {
		return "", err
	} else if ok {
		return id, nil
	}
	participants := []string{s.self.ID, peerID}
	sort.Strings(participants)
	conv := models.Conversation{
		Kind:         models.KindPrivate,
		Participants: participants,
	}
	return id, s.st.Write(ctx, models.CollConversations, id, conv, "createdAt")
}

// EnsureSavedChat creates the user's private self-notes conversation.
func (s *Synchronizer) EnsureSavedChat(ctx context.Context) (string, error) {
	id := models.SavedChatID(s.self.ID)
	if _, ok, err := s.st.Get(ctx, models.CollConversations, id); err != nil {
		return "", err
	} else if ok {
		return id, nil
	}
	conv := models.Conversation{
		Kind:         models.KindSaved,
		Participants: []string{s.self.ID},
	}
	return id, s.st.Write(ctx, models.CollConversations, id, conv, "createdAt")
}

// CreateGroupChat creates a named group owned by the local user.
func (s *Synchronizer) CreateGroupChat(ctx context.Context, id, name string, memberIDs []string) error {
	participants := append([]string{s.self.ID}, memberIDs...)
	sort.Strings(participants)
	participants = dedupe(participants)
	conv := models.Conversation{
		Kind:         models.KindGroup,
		Participants: participants,
		Name:         name,
		OwnerID:      s.self.ID,
	}
	return s.st.Write(ctx, models.CollConversations, id, conv, "createdAt")
}

// ListConversations returns the user's conversations once, in list order.
func (s *Synchronizer) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	snaps, err := s.st.Find(ctx, store.Query{
		Collection: models.CollConversations,
		Contains:   map[string]interface{}{"participants": s.self.ID},
	})
	if err != nil {
		return nil, err
	}
	convs := decodeConversations(snaps)
	sortConversations(convs)
	return convs, nil
}

// History returns the conversation's confirmed messages in ascending order,
// respecting the local member's clear watermark.
func (s *Synchronizer) History(ctx context.Context, convID string) ([]models.Message, error) {
	var clearedAt int64
	if snap, ok, err := s.st.Get(ctx, models.CollConversations, convID); err != nil {
		return nil, err
	} else if ok {
		var conv models.Conversation
		if err := snap.Decode(&conv); err != nil {
			return nil, err
		}
		clearedAt = conv.ClearedAt[s.self.ID]
	}
	snaps, err := s.st.Find(ctx, store.Query{
		Collection: models.CollMessages,
		Eq:         map[string]interface{}{"chatid": convID},
		OrderBy:    "timestamp",
		Desc:       true,
		Limit:      windowSize,
	})
	if err != nil {
		return nil, err
	}
	msgs := decodeMessages(snaps)
	reverse(msgs)
	return filterCleared(msgs, clearedAt), nil
}

// SubscribeConversationList streams the user's conversations, pinned first,
// then most recent activity first.
func (s *Synchronizer) SubscribeConversationList(ctx context.Context) (<-chan []models.Conversation, func(), error) {
	sub, err := s.st.Subscribe(ctx, store.Query{
		Collection: models.CollConversations,
		Contains:   map[string]interface{}{"participants": s.self.ID},
	})
	if err != nil {
		return nil, nil, err
	}
	out := make(chan []models.Conversation, 1)
	go func() {
		defer close(out)
		for snaps := range sub.Updates() {
			convs := decodeConversations(snaps)
			sortConversations(convs)
			pushLatest(out, convs)
		}
	}()
	return out, sub.Close, nil
}

// OpenConversation tears down any previously open conversation, resets the
// local member's unread counter and streams message windows. Each window
// carries the confirmed tail plus unconfirmed optimistic sends.
func (s *Synchronizer) OpenConversation(ctx context.Context, convID string) (<-chan MessageWindow, func(), error) {
	s.closeActive(ctx)

	var clearedAt int64
	if snap, ok, err := s.st.Get(ctx, models.CollConversations, convID); err != nil {
		return nil, nil, err
	} else if ok {
		var conv models.Conversation
		if err := snap.Decode(&conv); err != nil {
			return nil, nil, err
		}
		clearedAt = conv.ClearedAt[s.self.ID]
	}

	err := s.st.AtomicUpdate(ctx, models.CollConversations, convID, []store.FieldOp{
		store.Set("unreadCounts."+s.self.ID, int64(0)),
	})
	if err != nil {
		logger.Warnf("chatsync: reset unread %s: %v", convID, err)
	}

	sub, err := s.st.Subscribe(ctx, store.Query{
		Collection: models.CollMessages,
		Eq:         map[string]interface{}{"chatid": convID},
		OrderBy:    "timestamp",
		Desc:       true,
		Limit:      windowSize,
	})
	if err != nil {
		return nil, nil, err
	}

	ac := &activeConv{id: convID, clearedAt: clearedAt, cancel: sub.Close}
	s.mu.Lock()
	s.active = ac
	s.mu.Unlock()

	out := make(chan MessageWindow, 1)
	go func() {
		defer close(out)
		for snaps := range sub.Updates() {
			msgs := decodeMessages(snaps)
			reverse(msgs)

			s.mu.Lock()
			if s.active != ac {
				s.mu.Unlock()
				return
			}
			cleared := ac.clearedAt
			s.reconcileLocked(ac, msgs)
			pending := snapshotPending(ac)
			s.mu.Unlock()

			msgs = filterCleared(msgs, cleared)
			s.receipts.observe(msgs)
			pushLatest(out, buildWindow(s.clock(), msgs, pending))
		}
	}()

	closeFn := func() {
		s.mu.Lock()
		if s.active == ac {
			s.active = nil
		}
		s.mu.Unlock()
		sub.Close()
	}
	return out, closeFn, nil
}

// CloseConversation tears down the open conversation, if any.
func (s *Synchronizer) CloseConversation(ctx context.Context) {
	s.closeActive(ctx)
}

func (s *Synchronizer) closeActive(ctx context.Context) {
	s.mu.Lock()
	ac := s.active
	s.active = nil
	s.mu.Unlock()
	if ac != nil {
		ac.cancel()
	}
}

// reconcileLocked drops optimistic placeholders whose client id shows up in
// the confirmed set. Matching is by client id, so a retried write that
// succeeded twice still reconciles to one message.
func (s *Synchronizer) reconcileLocked(ac *activeConv, confirmed []models.Message) {
	if len(ac.pending) == 0 {
		return
	}
	seen := make(map[string]bool, len(confirmed))
	for _, m := range confirmed {
		if m.ClientID != "" {
			seen[m.ClientID] = true
		}
	}
	kept := ac.pending[:0]
	for _, p := range ac.pending {
		if !seen[p.Message.ClientID] {
			kept = append(kept, p)
		}
	}
	ac.pending = kept
}

func snapshotPending(ac *activeConv) []PendingMessage {
	out := make([]PendingMessage, len(ac.pending))
	for i, p := range ac.pending {
		out[i] = *p
	}
	return out
}

func decodeConversations(snaps []store.Snapshot) []models.Conversation {
	out := make([]models.Conversation, 0, len(snaps))
	for _, snap := range snaps {
		var c models.Conversation
		if err := snap.Decode(&c); err != nil {
			logger.Debugf("chatsync: decode conversation %s: %v", snap.ID, err)
			continue
		}
		c.ID = snap.ID
		out = append(out, c)
	}
	return out
}

func decodeMessages(snaps []store.Snapshot) []models.Message {
	out := make([]models.Message, 0, len(snaps))
	for _, snap := range snaps {
		var m models.Message
		if err := snap.Decode(&m); err != nil {
			logger.Debugf("chatsync: decode message %s: %v", snap.ID, err)
			continue
		}
		m.ID = snap.ID
		out = append(out, m)
	}
	return out
}

// sortConversations orders pinned conversations first, then by latest
// activity, newest first.
func sortConversations(convs []models.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].Pinned != convs[j].Pinned {
			return convs[i].Pinned
		}
		ti, tj := activityTime(convs[i]), activityTime(convs[j])
		if ti != tj {
			return ti > tj
		}
		return convs[i].ID < convs[j].ID
	})
}

func activityTime(c models.Conversation) int64 {
	if c.LastMessage != nil {
		return c.LastMessage.Timestamp
	}
	return c.CreatedAt
}

func filterCleared(msgs []models.Message, clearedAt int64) []models.Message {
	if clearedAt == 0 {
		return msgs
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m.SortTime() > clearedAt {
			out = append(out, m)
		}
	}
	return out
}

func reverse(msgs []models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}

// pushLatest delivers v without blocking, displacing an unread older value.
func pushLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
