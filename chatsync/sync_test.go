package chatsync

import (
	"context"
	"testing"
	"time"

	"quill/models"
	"quill/store"
	"quill/store/memstore"
)

var (
	alice = User{ID: "alice", Name: "Alice"}
	bob   = User{ID: "bob", Name: "Bob"}
)

func waitWindow(t *testing.T, ch <-chan MessageWindow, ok func(MessageWindow) bool) MessageWindow {
	t.Helper()
	deadline := time.After(3 * time.Second)
	var last MessageWindow
	for {
		select {
		case w, open := <-ch:
			if !open {
				t.Fatalf("window channel closed; last %+v", last)
			}
			last = w
			if ok(w) {
				return w
			}
		case <-deadline:
			t.Fatalf("window condition never met; last %+v", last)
		}
	}
}

func getConv(t *testing.T, st store.Client, id string) models.Conversation {
	t.Helper()
	snap, ok, err := st.Get(context.Background(), models.CollConversations, id)
	if err != nil || !ok {
		t.Fatalf("conversation %s: ok=%v err=%v", id, ok, err)
	}
	var c models.Conversation
	if err := snap.Decode(&c); err != nil {
		t.Fatal(err)
	}
	c.ID = id
	return c
}

func TestSendReconcilesPlaceholderByClientID(t *testing.T) {
	st := memstore.New()
	s := New(st, alice)
	ctx := context.Background()

	convID, err := s.EnsureDirectChat(ctx, bob.ID)
	if err != nil {
		t.Fatal(err)
	}
	win, cancel, err := s.OpenConversation(ctx, convID)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	clientID, err := s.SendMessage(ctx, convID, Body{Text: "hello"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	w := waitWindow(t, win, func(w MessageWindow) bool {
		return len(w.Messages) == 1 && len(w.Pending) == 0
	})
	m := w.Messages[0]
	if m.ClientID != clientID || m.Text != "hello" || m.Timestamp == 0 {
		t.Fatalf("confirmed message %+v", m)
	}
	if m.Status != models.StatusSent {
		t.Fatalf("status = %s, want sent", m.Status)
	}
}

func TestUnreadCountersConserved(t *testing.T) {
	st := memstore.New()
	sa := New(st, alice)
	sb := New(st, bob)
	ctx := context.Background()

	convID, err := sa.EnsureDirectChat(ctx, bob.ID)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := sa.SendMessage(ctx, convID, Body{Text: "ping"}, nil); err != nil {
			t.Fatal(err)
		}
	}

	conv := getConv(t, st, convID)
	if got := conv.UnreadCounts["bob"]; got != 3 {
		t.Fatalf("bob unread = %d, want 3", got)
	}
	if got := conv.UnreadCounts["alice"]; got != 0 {
		t.Fatalf("alice unread = %d, want 0", got)
	}

	_, cancel, err := sb.OpenConversation(ctx, convID)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	conv = getConv(t, st, convID)
	if got := conv.UnreadCounts["bob"]; got != 0 {
		t.Fatalf("bob unread after open = %d, want 0", got)
	}
}

func TestReadReceiptsFlipPeerMessages(t *testing.T) {
	st := memstore.New()
	sa := New(st, alice)
	sb := New(st, bob)
	ctx := context.Background()

	convID, err := sa.EnsureDirectChat(ctx, bob.ID)
	if err != nil {
		t.Fatal(err)
	}
	clientID, err := sa.SendMessage(ctx, convID, Body{Text: "read me"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	win, cancel, err := sb.OpenConversation(ctx, convID)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	waitWindow(t, win, func(w MessageWindow) bool {
		return len(w.Messages) == 1 && w.Messages[0].Status == models.StatusRead
	})

	// Receipts flow one way: the sender's own copy flipped, not re-sent.
	snap, _, _ := st.Get(ctx, models.CollMessages, clientID)
	var m models.Message
	if err := snap.Decode(&m); err != nil {
		t.Fatal(err)
	}
	if m.Status != models.StatusRead {
		t.Fatalf("stored status = %s, want read", m.Status)
	}
}

func TestClearHistoryIsLocalToMember(t *testing.T) {
	st := memstore.New()
	sa := New(st, alice)
	sb := New(st, bob)
	ctx := context.Background()

	convID, err := sa.EnsureDirectChat(ctx, bob.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sa.SendMessage(ctx, convID, Body{Text: "old"}, nil); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := sa.ClearHistory(ctx, convID); err != nil {
		t.Fatal(err)
	}

	winA, cancelA, err := sa.OpenConversation(ctx, convID)
	if err != nil {
		t.Fatal(err)
	}
	waitWindow(t, winA, func(w MessageWindow) bool { return len(w.Messages) == 0 })
	cancelA()

	winB, cancelB, err := sb.OpenConversation(ctx, convID)
	if err != nil {
		t.Fatal(err)
	}
	defer cancelB()
	waitWindow(t, winB, func(w MessageWindow) bool { return len(w.Messages) == 1 })

	// Messages remain in the store; only alice's watermark moved.
	msgs, err := st.Find(ctx, store.Query{
		Collection: models.CollMessages,
		Eq:         map[string]interface{}{"chatid": convID},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("store has %d messages, want 1", len(msgs))
	}
}

func TestSavedChatClearPurgesPermanently(t *testing.T) {
	st := memstore.New()
	s := New(st, alice)
	ctx := context.Background()

	convID, err := s.EnsureSavedChat(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.SendMessage(ctx, convID, Body{Text: "note"}, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.ClearHistory(ctx, convID); err != nil {
		t.Fatal(err)
	}

	msgs, err := st.Find(ctx, store.Query{
		Collection: models.CollMessages,
		Eq:         map[string]interface{}{"chatid": convID},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("%d saved notes survived purge", len(msgs))
	}
	if conv := getConv(t, st, convID); conv.LastMessage != nil {
		t.Fatalf("summary survived purge: %+v", conv.LastMessage)
	}
}

func TestEditOwnershipAndSummaryUntouched(t *testing.T) {
	st := memstore.New()
	sa := New(st, alice)
	sb := New(st, bob)
	ctx := context.Background()

	convID, err := sa.EnsureDirectChat(ctx, bob.ID)
	if err != nil {
		t.Fatal(err)
	}
	clientID, err := sa.SendMessage(ctx, convID, Body{Text: "typo"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := sb.EditMessage(ctx, clientID, "hijack"); err != ErrNotOwner {
		t.Fatalf("peer edit: err = %v, want ErrNotOwner", err)
	}
	if err := sa.EditMessage(ctx, clientID, "fixed"); err != nil {
		t.Fatal(err)
	}

	snap, _, _ := st.Get(ctx, models.CollMessages, clientID)
	var m models.Message
	if err := snap.Decode(&m); err != nil {
		t.Fatal(err)
	}
	if m.Text != "fixed" || !m.Edited {
		t.Fatalf("edited message %+v", m)
	}
	if conv := getConv(t, st, convID); conv.LastMessage.Text != "typo" {
		t.Fatalf("summary changed by edit: %q", conv.LastMessage.Text)
	}
}

func TestDeleteRecomputesSummaryFromStore(t *testing.T) {
	st := memstore.New()
	s := New(st, alice)
	ctx := context.Background()

	convID, err := s.EnsureDirectChat(ctx, bob.ID)
	if err != nil {
		t.Fatal(err)
	}
	first, err := s.SendMessage(ctx, convID, Body{Text: "first"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	second, err := s.SendMessage(ctx, convID, Body{Text: "second"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteMessage(ctx, convID, second); err != nil {
		t.Fatal(err)
	}
	if conv := getConv(t, st, convID); conv.LastMessage == nil || conv.LastMessage.Text != "first" {
		t.Fatalf("summary after delete: %+v", conv.LastMessage)
	}

	if err := s.DeleteMessage(ctx, convID, first); err != nil {
		t.Fatal(err)
	}
	if conv := getConv(t, st, convID); conv.LastMessage != nil {
		t.Fatalf("summary survived deleting last message: %+v", conv.LastMessage)
	}
}

func TestConversationListOrder(t *testing.T) {
	st := memstore.New()
	s := New(st, alice)
	ctx := context.Background()

	write := func(id string, pinned bool, lastTS int64) {
		conv := models.Conversation{
			Kind:         models.KindPrivate,
			Participants: []string{"alice", "x"},
			Pinned:       pinned,
			LastMessage:  &models.LastMessage{Text: "m", Timestamp: lastTS, SenderID: "x"},
		}
		if err := st.Write(ctx, models.CollConversations, id, conv, "createdAt"); err != nil {
			t.Fatal(err)
		}
	}
	write("c_old", false, 100)
	write("c_new", false, 300)
	write("c_pinned", true, 50)

	ch, cancel, err := s.SubscribeConversationList(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case convs := <-ch:
			if len(convs) == 3 {
				got := []string{convs[0].ID, convs[1].ID, convs[2].ID}
				want := []string{"c_pinned", "c_new", "c_old"}
				for i := range want {
					if got[i] != want[i] {
						t.Fatalf("order = %v, want %v", got, want)
					}
				}
				return
			}
		case <-deadline:
			t.Fatal("list never delivered")
		}
	}
}

func TestFailedSendMarksPlaceholderAndResends(t *testing.T) {
	st := memstore.New()
	flaky := &failingStore{Client: st, failWrites: 1}
	s := New(flaky, alice)
	ctx := context.Background()

	convID, err := s.EnsureDirectChat(ctx, bob.ID)
	if err != nil {
		t.Fatal(err)
	}
	win, cancel, err := s.OpenConversation(ctx, convID)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	clientID, err := s.SendMessage(ctx, convID, Body{Text: "flaky"}, nil)
	if err == nil {
		t.Fatal("expected send failure")
	}
	s.mu.Lock()
	if len(s.active.pending) != 1 || !s.active.pending[0].Failed {
		s.mu.Unlock()
		t.Fatal("placeholder not marked failed")
	}
	s.mu.Unlock()

	if err := s.Resend(ctx, convID, clientID); err != nil {
		t.Fatal(err)
	}
	waitWindow(t, win, func(w MessageWindow) bool {
		return len(w.Messages) == 1 && len(w.Pending) == 0
	})
}

func TestDayGrouping(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	mk := func(ts time.Time) models.Message {
		return models.Message{Timestamp: ts.UnixMilli()}
	}
	msgs := []models.Message{
		mk(now.AddDate(0, 0, -7)),
		mk(now.AddDate(0, 0, -1)),
		mk(now.Add(-2 * time.Hour)),
		mk(now.Add(-1 * time.Hour)),
	}
	groups := groupByDay(now, msgs)
	if len(groups) != 3 {
		t.Fatalf("%d groups, want 3", len(groups))
	}
	if groups[0].Label != "March 8, 2024" || groups[1].Label != "Yesterday" || groups[2].Label != "Today" {
		t.Fatalf("labels = %q %q %q", groups[0].Label, groups[1].Label, groups[2].Label)
	}
	if len(groups[2].Messages) != 2 {
		t.Fatalf("today has %d messages, want 2", len(groups[2].Messages))
	}
}

func TestResendNeverRegressesReadStatus(t *testing.T) {
	st := memstore.New()
	s := New(st, alice)
	ctx := context.Background()

	convID, err := s.EnsureDirectChat(ctx, bob.ID)
	if err != nil {
		t.Fatal(err)
	}
	// A send whose write persisted but whose ack was lost: the document is
	// in the store, yet the local placeholder still reads failed.
	msg := models.Message{
		ChatID:   convID,
		ClientID: "cid-1",
		SenderID: alice.ID,
		Text:     "hi",
		Status:   models.StatusSent,
	}
	if err := st.Write(ctx, models.CollMessages, "cid-1", msg, "timestamp"); err != nil {
		t.Fatal(err)
	}
	// The recipient read it in the meantime.
	err = st.AtomicUpdate(ctx, models.CollMessages, "cid-1", []store.FieldOp{
		store.Set("status", models.StatusRead),
	})
	if err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	s.active = &activeConv{id: convID, pending: []*PendingMessage{{Message: msg, Failed: true}}}
	s.mu.Unlock()

	if err := s.Resend(ctx, convID, "cid-1"); err != nil {
		t.Fatal(err)
	}

	snap, _, _ := st.Get(ctx, models.CollMessages, "cid-1")
	var got models.Message
	if err := snap.Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusRead {
		t.Fatalf("status = %s after resend, want read", got.Status)
	}
	s.mu.Lock()
	left := len(s.active.pending)
	s.mu.Unlock()
	if left != 0 {
		t.Fatalf("%d placeholders left after reconciling resend", left)
	}
}

// failingStore fails the first n message writes, then delegates.
type failingStore struct {
	store.Client
	failWrites int
}

func (f *failingStore) Write(ctx context.Context, collection, id string, doc interface{}, serverTimeFields ...string) error {
	if collection == models.CollMessages && f.failWrites > 0 {
		f.failWrites--
		return context.DeadlineExceeded
	}
	return f.Client.Write(ctx, collection, id, doc, serverTimeFields...)
}
