package reactions

import (
	"context"
	"testing"

	"quill/models"
	"quill/store"
	"quill/store/memstore"
)

func loadMessage(t *testing.T, st store.Client, id string) models.Message {
	t.Helper()
	snap, ok, err := st.Get(context.Background(), models.CollMessages, id)
	if err != nil || !ok {
		t.Fatalf("message %s: ok=%v err=%v", id, ok, err)
	}
	var m models.Message
	if err := snap.Decode(&m); err != nil {
		t.Fatal(err)
	}
	m.ID = id
	return m
}

func seedMessage(t *testing.T, st store.Client) models.Message {
	t.Helper()
	msg := models.Message{ChatID: "c1", SenderID: "alice", Text: "hi", Status: models.StatusSent}
	if err := st.Write(context.Background(), models.CollMessages, "m1", msg, "timestamp"); err != nil {
		t.Fatal(err)
	}
	return loadMessage(t, st, "m1")
}

func TestToggleAddsAndRemoves(t *testing.T) {
	st := memstore.New()
	r := New(st, "bob")
	ctx := context.Background()
	msg := seedMessage(t, st)

	if err := r.Toggle(ctx, msg, "👍"); err != nil {
		t.Fatal(err)
	}
	msg = loadMessage(t, st, "m1")
	if got := msg.Reactions["👍"]; len(got) != 1 || got[0] != "bob" {
		t.Fatalf("after add: %v", msg.Reactions)
	}

	if err := r.Toggle(ctx, msg, "👍"); err != nil {
		t.Fatal(err)
	}
	msg = loadMessage(t, st, "m1")
	if got := msg.Reactions["👍"]; len(got) != 0 {
		t.Fatalf("after remove: %v", msg.Reactions)
	}
}

func TestConcurrentTogglesBothLand(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	msg := seedMessage(t, st)

	// Both act on the same stale snapshot with no reactions yet.
	if err := New(st, "bob").Toggle(ctx, msg, "❤️"); err != nil {
		t.Fatal(err)
	}
	if err := New(st, "carol").Toggle(ctx, msg, "❤️"); err != nil {
		t.Fatal(err)
	}

	got := loadMessage(t, st, "m1").Reactions["❤️"]
	if len(got) != 2 {
		t.Fatalf("reactions = %v, want both users", got)
	}
}

func TestStaleToggleIsIdempotent(t *testing.T) {
	st := memstore.New()
	r := New(st, "bob")
	ctx := context.Background()
	msg := seedMessage(t, st)

	// Two adds from the same stale snapshot collapse to one membership.
	if err := r.Toggle(ctx, msg, "👍"); err != nil {
		t.Fatal(err)
	}
	if err := r.Toggle(ctx, msg, "👍"); err != nil {
		t.Fatal(err)
	}
	if got := loadMessage(t, st, "m1").Reactions["👍"]; len(got) != 1 {
		t.Fatalf("reactions = %v, want single membership", got)
	}
}

func TestTogglesOnDifferentEmojiAreIndependent(t *testing.T) {
	st := memstore.New()
	r := New(st, "bob")
	ctx := context.Background()
	msg := seedMessage(t, st)

	if err := r.Toggle(ctx, msg, "👍"); err != nil {
		t.Fatal(err)
	}
	msg = loadMessage(t, st, "m1")
	if err := r.Toggle(ctx, msg, "❤️"); err != nil {
		t.Fatal(err)
	}

	msg = loadMessage(t, st, "m1")
	if len(msg.Reactions["👍"]) != 1 || len(msg.Reactions["❤️"]) != 1 {
		t.Fatalf("reactions = %v", msg.Reactions)
	}
}
