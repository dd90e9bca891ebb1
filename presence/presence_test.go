package presence

import (
	"context"
	"testing"
	"time"

	"quill/store/memstore"
)

func TestPublishOnlineIsThrottled(t *testing.T) {
	st := memstore.New()
	m := NewManager(st, nil, "alice")
	ctx := context.Background()

	if !m.Publish(ctx, true) {
		t.Fatal("first online write suppressed")
	}
	for i := 0; i < 5; i++ {
		if m.Publish(ctx, true) {
			t.Fatal("flapping online write not suppressed")
		}
	}
}

func TestPublishOfflineBypassesThrottle(t *testing.T) {
	st := memstore.New()
	m := NewManager(st, nil, "alice")
	ctx := context.Background()

	m.Publish(ctx, true)
	if !m.Publish(ctx, false) {
		t.Fatal("offline write suppressed")
	}

	v, ok, err := m.Lookup(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	if v.Online {
		t.Fatal("still online after offline write")
	}
}

func TestObserveDeliversTransitions(t *testing.T) {
	st := memstore.New()
	observer := NewManager(st, nil, "alice")
	peer := NewManager(st, nil, "bob")
	ctx := context.Background()

	views, cancel, err := observer.Observe(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	recv := func() View {
		t.Helper()
		select {
		case v := <-views:
			return v
		case <-time.After(2 * time.Second):
			t.Fatal("no presence delivered")
			return View{}
		}
	}

	if v := recv(); v.Online {
		t.Fatal("unknown user reported online")
	}
	peer.Publish(ctx, true)
	if v := recv(); !v.Online || v.Label != "online" {
		t.Fatalf("expected online, got %+v", v)
	}
	peer.Publish(ctx, false)
	if v := recv(); v.Online {
		t.Fatalf("expected offline, got %+v", v)
	}
}

func TestLookupMissingUser(t *testing.T) {
	st := memstore.New()
	m := NewManager(st, nil, "alice")
	_, ok, err := m.Lookup(context.Background(), "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("missing user reported present")
	}
}

func TestFormatLastSeen(t *testing.T) {
	now := time.Date(2024, 3, 15, 18, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		online   bool
		lastSeen int64
		want     string
	}{
		{"online", true, 0, "online"},
		{"never", false, 0, "last seen recently"},
		{"just now", false, now.Add(-20 * time.Second).UnixMilli(), "last seen just now"},
		{"minutes", false, now.Add(-5 * time.Minute).UnixMilli(), "last seen 5 minutes ago"},
		{"one minute", false, now.Add(-90 * time.Second).UnixMilli(), "last seen 1 minute ago"},
		{"today", false, now.Add(-3 * time.Hour).UnixMilli(), "last seen today at 15:00"},
		{"yesterday", false, now.Add(-24 * time.Hour).UnixMilli(), "last seen yesterday at 18:00"},
		{"older", false, time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC).UnixMilli(), "last seen January 2, 2024"},
	}
	for _, tc := range cases {
		if got := FormatLastSeen(now, tc.online, tc.lastSeen); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}
