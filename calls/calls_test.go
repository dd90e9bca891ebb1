package calls

import (
	"context"
	"sync"
	"testing"
	"time"

	"quill/models"
	"quill/presence"
	"quill/store"
	"quill/store/memstore"
)

type fakeMedia struct {
	mu          sync.Mutex
	offerErr    error
	answerErr   error
	finalizeErr error
	released    int
	finalized   string
}

func (f *fakeMedia) Offer(ctx context.Context, kind string) (string, error) {
	if f.offerErr != nil {
		return "", f.offerErr
	}
	return "offer-" + kind, nil
}

func (f *fakeMedia) Answer(ctx context.Context, offer string) (string, error) {
	if f.answerErr != nil {
		return "", f.answerErr
	}
	return "answer-to-" + offer, nil
}

func (f *fakeMedia) Finalize(answer string) error {
	f.mu.Lock()
	f.finalized = answer
	f.mu.Unlock()
	return f.finalizeErr
}

func (f *fakeMedia) Release() {
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
}

func (f *fakeMedia) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

func waitEvent(t *testing.T, e *Engine, kind string) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-e.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
		}
	}
}

func runEngine(t *testing.T, st store.Client, selfID string, media Media) *Engine {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e := New(st, selfID, media, nil)
	if err := e.Run(ctx); err != nil {
		t.Fatal(err)
	}
	return e
}

func waitState(t *testing.T, e *Engine, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if e.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", e.State(), want)
}

func TestCallLifecycleIsSymmetric(t *testing.T) {
	st := memstore.New()
	am, bm := &fakeMedia{}, &fakeMedia{}
	ea := runEngine(t, st, "alice", am)
	eb := runEngine(t, st, "bob", bm)
	ctx := context.Background()

	if _, err := ea.Start(ctx, "bob", models.CallVideo); err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, eb, EventIncoming)
	if ev.Session.CallerID != "alice" || ev.Session.Offer != "offer-video" {
		t.Fatalf("incoming session %+v", ev.Session)
	}

	if err := eb.Accept(ctx); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, eb, EventActive)
	ev = waitEvent(t, ea, EventActive)
	if ev.Session.Answer != "answer-to-offer-video" {
		t.Fatalf("caller saw answer %q", ev.Session.Answer)
	}
	am.mu.Lock()
	if am.finalized != "answer-to-offer-video" {
		t.Fatalf("finalized %q", am.finalized)
	}
	am.mu.Unlock()

	if err := eb.End(ctx); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, eb, EventEnded)
	waitEvent(t, ea, EventEnded)
	waitState(t, ea, StateIdle)
	waitState(t, eb, StateIdle)
	if am.releaseCount() != 1 || bm.releaseCount() != 1 {
		t.Fatalf("releases: caller=%d receiver=%d, want 1/1", am.releaseCount(), bm.releaseCount())
	}
}

func TestDeclinePropagatesToCaller(t *testing.T) {
	st := memstore.New()
	am := &fakeMedia{}
	ea := runEngine(t, st, "alice", am)
	eb := runEngine(t, st, "bob", &fakeMedia{})
	ctx := context.Background()

	if _, err := ea.Start(ctx, "bob", models.CallAudio); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, eb, EventIncoming)
	if err := eb.Decline(ctx); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ea, EventDeclined)
	waitState(t, ea, StateIdle)
	if am.releaseCount() != 1 {
		t.Fatalf("caller releases = %d, want 1", am.releaseCount())
	}
}

func TestSecondInboundRingIsRejectedBusy(t *testing.T) {
	st := memstore.New()
	ea := runEngine(t, st, "alice", &fakeMedia{})
	eb := runEngine(t, st, "bob", &fakeMedia{})
	ec := runEngine(t, st, "carol", &fakeMedia{})
	ctx := context.Background()

	if _, err := ea.Start(ctx, "bob", models.CallAudio); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, eb, EventIncoming)

	if _, err := ec.Start(ctx, "bob", models.CallAudio); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ec, EventDeclined)
	if got := eb.State(); got != StateRingingIn {
		t.Fatalf("busy receiver state = %s, want %s", got, StateRingingIn)
	}
}

func TestStartWhileBusyFailsLocally(t *testing.T) {
	st := memstore.New()
	ea := runEngine(t, st, "alice", &fakeMedia{})
	ctx := context.Background()

	if _, err := ea.Start(ctx, "bob", models.CallAudio); err != nil {
		t.Fatal(err)
	}
	if _, err := ea.Start(ctx, "carol", models.CallAudio); err != ErrBusy {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
}

func TestOfferFailureWritesNothing(t *testing.T) {
	st := memstore.New()
	fm := &fakeMedia{offerErr: context.DeadlineExceeded}
	ea := runEngine(t, st, "alice", fm)
	ctx := context.Background()

	if _, err := ea.Start(ctx, "bob", models.CallVideo); err == nil {
		t.Fatal("expected offer failure")
	}
	sessions, err := st.Find(ctx, store.Query{Collection: models.CollCalls})
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Fatalf("%d sessions written after media failure", len(sessions))
	}
	if ea.State() != StateIdle {
		t.Fatalf("state = %s, want idle", ea.State())
	}
	if fm.releaseCount() != 0 {
		t.Fatal("released media that was never acquired")
	}
}

func TestWriteFailureReleasesMedia(t *testing.T) {
	st := memstore.New()
	fm := &fakeMedia{}
	flaky := &failingCalls{Client: st}
	ea := runEngine(t, flaky, "alice", fm)
	ctx := context.Background()

	if _, err := ea.Start(ctx, "bob", models.CallVideo); err == nil {
		t.Fatal("expected write failure")
	}
	if fm.releaseCount() != 1 {
		t.Fatalf("releases = %d, want 1", fm.releaseCount())
	}
	if ea.State() != StateIdle {
		t.Fatalf("state = %s, want idle", ea.State())
	}
}

func TestSessionDisappearanceEndsCall(t *testing.T) {
	st := memstore.New()
	am := &fakeMedia{}
	ea := runEngine(t, st, "alice", am)
	eb := runEngine(t, st, "bob", &fakeMedia{})
	ctx := context.Background()

	id, err := ea.Start(ctx, "bob", models.CallAudio)
	if err != nil {
		t.Fatal(err)
	}
	waitEvent(t, eb, EventIncoming)

	if err := st.Delete(ctx, models.CollCalls, id); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ea, EventEnded)
	waitEvent(t, eb, EventEnded)
	waitState(t, ea, StateIdle)
	waitState(t, eb, StateIdle)
	if am.releaseCount() != 1 {
		t.Fatalf("caller releases = %d, want 1", am.releaseCount())
	}
}

func TestStartChecksPeerExists(t *testing.T) {
	st := memstore.New()
	pres := presence.NewManager(st, nil, "alice")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	e := New(st, "alice", &fakeMedia{}, pres)
	if err := e.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Start(ctx, "ghost", models.CallAudio); err != ErrNoPeer {
		t.Fatalf("err = %v, want ErrNoPeer", err)
	}

	// Once the peer has a user document the call goes through.
	presence.NewManager(st, nil, "bob").Publish(ctx, true)
	if _, err := e.Start(ctx, "bob", models.CallAudio); err != nil {
		t.Fatal(err)
	}
}

func TestInboundRingDuringStartIsBusyRejected(t *testing.T) {
	st := memstore.New()
	gated := &gatedCalls{Client: st, gate: make(chan struct{})}
	ea := runEngine(t, gated, "alice", &fakeMedia{})
	ec := runEngine(t, st, "carol", &fakeMedia{})
	ctx := context.Background()

	// Alice's session write stalls on the gate, leaving her mid-Start.
	startErr := make(chan error, 1)
	go func() {
		_, err := ea.Start(ctx, "bob", models.CallAudio)
		startErr <- err
	}()
	waitState(t, ea, StateRingingOut)

	// Carol rings alice inside that window. Alice's slot is already
	// reserved, so the ring is declined rather than adopted.
	if _, err := ec.Start(ctx, "alice", models.CallAudio); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ec, EventDeclined)

	gated.gate <- struct{}{}
	if err := <-startErr; err != nil {
		t.Fatal(err)
	}
	if got := ea.State(); got != StateRingingOut {
		t.Fatalf("caller state = %s, want %s", got, StateRingingOut)
	}
	select {
	case ev := <-ea.Events():
		if ev.Kind == EventIncoming {
			t.Fatalf("incoming surfaced while starting a call")
		}
	default:
	}
}

func TestTerminalEventSurvivesFullQueue(t *testing.T) {
	e := New(memstore.New(), "alice", &fakeMedia{}, nil)
	for i := 0; i < cap(e.events); i++ {
		e.events <- Event{Kind: EventActive}
	}

	e.mu.Lock()
	e.state = StateActive
	e.session = models.CallSession{ID: "s1"}
	e.finishLocked(EventEnded)
	e.mu.Unlock()

	found := false
drain:
	for {
		select {
		case ev := <-e.Events():
			if ev.Kind == EventEnded && ev.Session.ID == "s1" {
				found = true
			}
		default:
			break drain
		}
	}
	if !found {
		t.Fatal("ended event lost to a full queue")
	}
}

// failingCalls fails writes to the call collection only.
type failingCalls struct {
	store.Client
}

func (f *failingCalls) Write(ctx context.Context, collection, id string, doc interface{}, serverTimeFields ...string) error {
	if collection == models.CollCalls {
		return context.DeadlineExceeded
	}
	return f.Client.Write(ctx, collection, id, doc, serverTimeFields...)
}

// gatedCalls stalls writes to the call collection until the gate is fed.
type gatedCalls struct {
	store.Client
	gate chan struct{}
}

func (g *gatedCalls) Write(ctx context.Context, collection, id string, doc interface{}, serverTimeFields ...string) error {
	if collection == models.CollCalls {
		<-g.gate
	}
	return g.Client.Write(ctx, collection, id, doc, serverTimeFields...)
}
