// Package calls drives two-party call signaling over a shared session
// document. All state transitions flow through the store: both sides
// subscribe to sessions addressing them and react to status changes, so
// teardown is symmetric no matter which side acts. A session document
// disappearing is treated as the call having ended.
package calls

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"quill/logger"
	"quill/models"
	"quill/presence"
	"quill/store"
)

// Media acquires and releases the local media pipeline. Offer and answer
// descriptors are opaque to the engine.
type Media interface {
	Offer(ctx context.Context, kind string) (string, error)
	Answer(ctx context.Context, offer string) (string, error)
	Finalize(answer string) error
	Release()
}

// Engine states.
const (
	StateIdle       = "idle"
	StateRingingOut = "ringing-out"
	StateRingingIn  = "ringing-in"
	StateActive     = "active"
)

// Event kinds surfaced to the UI.
const (
	EventIncoming = "incoming"
	EventActive   = "active"
	EventEnded    = "ended"
	EventDeclined = "declined"
)

type Event struct {
	Kind    string
	Session models.CallSession
}

var (
	ErrBusy    = errors.New("a call is already in progress")
	ErrNoCall  = errors.New("no call in that state")
	ErrNoPeer  = errors.New("peer does not exist")
	ErrStopped = errors.New("engine not running")
)

type Engine struct {
	st    store.Client
	self  string
	media Media
	pres  *presence.Manager

	mu        sync.Mutex
	state     string
	session   models.CallSession
	caller    bool
	mediaHeld bool
	seen      bool
	running   bool

	events chan Event
}

// New builds a call engine. pres may be nil, skipping peer existence checks.
func New(st store.Client, selfID string, media Media, pres *presence.Manager) *Engine {
	return &Engine{
		st:     st,
		self:   selfID,
		media:  media,
		pres:   pres,
		state:  StateIdle,
		events: make(chan Event, 8),
	}
}

// Events streams call transitions to the UI.
func (e *Engine) Events() <-chan Event { return e.events }

// State reports the current engine state.
func (e *Engine) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run subscribes to call sessions addressing the local user and processes
// them until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	inbound, err := e.st.Subscribe(ctx, store.Query{
		Collection: models.CollCalls,
		Eq:         map[string]interface{}{"receiverId": e.self},
	})
	if err != nil {
		return err
	}
	outbound, err := e.st.Subscribe(ctx, store.Query{
		Collection: models.CollCalls,
		Eq:         map[string]interface{}{"callerId": e.self},
	})
	if err != nil {
		inbound.Close()
		return err
	}
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()

	go func() {
		defer inbound.Close()
		defer outbound.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case snaps, ok := <-inbound.Updates():
				if !ok {
					return
				}
				e.onInbound(ctx, snaps)
			case snaps, ok := <-outbound.Updates():
				if !ok {
					return
				}
				e.onOutbound(snaps)
			}
		}
	}()
	return nil
}

// Start rings peer. Media is acquired before anything is written; if the
// session write then fails, media is released before returning.
func (e *Engine) Start(ctx context.Context, peerID, kind string) (string, error) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return "", ErrStopped
	}
	if e.state != StateIdle {
		e.mu.Unlock()
		return "", ErrBusy
	}
	// Reserve the slot before releasing the lock: an inbound ring arriving
	// while we look up the peer and acquire media is then busy-rejected
	// instead of silently clobbered by the commit below.
	e.state = StateRingingOut
	e.caller = true
	e.seen = false
	e.session = models.CallSession{}
	e.mu.Unlock()

	if e.pres != nil {
		if _, ok, err := e.pres.Lookup(ctx, peerID); err != nil {
			e.rollbackStart()
			return "", err
		} else if !ok {
			e.rollbackStart()
			return "", ErrNoPeer
		}
	}

	offer, err := e.media.Offer(ctx, kind)
	if err != nil {
		e.rollbackStart()
		return "", errors.Wrap(err, "acquire media")
	}

	session := models.CallSession{
		ID:         uuid.NewString(),
		CallerID:   e.self,
		ReceiverID: peerID,
		Status:     models.CallRinging,
		Kind:       kind,
		Offer:      offer,
	}
	if err := e.st.Write(ctx, models.CollCalls, session.ID, session, "createdAt"); err != nil {
		e.media.Release()
		e.rollbackStart()
		return "", errors.Wrap(err, "write session")
	}

	e.mu.Lock()
	if e.state != StateRingingOut || !e.caller || e.session.ID != "" {
		// Torn down locally while starting; the ring is already in the
		// store, so mark it ended.
		e.mu.Unlock()
		e.media.Release()
		err := e.st.AtomicUpdate(ctx, models.CollCalls, session.ID, []store.FieldOp{
			store.Set("status", models.CallEnded),
		})
		if err != nil {
			logger.Warnf("calls: end aborted session %s: %v", session.ID, err)
		}
		return "", ErrNoCall
	}
	e.session = session
	e.mediaHeld = true
	e.mu.Unlock()
	return session.ID, nil
}

// rollbackStart drops the slot reservation Start took, unless the slot has
// moved on to a committed session in the meantime.
func (e *Engine) rollbackStart() {
	e.mu.Lock()
	if e.caller && e.state == StateRingingOut && e.session.ID == "" {
		e.resetLocked()
	}
	e.mu.Unlock()
}

// Accept answers the ringing inbound call. Media acquisition failure leaves
// the session untouched; a failed store write releases media again.
func (e *Engine) Accept(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateRingingIn {
		e.mu.Unlock()
		return ErrNoCall
	}
	session := e.session
	e.mu.Unlock()

	answer, err := e.media.Answer(ctx, session.Offer)
	if err != nil {
		return errors.Wrap(err, "acquire media")
	}
	err = e.st.AtomicUpdate(ctx, models.CollCalls, session.ID, []store.FieldOp{
		store.Set("answer", answer),
		store.Set("status", models.CallActive),
	})
	if err != nil {
		e.media.Release()
		return errors.Wrap(err, "accept session")
	}

	e.mu.Lock()
	if e.state == StateRingingIn && e.session.ID == session.ID {
		e.state = StateActive
		e.mediaHeld = true
		e.session.Answer = answer
		e.session.Status = models.CallActive
		e.emitLocked(EventActive)
	} else {
		// The call went away while we were accepting.
		e.media.Release()
	}
	e.mu.Unlock()
	return nil
}

// Decline rejects the ringing inbound call without touching media.
func (e *Engine) Decline(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateRingingIn {
		e.mu.Unlock()
		return ErrNoCall
	}
	session := e.session
	e.resetLocked()
	e.mu.Unlock()

	return e.st.AtomicUpdate(ctx, models.CollCalls, session.ID, []store.FieldOp{
		store.Set("status", models.CallDeclined),
	})
}

// End terminates the current call from either role. Media is released
// deterministically even when the store write fails.
func (e *Engine) End(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateIdle {
		e.mu.Unlock()
		return ErrNoCall
	}
	session := e.session
	e.finishLocked(EventEnded)
	e.mu.Unlock()

	if session.ID == "" {
		// Start had only reserved the slot; nothing is in the store yet.
		return nil
	}
	return e.st.AtomicUpdate(ctx, models.CollCalls, session.ID, []store.FieldOp{
		store.Set("status", models.CallEnded),
	})
}

// onInbound handles sessions where the local user is the receiver.
func (e *Engine) onInbound(ctx context.Context, snaps []store.Snapshot) {
	sessions := decodeSessions(snaps)

	e.mu.Lock()
	var busyReject []string
	currentPresent := false
	for _, sess := range sessions {
		if !e.caller && e.session.ID == sess.ID && e.state != StateIdle {
			currentPresent = true
			switch sess.Status {
			case models.CallEnded, models.CallDeclined:
				e.finishLocked(EventEnded)
			}
			continue
		}
		if sess.Status != models.CallRinging {
			continue
		}
		if e.state != StateIdle {
			busyReject = append(busyReject, sess.ID)
			continue
		}
		e.state = StateRingingIn
		e.session = sess
		e.caller = false
		e.mediaHeld = false
		e.seen = true
		e.emitLocked(EventIncoming)
		currentPresent = true
	}
	if !e.caller && e.state != StateIdle && e.seen && !currentPresent {
		// Session document vanished: the call is over.
		e.finishLocked(EventEnded)
	}
	e.mu.Unlock()

	for _, id := range busyReject {
		err := e.st.AtomicUpdate(ctx, models.CollCalls, id, []store.FieldOp{
			store.Set("status", models.CallDeclined),
		})
		if err != nil {
			logger.Warnf("calls: busy-reject %s: %v", id, err)
		}
	}
}

// onOutbound handles sessions where the local user is the caller.
func (e *Engine) onOutbound(snaps []store.Snapshot) {
	sessions := decodeSessions(snaps)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.caller || e.state == StateIdle {
		return
	}
	currentPresent := false
	for _, sess := range sessions {
		if sess.ID != e.session.ID {
			continue
		}
		currentPresent = true
		e.seen = true
		switch sess.Status {
		case models.CallActive:
			if e.state != StateRingingOut {
				break
			}
			if err := e.media.Finalize(sess.Answer); err != nil {
				logger.Errorf("calls: finalize: %v", err)
				e.endCurrentLocked()
				break
			}
			e.state = StateActive
			e.session = sess
			e.emitLocked(EventActive)
		case models.CallDeclined:
			e.finishLocked(EventDeclined)
		case models.CallEnded:
			e.finishLocked(EventEnded)
		}
	}
	if e.caller && e.state != StateIdle && e.seen && !currentPresent {
		e.finishLocked(EventEnded)
	}
}

// finishLocked emits the terminal event for the current session, then
// releases media and returns to idle. Terminal events must reach the UI;
// when the queue is full the oldest entry is displaced, never the terminal
// one. The displacing send cannot block: emits hold e.mu, so no other
// producer can refill the freed slot.
func (e *Engine) finishLocked(kind string) {
	ev := Event{Kind: kind, Session: e.session}
	e.releaseLocked()
	e.resetLocked()
	select {
	case e.events <- ev:
	default:
		select {
		case <-e.events:
		default:
		}
		e.events <- ev
	}
}

// endCurrentLocked ends the current session after a local failure: media
// first, then a best-effort status write.
func (e *Engine) endCurrentLocked() {
	session := e.session
	e.finishLocked(EventEnded)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := e.st.AtomicUpdate(ctx, models.CollCalls, session.ID, []store.FieldOp{
			store.Set("status", models.CallEnded),
		})
		if err != nil {
			logger.Warnf("calls: end %s: %v", session.ID, err)
		}
	}()
}

func (e *Engine) releaseLocked() {
	if e.mediaHeld {
		e.media.Release()
		e.mediaHeld = false
	}
}

func (e *Engine) resetLocked() {
	e.state = StateIdle
	e.session = models.CallSession{}
	e.caller = false
	e.seen = false
}

func (e *Engine) emitLocked(kind string) {
	ev := Event{Kind: kind, Session: e.session}
	select {
	case e.events <- ev:
	default:
		logger.Debugf("calls: dropped %s event", kind)
	}
}

func decodeSessions(snaps []store.Snapshot) []models.CallSession {
	out := make([]models.CallSession, 0, len(snaps))
	for _, snap := range snaps {
		var s models.CallSession
		if err := snap.Decode(&s); err != nil {
			logger.Debugf("calls: decode %s: %v", snap.ID, err)
			continue
		}
		s.ID = snap.ID
		out = append(out, s)
	}
	return out
}
