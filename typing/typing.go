// Package typing publishes and observes the ephemeral per-conversation
// typing signals. The write side clears itself after a trailing idle
// window; the read side additionally discards stale signals so a crashed
// peer never leaves a stuck indicator.
package typing

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"quill/logger"
	"quill/models"
	"quill/store"
)

const (
	idleTimeout   = 3 * time.Second
	staleWindow   = 10 * time.Second
	refreshEvery  = 5 * time.Second
	refilterEvery = time.Second
)

type convState struct {
	active    bool
	lastWrite time.Time
	timer     *time.Timer
}

type Controller struct {
	st    store.Client
	self  string
	clock func() time.Time

	mu     sync.Mutex
	states map[string]*convState

	idle  time.Duration
	stale time.Duration
}

func NewController(st store.Client, selfID string) *Controller {
	return &Controller{
		st:     st,
		self:   selfID,
		clock:  time.Now,
		states: make(map[string]*convState),
		idle:   idleTimeout,
		stale:  staleWindow,
	}
}

func (c *Controller) docID(chatID string) string {
	return models.TypingDocID(chatID, c.self)
}

// OnInput is called per keystroke. The signal document is written on the
// idle-to-active edge and refreshed while typing continues, not per
// keystroke; the trailing timer clears it after the idle window.
func (c *Controller) OnInput(ctx context.Context, chatID string) {
	if models.IsSavedChat(chatID, c.self) {
		return
	}
	now := c.clock()

	c.mu.Lock()
	st, ok := c.states[chatID]
	if !ok {
		st = &convState{}
		c.states[chatID] = st
	}
	needWrite := !st.active || now.Sub(st.lastWrite) >= refreshEvery
	if needWrite {
		st.active = true
		st.lastWrite = now
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(c.idle, func() { c.clear(chatID) })
	c.mu.Unlock()

	if needWrite {
		c.write(ctx, chatID, true)
	}
}

// OnSend clears the signal immediately, ahead of the trailing timer.
func (c *Controller) OnSend(ctx context.Context, chatID string) {
	if !c.deactivate(chatID) {
		return
	}
	c.write(ctx, chatID, false)
}

// OnLeave removes the signal document when the conversation is closed.
func (c *Controller) OnLeave(ctx context.Context, chatID string) {
	if models.IsSavedChat(chatID, c.self) {
		return
	}
	c.deactivate(chatID)
	if err := c.st.Delete(ctx, models.CollTyping, c.docID(chatID)); err != nil {
		logger.Debugf("typing: delete %s: %v", chatID, err)
	}
}

func (c *Controller) clear(chatID string) {
	if !c.deactivate(chatID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.write(ctx, chatID, false)
}

// deactivate flips the state off and reports whether it was on.
func (c *Controller) deactivate(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[chatID]
	if !ok || !st.active {
		return false
	}
	st.active = false
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	return true
}

func (c *Controller) write(ctx context.Context, chatID string, active bool) {
	sig := models.TypingSignal{
		ChatID:    chatID,
		UserID:    c.self,
		Typing:    active,
		Timestamp: c.clock().UnixMilli(),
	}
	if err := c.st.Write(ctx, models.CollTyping, c.docID(chatID), sig); err != nil {
		logger.Debugf("typing: write %s active=%v: %v", chatID, active, err)
	}
}

// Observe streams the set of members currently typing in a conversation,
// excluding the local user. A ticker re-filters between deliveries so a
// signal that merely goes stale still disappears.
func (c *Controller) Observe(ctx context.Context, chatID string) (<-chan []string, func(), error) {
	sub, err := c.st.Subscribe(ctx, store.Query{
		Collection: models.CollTyping,
		Eq:         map[string]interface{}{"chatid": chatID},
	})
	if err != nil {
		return nil, nil, err
	}
	out := make(chan []string, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(refilterEvery)
		defer ticker.Stop()

		var latest []store.Snapshot
		prev := ""
		emit := func() {
			users := c.filter(latest)
			key := strings.Join(users, ",")
			if key == prev {
				return
			}
			prev = key
			select {
			case out <- users:
			default:
				select {
				case <-out:
				default:
				}
				select {
				case out <- users:
				default:
				}
			}
		}
		for {
			select {
			case snaps, ok := <-sub.Updates():
				if !ok {
					return
				}
				latest = snaps
				emit()
			case <-ticker.C:
				emit()
			}
		}
	}()
	return out, sub.Close, nil
}

func (c *Controller) filter(snaps []store.Snapshot) []string {
	cutoff := c.clock().UnixMilli() - c.stale.Milliseconds()
	var users []string
	for _, snap := range snaps {
		var sig models.TypingSignal
		if err := snap.Decode(&sig); err != nil {
			continue
		}
		if !sig.Typing || sig.UserID == c.self || sig.Timestamp < cutoff {
			continue
		}
		users = append(users, sig.UserID)
	}
	sort.Strings(users)
	return users
}
