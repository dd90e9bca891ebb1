// Package presence maintains the local user's online flag and observes
// other users'. Online transitions are throttled so focus flapping does
// not turn into write storms; going offline always writes immediately.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"quill/logger"
	"quill/models"
	"quill/rdx"
	"quill/store"
)

// onlineInterval is the minimum gap between two online edge writes.
const onlineInterval = 30 * time.Second

// View is a decoded presence state plus its display label.
type View struct {
	Online   bool
	LastSeen int64
	Label    string
}

type Manager struct {
	st    store.Client
	cache *rdx.Client
	self  string
	lim   *rate.Limiter
	clock func() time.Time

	mu      sync.Mutex
	ensured bool
}

// NewManager builds a presence manager for the given user. cache may be nil.
func NewManager(st store.Client, cache *rdx.Client, selfID string) *Manager {
	return &Manager{
		st:    st,
		cache: cache,
		self:  selfID,
		lim:   rate.NewLimiter(rate.Every(onlineInterval), 1),
		clock: time.Now,
	}
}

// Publish records the local user's presence. Failures are swallowed after
// logging: presence is advisory and must never block messaging. Returns
// true when a write was issued, false when the throttle suppressed it.
func (m *Manager) Publish(ctx context.Context, online bool) bool {
	if online && !m.lim.Allow() {
		return false
	}
	now := m.clock().UnixMilli()
	created, err := m.ensureDoc(ctx, online, now)
	if err != nil {
		logger.Debugf("presence: ensure user doc: %v", err)
		return false
	}
	if !created {
		err := m.st.AtomicUpdate(ctx, models.CollUsers, m.self, []store.FieldOp{
			store.Set("online", online),
			store.Set("lastSeen", now),
		})
		if err != nil {
			logger.Debugf("presence: publish online=%v: %v", online, err)
			return false
		}
	}
	if m.cache != nil {
		if err := m.cache.SetPresence(ctx, m.self, online, now); err != nil {
			logger.Debugf("presence: cache: %v", err)
		}
	}
	return true
}

// ensureDoc creates the local user's document on the first publish. Store
// updates never upsert, so without it the first session of a fresh user
// would have nothing to flip. Returns true when the document was created
// carrying the given state, in which case no follow-up update is needed.
func (m *Manager) ensureDoc(ctx context.Context, online bool, now int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ensured {
		return false, nil
	}
	if _, ok, err := m.st.Get(ctx, models.CollUsers, m.self); err != nil {
		return false, err
	} else if ok {
		m.ensured = true
		return false, nil
	}
	if err := m.st.Write(ctx, models.CollUsers, m.self, models.Presence{Online: online, LastSeen: now}); err != nil {
		return false, err
	}
	m.ensured = true
	return true, nil
}

// Lookup fetches one user's presence, cache first. The second return is
// false when the user does not exist.
func (m *Manager) Lookup(ctx context.Context, userID string) (View, bool, error) {
	if m.cache != nil {
		if p, ok, err := m.cache.GetPresence(ctx, userID); err == nil && ok {
			return m.view(p.Online, p.LastSeen), true, nil
		}
	}
	snap, ok, err := m.st.Get(ctx, models.CollUsers, userID)
	if err != nil || !ok {
		return View{}, false, err
	}
	var p models.Presence
	if err := snap.Decode(&p); err != nil {
		return View{}, false, err
	}
	return m.view(p.Online, p.LastSeen), true, nil
}

// Observe streams another user's presence until cancel is called.
func (m *Manager) Observe(ctx context.Context, userID string) (<-chan View, func(), error) {
	sub, err := m.st.Subscribe(ctx, store.Query{
		Collection: models.CollUsers,
		Eq:         map[string]interface{}{"_id": userID},
	})
	if err != nil {
		return nil, nil, err
	}
	out := make(chan View, 1)
	go func() {
		defer close(out)
		for snaps := range sub.Updates() {
			v := m.view(false, 0)
			if len(snaps) > 0 {
				var p models.Presence
				if err := snaps[0].Decode(&p); err != nil {
					logger.Debugf("presence: decode %s: %v", userID, err)
					continue
				}
				v = m.view(p.Online, p.LastSeen)
			}
			select {
			case out <- v:
			default:
				select {
				case <-out:
				default:
				}
				select {
				case out <- v:
				default:
				}
			}
		}
	}()
	return out, sub.Close, nil
}

func (m *Manager) view(online bool, lastSeen int64) View {
	return View{
		Online:   online,
		LastSeen: lastSeen,
		Label:    FormatLastSeen(m.clock(), online, lastSeen),
	}
}

// FormatLastSeen renders the presence label shown under a contact's name.
func FormatLastSeen(now time.Time, online bool, lastSeen int64) string {
	if online {
		return "online"
	}
	if lastSeen <= 0 {
		return "last seen recently"
	}
	seen := time.UnixMilli(lastSeen).In(now.Location())
	diff := now.Sub(seen)
	switch {
	case diff < time.Minute:
		return "last seen just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "last seen 1 minute ago"
		}
		return fmt.Sprintf("last seen %d minutes ago", mins)
	}
	ny, nm, nd := now.Date()
	sy, sm, sd := seen.Date()
	if ny == sy && nm == sm && nd == sd {
		return "last seen today at " + seen.Format("15:04")
	}
	yy, ym, yd := now.AddDate(0, 0, -1).Date()
	if sy == yy && sm == ym && sd == yd {
		return "last seen yesterday at " + seen.Format("15:04")
	}
	return "last seen " + seen.Format("January 2, 2006")
}
