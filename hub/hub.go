// Package hub bridges the sync core to the attached UI: a websocket that
// pushes live state (conversation list, message windows, typing sets,
// presence, call events) and REST endpoints for the discrete operations.
// The bridge serves exactly one identity, the user the daemon syncs for.
package hub

import (
	"context"
	"sync"
	"time"

	"quill/calls"
	"quill/chatsync"
	"quill/logger"
	"quill/models"
	"quill/presence"
	"quill/rdx"
	"quill/reactions"
	"quill/store"
	"quill/typing"
	"quill/utils"
)

type Hub struct {
	st     store.Client
	sync   *chatsync.Synchronizer
	typing *typing.Controller
	pres   *presence.Manager
	reacts *reactions.Reactions
	cache  *rdx.Client
	self   chatsync.User
	media  *uiMedia
	engine *calls.Engine

	clientsMu sync.RWMutex
	clients   map[string]*client

	mu          sync.Mutex
	convID      string
	closeWindow func()
	closeTyping func()
	lastWindow  chatsync.MessageWindow
}

func New(st store.Client, syn *chatsync.Synchronizer, typ *typing.Controller,
	pres *presence.Manager, reacts *reactions.Reactions, cache *rdx.Client,
	self chatsync.User) *Hub {
	h := &Hub{
		st:      st,
		sync:    syn,
		typing:  typ,
		pres:    pres,
		reacts:  reacts,
		cache:   cache,
		self:    self,
		clients: make(map[string]*client),
	}
	h.media = &uiMedia{hub: h}
	return h
}

// Media exposes the UI-backed media pipeline for the call engine.
func (h *Hub) Media() calls.Media { return h.media }

// AttachEngine wires the call engine whose events the hub forwards.
func (h *Hub) AttachEngine(e *calls.Engine) { h.engine = e }

// Run starts the long-lived observers: the conversation list and the call
// event stream. Both run until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	list, cancelList, err := h.sync.SubscribeConversationList(ctx)
	if err != nil {
		return err
	}
	go func() {
		defer cancelList()
		for {
			select {
			case <-ctx.Done():
				return
			case convs, ok := <-list:
				if !ok {
					return
				}
				h.broadcast(utils.M{"type": "list", "conversations": convs})
			}
		}
	}()

	if h.engine != nil {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-h.engine.Events():
					h.broadcast(utils.M{"type": "call." + ev.Kind, "session": ev.Session})
				}
			}
		}()
	}
	go func() {
		<-ctx.Done()
		h.teardownConversation(context.Background())
	}()
	return nil
}

// open switches the single active conversation. The previous window and
// typing observers are torn down before the new ones start.
func (h *Hub) open(ctx context.Context, chatID string) error {
	h.teardownConversation(ctx)

	win, cancelWin, err := h.sync.OpenConversation(ctx, chatID)
	if err != nil {
		return err
	}
	typ, cancelTyp, err := h.typing.Observe(ctx, chatID)
	if err != nil {
		cancelWin()
		return err
	}

	h.mu.Lock()
	h.convID = chatID
	h.closeWindow = cancelWin
	h.closeTyping = cancelTyp
	h.mu.Unlock()

	go func() {
		for w := range win {
			h.mu.Lock()
			if h.convID == chatID {
				h.lastWindow = w
			}
			h.mu.Unlock()
			h.broadcast(utils.M{
				"type":    "window",
				"chatid":  chatID,
				"groups":  w.Groups,
				"pending": w.Pending,
			})
		}
	}()
	go func() {
		for users := range typ {
			h.broadcast(utils.M{"type": "typing", "chatid": chatID, "users": users})
		}
	}()
	return nil
}

func (h *Hub) teardownConversation(ctx context.Context) {
	h.mu.Lock()
	convID := h.convID
	cw, ct := h.closeWindow, h.closeTyping
	h.convID = ""
	h.closeWindow = nil
	h.closeTyping = nil
	h.lastWindow = chatsync.MessageWindow{}
	h.mu.Unlock()

	if cw != nil {
		cw()
	}
	if ct != nil {
		ct()
	}
	if convID != "" {
		h.typing.OnLeave(ctx, convID)
	}
}

// addClient registers an attached UI connection and marks the user online.
func (h *Hub) addClient(ctx context.Context, c *client) {
	h.clientsMu.Lock()
	h.clients[c.id] = c
	h.clientsMu.Unlock()
	h.pres.Publish(ctx, true)
}

// removeClient unregisters a connection. When the last one goes away the
// user is published offline immediately, so a crashed UI cannot leave a
// stale online flag behind.
func (h *Hub) removeClient(c *client) {
	h.clientsMu.Lock()
	if cur, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(cur.send)
	}
	last := len(h.clients) == 0
	h.clientsMu.Unlock()

	if last {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.pres.Publish(ctx, false)
	}
}

// windowMessage finds a message of the open conversation by id.
func (h *Hub) windowMessage(id string) (models.Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.lastWindow.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return models.Message{}, false
}

func (h *Hub) broadcast(payload interface{}) {
	h.clientsMu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.clientsMu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- payload:
		default:
			// slow client; drop rather than stall the hub
			logger.Debugf("hub: dropping frame to %s", c.id)
		}
	}
}
