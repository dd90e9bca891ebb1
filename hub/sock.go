package hub

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"quill/logger"
	"quill/middleware"
	"quill/models"
	"quill/utils"
)

const (
	writeTimeout  = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 30 * time.Second // must be < pongWait
	sendQueueSize = 256
)

var upgrader = websocket.Upgrader{
	// The bridge only serves the local UI.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client is one attached UI connection with a serialized send queue.
type client struct {
	id   string
	conn *websocket.Conn
	send chan interface{}
}

// Frame is the websocket message exchanged with the UI, both directions.
type Frame struct {
	Type string `json:"type"`

	ChatID    string               `json:"chatid,omitempty"`
	Text      string               `json:"text,omitempty"`
	MediaURL  string               `json:"mediaUrl,omitempty"`
	MediaType string               `json:"mediaType,omitempty"`
	AudioURL  string               `json:"audioUrl,omitempty"`
	ClientID  string               `json:"clientId,omitempty"`
	MessageID string               `json:"messageId,omitempty"`
	Reply     *models.ReplyPreview `json:"reply,omitempty"`
	Emoji     string               `json:"emoji,omitempty"`

	PeerID   string `json:"peerId,omitempty"`
	CallKind string `json:"callKind,omitempty"`
	Offer    string `json:"offer,omitempty"`
	Answer   string `json:"answer,omitempty"`
}

// HandleWebSocket upgrades the connection, pushes live state and consumes
// UI frames until the peer goes away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()
	rawToken := r.URL.Query().Get("token")
	if rawToken == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := middleware.ValidateJWT("Bearer " + rawToken)
	if err != nil {
		logger.Warnf("hub: ws invalid token: %v", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if claims.UserID != h.self.ID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("hub: ws upgrade: %v", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan interface{}, sendQueueSize),
	}
	h.addClient(ctx, c)
	logger.Infof("hub: ws connected %s", c.id)

	done := make(chan struct{})
	defer func() {
		close(done)
		h.removeClient(c)
		_ = conn.Close()
		logger.Infof("hub: ws disconnected %s", c.id)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// writer goroutine: serializes writes to this connection
	go func() {
		for msg := range c.send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				logger.Warnf("hub: ws write %s: %v", c.id, err)
				_ = conn.Close()
				return
			}
		}
	}()

	// heartbeat pings, outside the writer queue; the online flag is
	// refreshed on the same cadence so it stays fresh while attached
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(writeTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					_ = conn.Close()
					return
				}
				h.pres.Publish(ctx, true)
			case <-done:
				return
			}
		}
	}()

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			logger.Debugf("hub: ws read %s: %v", c.id, err)
			break
		}
		h.handleFrame(ctx, c, f)
	}
}

func (h *Hub) handleFrame(ctx context.Context, c *client, f Frame) {
	switch f.Type {
	case "open":
		if err := h.open(ctx, f.ChatID); err != nil {
			h.sendTo(c, utils.M{"type": "error", "op": f.Type, "error": err.Error()})
		}
	case "close":
		h.teardownConversation(ctx)
	case "input":
		h.typing.OnInput(ctx, f.ChatID)
	case "send":
		h.handleSend(ctx, c, f)
	case "resend":
		if err := h.sync.Resend(ctx, f.ChatID, f.ClientID); err != nil {
			h.sendTo(c, utils.M{"type": "error", "op": f.Type, "error": err.Error()})
		}
	case "focus":
		h.pres.Publish(ctx, true)
	case "blur":
		h.pres.Publish(ctx, false)
	case "react":
		msg, ok := h.windowMessage(f.MessageID)
		if !ok {
			h.sendTo(c, utils.M{"type": "error", "op": f.Type, "error": "unknown message"})
			return
		}
		if err := h.reacts.Toggle(ctx, msg, f.Emoji); err != nil {
			h.sendTo(c, utils.M{"type": "error", "op": f.Type, "error": err.Error()})
		}
	case "call.start":
		h.media.supplyOffer(f.Offer)
		if _, err := h.engine.Start(ctx, f.PeerID, f.CallKind); err != nil {
			h.sendTo(c, utils.M{"type": "error", "op": f.Type, "error": err.Error()})
		}
	case "call.accept":
		h.media.supplyAnswer(f.Answer)
		if err := h.engine.Accept(ctx); err != nil {
			h.sendTo(c, utils.M{"type": "error", "op": f.Type, "error": err.Error()})
		}
	case "call.decline":
		if err := h.engine.Decline(ctx); err != nil {
			h.sendTo(c, utils.M{"type": "error", "op": f.Type, "error": err.Error()})
		}
	case "call.end":
		if err := h.engine.End(ctx); err != nil {
			h.sendTo(c, utils.M{"type": "error", "op": f.Type, "error": err.Error()})
		}
	default:
		logger.Debugf("hub: unknown frame type %q from %s", f.Type, c.id)
	}
}

// handleSend deduplicates retried frames by the UI's client id, then hands
// the body to the synchronizer.
func (h *Hub) handleSend(ctx context.Context, c *client, f Frame) {
	if h.cache != nil && f.ClientID != "" {
		fresh, err := h.cache.ReserveSend(ctx, f.ClientID)
		if err != nil {
			logger.Warnf("hub: send reservation: %v", err)
		} else if !fresh {
			return
		}
	}
	h.typing.OnSend(ctx, f.ChatID)
	body := chatsyncBody(f)
	clientID, err := h.sync.SendMessage(ctx, f.ChatID, body, f.Reply)
	if err != nil {
		h.sendTo(c, utils.M{"type": "send.failed", "clientId": clientID, "frameId": f.ClientID})
		return
	}
	h.sendTo(c, utils.M{"type": "send.ok", "clientId": clientID, "frameId": f.ClientID})
}

func (h *Hub) sendTo(c *client, payload interface{}) {
	select {
	case c.send <- payload:
	default:
		logger.Debugf("hub: dropping frame to %s", c.id)
	}
}
