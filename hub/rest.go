package hub

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"quill/chatsync"
	"quill/models"
	"quill/utils"
)

func chatsyncBody(f Frame) chatsync.Body {
	return chatsync.Body{
		Text:      f.Text,
		MediaURL:  f.MediaURL,
		MediaType: f.MediaType,
		AudioURL:  f.AudioURL,
	}
}

func writeErr(w http.ResponseWriter, msg string, code int) {
	http.Error(w, msg, code)
}

// requireSelf rejects tokens for any identity other than the one this
// bridge syncs for.
func (h *Hub) requireSelf(w http.ResponseWriter, r *http.Request) bool {
	if utils.GetUserIDFromRequest(r) != h.self.ID {
		writeErr(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

// GetConversations returns the conversation list in display order.
func (h *Hub) GetConversations(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !h.requireSelf(w, r) {
		return
	}
	convs, err := h.sync.ListConversations(r.Context())
	if err != nil {
		writeErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, convs)
}

// StartDirectChat ensures the conversation with a peer exists.
func (h *Hub) StartDirectChat(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !h.requireSelf(w, r) {
		return
	}
	var body struct {
		PeerID string `json:"peerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PeerID == "" {
		writeErr(w, "peerId required", http.StatusBadRequest)
		return
	}
	var (
		id  string
		err error
	)
	if body.PeerID == h.self.ID {
		id, err = h.sync.EnsureSavedChat(r.Context())
	} else {
		id, err = h.sync.EnsureDirectChat(r.Context(), body.PeerID)
	}
	if err != nil {
		writeErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, utils.M{"chatid": id})
}

// CreateGroupChat creates a named group owned by the local user.
func (h *Hub) CreateGroupChat(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !h.requireSelf(w, r) {
		return
	}
	var body struct {
		Name    string   `json:"name"`
		Members []string `json:"members"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeErr(w, "name required", http.StatusBadRequest)
		return
	}
	id := "g_" + utils.GenerateRandomString(12)
	if err := h.sync.CreateGroupChat(r.Context(), id, body.Name, body.Members); err != nil {
		writeErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, utils.M{"chatid": id})
}

// GetChatMessages returns the visible history of one conversation.
func (h *Hub) GetChatMessages(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !h.requireSelf(w, r) {
		return
	}
	msgs, err := h.sync.History(r.Context(), ps.ByName("chatid"))
	if err != nil {
		writeErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, msgs)
}

// SendMessageREST is the non-streaming send path.
func (h *Hub) SendMessageREST(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !h.requireSelf(w, r) {
		return
	}
	var body struct {
		Text      string               `json:"text"`
		MediaURL  string               `json:"mediaUrl"`
		MediaType string               `json:"mediaType"`
		AudioURL  string               `json:"audioUrl"`
		Reply     *models.ReplyPreview `json:"reply"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, "invalid body", http.StatusBadRequest)
		return
	}
	body.Text = strings.TrimSpace(body.Text)
	if body.Text == "" && body.MediaURL == "" && body.AudioURL == "" {
		writeErr(w, "empty message", http.StatusBadRequest)
		return
	}
	chatID := ps.ByName("chatid")
	h.typing.OnSend(r.Context(), chatID)
	clientID, err := h.sync.SendMessage(r.Context(), chatID, chatsync.Body{
		Text:      body.Text,
		MediaURL:  body.MediaURL,
		MediaType: body.MediaType,
		AudioURL:  body.AudioURL,
	}, body.Reply)
	if err != nil {
		writeErr(w, "send failed", http.StatusBadGateway)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, utils.M{"clientId": clientID})
}

// EditMessage enforces that only the message sender can edit.
func (h *Hub) EditMessage(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !h.requireSelf(w, r) {
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, "invalid body", http.StatusBadRequest)
		return
	}
	body.Text = strings.TrimSpace(body.Text)
	if body.Text == "" {
		writeErr(w, "text required", http.StatusBadRequest)
		return
	}
	err := h.sync.EditMessage(r.Context(), ps.ByName("messageid"), body.Text)
	if errors.Is(err, chatsync.ErrNotOwner) {
		writeErr(w, "forbidden", http.StatusForbidden)
		return
	}
	if err != nil {
		writeErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, utils.M{"ok": true})
}

// DeleteMessage removes the sender's own message.
func (h *Hub) DeleteMessage(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !h.requireSelf(w, r) {
		return
	}
	err := h.sync.DeleteMessage(r.Context(), ps.ByName("chatid"), ps.ByName("messageid"))
	if errors.Is(err, chatsync.ErrNotOwner) {
		writeErr(w, "forbidden", http.StatusForbidden)
		return
	}
	if err != nil {
		writeErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, utils.M{"ok": true})
}

// ReactMessage toggles the local user's emoji reaction on a message.
func (h *Hub) ReactMessage(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !h.requireSelf(w, r) {
		return
	}
	var body struct {
		Emoji string `json:"emoji"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Emoji == "" {
		writeErr(w, "emoji required", http.StatusBadRequest)
		return
	}
	msgID := ps.ByName("messageid")
	snap, ok, err := h.st.Get(r.Context(), models.CollMessages, msgID)
	if err != nil {
		writeErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		writeErr(w, "message not found", http.StatusNotFound)
		return
	}
	var msg models.Message
	if err := snap.Decode(&msg); err != nil {
		writeErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	msg.ID = msgID
	if err := h.reacts.Toggle(r.Context(), msg, body.Emoji); err != nil {
		writeErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, utils.M{"ok": true})
}

// ClearHistory advances the local member's watermark, or purges the saved
// self-notes store permanently.
func (h *Hub) ClearHistory(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !h.requireSelf(w, r) {
		return
	}
	if err := h.sync.ClearHistory(r.Context(), ps.ByName("chatid")); err != nil {
		writeErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, utils.M{"ok": true})
}

// PinMessage records or clears the conversation's pinned message.
func (h *Hub) PinMessage(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !h.requireSelf(w, r) {
		return
	}
	var body struct {
		MessageID string `json:"messageId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := h.sync.PinMessage(r.Context(), ps.ByName("chatid"), body.MessageID); err != nil {
		writeErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, utils.M{"ok": true})
}

// PinConversation toggles the conversation's pinned position in the list.
func (h *Hub) PinConversation(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !h.requireSelf(w, r) {
		return
	}
	var body struct {
		Pinned bool `json:"pinned"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := h.sync.PinConversation(r.Context(), ps.ByName("chatid"), body.Pinned); err != nil {
		writeErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, utils.M{"ok": true})
}

// GetPresence returns one user's presence view with its display label.
func (h *Hub) GetPresence(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !h.requireSelf(w, r) {
		return
	}
	v, ok, err := h.pres.Lookup(r.Context(), ps.ByName("userid"))
	if err != nil {
		writeErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		writeErr(w, "user not found", http.StatusNotFound)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, utils.M{
		"online":   v.Online,
		"lastSeen": v.LastSeen,
		"label":    v.Label,
	})
}
