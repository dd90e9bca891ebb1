package models

import (
	"sort"
	"strings"
)

// Conversation kinds.
const (
	KindPrivate = "private"
	KindGroup   = "group"
	KindSaved   = "saved"
)

// Message delivery statuses. Transitions are forward-only: sent -> read.
const (
	StatusSent = "sent"
	StatusRead = "read"
)

// LastMessage is the denormalized summary shown in the conversation list.
type LastMessage struct {
	Text       string `bson:"text"                 json:"text"`
	Timestamp  int64  `bson:"timestamp"            json:"timestamp"`
	SenderID   string `bson:"senderId"             json:"senderId"`
	SenderName string `bson:"senderName,omitempty" json:"senderName,omitempty"`
}

// Conversation represents a conversation document.
// UnreadCounts and ClearedAt are per-member maps mutated only through
// per-key atomic field operations, never replaced wholesale.
type Conversation struct {
	ID           string   `bson:"_id,omitempty"     json:"id"`
	Kind         string   `bson:"kind"              json:"kind"`
	Participants []string `bson:"participants"      json:"participants"`
	Name         string   `bson:"name,omitempty"    json:"name,omitempty"`
	OwnerID      string   `bson:"ownerId,omitempty" json:"ownerId,omitempty"`

	LastMessage  *LastMessage     `bson:"lastMessage,omitempty"  json:"lastMessage,omitempty"`
	UnreadCounts map[string]int64 `bson:"unreadCounts,omitempty" json:"unreadCounts,omitempty"`
	ClearedAt    map[string]int64 `bson:"clearedAt,omitempty"    json:"clearedAt,omitempty"`

	Pinned          bool   `bson:"pinned,omitempty"          json:"pinned,omitempty"`
	PinnedMessageID string `bson:"pinnedMessageId,omitempty" json:"pinnedMessageId,omitempty"`
	CreatedAt       int64  `bson:"createdAt"                 json:"createdAt"`
}

// ReplyPreview is a snapshot of the replied-to message, not a live join.
type ReplyPreview struct {
	ID         string `bson:"id"         json:"id"`
	SenderName string `bson:"senderName" json:"senderName"`
	Text       string `bson:"text"       json:"text"`
}

// Message represents a chat message document.
type Message struct {
	ID         string `bson:"_id,omitempty"        json:"id"`
	ChatID     string `bson:"chatid"               json:"chatid"`
	ClientID   string `bson:"clientId,omitempty"   json:"clientId,omitempty"`
	SenderID   string `bson:"sender"               json:"sender"`
	SenderName string `bson:"senderName,omitempty" json:"senderName,omitempty"`

	Text      string `bson:"text,omitempty"      json:"text,omitempty"`
	MediaURL  string `bson:"mediaUrl,omitempty"  json:"mediaUrl,omitempty"`
	MediaType string `bson:"mediaType,omitempty" json:"mediaType,omitempty"`
	AudioURL  string `bson:"audioUrl,omitempty"  json:"audioUrl,omitempty"`

	// Timestamp is assigned by the store on write; ClientTime is the
	// sender's optimistic clock used for ordering until then.
	Timestamp  int64 `bson:"timestamp"            json:"timestamp"`
	ClientTime int64 `bson:"clientTime,omitempty" json:"clientTime,omitempty"`

	Status       string              `bson:"status"                 json:"status"`
	Edited       bool                `bson:"edited,omitempty"       json:"edited,omitempty"`
	ReplyPreview *ReplyPreview       `bson:"replyPreview,omitempty" json:"replyPreview,omitempty"`
	Reactions    map[string][]string `bson:"reactions,omitempty"    json:"reactions,omitempty"`
}

// SortTime is the timestamp a message orders by: the server-assigned time
// once confirmed, the optimistic client time before that.
func (m Message) SortTime() int64 {
	if m.Timestamp > 0 {
		return m.Timestamp
	}
	return m.ClientTime
}

// TypingSignal is an ephemeral per-conversation document. Readers must
// discard signals older than the staleness window regardless of the flag.
type TypingSignal struct {
	ChatID    string `bson:"chatid"    json:"chatid"`
	UserID    string `bson:"userId"    json:"userId"`
	Typing    bool   `bson:"isTyping"  json:"isTyping"`
	Timestamp int64  `bson:"timestamp" json:"timestamp"`
}

// TypingDocID addresses the single typing document a member owns per conversation.
func TypingDocID(chatID, userID string) string {
	return chatID + ":" + userID
}

// DirectChatID derives the stable id for a two-member conversation.
func DirectChatID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return "c_" + ids[0] + "_" + ids[1]
}

// SavedChatID is the user's private self-notes store.
func SavedChatID(userID string) string {
	return "saved_" + userID
}

func IsSavedChat(chatID, userID string) bool {
	return strings.HasPrefix(chatID, "saved_") && chatID == SavedChatID(userID)
}
