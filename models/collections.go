package models

// Store collection names shared by all backends.
const (
	CollUsers         = "users"
	CollConversations = "conversations"
	CollMessages      = "messages"
	CollTyping        = "typing"
	CollCalls         = "calls"
)
