package models

import "time"

// ConversationType distinguishes group chats from one-to-one chats.
type ConversationType string

const (
	ConversationGroup  ConversationType = "group"
	ConversationDirect ConversationType = "direct"
)

// Conversation is the locally cached summary of one chat.
type Conversation struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Type            ConversationType `json:"type"`
	Members         []string         `json:"members,omitempty"`
	LastMessage     string           `json:"lastMessage,omitempty"`
	LastMessageTime time.Time        `json:"lastMessageTime"`
	UnreadCount     int              `json:"unreadCount"`
}

// Identity is the authenticated user the session runs as. Issued by the
// directory service; this module only carries it.
type Identity struct {
	UserID   string
	UserName string
	Token    string
}
