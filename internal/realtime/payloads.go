package realtime

import (
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
)

// Reaction actions carried by ReactionEvent.
const (
	ReactionAdded   = "add"
	ReactionRemoved = "remove"
)

// ReactionEvent is the payload of a reaction envelope.
type ReactionEvent struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	Emoji          string    `json:"emoji"`
	Action         string    `json:"action"`
	CreatedAt      time.Time `json:"createdAt"`
}

// EditEvent is the payload of an edit_message envelope.
type EditEvent struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	EditedAt       time.Time `json:"editedAt"`
}

// DeleteEvent is the payload of a delete_message envelope.
type DeleteEvent struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	DeletedAt      time.Time `json:"deletedAt"`
}

// StatusUpdateEvent is the payload of a status_update envelope.
type StatusUpdateEvent struct {
	MessageID      string               `json:"messageId"`
	ConversationID string               `json:"conversationId"`
	UserID         string               `json:"userId,omitempty"`
	Status         models.MessageStatus `json:"status"`
}
