package models

import (
	"encoding/json"
	"time"
)

// QueuedMessage is outbound message content the server has not confirmed.
// It lives in the durable queue until delivered or evicted.
type QueuedMessage struct {
	ID             string            `json:"id"`
	TempID         string            `json:"tempId"`
	ConversationID string            `json:"conversationId"`
	Content        string            `json:"content"`
	Type           MessageType       `json:"type"`
	ReplyToID      string            `json:"replyToId,omitempty"`
	Attachments    []Attachment      `json:"attachments,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	RetryCount     int               `json:"retryCount"`
	LastRetryAt    *time.Time        `json:"lastRetryAt,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// ActionType enumerates the non-message mutations that can be queued.
type ActionType string

const (
	ActionReactionAdd    ActionType = "reaction_add"
	ActionReactionRemove ActionType = "reaction_remove"
	ActionEdit           ActionType = "edit"
	ActionDelete         ActionType = "delete"
	ActionStatusUpdate   ActionType = "status_update"
)

// Known reports whether the action type is one the sync engine can deliver.
func (t ActionType) Known() bool {
	switch t {
	case ActionReactionAdd, ActionReactionRemove, ActionEdit, ActionDelete, ActionStatusUpdate:
		return true
	}

	return false
}

// QueuedAction is a durable, not yet confirmed mutation of an existing
// message.
type QueuedAction struct {
	ID             string          `json:"id"`
	Type           ActionType      `json:"type"`
	MessageID      string          `json:"messageId"`
	ConversationID string          `json:"conversationId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	RetryCount     int             `json:"retryCount"`
	LastRetryAt    *time.Time      `json:"lastRetryAt,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// ReactionPayload is the payload of reaction_add and reaction_remove.
type ReactionPayload struct {
	Emoji string `json:"emoji"`
}

// EditPayload is the payload of edit.
type EditPayload struct {
	Content string `json:"content"`
}

// StatusPayload is the payload of status_update.
type StatusPayload struct {
	Status MessageStatus `json:"status"`
}
