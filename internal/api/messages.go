package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
)

// SendMessageRequest is the body of a new message POST. TempID lets the
// server echo the client's optimistic id on the broadcast.
type SendMessageRequest struct {
	TempID      string              `json:"tempId,omitempty"`
	Content     string              `json:"content"`
	Type        models.MessageType  `json:"type"`
	ReplyToID   string              `json:"replyToId,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	Metadata    map[string]string   `json:"metadata,omitempty"`
}

// SendMessage persists a new message and returns the canonical record.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendMessageRequest) (*models.Message, error) {
	if req.Type == "" {
		req.Type = models.MessageText
	}

	var msg models.Message

	endpoint := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodPost, endpoint, req, &msg); err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	if msg.ID == "" {
		return nil, fmt.Errorf("sending message: %w: response has no id", chaterrors.ErrAPIResponse)
	}

	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}

	if msg.Type == "" {
		msg.Type = req.Type
	}

	return &msg, nil
}

// AddReaction adds the caller's emoji reaction to a message.
func (c *Client) AddReaction(ctx context.Context, messageID, emoji string) error {
	body := models.ReactionPayload{Emoji: emoji}
	if err := c.do(ctx, http.MethodPost, messagePath(messageID, "reactions"), body, nil); err != nil {
		return fmt.Errorf("adding reaction: %w", err)
	}

	return nil
}

// RemoveReaction removes the caller's emoji reaction from a message.
func (c *Client) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	if err := c.do(ctx, http.MethodDelete, messagePath(messageID, "reactions", url.PathEscape(emoji)), nil, nil); err != nil {
		return fmt.Errorf("removing reaction: %w", err)
	}

	return nil
}

// EditMessage replaces the content of one of the caller's messages.
func (c *Client) EditMessage(ctx context.Context, messageID, content string) error {
	body := models.EditPayload{Content: content}
	if err := c.do(ctx, http.MethodPatch, messagePath(messageID), body, nil); err != nil {
		return fmt.Errorf("editing message: %w", err)
	}

	return nil
}

// DeleteMessage soft-deletes one of the caller's messages.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	if err := c.do(ctx, http.MethodDelete, messagePath(messageID), nil, nil); err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}

	return nil
}

// UpdateStatus reports that the caller has received or read a message.
func (c *Client) UpdateStatus(ctx context.Context, messageID string, status models.MessageStatus) error {
	body := models.StatusPayload{Status: status}
	if err := c.do(ctx, http.MethodPost, messagePath(messageID, "status"), body, nil); err != nil {
		return fmt.Errorf("updating status: %w", err)
	}

	return nil
}

// ApplyAction delivers one queued action. Unknown types and undecodable
// payloads are reported as non-retryable contract errors.
func (c *Client) ApplyAction(ctx context.Context, qa models.QueuedAction) error {
	switch qa.Type {
	case models.ActionReactionAdd, models.ActionReactionRemove:
		var p models.ReactionPayload
		if err := decodePayload(qa, &p); err != nil {
			return err
		}

		if qa.Type == models.ActionReactionAdd {
			return c.AddReaction(ctx, qa.MessageID, p.Emoji)
		}

		return c.RemoveReaction(ctx, qa.MessageID, p.Emoji)

	case models.ActionEdit:
		var p models.EditPayload
		if err := decodePayload(qa, &p); err != nil {
			return err
		}

		return c.EditMessage(ctx, qa.MessageID, p.Content)

	case models.ActionDelete:
		return c.DeleteMessage(ctx, qa.MessageID)

	case models.ActionStatusUpdate:
		var p models.StatusPayload
		if err := decodePayload(qa, &p); err != nil {
			return err
		}

		return c.UpdateStatus(ctx, qa.MessageID, p.Status)
	}

	return fmt.Errorf("action %s: %w: %q", qa.ID, chaterrors.ErrUnknownAction, qa.Type)
}

func decodePayload(qa models.QueuedAction, v interface{}) error {
	if len(qa.Payload) == 0 {
		return fmt.Errorf("action %s (%s): %w: empty payload", qa.ID, qa.Type, chaterrors.ErrMalformedAction)
	}

	if err := json.Unmarshal(qa.Payload, v); err != nil {
		return fmt.Errorf("action %s (%s): %w: %w", qa.ID, qa.Type, chaterrors.ErrMalformedAction, err)
	}

	return nil
}
