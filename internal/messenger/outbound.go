package messenger

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/google/uuid"
)

// SendRequest describes a new outbound message.
type SendRequest struct {
	ConversationID string
	Content        string
	Type           models.MessageType
	ReplyToID      string
	Attachments    []models.Attachment
	Metadata       map[string]string
}

// SendMessage stores an optimistic pending entry, queues the message and
// asks for a sync. The returned message carries the temp id the entry is
// stored under until the server confirms it. Sending while online and
// sending while offline take the same path.
func (m *Messenger) SendMessage(req SendRequest) (models.Message, error) {
	if req.ConversationID == "" {
		return models.Message{}, errors.New("sending message: conversation id is required")
	}

	if req.Content == "" && len(req.Attachments) == 0 {
		return models.Message{}, errors.New("sending message: content or attachments are required")
	}

	if req.Type == "" {
		req.Type = models.MessageText
	}

	if !req.Type.Valid() {
		return models.Message{}, fmt.Errorf("sending message: unknown message type %q", req.Type)
	}

	msg := models.Message{
		TempID:         uuid.NewString(),
		ConversationID: req.ConversationID,
		SenderID:       m.id.UserID,
		SenderName:     m.id.UserName,
		Content:        req.Content,
		Type:           req.Type,
		Status:         models.StatusPending,
		CreatedAt:      m.now(),
		ReplyToID:      req.ReplyToID,
		Attachments:    req.Attachments,
	}

	if err := m.rec.AddPending(msg); err != nil {
		return models.Message{}, fmt.Errorf("sending message: %w", err)
	}

	if err := m.enqueueMessage(msg, req.Metadata); err != nil {
		return models.Message{}, err
	}

	return msg, nil
}

// RetryFailed puts a message that the sync manager gave up on back into
// the queue.
func (m *Messenger) RetryFailed(conversationID, tempID string) (models.Message, error) {
	stored, err := m.store.GetMessage(conversationID, models.TempKey(tempID))
	if err != nil {
		return models.Message{}, fmt.Errorf("retrying message: %w", err)
	}

	if stored == nil {
		return models.Message{}, fmt.Errorf("retrying message %s: %w", tempID, chaterrors.ErrNotFound)
	}

	if stored.Status != models.StatusFailed {
		return models.Message{}, fmt.Errorf("retrying message %s: %w", tempID, errNotFailed)
	}

	if err := m.rec.MarkPending(conversationID, tempID); err != nil {
		return models.Message{}, fmt.Errorf("retrying message: %w", err)
	}

	stored.Status = models.StatusPending

	if err := m.enqueueMessage(*stored, nil); err != nil {
		return models.Message{}, err
	}

	m.logger.Info("retrying failed message", slog.String("temp_id", tempID))

	return *stored, nil
}

func (m *Messenger) enqueueMessage(msg models.Message, metadata map[string]string) error {
	_, err := m.store.EnqueueMessage(models.QueuedMessage{
		TempID:         msg.TempID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		Type:           msg.Type,
		ReplyToID:      msg.ReplyToID,
		Attachments:    msg.Attachments,
		Metadata:       metadata,
		CreatedAt:      msg.CreatedAt,
	})
	if err != nil {
		// The entry stays visible as failed so the user can retry it.
		if markErr := m.rec.MarkFailed(msg.ConversationID, msg.TempID); markErr != nil {
			m.logger.Warn("marking unqueued message failed", slog.String("temp_id", msg.TempID), slog.String("error", markErr.Error()))
		}

		return fmt.Errorf("queueing message: %w", err)
	}

	m.refreshQueueDepth()
	m.syncer.Trigger()

	return nil
}

// AddReaction reacts to a confirmed message.
func (m *Messenger) AddReaction(conversationID, messageID, emoji string) error {
	if emoji == "" {
		return errors.New("adding reaction: emoji is required")
	}

	at := m.now()

	return m.queueAction(models.ActionReactionAdd, conversationID, messageID, models.ReactionPayload{Emoji: emoji}, func(msg *models.Message) error {
		msg.AddReaction(emoji, m.id.UserID, at)
		return nil
	})
}

// RemoveReaction withdraws this user's reaction.
func (m *Messenger) RemoveReaction(conversationID, messageID, emoji string) error {
	if emoji == "" {
		return errors.New("removing reaction: emoji is required")
	}

	return m.queueAction(models.ActionReactionRemove, conversationID, messageID, models.ReactionPayload{Emoji: emoji}, func(msg *models.Message) error {
		msg.RemoveReaction(emoji, m.id.UserID)
		return nil
	})
}

// EditMessage replaces the content of a confirmed message.
func (m *Messenger) EditMessage(conversationID, messageID, content string) error {
	if content == "" {
		return errors.New("editing message: content is required")
	}

	at := m.now()

	return m.queueAction(models.ActionEdit, conversationID, messageID, models.EditPayload{Content: content}, func(msg *models.Message) error {
		if msg.IsDeleted {
			return errMessageDeleted
		}

		msg.Edit(content, at)

		return nil
	})
}

// DeleteMessage tombstones a confirmed message.
func (m *Messenger) DeleteMessage(conversationID, messageID string) error {
	at := m.now()

	return m.queueAction(models.ActionDelete, conversationID, messageID, nil, func(msg *models.Message) error {
		if !msg.IsDeleted {
			msg.Tombstone(at)
		}

		return nil
	})
}

// MarkRead acknowledges a message as read and clears the unread counter
// of its conversation.
func (m *Messenger) MarkRead(conversationID, messageID string) error {
	if err := m.markStatus(conversationID, messageID, models.StatusRead); err != nil {
		return err
	}

	if err := m.store.ResetUnread(conversationID); err != nil {
		return fmt.Errorf("marking read: %w", err)
	}

	return nil
}

// MarkDelivered acknowledges a message as delivered to this device.
func (m *Messenger) MarkDelivered(conversationID, messageID string) error {
	return m.markStatus(conversationID, messageID, models.StatusDelivered)
}

func (m *Messenger) markStatus(conversationID, messageID string, s models.MessageStatus) error {
	return m.queueAction(models.ActionStatusUpdate, conversationID, messageID, models.StatusPayload{Status: s}, func(msg *models.Message) error {
		msg.Status = msg.Status.Advance(s)
		return nil
	})
}

// queueAction applies the optimistic change to the cached message, if it
// is cached, and queues the action for delivery. Actions need a server id,
// so unconfirmed messages are rejected.
func (m *Messenger) queueAction(typ models.ActionType, conversationID, messageID string, payload any, local func(*models.Message) error) error {
	if conversationID == "" || messageID == "" {
		return fmt.Errorf("queueing %s: conversation id and message id are required", typ)
	}

	if models.IsTempKey(messageID) {
		return fmt.Errorf("queueing %s: %w", typ, errNotConfirmed)
	}

	var raw json.RawMessage

	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("queueing %s: %w", typ, err)
		}

		raw = b
	}

	_, err := m.rec.Update(conversationID, messageID, local)

	switch {
	case errors.Is(err, chaterrors.ErrNotFound):
		m.logger.Debug("action on uncached message", slog.String("type", string(typ)), slog.String("message_id", messageID))
	case err != nil:
		return fmt.Errorf("queueing %s: %w", typ, err)
	}

	cancelled, err := m.cancelOpposite(typ, conversationID, messageID, raw)
	if err != nil {
		return fmt.Errorf("queueing %s: %w", typ, err)
	}

	if cancelled {
		m.refreshQueueDepth()
		return nil
	}

	_, err = m.store.EnqueueAction(models.QueuedAction{
		Type:           typ,
		MessageID:      messageID,
		ConversationID: conversationID,
		Payload:        raw,
		CreatedAt:      m.now(),
	})
	if err != nil {
		return fmt.Errorf("queueing %s: %w", typ, err)
	}

	m.refreshQueueDepth()
	m.syncer.Trigger()

	return nil
}

// cancelOpposite drops the newest queued entry for the same reaction when
// the new action undoes it and it has never been attempted, so add then
// remove (or the reverse) never reaches the server.
func (m *Messenger) cancelOpposite(typ models.ActionType, conversationID, messageID string, payload json.RawMessage) (bool, error) {
	var opposite models.ActionType

	switch typ {
	case models.ActionReactionAdd:
		opposite = models.ActionReactionRemove
	case models.ActionReactionRemove:
		opposite = models.ActionReactionAdd
	default:
		return false, nil
	}

	latest, err := m.store.LatestQueuedAction(models.QueuedAction{
		Type: typ, MessageID: messageID, ConversationID: conversationID, Payload: payload,
	})
	if err != nil {
		return false, err
	}

	if latest == nil || latest.Type != opposite || latest.RetryCount > 0 {
		return false, nil
	}

	if err := m.store.RemoveQueuedAction(latest.ID); err != nil {
		return false, err
	}

	m.logger.Debug("cancelled queued reaction", slog.String("id", latest.ID), slog.String("type", string(latest.Type)))

	return true, nil
}
