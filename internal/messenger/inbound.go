package messenger

import (
	"errors"
	"log/slog"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/realtime"
)

// Inbound handlers run on the connection's reader goroutine, in arrival
// order. A bad frame is logged and dropped; it never closes the session.

func (m *Messenger) handleMessage(env realtime.Envelope) {
	var msg models.Message
	if err := env.Decode(&msg); err != nil {
		m.dropped(env, err)
		return
	}

	outcome, err := m.rec.ApplyBroadcast(msg)
	if err != nil {
		m.dropped(env, err)
		return
	}

	m.logger.Debug("message received",
		slog.String("id", msg.ID),
		slog.String("conversation_id", msg.ConversationID),
		slog.String("outcome", outcome.String()),
	)
}

func (m *Messenger) handleReaction(env realtime.Envelope) {
	var ev realtime.ReactionEvent
	if err := env.Decode(&ev); err != nil {
		m.dropped(env, err)
		return
	}

	if ev.Emoji == "" || ev.UserID == "" {
		m.dropped(env, errors.New("reaction without emoji or user"))
		return
	}

	m.applyInbound(env, ev.ConversationID, ev.MessageID, func(msg *models.Message) error {
		switch ev.Action {
		case realtime.ReactionRemoved:
			msg.RemoveReaction(ev.Emoji, ev.UserID)
		default:
			at := ev.CreatedAt
			if at.IsZero() {
				at = m.now()
			}

			msg.AddReaction(ev.Emoji, ev.UserID, at)
		}

		return nil
	})
}

func (m *Messenger) handleEdit(env realtime.Envelope) {
	var ev realtime.EditEvent
	if err := env.Decode(&ev); err != nil {
		m.dropped(env, err)
		return
	}

	m.applyInbound(env, ev.ConversationID, ev.MessageID, func(msg *models.Message) error {
		if msg.IsDeleted {
			return nil
		}

		// Our own edit echoed back, or an edit older than the one we hold.
		if msg.EditedAt != nil && (msg.Content == ev.Content || !ev.EditedAt.After(*msg.EditedAt)) {
			return nil
		}

		at := ev.EditedAt
		if at.IsZero() {
			at = m.now()
		}

		msg.Edit(ev.Content, at)

		return nil
	})
}

func (m *Messenger) handleDelete(env realtime.Envelope) {
	var ev realtime.DeleteEvent
	if err := env.Decode(&ev); err != nil {
		m.dropped(env, err)
		return
	}

	m.applyInbound(env, ev.ConversationID, ev.MessageID, func(msg *models.Message) error {
		if msg.IsDeleted {
			return nil
		}

		at := ev.DeletedAt
		if at.IsZero() {
			at = m.now()
		}

		msg.Tombstone(at)

		return nil
	})
}

func (m *Messenger) handleStatusUpdate(env realtime.Envelope) {
	var ev realtime.StatusUpdateEvent
	if err := env.Decode(&ev); err != nil {
		m.dropped(env, err)
		return
	}

	if ev.ConversationID == "" || ev.MessageID == "" {
		m.dropped(env, errors.New("status update without message reference"))
		return
	}

	if err := m.rec.MarkStatus(ev.ConversationID, ev.MessageID, ev.Status); err != nil {
		m.dropped(env, err)
	}
}

func (m *Messenger) applyInbound(env realtime.Envelope, conversationID, messageID string, fn func(*models.Message) error) {
	if conversationID == "" || messageID == "" {
		m.dropped(env, errors.New("event without message reference"))
		return
	}

	_, err := m.rec.Update(conversationID, messageID, fn)

	switch {
	case errors.Is(err, chaterrors.ErrNotFound):
		// Not cached on this device; the next history fetch carries it.
		m.logger.Debug("event for uncached message", slog.String("type", string(env.Type)), slog.String("message_id", messageID))
	case err != nil:
		m.dropped(env, err)
	}
}

func (m *Messenger) dropped(env realtime.Envelope, err error) {
	m.logger.Warn("dropping inbound event",
		slog.String("type", string(env.Type)),
		slog.String("error", err.Error()),
	)
}
