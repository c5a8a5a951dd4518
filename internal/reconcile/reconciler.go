package reconcile

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
)

// Store is the slice of the durable store the reconciler needs.
type Store interface {
	SaveMessage(msg models.Message) error
	AllMessages(conversationID string) ([]models.Message, error)
	UpdateMessage(conversationID, key string, fn func(*models.Message) error) (models.Message, error)
	ApplyReconciliation(conversationID string, remove []string, put *models.Message) error
	TouchConversation(msg models.Message, unread bool) error
}

// Reconciler applies Resolve plans against the store. Reads, resolution
// and the write happen under one mutex so an acknowledgment and a
// broadcast for the same message cannot interleave.
type Reconciler struct {
	store  Store
	selfID string
	logger *slog.Logger

	mu sync.Mutex
}

// New creates a Reconciler for the session user selfID.
func New(store Store, selfID string, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, selfID: selfID, logger: logger}
}

// AddPending stores an optimistic entry for an outgoing message.
func (r *Reconciler) AddPending(msg models.Message) error {
	if msg.TempID == "" {
		return fmt.Errorf("adding pending message: temp id is required")
	}

	msg.ID = ""
	msg.Status = models.StatusPending

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.SaveMessage(msg); err != nil {
		return fmt.Errorf("adding pending message: %w", err)
	}

	if err := r.store.TouchConversation(msg, false); err != nil {
		return fmt.Errorf("adding pending message: %w", err)
	}

	return nil
}

// ApplyAck merges the canonical record returned by the API for one of
// our own sends.
func (r *Reconciler) ApplyAck(ack models.Message) (Outcome, error) {
	return r.apply("ack", ack)
}

// ApplyBroadcast merges a message received on the realtime socket.
// Messages from other users that are new to the store count as unread.
func (r *Reconciler) ApplyBroadcast(msg models.Message) (Outcome, error) {
	return r.apply("broadcast", msg)
}

func (r *Reconciler) apply(source string, canonical models.Message) (Outcome, error) {
	if canonical.ID == "" || canonical.ConversationID == "" {
		return 0, fmt.Errorf("reconciling %s: message id and conversation id are required", source)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.store.AllMessages(canonical.ConversationID)
	if err != nil {
		return 0, fmt.Errorf("reconciling %s: %w", source, err)
	}

	local := make([]LocalMessage, 0, len(stored))
	for _, m := range stored {
		local = append(local, FromMessage(m))
	}

	plan := Resolve(local, canonical)

	if err := r.store.ApplyReconciliation(canonical.ConversationID, plan.Remove, plan.Put); err != nil {
		return 0, fmt.Errorf("reconciling %s: %w", source, err)
	}

	unread := plan.Outcome == OutcomeInserted && canonical.SenderID != r.selfID
	if err := r.store.TouchConversation(*plan.Put, unread); err != nil {
		return 0, fmt.Errorf("reconciling %s: %w", source, err)
	}

	r.logger.Debug("reconciled message",
		slog.String("source", source),
		slog.String("id", canonical.ID),
		slog.String("outcome", plan.Outcome.String()),
	)

	return plan.Outcome, nil
}

// MarkFailed flags a pending entry whose delivery was abandoned so the
// user can retry it. A missing entry is not an error: it may already have
// been reconciled.
func (r *Reconciler) MarkFailed(conversationID, tempID string) error {
	return r.setStatus(conversationID, models.TempKey(tempID), models.StatusFailed)
}

// MarkPending moves a failed entry back to pending for a manual retry.
func (r *Reconciler) MarkPending(conversationID, tempID string) error {
	return r.setStatus(conversationID, models.TempKey(tempID), models.StatusPending)
}

// MarkStatus advances the delivery status of a stored message. Statuses
// never move backwards.
func (r *Reconciler) MarkStatus(conversationID, key string, status models.MessageStatus) error {
	return r.setStatus(conversationID, key, status)
}

func (r *Reconciler) setStatus(conversationID, key string, status models.MessageStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.store.UpdateMessage(conversationID, key, func(m *models.Message) error {
		m.Status = m.Status.Advance(status)
		return nil
	})
	if errors.Is(err, chaterrors.ErrNotFound) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("marking %s %s: %w", key, status, err)
	}

	return nil
}

// Update runs fn against a stored message under the reconciler lock, so
// local edits never interleave with an acknowledgment for the same
// conversation. A missing message returns ErrNotFound.
func (r *Reconciler) Update(conversationID, key string, fn func(*models.Message) error) (models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, err := r.store.UpdateMessage(conversationID, key, fn)
	if err != nil {
		return models.Message{}, fmt.Errorf("updating message %s: %w", key, err)
	}

	return msg, nil
}
