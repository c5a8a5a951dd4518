package state

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/blake2b"
)

// queueBuckets names the two buckets behind one durable queue. data maps
// a big-endian sequence number to the JSON record, so a cursor walks the
// queue oldest-first. index maps "id:<queue id>" to the sequence key, and
// for messages also "dedupe:<temp id>".
type queueBuckets struct {
	data  []byte
	index []byte
}

var (
	messageQueue = queueBuckets{data: []byte("queue_messages"), index: []byte("queue_messages_idx")}
	actionQueue  = queueBuckets{data: []byte("queue_actions"), index: []byte("queue_actions_idx")}
)

func idIndexKey(id string) []byte {
	return []byte("id:" + id)
}

func dedupeIndexKey(key string) []byte {
	return []byte("dedupe:" + key)
}

// enqueue appends value unless an entry with the same dedupe key is
// already queued, in which case the existing entry's id is returned.
func enqueue[T any](tx *bolt.Tx, q queueBuckets, id, dedupe string, rec *T, existingID func(*T) string) (string, error) {
	data := tx.Bucket(q.data)
	index := tx.Bucket(q.index)

	if dedupe != "" {
		if seq := index.Get(dedupeIndexKey(dedupe)); seq != nil {
			if v := data.Get(seq); v != nil {
				var existing T
				if err := json.Unmarshal(v, &existing); err != nil {
					return "", err
				}

				return existingID(&existing), nil
			}
		}
	}

	n, err := data.NextSequence()
	if err != nil {
		return "", err
	}

	seq := seqKey(n)

	v, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}

	if err := data.Put(seq, v); err != nil {
		return "", err
	}

	if err := index.Put(idIndexKey(id), seq); err != nil {
		return "", err
	}

	if dedupe != "" {
		if err := index.Put(dedupeIndexKey(dedupe), seq); err != nil {
			return "", err
		}
	}

	return id, nil
}

func listQueue[T any](tx *bolt.Tx, q queueBuckets) ([]T, error) {
	var out []T

	err := tx.Bucket(q.data).ForEach(func(_, v []byte) error {
		var rec T
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}

		out = append(out, rec)

		return nil
	})

	return out, err
}

// removeFromQueue deletes the entry with the given id. Missing entries
// are not an error: removal after a concurrent eviction is a no-op. A nil
// dedupe func means the queue keeps no dedupe index.
func removeFromQueue(tx *bolt.Tx, q queueBuckets, id string, dedupe func(v []byte) (string, error)) error {
	data := tx.Bucket(q.data)
	index := tx.Bucket(q.index)

	seq := index.Get(idIndexKey(id))
	if seq == nil {
		return nil
	}

	// Copy: the slice is only valid for the life of the transaction and
	// is invalidated by the Delete below.
	seq = append([]byte(nil), seq...)

	if v := data.Get(seq); v != nil && dedupe != nil {
		key, err := dedupe(v)
		if err != nil {
			return err
		}

		if key != "" {
			if err := index.Delete(dedupeIndexKey(key)); err != nil {
				return err
			}
		}
	}

	if err := data.Delete(seq); err != nil {
		return err
	}

	return index.Delete(idIndexKey(id))
}

// modifyQueued applies fn to the stored record with the given id.
func modifyQueued[T any](tx *bolt.Tx, q queueBuckets, id string, fn func(*T)) (T, error) {
	var rec T

	seq := tx.Bucket(q.index).Get(idIndexKey(id))
	if seq == nil {
		return rec, fmt.Errorf("queued item %s: %w", id, chaterrors.ErrNotFound)
	}

	data := tx.Bucket(q.data)

	v := data.Get(seq)
	if v == nil {
		return rec, fmt.Errorf("queued item %s: %w", id, chaterrors.ErrNotFound)
	}

	if err := json.Unmarshal(v, &rec); err != nil {
		return rec, err
	}

	fn(&rec)

	out, err := json.Marshal(&rec)
	if err != nil {
		return rec, err
	}

	return rec, data.Put(seq, out)
}

// EnqueueMessage adds outbound content to the durable message queue and
// returns its queue id. A message is enqueued at most once per TempID:
// repeating the call returns the id of the existing entry.
func (s *State) EnqueueMessage(qm models.QueuedMessage) (string, error) {
	if qm.ID == "" {
		qm.ID = uuid.NewString()
	}

	if qm.CreatedAt.IsZero() {
		qm.CreatedAt = time.Now()
	}

	var id string

	err := s.update(func(tx *bolt.Tx) error {
		var err error
		id, err = enqueue(tx, messageQueue, qm.ID, qm.TempID, &qm, func(m *models.QueuedMessage) string { return m.ID })

		return err
	})
	if err != nil {
		return "", fmt.Errorf("enqueueing message: %w", err)
	}

	return id, nil
}

// ListQueuedMessages returns every queued message, oldest first.
func (s *State) ListQueuedMessages() ([]models.QueuedMessage, error) {
	var out []models.QueuedMessage

	err := s.view(func(tx *bolt.Tx) error {
		var err error
		out, err = listQueue[models.QueuedMessage](tx, messageQueue)

		return err
	})

	return out, err
}

// RemoveQueuedMessage deletes a queued message by queue id.
func (s *State) RemoveQueuedMessage(id string) error {
	return s.update(func(tx *bolt.Tx) error {
		return removeFromQueue(tx, messageQueue, id, func(v []byte) (string, error) {
			var qm models.QueuedMessage
			if err := json.Unmarshal(v, &qm); err != nil {
				return "", err
			}

			return qm.TempID, nil
		})
	})
}

// RecordMessageFailure increments the retry count of a queued message and
// stamps the attempt time and error. Returns the updated record.
func (s *State) RecordMessageFailure(id string, cause error, at time.Time) (models.QueuedMessage, error) {
	var out models.QueuedMessage

	err := s.update(func(tx *bolt.Tx) error {
		var err error
		out, err = modifyQueued(tx, messageQueue, id, func(qm *models.QueuedMessage) {
			qm.RetryCount++
			qm.LastRetryAt = &at
			qm.Error = errorString(cause)
		})

		return err
	})

	return out, err
}

// ActionFingerprint identifies an action by its type, target and payload.
func ActionFingerprint(a models.QueuedAction) string {
	h, _ := blake2b.New256(nil)
	for _, part := range [][]byte{[]byte(a.Type), []byte(a.MessageID), []byte(a.ConversationID), a.Payload} {
		h.Write(part)
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))
}

// ActionFamily groups the actions on one message whose server outcome is
// decided by whichever was applied last. Adding and removing the same
// emoji share a family; every other type is a family of its own.
func ActionFamily(a models.QueuedAction) string {
	switch a.Type {
	case models.ActionReactionAdd, models.ActionReactionRemove:
		return "reaction:" + string(a.Payload)
	default:
		return string(a.Type)
	}
}

func sameFamily(a, b models.QueuedAction) bool {
	return a.ConversationID == b.ConversationID &&
		a.MessageID == b.MessageID &&
		ActionFamily(a) == ActionFamily(b)
}

// EnqueueAction adds a mutation to the durable action queue and returns
// its queue id. When the newest queued action of the same family on the
// same message is identical, that entry's id is returned instead. A new
// edit supersedes any edit of the same message still queued, so only the
// latest content is replayed.
func (s *State) EnqueueAction(qa models.QueuedAction) (string, error) {
	if qa.ID == "" {
		qa.ID = uuid.NewString()
	}

	if qa.CreatedAt.IsZero() {
		qa.CreatedAt = time.Now()
	}

	// Stored payloads come back compacted, so compare the compact form.
	if len(qa.Payload) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, qa.Payload); err != nil {
			return "", fmt.Errorf("enqueueing action: invalid payload: %w", err)
		}

		qa.Payload = buf.Bytes()
	}

	var id string

	err := s.update(func(tx *bolt.Tx) error {
		latest, err := latestAction(tx, func(a *models.QueuedAction) bool { return sameFamily(*a, qa) })
		if err != nil {
			return err
		}

		if latest != nil && ActionFingerprint(*latest) == ActionFingerprint(qa) {
			id = latest.ID
			return nil
		}

		if qa.Type == models.ActionEdit {
			err := removeWhere(tx, actionQueue, func(a *models.QueuedAction) (string, bool) {
				return a.ID, sameFamily(*a, qa)
			})
			if err != nil {
				return err
			}
		}

		id, err = enqueue(tx, actionQueue, qa.ID, "", &qa, func(a *models.QueuedAction) string { return a.ID })

		return err
	})
	if err != nil {
		return "", fmt.Errorf("enqueueing action: %w", err)
	}

	return id, nil
}

// LatestQueuedAction returns the newest queued action in the same family
// as a on the same message, or nil when there is none.
func (s *State) LatestQueuedAction(a models.QueuedAction) (*models.QueuedAction, error) {
	var out *models.QueuedAction

	err := s.view(func(tx *bolt.Tx) error {
		var err error
		out, err = latestAction(tx, func(qa *models.QueuedAction) bool { return sameFamily(*qa, a) })

		return err
	})

	return out, err
}

// latestAction walks the action queue newest-first and returns the first
// entry that matches.
func latestAction(tx *bolt.Tx, match func(*models.QueuedAction) bool) (*models.QueuedAction, error) {
	c := tx.Bucket(actionQueue.data).Cursor()

	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		var qa models.QueuedAction
		if err := json.Unmarshal(v, &qa); err != nil {
			return nil, err
		}

		if match(&qa) {
			return &qa, nil
		}
	}

	return nil, nil
}

// removeWhere deletes every entry for which match reports true, along
// with its id index key.
func removeWhere[T any](tx *bolt.Tx, q queueBuckets, match func(*T) (string, bool)) error {
	data := tx.Bucket(q.data)
	index := tx.Bucket(q.index)

	var (
		seqs [][]byte
		ids  []string
	)

	err := data.ForEach(func(k, v []byte) error {
		var rec T
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}

		if id, ok := match(&rec); ok {
			seqs = append(seqs, append([]byte(nil), k...))
			ids = append(ids, id)
		}

		return nil
	})
	if err != nil {
		return err
	}

	for i, seq := range seqs {
		if err := data.Delete(seq); err != nil {
			return err
		}

		if err := index.Delete(idIndexKey(ids[i])); err != nil {
			return err
		}
	}

	return nil
}

// ListQueuedActions returns every queued action, oldest first.
func (s *State) ListQueuedActions() ([]models.QueuedAction, error) {
	var out []models.QueuedAction

	err := s.view(func(tx *bolt.Tx) error {
		var err error
		out, err = listQueue[models.QueuedAction](tx, actionQueue)

		return err
	})

	return out, err
}

// RemoveQueuedAction deletes a queued action by queue id.
func (s *State) RemoveQueuedAction(id string) error {
	return s.update(func(tx *bolt.Tx) error {
		return removeFromQueue(tx, actionQueue, id, nil)
	})
}

// RecordActionFailure increments the retry count of a queued action.
func (s *State) RecordActionFailure(id string, cause error, at time.Time) (models.QueuedAction, error) {
	var out models.QueuedAction

	err := s.update(func(tx *bolt.Tx) error {
		var err error
		out, err = modifyQueued(tx, actionQueue, id, func(qa *models.QueuedAction) {
			qa.RetryCount++
			qa.LastRetryAt = &at
			qa.Error = errorString(cause)
		})

		return err
	})

	return out, err
}

// QueueCounts returns the number of queued messages and actions.
func (s *State) QueueCounts() (messages, actions int, err error) {
	err = s.view(func(tx *bolt.Tx) error {
		messages = tx.Bucket(messageQueue.data).Stats().KeyN
		actions = tx.Bucket(actionQueue.data).Stats().KeyN

		return nil
	})

	return messages, actions, err
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
