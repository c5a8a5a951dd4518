package state

import (
	"encoding/json"
	"fmt"
	"sort"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// conversationMessages returns the nested bucket holding one
// conversation's messages, creating it when create is true.
func conversationMessages(tx *bolt.Tx, conversationID string, create bool) (*bolt.Bucket, error) {
	root := tx.Bucket(messagesBucket)
	if create {
		return root.CreateBucketIfNotExists([]byte(conversationID))
	}

	return root.Bucket([]byte(conversationID)), nil
}

func putMessage(b *bolt.Bucket, msg *models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return b.Put([]byte(msg.Key()), data)
}

// SaveMessage inserts or replaces a message under its key (server id, or
// temp key if unconfirmed).
func (s *State) SaveMessage(msg models.Message) error {
	if msg.ConversationID == "" {
		return fmt.Errorf("saving message: conversation id is required")
	}

	return s.update(func(tx *bolt.Tx) error {
		b, err := conversationMessages(tx, msg.ConversationID, true)
		if err != nil {
			return err
		}

		return putMessage(b, &msg)
	})
}

// GetMessage returns the message stored under key, or nil if not found.
func (s *State) GetMessage(conversationID, key string) (*models.Message, error) {
	var msg *models.Message

	err := s.view(func(tx *bolt.Tx) error {
		b, _ := conversationMessages(tx, conversationID, false)
		if b == nil {
			return nil
		}

		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}

		msg = &models.Message{}

		return json.Unmarshal(v, msg)
	})

	return msg, err
}

// UpdateMessage applies fn to the stored message in one read-modify-write
// transaction and returns the result. Returns ErrNotFound if absent.
func (s *State) UpdateMessage(conversationID, key string, fn func(*models.Message) error) (models.Message, error) {
	var msg models.Message

	err := s.update(func(tx *bolt.Tx) error {
		b, _ := conversationMessages(tx, conversationID, false)
		if b == nil {
			return fmt.Errorf("message %s: %w", key, chaterrors.ErrNotFound)
		}

		v := b.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("message %s: %w", key, chaterrors.ErrNotFound)
		}

		if err := json.Unmarshal(v, &msg); err != nil {
			return err
		}

		if err := fn(&msg); err != nil {
			return err
		}

		if newKey := msg.Key(); newKey != key {
			if err := b.Delete([]byte(key)); err != nil {
				return err
			}
		}

		return putMessage(b, &msg)
	})

	return msg, err
}

// AllMessages returns every cached message of a conversation in
// chronological order.
func (s *State) AllMessages(conversationID string) ([]models.Message, error) {
	var msgs []models.Message

	err := s.view(func(tx *bolt.Tx) error {
		b, _ := conversationMessages(tx, conversationID, false)
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var m models.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			msgs = append(msgs, m)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].Key() < msgs[j].Key()
		}

		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})

	return msgs, nil
}

// GetMessages returns one page of a conversation in chronological order.
// offset counts back from the newest message, so offset 0 with limit 50
// is the latest 50 messages. limit <= 0 returns everything before offset.
func (s *State) GetMessages(conversationID string, limit, offset int) ([]models.Message, error) {
	all, err := s.AllMessages(conversationID)
	if err != nil {
		return nil, err
	}

	if offset < 0 {
		offset = 0
	}

	end := len(all) - offset
	if end <= 0 {
		return []models.Message{}, nil
	}

	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}

	return all[start:end], nil
}

// ApplyReconciliation removes the given keys and stores put, all in one
// transaction. A reader sees either the old set or the reconciled set,
// never both the temp entry and its canonical replacement.
func (s *State) ApplyReconciliation(conversationID string, remove []string, put *models.Message) error {
	return s.update(func(tx *bolt.Tx) error {
		b, err := conversationMessages(tx, conversationID, true)
		if err != nil {
			return err
		}

		for _, key := range remove {
			if err := b.Delete([]byte(key)); err != nil {
				return err
			}
		}

		if put == nil {
			return nil
		}

		return putMessage(b, put)
	})
}
