package state

import (
	"encoding/json"
	"sort"

	"github.com/alexjbarnes/chatsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

func getConversation(tx *bolt.Tx, id string) (*models.Conversation, error) {
	v := tx.Bucket(conversationsBucket).Get([]byte(id))
	if v == nil {
		return nil, nil
	}

	c := &models.Conversation{}

	return c, json.Unmarshal(v, c)
}

func putConversation(tx *bolt.Tx, c *models.Conversation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}

	return tx.Bucket(conversationsBucket).Put([]byte(c.ID), data)
}

// SaveConversation inserts or replaces a conversation summary.
func (s *State) SaveConversation(c models.Conversation) error {
	return s.update(func(tx *bolt.Tx) error {
		return putConversation(tx, &c)
	})
}

// GetConversation returns a conversation by id, or nil if not cached.
func (s *State) GetConversation(id string) (*models.Conversation, error) {
	var c *models.Conversation

	err := s.view(func(tx *bolt.Tx) error {
		var err error
		c, err = getConversation(tx, id)

		return err
	})

	return c, err
}

// ListConversations returns all cached conversations, most recently
// active first.
func (s *State) ListConversations() ([]models.Conversation, error) {
	var out []models.Conversation

	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(_, v []byte) error {
			var c models.Conversation
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}

			out = append(out, c)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageTime.After(out[j].LastMessageTime)
	})

	return out, nil
}

// TouchConversation records an accepted message on the conversation
// summary: the preview moves forward only for newer messages, and unread
// is bumped when the message came from someone else. Unknown
// conversations are created with just the id.
func (s *State) TouchConversation(msg models.Message, unread bool) error {
	return s.update(func(tx *bolt.Tx) error {
		c, err := getConversation(tx, msg.ConversationID)
		if err != nil {
			return err
		}

		if c == nil {
			c = &models.Conversation{ID: msg.ConversationID}
		}

		if !msg.CreatedAt.Before(c.LastMessageTime) {
			c.LastMessage = msg.Content
			c.LastMessageTime = msg.CreatedAt
		}

		if unread {
			c.UnreadCount++
		}

		return putConversation(tx, c)
	})
}

// ResetUnread clears the unread counter of a conversation.
func (s *State) ResetUnread(conversationID string) error {
	return s.update(func(tx *bolt.Tx) error {
		c, err := getConversation(tx, conversationID)
		if err != nil || c == nil {
			return err
		}

		c.UnreadCount = 0

		return putConversation(tx, c)
	})
}
