// Package models defines types shared across internal packages.
package models

import (
	"strings"
	"time"
)

// MessageType is the content kind of a chat message.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageFile     MessageType = "file"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageAudio, MessageVideo, MessageDocument:
		return true
	}

	return false
}

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// statusRank orders statuses along the delivery path. Failed sits outside
// the path and is handled separately by Advance.
var statusRank = map[MessageStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Advance returns the later of s and next. A status never moves backwards
// (a read message cannot become delivered again). Failed only replaces
// pending.
func (s MessageStatus) Advance(next MessageStatus) MessageStatus {
	if next == StatusFailed {
		if s == StatusPending || s == "" {
			return StatusFailed
		}

		return s
	}

	if s == StatusFailed {
		return next
	}

	if statusRank[next] > statusRank[s] {
		return next
	}

	return s
}

// Reaction is one user's emoji reaction on a message.
type Reaction struct {
	Emoji     string    `json:"emoji"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Attachment references uploaded content. Upload itself happens elsewhere;
// the sync engine only carries the reference.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is one chat message. Before the server confirms it only TempID
// is set; afterwards ID is the durable identity.
type Message struct {
	ID             string        `json:"id,omitempty"`
	TempID         string        `json:"tempId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	SenderName     string        `json:"senderName,omitempty"`
	Content        string        `json:"content"`
	Type           MessageType   `json:"type"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
	ReplyToID      string        `json:"replyToId,omitempty"`
	EditedAt       *time.Time    `json:"editedAt,omitempty"`
	EditCount      int           `json:"editCount,omitempty"`
	IsDeleted      bool          `json:"isDeleted,omitempty"`
	DeletedAt      *time.Time    `json:"deletedAt,omitempty"`
	Reactions      []Reaction    `json:"reactions,omitempty"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
}

// tempKeyPrefix marks store keys of unconfirmed messages so they can never
// collide with a server id.
const tempKeyPrefix = "tmp:"

// Key returns the store key: the server id once confirmed, otherwise the
// prefixed temp id.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}

	return TempKey(m.TempID)
}

// TempKey returns the store key for an unconfirmed message.
func TempKey(tempID string) string {
	return tempKeyPrefix + tempID
}

// Confirmed reports whether the server has assigned a durable id.
func (m *Message) Confirmed() bool {
	return m.ID != ""
}

// AddReaction adds emoji from userID unless that exact reaction exists.
func (m *Message) AddReaction(emoji, userID string, at time.Time) {
	for _, r := range m.Reactions {
		if r.Emoji == emoji && r.UserID == userID {
			return
		}
	}

	m.Reactions = append(m.Reactions, Reaction{Emoji: emoji, UserID: userID, CreatedAt: at})
}

// RemoveReaction drops emoji from userID if present.
func (m *Message) RemoveReaction(emoji, userID string) {
	out := m.Reactions[:0]

	for _, r := range m.Reactions {
		if r.Emoji == emoji && r.UserID == userID {
			continue
		}

		out = append(out, r)
	}

	m.Reactions = out
}

// Edit replaces the content and bumps the edit bookkeeping.
func (m *Message) Edit(content string, at time.Time) {
	m.Content = content
	m.EditedAt = &at
	m.EditCount++
}

// Tombstone soft-deletes the message. Content is cleared but the record
// stays so every party keeps seeing a "message deleted" marker.
func (m *Message) Tombstone(at time.Time) {
	m.IsDeleted = true
	m.DeletedAt = &at
	m.Content = ""
	m.Attachments = nil
}

// IsTempKey reports whether key names an unconfirmed message.
func IsTempKey(key string) bool {
	return strings.HasPrefix(key, tempKeyPrefix)
}
