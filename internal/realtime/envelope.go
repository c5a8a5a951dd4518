package realtime

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// EventType is the closed set of envelope types carried on the socket.
type EventType string

const (
	TypeMessage        EventType = "message"
	TypeTyping         EventType = "typing"
	TypeReaction       EventType = "reaction"
	TypeEditMessage    EventType = "edit_message"
	TypeDeleteMessage  EventType = "delete_message"
	TypeStatusUpdate   EventType = "status_update"
	TypeFileUpload     EventType = "file_upload"
	TypePresenceUpdate EventType = "presence_update"
	TypePing           EventType = "ping"
	TypePong           EventType = "pong"
)

// Valid reports whether t is a known envelope type.
func (t EventType) Valid() bool {
	switch t {
	case TypeMessage, TypeTyping, TypeReaction, TypeEditMessage, TypeDeleteMessage,
		TypeStatusUpdate, TypeFileUpload, TypePresenceUpdate, TypePing, TypePong:
		return true
	}

	return false
}

// Envelope is one unit sent or received on the socket.
type Envelope struct {
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope marshals payload into an envelope of type t stamped now.
func NewEnvelope(t EventType, payload interface{}) (Envelope, error) {
	env := Envelope{Type: t, Timestamp: time.Now().UTC()}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshalling %s payload: %w", t, err)
		}

		env.Payload = data
	}

	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}

	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}

	return nil
}

// ResolveURL derives the socket endpoint from the server base URL:
// http becomes ws, https becomes wss, the path gains /ws and the user id
// is passed as a query parameter.
func ResolveURL(base, userID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("server URL %q has no host", base)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawPath = ""
	u.Fragment = ""

	q := u.Query()
	q.Set("userId", userID)
	u.RawQuery = q.Encode()

	return u.String(), nil
}
