// Package status derives a user-facing summary of the sync engine from
// its components.
package status

import (
	"fmt"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/realtime"
)

// Network reports host connectivity.
type Network interface {
	Online() bool
}

// Connection reports the realtime connection state.
type Connection interface {
	Status() realtime.Status
	ReconnectAttempts() int
}

// Store reports queue depth and the last pass.
type Store interface {
	QueueCounts() (messages, actions int, err error)
	SyncMeta() (models.SyncMeta, error)
}

// Syncer reports whether a pass is running.
type Syncer interface {
	Syncing() bool
}

// Snapshot is a point-in-time view of the engine.
type Snapshot struct {
	Online            bool               `json:"online"`
	Connection        realtime.Status    `json:"connection"`
	ReconnectAttempts int                `json:"reconnectAttempts"`
	QueuedMessages    int                `json:"queuedMessages"`
	QueuedActions     int                `json:"queuedActions"`
	Syncing           bool               `json:"syncing"`
	LastSyncAt        *time.Time         `json:"lastSyncAt,omitempty"`
	LastResult        *models.SyncResult `json:"lastResult,omitempty"`
	Description       string             `json:"description"`
}

// Collect reads every source and returns the snapshot with its
// description filled in.
func Collect(net Network, conn Connection, store Store, sync Syncer) (Snapshot, error) {
	messages, actions, err := store.QueueCounts()
	if err != nil {
		return Snapshot{}, fmt.Errorf("collecting status: %w", err)
	}

	meta, err := store.SyncMeta()
	if err != nil {
		return Snapshot{}, fmt.Errorf("collecting status: %w", err)
	}

	s := Snapshot{
		Online:            net.Online(),
		Connection:        conn.Status(),
		ReconnectAttempts: conn.ReconnectAttempts(),
		QueuedMessages:    messages,
		QueuedActions:     actions,
		Syncing:           sync.Syncing(),
	}

	if !meta.LastSyncAt.IsZero() {
		at := meta.LastSyncAt
		result := meta.LastResult
		s.LastSyncAt = &at
		s.LastResult = &result
	}

	s.Description = Describe(s)

	return s, nil
}

// Describe renders the one-line summary shown to the user.
func Describe(s Snapshot) string {
	waiting := waitingPhrase(s.QueuedMessages, s.QueuedActions)

	if !s.Online {
		if waiting == "" {
			return "Offline"
		}

		return "Offline - " + waiting
	}

	switch s.Connection {
	case realtime.StatusError:
		return "Connection failed - waiting for network"
	case realtime.StatusReconnecting:
		return fmt.Sprintf("Reconnecting (attempt %d)", max(s.ReconnectAttempts, 1))
	case realtime.StatusConnecting:
		return "Connecting"
	case realtime.StatusDisconnected:
		return "Disconnected"
	}

	if s.Syncing {
		if waiting == "" {
			return "Syncing"
		}

		return "Syncing - " + waiting
	}

	if waiting != "" {
		return "Connected - " + waiting
	}

	return "Connected"
}

func waitingPhrase(messages, actions int) string {
	switch {
	case messages > 0 && actions > 0:
		return fmt.Sprintf("%s and %s waiting", plural(messages, "message"), plural(actions, "change"))
	case messages > 0:
		return plural(messages, "message") + " waiting"
	case actions > 0:
		return plural(actions, "change") + " waiting"
	}

	return ""
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}

	return fmt.Sprintf("%d %ss", n, noun)
}
