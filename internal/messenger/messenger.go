// Package messenger composes the store, connection, sync and
// reconciliation components into one chat session. Every user action is
// written locally first and queued; the sync manager delivers it when the
// host is online and connected.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/chatsync/internal/metrics"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/realtime"
	"github.com/alexjbarnes/chatsync/internal/reconcile"
	"github.com/alexjbarnes/chatsync/internal/state"
	"github.com/alexjbarnes/chatsync/internal/status"
	"github.com/alexjbarnes/chatsync/internal/syncer"
)

var (
	errAlreadyStarted = errors.New("messenger already started")
	errMessageDeleted = errors.New("message is deleted")
	errNotConfirmed   = errors.New("message has not been confirmed by the server yet")
	errNotFailed      = errors.New("message is not in the failed state")
)

// Realtime is the connection manager surface the session uses.
type Realtime interface {
	Connect(ctx context.Context, id models.Identity) error
	Disconnect()
	Send(env realtime.Envelope) error
	Status() realtime.Status
	ReconnectAttempts() int
	NetworkOnline()
	On(t realtime.EventType, fn realtime.Handler) func()
	OnStatusChange(fn realtime.StatusHandler) func()
}

// Network is the host connectivity signal.
type Network interface {
	Online() bool
	Subscribe(fn func(online bool)) func()
}

// Options wires a Messenger. Metrics is optional.
type Options struct {
	Identity models.Identity
	Store    *state.State
	API      syncer.API
	Realtime Realtime
	Network  Network
	Sync     syncer.Config
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Messenger is one user's chat session.
type Messenger struct {
	id      models.Identity
	store   *state.State
	rt      Realtime
	net     Network
	rec     *reconcile.Reconciler
	syncer  *syncer.Manager
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	unsubs []func()
}

// New builds a session from opts. Nothing runs until Start.
func New(opts Options) *Messenger {
	rec := reconcile.New(opts.Store, opts.Identity.UserID, opts.Logger.With(slog.String("component", "reconcile")))

	return &Messenger{
		id:      opts.Identity,
		store:   opts.Store,
		rt:      opts.Realtime,
		net:     opts.Network,
		rec:     rec,
		syncer:  syncer.New(opts.Sync, opts.API, opts.Store, opts.Realtime, rec, opts.Network, opts.Logger.With(slog.String("component", "syncer"))),
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Syncer exposes the sync manager for callers that want lifecycle events.
func (m *Messenger) Syncer() *syncer.Manager {
	return m.syncer
}

// Start subscribes to the connection and network signals, starts the
// sync trigger loop and opens the socket. The session runs until Stop is
// called or ctx is cancelled.
func (m *Messenger) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return errAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done

	m.unsubs = []func(){
		m.rt.On(realtime.TypeMessage, m.handleMessage),
		m.rt.On(realtime.TypeReaction, m.handleReaction),
		m.rt.On(realtime.TypeEditMessage, m.handleEdit),
		m.rt.On(realtime.TypeDeleteMessage, m.handleDelete),
		m.rt.On(realtime.TypeStatusUpdate, m.handleStatusUpdate),
		m.rt.OnStatusChange(m.connectionChanged),
		m.net.Subscribe(m.onlineChanged),
		m.syncer.Subscribe(m.syncEvent),
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetOnline(m.net.Online())
		m.refreshQueueDepth()
	}

	go func() {
		defer close(done)

		if err := m.syncer.Run(runCtx); err != nil {
			m.logger.Error("sync loop stopped", slog.String("error", err.Error()))
		}
	}()

	if err := m.rt.Connect(ctx, m.id); err != nil {
		m.Stop()
		return fmt.Errorf("starting session: %w", err)
	}

	// Anything left over from a previous run is drained as soon as the
	// preconditions hold.
	m.syncer.Trigger()

	m.logger.Info("session started", slog.String("user_id", m.id.UserID))

	return nil
}

// Stop closes the socket, stops the sync loop and drops every
// subscription. Queued work stays in the store for the next session.
func (m *Messenger) Stop() {
	m.mu.Lock()
	cancel, done, unsubs := m.cancel, m.done, m.unsubs
	m.cancel, m.done, m.unsubs = nil, nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}

	for _, unsub := range unsubs {
		unsub()
	}

	m.rt.Disconnect()
	cancel()
	<-done

	m.logger.Info("session stopped")
}

func (m *Messenger) connectionChanged(ev realtime.StatusEvent) {
	if m.metrics != nil {
		m.metrics.ObserveStatus(ev)
	}

	m.syncer.ConnectionChanged(ev.To)
}

func (m *Messenger) onlineChanged(online bool) {
	if m.metrics != nil {
		m.metrics.SetOnline(online)
	}

	if online {
		m.rt.NetworkOnline()
	}

	m.syncer.OnlineChanged(online)
}

func (m *Messenger) syncEvent(ev syncer.Event) {
	if m.metrics == nil {
		return
	}

	m.metrics.ObserveSync(ev)

	if ev.Type != syncer.EventSyncStarted {
		m.refreshQueueDepth()
	}
}

func (m *Messenger) refreshQueueDepth() {
	if m.metrics == nil {
		return
	}

	messages, actions, err := m.store.QueueCounts()
	if err != nil {
		m.logger.Warn("reading queue depth", slog.String("error", err.Error()))
		return
	}

	m.metrics.SetQueueDepth(messages, actions)
}

// SyncNow runs a pass immediately, bypassing the debounce window.
func (m *Messenger) SyncNow(ctx context.Context) (models.SyncResult, error) {
	return m.syncer.Sync(ctx)
}

// Status returns the current engine snapshot.
func (m *Messenger) Status() (status.Snapshot, error) {
	return status.Collect(m.net, m.rt, m.store, m.syncer)
}

// Messages returns a page of a conversation, oldest first. offset counts
// back from the newest message.
func (m *Messenger) Messages(conversationID string, limit, offset int) ([]models.Message, error) {
	return m.store.GetMessages(conversationID, limit, offset)
}

// Conversations lists cached conversations, most recent first.
func (m *Messenger) Conversations() ([]models.Conversation, error) {
	return m.store.ListConversations()
}

// QueuedMessages lists outbound messages still waiting for delivery.
func (m *Messenger) QueuedMessages() ([]models.QueuedMessage, error) {
	return m.store.ListQueuedMessages()
}

// QueuedActions lists outbound actions still waiting for delivery.
func (m *Messenger) QueuedActions() ([]models.QueuedAction, error) {
	return m.store.ListQueuedActions()
}
