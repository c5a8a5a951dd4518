// Package syncer drains the durable outbound queues whenever the host is
// online and the realtime connection is up.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/chatsync/internal/api"
	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/realtime"
	"github.com/alexjbarnes/chatsync/internal/reconcile"
)

const (
	defaultMaxRetries    = 3
	defaultBatchSize     = 10
	defaultBatchDelay    = 100 * time.Millisecond
	defaultItemTimeout   = 15 * time.Second
	defaultDebounce      = 500 * time.Millisecond
	defaultOnlineSettle  = time.Second
	defaultRetryInterval = 30 * time.Second

	// triggerChanSize is the buffer of pending trigger requests. A full
	// buffer means a pass is already due, so extra requests are dropped.
	triggerChanSize = 16
)

// API delivers queued work to the server.
type API interface {
	SendMessage(ctx context.Context, conversationID string, req api.SendMessageRequest) (*models.Message, error)
	ApplyAction(ctx context.Context, qa models.QueuedAction) error
}

// Store is the queue side of the durable store.
type Store interface {
	ListQueuedMessages() ([]models.QueuedMessage, error)
	RemoveQueuedMessage(id string) error
	RecordMessageFailure(id string, cause error, at time.Time) (models.QueuedMessage, error)
	ListQueuedActions() ([]models.QueuedAction, error)
	RemoveQueuedAction(id string) error
	RecordActionFailure(id string, cause error, at time.Time) (models.QueuedAction, error)
	SetSyncMeta(meta models.SyncMeta) error
}

// Transport is the realtime connection, used for the connected check and
// the best-effort broadcast of delivered messages.
type Transport interface {
	Status() realtime.Status
	Send(env realtime.Envelope) error
}

// Reconciler merges acknowledgments into the message cache.
type Reconciler interface {
	ApplyAck(ack models.Message) (reconcile.Outcome, error)
	MarkFailed(conversationID, tempID string) error
}

// Connectivity reports whether the host currently has network access.
type Connectivity interface {
	Online() bool
}

// EventType names a sync lifecycle event.
type EventType string

const (
	EventSyncStarted   EventType = "sync_started"
	EventSyncCompleted EventType = "sync_completed"
	EventSyncFailed    EventType = "sync_failed"
)

// Event is emitted around every pass that passes the preconditions.
type Event struct {
	Type   EventType
	Result models.SyncResult
	Err    error
}

// Config tunes the sync policy. Zero values fall back to the defaults.
type Config struct {
	MaxRetries    int
	BatchSize     int
	BatchDelay    time.Duration
	ItemTimeout   time.Duration
	Debounce      time.Duration
	OnlineSettle  time.Duration
	RetryInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}

	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}

	if c.BatchDelay <= 0 {
		c.BatchDelay = defaultBatchDelay
	}

	if c.ItemTimeout <= 0 {
		c.ItemTimeout = defaultItemTimeout
	}

	if c.Debounce <= 0 {
		c.Debounce = defaultDebounce
	}

	if c.OnlineSettle <= 0 {
		c.OnlineSettle = defaultOnlineSettle
	}

	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
}

type listener struct {
	id uint64
	fn func(Event)
}

// Manager runs sync passes. Sync may be called from any goroutine; the
// syncing flag is the only guard between passes. Run owns the debounce
// timer, so triggered passes never overlap.
type Manager struct {
	cfg        Config
	api        API
	store      Store
	transport  Transport
	reconciler Reconciler
	net        Connectivity
	logger     *slog.Logger

	syncing   atomic.Bool
	triggerCh chan time.Duration

	mu        sync.Mutex
	listeners []listener
	nextID    uint64
}

// New creates a sync Manager.
func New(cfg Config, client API, store Store, transport Transport, reconciler Reconciler, net Connectivity, logger *slog.Logger) *Manager {
	cfg.applyDefaults()

	return &Manager{
		cfg:        cfg,
		api:        client,
		store:      store,
		transport:  transport,
		reconciler: reconciler,
		net:        net,
		logger:     logger,
		triggerCh:  make(chan time.Duration, triggerChanSize),
	}
}

// Syncing reports whether a pass is in progress.
func (m *Manager) Syncing() bool {
	return m.syncing.Load()
}

// Subscribe registers fn for lifecycle events. The returned func removes
// it.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listener{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		m.listeners = slices.DeleteFunc(slices.Clone(m.listeners), func(l listener) bool { return l.id == id })
		m.mu.Unlock()
	}
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	ls := m.listeners
	m.mu.Unlock()

	for _, l := range ls {
		l.fn(ev)
	}
}

// Sync runs one pass over both queues. A pass already in progress, an
// offline host or a transport that is not connected reject the call
// immediately, without touching any queue, with a failed result and
// ErrAlreadySyncing, ErrOffline or ErrNotConnected. Delivery failures are
// reported in the result only; a returned error otherwise means the pass
// itself failed (store error or cancellation).
func (m *Manager) Sync(ctx context.Context) (models.SyncResult, error) {
	result, _, err := m.sync(ctx)
	return result, err
}

func (m *Manager) sync(ctx context.Context) (models.SyncResult, int, error) {
	if !m.syncing.CompareAndSwap(false, true) {
		result := models.SyncResult{AlreadySyncing: true}
		result.AddError(chaterrors.ErrAlreadySyncing.Error())

		return result, 0, chaterrors.ErrAlreadySyncing
	}
	defer m.syncing.Store(false)

	if !m.net.Online() {
		result := models.SyncResult{}
		result.AddError(chaterrors.ErrOffline.Error())

		return result, 0, chaterrors.ErrOffline
	}

	if m.transport.Status() != realtime.StatusConnected {
		result := models.SyncResult{}
		result.AddError(chaterrors.ErrNotConnected.Error())

		return result, 0, chaterrors.ErrNotConnected
	}

	m.emit(Event{Type: EventSyncStarted})

	var p pass

	err := m.drainMessages(ctx, &p)
	if err == nil {
		err = m.drainActions(ctx, &p)
	}

	if err != nil {
		p.result.Success = false
		p.result.AddError(err.Error())
		m.persistMeta(p.result)

		m.logger.Error("sync pass failed", slog.String("error", err.Error()))
		m.emit(Event{Type: EventSyncFailed, Result: p.result, Err: err})

		return p.result, p.requeued, fmt.Errorf("sync pass: %w", err)
	}

	p.result.Success = p.result.Failed == 0
	m.persistMeta(p.result)

	m.logger.Info("sync pass complete",
		slog.Int("messages", p.result.SyncedMessages),
		slog.Int("actions", p.result.SyncedActions),
		slog.Int("failed", p.result.Failed),
		slog.Int("requeued", p.requeued),
	)
	m.emit(Event{Type: EventSyncCompleted, Result: p.result})

	return p.result, p.requeued, nil
}

// pass accumulates one pass. requeued counts items that failed this time
// and stay queued for a later pass.
type pass struct {
	result   models.SyncResult
	requeued int
}

func (m *Manager) persistMeta(result models.SyncResult) {
	meta := models.SyncMeta{LastSyncAt: time.Now().UTC(), LastResult: result}
	if err := m.store.SetSyncMeta(meta); err != nil {
		m.logger.Warn("saving sync metadata", slog.String("error", err.Error()))
	}
}

// batches calls fn for each item, pausing BatchDelay between batches of
// BatchSize. It stops on the first error from fn or on cancellation.
func batches[T any](ctx context.Context, m *Manager, items []T, fn func(T) error) error {
	for start := 0; start < len(items); start += m.cfg.BatchSize {
		if start > 0 {
			timer := time.NewTimer(m.cfg.BatchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		end := min(start+m.cfg.BatchSize, len(items))
		for _, item := range items[start:end] {
			if err := ctx.Err(); err != nil {
				return err
			}

			if err := fn(item); err != nil {
				return err
			}
		}
	}

	return nil
}

func (m *Manager) drainMessages(ctx context.Context, p *pass) error {
	queued, err := m.store.ListQueuedMessages()
	if err != nil {
		return fmt.Errorf("listing queued messages: %w", err)
	}

	return batches(ctx, m, queued, func(qm models.QueuedMessage) error {
		return m.deliverMessage(ctx, qm, p)
	})
}

// deliverMessage handles one queued message. Only store errors are
// returned; delivery failures are recorded on the item and the result.
func (m *Manager) deliverMessage(ctx context.Context, qm models.QueuedMessage, p *pass) error {
	if qm.RetryCount >= m.cfg.MaxRetries {
		return m.evictMessage(qm, fmt.Errorf("gave up after %d attempts: %s", qm.RetryCount, qm.Error), p)
	}

	itemCtx, cancel := context.WithTimeout(ctx, m.cfg.ItemTimeout)
	msg, err := m.api.SendMessage(itemCtx, qm.ConversationID, api.SendMessageRequest{
		TempID:      qm.TempID,
		Content:     qm.Content,
		Type:        qm.Type,
		ReplyToID:   qm.ReplyToID,
		Attachments: qm.Attachments,
		Metadata:    qm.Metadata,
	})
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if chaterrors.NonRetryable(err) {
			return m.evictMessage(qm, err, p)
		}

		updated, recErr := m.store.RecordMessageFailure(qm.ID, err, time.Now().UTC())
		if recErr != nil {
			return fmt.Errorf("recording message failure: %w", recErr)
		}

		m.logger.Warn("message delivery failed",
			slog.String("temp_id", qm.TempID),
			slog.Int("retry_count", updated.RetryCount),
			slog.Bool("transient", api.IsTransient(err)),
			slog.String("error", err.Error()),
		)

		p.requeued++

		return nil
	}

	if err := m.store.RemoveQueuedMessage(qm.ID); err != nil {
		return fmt.Errorf("removing delivered message: %w", err)
	}

	p.result.SyncedMessages++

	if msg.TempID == "" {
		msg.TempID = qm.TempID
	}

	if _, err := m.reconciler.ApplyAck(*msg); err != nil {
		m.logger.Warn("reconciling acknowledgment",
			slog.String("id", msg.ID),
			slog.String("error", err.Error()),
		)
	}

	env, err := realtime.NewEnvelope(realtime.TypeMessage, msg)
	if err == nil {
		err = m.transport.Send(env)
	}

	if err != nil {
		m.logger.Debug("broadcasting delivered message", slog.String("id", msg.ID), slog.String("error", err.Error()))
	}

	return nil
}

func (m *Manager) evictMessage(qm models.QueuedMessage, cause error, p *pass) error {
	if err := m.store.RemoveQueuedMessage(qm.ID); err != nil {
		return fmt.Errorf("evicting message: %w", err)
	}

	p.result.Failed++
	p.result.AddError(fmt.Sprintf("message %s: %s", qm.TempID, cause))

	m.logger.Warn("evicted queued message",
		slog.String("temp_id", qm.TempID),
		slog.String("conversation_id", qm.ConversationID),
		slog.String("error", cause.Error()),
	)

	if err := m.reconciler.MarkFailed(qm.ConversationID, qm.TempID); err != nil {
		m.logger.Warn("marking message failed", slog.String("temp_id", qm.TempID), slog.String("error", err.Error()))
	}

	return nil
}

func (m *Manager) drainActions(ctx context.Context, p *pass) error {
	queued, err := m.store.ListQueuedActions()
	if err != nil {
		return fmt.Errorf("listing queued actions: %w", err)
	}

	return batches(ctx, m, queued, func(qa models.QueuedAction) error {
		return m.deliverAction(ctx, qa, p)
	})
}

func (m *Manager) deliverAction(ctx context.Context, qa models.QueuedAction, p *pass) error {
	if !qa.Type.Known() {
		return m.evictAction(qa, fmt.Errorf("%w: %q", chaterrors.ErrUnknownAction, qa.Type), p)
	}

	if qa.RetryCount >= m.cfg.MaxRetries {
		return m.evictAction(qa, fmt.Errorf("gave up after %d attempts: %s", qa.RetryCount, qa.Error), p)
	}

	itemCtx, cancel := context.WithTimeout(ctx, m.cfg.ItemTimeout)
	err := m.api.ApplyAction(itemCtx, qa)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if chaterrors.NonRetryable(err) {
			return m.evictAction(qa, err, p)
		}

		updated, recErr := m.store.RecordActionFailure(qa.ID, err, time.Now().UTC())
		if errors.Is(recErr, chaterrors.ErrNotFound) {
			// Superseded by a newer action while this one was in flight.
			m.logger.Debug("failed action no longer queued", slog.String("id", qa.ID), slog.String("error", err.Error()))
			return nil
		}

		if recErr != nil {
			return fmt.Errorf("recording action failure: %w", recErr)
		}

		m.logger.Warn("action delivery failed",
			slog.String("id", qa.ID),
			slog.String("type", string(qa.Type)),
			slog.Int("retry_count", updated.RetryCount),
			slog.String("error", err.Error()),
		)

		p.requeued++

		return nil
	}

	if err := m.store.RemoveQueuedAction(qa.ID); err != nil {
		return fmt.Errorf("removing delivered action: %w", err)
	}

	p.result.SyncedActions++

	return nil
}

func (m *Manager) evictAction(qa models.QueuedAction, cause error, p *pass) error {
	if err := m.store.RemoveQueuedAction(qa.ID); err != nil {
		return fmt.Errorf("evicting action: %w", err)
	}

	p.result.Failed++
	p.result.AddError(fmt.Sprintf("action %s (%s): %s", qa.ID, qa.Type, cause))

	m.logger.Warn("evicted queued action",
		slog.String("id", qa.ID),
		slog.String("type", string(qa.Type)),
		slog.String("error", cause.Error()),
	)

	return nil
}

// Trigger requests a pass after the debounce window. Bursts of triggers
// collapse into one pass.
func (m *Manager) Trigger() {
	m.request(m.cfg.Debounce)
}

// OnlineChanged is the network monitor hook. Regaining the network
// triggers a pass once the connection has had time to settle.
func (m *Manager) OnlineChanged(online bool) {
	if !online {
		m.logger.Info("host offline, outbound work stays queued")
		return
	}

	m.request(m.cfg.OnlineSettle)
}

// ConnectionChanged is the connection manager hook. Reaching connected
// triggers a pass.
func (m *Manager) ConnectionChanged(status realtime.Status) {
	if status == realtime.StatusConnected {
		m.request(m.cfg.Debounce)
	}
}

func (m *Manager) request(delay time.Duration) {
	select {
	case m.triggerCh <- delay:
	default:
	}
}

// Run is the trigger loop: it waits for requests, debounces them, and
// runs at most one pass at a time. When a pass leaves failed items
// queued, another pass is scheduled after RetryInterval. That retry is
// tracked apart from triggers, so a trigger arriving while it is pending
// still runs after its own delay. Returns when ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	// Zero means not scheduled.
	var triggerDue, retryDue time.Time

	schedule := func() {
		next := triggerDue
		if next.IsZero() || (!retryDue.IsZero() && retryDue.Before(next)) {
			next = retryDue
		}

		if next.IsZero() {
			timer.Stop()
			return
		}

		timer.Reset(time.Until(next))
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case delay := <-m.triggerCh:
			// A newer trigger only pushes a pending trigger later.
			if due := time.Now().Add(delay); triggerDue.IsZero() || due.After(triggerDue) {
				triggerDue = due
			}

			schedule()

		case <-timer.C:
			triggerDue, retryDue = time.Time{}, time.Time{}

			_, requeued, err := m.sync(ctx)
			if err != nil && !IsPrecondition(err) {
				if ctx.Err() != nil {
					return nil
				}

				m.logger.Warn("triggered sync failed", slog.String("error", err.Error()))
			}

			if requeued > 0 {
				retryDue = time.Now().Add(m.cfg.RetryInterval)
			}

			schedule()
		}
	}
}

// IsPrecondition reports whether err is one of the rejections Sync returns
// before touching any queue. Such a pass was skipped, not failed.
func IsPrecondition(err error) bool {
	return errors.Is(err, chaterrors.ErrAlreadySyncing) ||
		errors.Is(err, chaterrors.ErrOffline) ||
		errors.Is(err, chaterrors.ErrNotConnected)
}
