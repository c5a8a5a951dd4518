// Package realtime owns the persistent socket to the chat server: the
// connection state machine, heartbeat, reconnect backoff and typed
// dispatch of inbound envelopes.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultPongTimeout       = 60 * time.Second
	defaultBaseDelay         = 2 * time.Second
	defaultMaxDelay          = 30 * time.Second
	defaultMaxAttempts       = 3
	defaultBufferSize        = 50

	// writeTimeout bounds a single frame write on a live connection.
	writeTimeout = 10 * time.Second

	// readLimit caps the size of one inbound frame.
	readLimit = 4 * 1024 * 1024

	// maxBackoffShift caps the exponent in Backoff so the shift cannot
	// overflow time.Duration.
	maxBackoffShift = 30
)

var (
	errHeartbeatTimeout = errors.New("no pong received within timeout")
	errMissingUser      = errors.New("identity has no user id")
)

// Status is the connection state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	// StatusReconnecting means a failure was observed and a reconnect
	// timer is armed.
	StatusReconnecting Status = "reconnecting"
	// StatusError is terminal until NetworkOnline or Connect re-arms it.
	StatusError Status = "error"
)

// StatusEvent describes one state transition. Attempt and Delay are set
// when a reconnect is scheduled; Err carries the failure that caused it.
type StatusEvent struct {
	From    Status
	To      Status
	Attempt int
	Delay   time.Duration
	Err     error
}

// Handler receives inbound envelopes. Handlers run on the reader
// goroutine, so a slow handler delays later envelopes.
type Handler func(Envelope)

// StatusHandler receives state transitions in the order they happened.
type StatusHandler func(StatusEvent)

// wsConn abstracts the WebSocket connection so the Manager can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type dialFunc func(ctx context.Context, endpoint string, header http.Header) (wsConn, error)

func dialWebSocket(ctx context.Context, endpoint string, header http.Header) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(readLimit)

	return conn, nil
}

// Config holds the connection parameters. Zero durations and counts fall
// back to the defaults.
type Config struct {
	ServerURL         string
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int
	BufferSize        int
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}

	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}

	if c.PongTimeout <= 0 {
		c.PongTimeout = defaultPongTimeout
	}

	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}

	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}

	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
}

// Backoff returns the delay before reconnect attempt n (1-based):
// base * 2^(n-1), capped at ceiling.
func Backoff(base, ceiling time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}

	shift := n - 1
	if shift > maxBackoffShift {
		return ceiling
	}

	d := base << shift
	if d <= 0 || d > ceiling {
		return ceiling
	}

	return d
}

type subscription[T any] struct {
	id uint64
	fn T
}

func unsubscribe[T any](subs []subscription[T], id uint64) []subscription[T] {
	return slices.DeleteFunc(slices.Clone(subs), func(s subscription[T]) bool { return s.id == id })
}

// Manager maintains at most one live connection for one session.
//
// Architecture: each live connection has one reader goroutine that
// dispatches envelopes in arrival order and one heartbeat goroutine.
// Reconnects are scheduled with time.AfterFunc. Every connection attempt
// bumps gen so callbacks from a superseded connection or timer are
// ignored. Status events are queued under mu and delivered by a single
// drainer, so they arrive in transition order even when handlers call
// back into the Manager.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	dial   dialFunc

	mu          sync.Mutex
	status      Status
	identity    models.Identity
	endpoint    string
	stopped     bool
	gen         uint64
	attempts    int
	timer       *time.Timer
	conn        wsConn
	connCtx     context.Context
	connCancel  context.CancelFunc
	lastPong    time.Time
	buffer      []Envelope
	events      []StatusEvent
	dispatching bool

	handlers       map[EventType][]subscription[Handler]
	anyHandlers    []subscription[Handler]
	statusHandlers []subscription[StatusHandler]
	nextSubID      uint64

	// writeMu serialises frame writes so buffered envelopes are flushed
	// before anything sent after the connection came up.
	writeMu sync.Mutex
}

// New creates a disconnected Manager.
func New(cfg Config, logger *slog.Logger) *Manager {
	cfg.applyDefaults()

	return &Manager{
		cfg:      cfg,
		logger:   logger,
		dial:     dialWebSocket,
		status:   StatusDisconnected,
		handlers: make(map[EventType][]subscription[Handler]),
	}
}

// Status returns the current connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.status
}

// ReconnectAttempts returns the number of consecutive reconnect attempts
// since the last successful connection.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.attempts
}

// Buffered returns the number of envelopes waiting for a connection.
func (m *Manager) Buffered() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.buffer)
}

// On subscribes fn to envelopes of type t. The returned func removes the
// subscription.
func (m *Manager) On(t EventType, fn Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSubID++
	id := m.nextSubID
	m.handlers[t] = append(m.handlers[t], subscription[Handler]{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		m.handlers[t] = unsubscribe(m.handlers[t], id)
		m.mu.Unlock()
	}
}

// OnAny subscribes fn to every dispatched envelope.
func (m *Manager) OnAny(fn Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSubID++
	id := m.nextSubID
	m.anyHandlers = append(m.anyHandlers, subscription[Handler]{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		m.anyHandlers = unsubscribe(m.anyHandlers, id)
		m.mu.Unlock()
	}
}

// OnStatusChange subscribes fn to state transitions.
func (m *Manager) OnStatusChange(fn StatusHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSubID++
	id := m.nextSubID
	m.statusHandlers = append(m.statusHandlers, subscription[StatusHandler]{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		m.statusHandlers = unsubscribe(m.statusHandlers, id)
		m.mu.Unlock()
	}
}

// Connect opens the socket for id. It is a no-op while a connection is
// open or opening or a reconnect is already scheduled. ctx bounds the
// initial dial only. Transport failures are not returned: they become
// status transitions and reconnect scheduling.
func (m *Manager) Connect(ctx context.Context, id models.Identity) error {
	if id.UserID == "" {
		return fmt.Errorf("connecting: %w", errMissingUser)
	}

	endpoint, err := ResolveURL(m.cfg.ServerURL, id.UserID)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	m.mu.Lock()
	m.identity = id
	m.endpoint = endpoint
	m.stopped = false

	if m.status == StatusError {
		m.attempts = 0
	}
	m.mu.Unlock()

	m.attempt(ctx)

	return nil
}

// NetworkOnline re-arms the attempt counter and reconnects immediately.
// It is the external signal that lifts a parked error state.
func (m *Manager) NetworkOnline() {
	m.mu.Lock()

	if m.stopped || m.endpoint == "" || m.status == StatusConnected || m.status == StatusConnecting {
		m.mu.Unlock()
		return
	}

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	m.attempts = 0
	m.gen++
	m.mu.Unlock()

	m.logger.Info("network online, reconnecting")
	m.attempt(context.Background())
}

// Disconnect closes the connection and cancels the heartbeat and any
// scheduled reconnect. No reconnect follows until Connect is called.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopped = true
	m.gen++

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	conn := m.takeConnLocked()
	m.attempts = 0
	m.buffer = nil
	m.setStatusLocked(StatusEvent{To: StatusDisconnected})
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}

	m.flushEvents()
}

// Send writes env on the live connection. While not connected it is held
// in a bounded in-memory buffer, dropping the oldest entry when full, and
// flushed on the next successful connect.
func (m *Manager) Send(env Envelope) error {
	if !env.Type.Valid() {
		return fmt.Errorf("sending: unknown envelope type %q", env.Type)
	}

	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()

	if m.status != StatusConnected || m.conn == nil {
		if len(m.buffer) >= m.cfg.BufferSize {
			m.logger.Debug("send buffer full, dropping oldest", slog.String("type", string(m.buffer[0].Type)))
			m.buffer = m.buffer[1:]
		}

		m.buffer = append(m.buffer, env)
		m.mu.Unlock()

		return nil
	}

	conn, ctx := m.conn, m.connCtx
	m.mu.Unlock()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	return m.writeLocked(ctx, conn, env)
}

// attempt dials once. On success the connection's goroutines are started
// and the buffer is flushed; on failure a reconnect is scheduled.
func (m *Manager) attempt(ctx context.Context) {
	m.mu.Lock()

	if m.stopped || m.timer != nil || m.status == StatusConnecting || m.status == StatusConnected {
		m.mu.Unlock()
		return
	}

	m.gen++
	gen := m.gen
	endpoint := m.endpoint
	header := http.Header{}

	if m.identity.Token != "" {
		header.Set("Authorization", "Bearer "+m.identity.Token)
	}

	m.setStatusLocked(StatusEvent{To: StatusConnecting})
	m.mu.Unlock()
	m.flushEvents()

	m.logger.Debug("connecting", slog.String("url", endpoint))

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	conn, err := m.dial(dialCtx, endpoint, header)
	cancel()

	if err != nil {
		m.fail(gen, fmt.Errorf("dialing websocket: %w", err))
		return
	}

	m.mu.Lock()

	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")

		return
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	m.conn, m.connCtx, m.connCancel = conn, connCtx, connCancel
	m.attempts = 0
	m.lastPong = time.Now()
	pending := m.buffer
	m.buffer = nil

	// Hold writeMu across the transition so a concurrent Send cannot
	// overtake the buffered envelopes.
	m.writeMu.Lock()
	m.setStatusLocked(StatusEvent{To: StatusConnected})
	m.mu.Unlock()

	for i, env := range pending {
		if err := m.writeLocked(connCtx, conn, env); err != nil {
			m.logger.Warn("flushing send buffer",
				slog.Int("unsent", len(pending)-i),
				slog.String("error", err.Error()),
			)

			break
		}
	}

	m.writeMu.Unlock()

	m.logger.Info("connected")

	go m.readLoop(connCtx, conn, gen)
	go m.heartbeat(connCtx, conn, gen)

	m.flushEvents()
}

// fail tears down the connection belonging to gen and schedules a
// reconnect. Stale generations are ignored.
func (m *Manager) fail(gen uint64, cause error) {
	m.mu.Lock()

	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		return
	}

	m.gen++
	conn := m.takeConnLocked()
	m.scheduleLocked(cause)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, "reconnecting")
	}

	m.flushEvents()
}

// closed handles a clean close initiated by the server. Only non-clean
// closes trigger a reconnect.
func (m *Manager) closed(gen uint64) {
	m.mu.Lock()

	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		return
	}

	m.gen++
	m.takeConnLocked()
	m.setStatusLocked(StatusEvent{To: StatusDisconnected})
	m.mu.Unlock()

	m.logger.Info("server closed connection")
	m.flushEvents()
}

// scheduleLocked arms the reconnect timer, or parks in StatusError once
// the attempt budget is spent.
func (m *Manager) scheduleLocked(cause error) {
	if m.timer != nil {
		return
	}

	if m.attempts >= m.cfg.MaxAttempts {
		m.logger.Error("giving up reconnecting",
			slog.Int("attempts", m.attempts),
			slog.String("error", cause.Error()),
		)
		m.setStatusLocked(StatusEvent{To: StatusError, Attempt: m.attempts, Err: cause})

		return
	}

	m.attempts++
	delay := Backoff(m.cfg.BaseDelay, m.cfg.MaxDelay, m.attempts)

	m.logger.Warn("connection lost, reconnecting",
		slog.String("error", cause.Error()),
		slog.Int("attempt", m.attempts),
		slog.Duration("backoff", delay),
	)
	m.setStatusLocked(StatusEvent{To: StatusReconnecting, Attempt: m.attempts, Delay: delay, Err: cause})

	gen := m.gen
	m.timer = time.AfterFunc(delay, func() { m.reconnectFired(gen) })
}

func (m *Manager) reconnectFired(gen uint64) {
	m.mu.Lock()

	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		return
	}

	m.timer = nil
	m.mu.Unlock()

	m.attempt(context.Background())
}

// takeConnLocked detaches the live connection and cancels its goroutines.
// The caller closes the returned conn after releasing mu.
func (m *Manager) takeConnLocked() wsConn {
	if m.connCancel != nil {
		m.connCancel()
	}

	conn := m.conn
	m.conn, m.connCtx, m.connCancel = nil, nil, nil

	return conn
}

// setStatusLocked records a transition and queues its event. Repeated
// transitions to the same state are dropped.
func (m *Manager) setStatusLocked(ev StatusEvent) {
	if m.status == ev.To {
		return
	}

	ev.From = m.status
	m.status = ev.To
	m.events = append(m.events, ev)
}

// flushEvents delivers queued status events. Only one goroutine drains
// at a time; events queued meanwhile are picked up by that drainer.
func (m *Manager) flushEvents() {
	m.mu.Lock()

	if m.dispatching {
		m.mu.Unlock()
		return
	}

	m.dispatching = true

	for len(m.events) > 0 {
		ev := m.events[0]
		m.events = m.events[1:]
		subs := m.statusHandlers
		m.mu.Unlock()

		for _, s := range subs {
			s.fn(ev)
		}

		m.mu.Lock()
	}

	m.dispatching = false
	m.mu.Unlock()
}

// readLoop reads frames until the connection ends and dispatches them in
// arrival order.
func (m *Manager) readLoop(ctx context.Context, conn wsConn, gen uint64) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				m.closed(gen)
				return
			}

			m.fail(gen, fmt.Errorf("reading message: %w", err))

			return
		}

		if typ != websocket.MessageText {
			m.logger.Debug("unexpected binary frame", slog.Int("bytes", len(data)))
			continue
		}

		m.dispatch(data)
	}
}

func (m *Manager) dispatch(data []byte) {
	t := EventType(gjson.GetBytes(data, "type").String())
	if !t.Valid() {
		m.logger.Debug("dropping frame with unknown type", slog.String("type", string(t)))
		return
	}

	if t == TypePong {
		m.mu.Lock()
		m.lastPong = time.Now()
		m.mu.Unlock()

		return
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.logger.Debug("unparseable frame", slog.String("type", string(t)), slog.String("error", err.Error()))
		return
	}

	m.mu.Lock()
	typed := m.handlers[t]
	catchAll := m.anyHandlers
	m.mu.Unlock()

	for _, s := range typed {
		s.fn(env)
	}

	for _, s := range catchAll {
		s.fn(env)
	}
}

// heartbeat pings on every tick and forces a reconnect once no pong has
// been seen for PongTimeout.
func (m *Manager) heartbeat(ctx context.Context, conn wsConn, gen uint64) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		silent := time.Since(m.lastPong)
		m.mu.Unlock()

		if silent >= m.cfg.PongTimeout {
			m.logger.Warn("heartbeat timeout, closing", slog.Duration("since_pong", silent))
			m.fail(gen, errHeartbeatTimeout)

			return
		}

		m.writeMu.Lock()
		err := m.writeLocked(ctx, conn, Envelope{Type: TypePing, Timestamp: time.Now().UTC()})
		m.writeMu.Unlock()

		if err != nil {
			m.logger.Debug("sending ping", slog.String("error", err.Error()))
		}
	}
}

// writeLocked marshals env and writes it as a text frame. The caller
// holds writeMu.
func (m *Manager) writeLocked(ctx context.Context, conn wsConn, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshalling envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: writing %s: %w", chaterrors.ErrNotConnected, env.Type, err)
	}

	return nil
}
