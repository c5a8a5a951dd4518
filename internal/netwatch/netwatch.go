// Package netwatch tracks whether the host can reach the chat server.
package netwatch

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"slices"
	"sync"
	"time"
)

const (
	defaultInterval    = 5 * time.Second
	defaultDialTimeout = 3 * time.Second
)

// ProbeFunc reports whether addr is reachable. It should give up when ctx
// is done.
type ProbeFunc func(ctx context.Context, addr string) error

// Config controls the probe loop. Zero values fall back to the defaults.
type Config struct {
	Interval    time.Duration
	DialTimeout time.Duration
}

type subscriber struct {
	id uint64
	fn func(bool)
}

// Monitor probes the server host on an interval and reports online and
// offline transitions. The host starts out assumed online until the first
// probe says otherwise.
type Monitor struct {
	addr   string
	cfg    Config
	probe  ProbeFunc
	logger *slog.Logger

	mu     sync.Mutex
	online bool
	subs   []subscriber
	nextID uint64
}

// New creates a Monitor for the host named in serverURL. The port falls
// back to 443 for https/wss and 80 otherwise.
func New(serverURL string, cfg Config, logger *slog.Logger) (*Monitor, error) {
	addr, err := HostPort(serverURL)
	if err != nil {
		return nil, err
	}

	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	return &Monitor{
		addr:   addr,
		cfg:    cfg,
		probe:  dialProbe,
		logger: logger,
		online: true,
	}, nil
}

// HostPort extracts the dialable host:port from a server URL.
func HostPort(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}

	if u.Hostname() == "" {
		return "", fmt.Errorf("server url %q has no host", serverURL)
	}

	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https", "wss":
			port = "443"
		default:
			port = "80"
		}
	}

	return net.JoinHostPort(u.Hostname(), port), nil
}

func dialProbe(ctx context.Context, addr string) error {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	return conn.Close()
}

// Online reports the last observation.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.online
}

// Subscribe registers fn for transitions. fn runs on the goroutine that
// observed the change and must not block. The returned func removes it.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscriber{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		m.subs = slices.DeleteFunc(slices.Clone(m.subs), func(s subscriber) bool { return s.id == id })
		m.mu.Unlock()
	}
}

// Set records an observation. Subscribers are told only when the value
// changes.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}

	m.online = online
	subs := m.subs
	m.mu.Unlock()

	if online {
		m.logger.Info("network online", slog.String("addr", m.addr))
	} else {
		m.logger.Warn("network offline", slog.String("addr", m.addr))
	}

	for _, s := range subs {
		s.fn(online)
	}
}

// Check runs one probe and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	err := m.probe(probeCtx, m.addr)
	cancel()

	if ctx.Err() != nil {
		return m.Online()
	}

	if err != nil {
		m.logger.Debug("probe failed", slog.String("addr", m.addr), slog.String("error", err.Error()))
	}

	m.Set(err == nil)

	return err == nil
}

// Run probes immediately and then every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Check(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
