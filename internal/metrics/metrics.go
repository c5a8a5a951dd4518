// Package metrics exposes sync engine counters to Prometheus.
package metrics

import (
	"github.com/alexjbarnes/chatsync/internal/realtime"
	"github.com/alexjbarnes/chatsync/internal/syncer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatsync"

// Metrics holds the collectors. Register them on a caller-owned registry
// so tests can use a fresh one each time.
type Metrics struct {
	syncPasses  *prometheus.CounterVec
	syncedItems *prometheus.CounterVec
	failedItems prometheus.Counter
	transitions *prometheus.CounterVec
	queueDepth  *prometheus.GaugeVec
	online      prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		syncPasses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Sync passes that passed the preconditions, by result.",
		}, []string{"result"}),
		syncedItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synced_items_total",
			Help:      "Queued items delivered to the server, by kind.",
		}, []string{"kind"}),
		failedItems: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_items_total",
			Help:      "Queued items given up on after the retry ceiling or a contract error.",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_transitions_total",
			Help:      "Realtime connection state transitions, by target state.",
		}, []string{"to"}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Items waiting in the durable outbound queues.",
		}, []string{"kind"}),
		online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_online",
			Help:      "1 when the server host is reachable.",
		}),
	}
}

// ObserveSync records a sync lifecycle event.
func (m *Metrics) ObserveSync(ev syncer.Event) {
	switch ev.Type {
	case syncer.EventSyncCompleted:
		result := "success"
		if !ev.Result.Success {
			result = "partial"
		}

		m.syncPasses.WithLabelValues(result).Inc()
	case syncer.EventSyncFailed:
		m.syncPasses.WithLabelValues("failed").Inc()
	default:
		return
	}

	m.syncedItems.WithLabelValues("message").Add(float64(ev.Result.SyncedMessages))
	m.syncedItems.WithLabelValues("action").Add(float64(ev.Result.SyncedActions))
	m.failedItems.Add(float64(ev.Result.Failed))
}

// ObserveStatus records a connection state transition.
func (m *Metrics) ObserveStatus(ev realtime.StatusEvent) {
	m.transitions.WithLabelValues(string(ev.To)).Inc()
}

// SetQueueDepth records the current queue sizes.
func (m *Metrics) SetQueueDepth(messages, actions int) {
	m.queueDepth.WithLabelValues("message").Set(float64(messages))
	m.queueDepth.WithLabelValues("action").Set(float64(actions))
}

// SetOnline records host connectivity.
func (m *Metrics) SetOnline(online bool) {
	if online {
		m.online.Set(1)
		return
	}

	m.online.Set(0)
}
