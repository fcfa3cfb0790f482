// Package metrics exposes the server's queue/session/health counters as
// Prometheus gauges and counters, alongside the JSON-RPC health.get and
// queue.stats responses: one struct owning a private
// *prometheus.Registry, with a promhttp handler exposed on the HTTP
// transport's /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hrygo/dbgmux/command"
	"github.com/hrygo/dbgmux/notify"
	"github.com/hrygo/dbgmux/session"
)

// Registry owns every metric this server publishes.
type Registry struct {
	registry *prometheus.Registry

	lastDropped uint64

	SessionsActive  prometheus.Gauge
	SessionsOpened  prometheus.Counter
	SessionsClosed  *prometheus.CounterVec
	SessionsFaulted prometheus.Counter

	CommandsQueued    prometheus.Gauge
	CommandsExecuting prometheus.Gauge
	CommandsTotal     *prometheus.CounterVec
	CommandDuration   prometheus.Histogram

	NotificationsDropped prometheus.Counter
	NotificationSubs     prometheus.Gauge

	RecoveryAttempts prometheus.Counter
}

// New builds a Registry with its own private *prometheus.Registry, so
// multiple servers in the same test process never collide on the default
// global registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dbgmux",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of sessions currently tracked by the Session Manager.",
		}),
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbgmux",
			Subsystem: "session",
			Name:      "opened_total",
			Help:      "Total number of sessions successfully opened.",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbgmux",
			Subsystem: "session",
			Name:      "closed_total",
			Help:      "Total number of sessions closed, labeled by reason.",
		}, []string{"reason"}),
		SessionsFaulted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbgmux",
			Subsystem: "session",
			Name:      "faulted_total",
			Help:      "Total number of sessions that transitioned to Faulted.",
		}),
		CommandsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dbgmux",
			Subsystem: "command",
			Name:      "queued",
			Help:      "Sum of Queued command records across all live sessions.",
		}),
		CommandsExecuting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dbgmux",
			Subsystem: "command",
			Name:      "executing",
			Help:      "Sum of Executing command records across all live sessions.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbgmux",
			Subsystem: "command",
			Name:      "terminal_total",
			Help:      "Total number of commands that reached a terminal state, labeled by state.",
		}, []string{"state"}),
		CommandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dbgmux",
			Subsystem: "command",
			Name:      "duration_seconds",
			Help:      "Wall-clock time from started_at to a terminal state.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}),
		NotificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbgmux",
			Subsystem: "notify",
			Name:      "dropped_total",
			Help:      "Non-terminal notification events dropped to backpressure.",
		}),
		NotificationSubs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dbgmux",
			Subsystem: "notify",
			Name:      "subscribers",
			Help:      "Currently registered Notification Fabric subscribers.",
		}),
		RecoveryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbgmux",
			Subsystem: "recovery",
			Name:      "attempts_total",
			Help:      "Total session-recovery re-issue attempts.",
		}),
	}

	reg.MustRegister(
		r.SessionsActive, r.SessionsOpened, r.SessionsClosed, r.SessionsFaulted,
		r.CommandsQueued, r.CommandsExecuting, r.CommandsTotal, r.CommandDuration,
		r.NotificationsDropped, r.NotificationSubs, r.RecoveryAttempts,
	)
	return r
}

// Handler returns the promhttp handler for this Registry's /metrics
// endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// SessionHooks returns the instrumentation hooks that keep this
// Registry's counters in step with session/command state transitions;
// install them with Manager.SetHooks before the first session opens.
func (r *Registry) SessionHooks() session.Hooks {
	return session.Hooks{
		SessionOpened:  func() { r.SessionsOpened.Inc() },
		SessionClosed:  func(reason string) { r.SessionsClosed.WithLabelValues(reason).Inc() },
		SessionFaulted: func() { r.SessionsFaulted.Inc() },
		CommandTerminal: func(snap command.Snapshot) {
			r.CommandsTotal.WithLabelValues(string(snap.State)).Inc()
			if !snap.StartedAt.IsZero() && !snap.CompletedAt.IsZero() {
				r.CommandDuration.Observe(snap.CompletedAt.Sub(snap.StartedAt).Seconds())
			}
		},
		RecoveryAttempt: func() { r.RecoveryAttempts.Inc() },
	}
}

// sample takes one gauge reading from sessions/fabric. The transition
// counters are fed by SessionHooks at the call site where the event
// happens; this only refreshes the point-in-time gauges that
// AggregateStats/SubscriberCount expose, plus the dropped-notification
// delta since the previous sample.
func (r *Registry) sample(sessions *session.Manager, fabric *notify.Fabric) {
	st := sessions.AggregateStats()
	r.SessionsActive.Set(float64(sessions.Count()))
	r.CommandsQueued.Set(float64(st.Queued))
	r.CommandsExecuting.Set(float64(st.Executing))
	r.NotificationSubs.Set(float64(fabric.SubscriberCount()))

	if d := fabric.DroppedTotal(); d > r.lastDropped {
		r.NotificationsDropped.Add(float64(d - r.lastDropped))
		r.lastDropped = d
	}
}

// RunSampler periodically refreshes the gauge metrics until ctx is
// cancelled. One sampler runs for the life of the process, started
// alongside the Session Manager's own idle-sweep goroutine.
func (r *Registry) RunSampler(ctx context.Context, sessions *session.Manager, fabric *notify.Fabric, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.sample(sessions, fabric)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sample(sessions, fabric)
		}
	}
}
