// Package metrics exposes optional Prometheus instrumentation for the
// node runtime (§2 Observability, expanded in SPEC_FULL.md §2): control
// tuples by tag, ticks/tocks, connection churn, and handshake outcomes.
// A nil *Registry is a valid, inert receiver for every method here, so
// callers that don't want metrics never need to special-case it.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the counters one node instance reports. Callers
// register it with their own prometheus.Registerer (or the default
// one via NewRegistry) exactly once per node.
type Registry struct {
	ControlTuples   *prometheus.CounterVec
	Ticks           prometheus.Counter
	Tocks           prometheus.Counter
	ConnectionsOpen prometheus.Gauge
	ConnOpened      prometheus.Counter
	ConnClosed      prometheus.Counter
	Handshakes      *prometheus.CounterVec
	MailboxDepth    prometheus.Gauge
	MailboxDropped  prometheus.Counter
}

// NewRegistry builds and registers a fresh set of collectors against reg.
// Pass prometheus.NewRegistry() in tests to avoid collisions with the
// global default registry.
func NewRegistry(reg prometheus.Registerer, namespace string) *Registry {
	r := &Registry{
		ControlTuples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_tuples_total",
			Help:      "Control tuples processed, by tag and direction.",
		}, []string{"tag", "direction"}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Tick keepalive frames received.",
		}),
		Tocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tocks_total",
			Help:      "Tock keepalive replies sent.",
		}),
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Currently open distribution connections.",
		}),
		ConnOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Distribution connections established.",
		}),
		ConnClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Distribution connections closed.",
		}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Handshake attempts, by role and outcome.",
		}, []string{"role", "outcome"}),
		MailboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mailbox_queue_depth",
			Help:      "Sum of queued messages across all local mailboxes.",
		}),
		MailboxDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mailbox_dropped_total",
			Help:      "Messages dropped because a mailbox's queue was full.",
		}),
	}
	reg.MustRegister(r.ControlTuples, r.Ticks, r.Tocks, r.ConnectionsOpen,
		r.ConnOpened, r.ConnClosed, r.Handshakes, r.MailboxDepth, r.MailboxDropped)
	return r
}

func (r *Registry) controlTuple(tag string, direction string) {
	if r == nil {
		return
	}
	r.ControlTuples.WithLabelValues(tag, direction).Inc()
}

// ControlSent records an outgoing control tuple by tag name.
func (r *Registry) ControlSent(tag string) { r.controlTuple(tag, "sent") }

// ControlReceived records an incoming control tuple by tag name.
func (r *Registry) ControlReceived(tag string) { r.controlTuple(tag, "received") }

// Tick records an inbound keepalive.
func (r *Registry) Tick() {
	if r == nil {
		return
	}
	r.Ticks.Inc()
}

// Tock records an outbound keepalive reply.
func (r *Registry) Tock() {
	if r == nil {
		return
	}
	r.Tocks.Inc()
}

// ConnOpen records a newly established connection.
func (r *Registry) ConnOpen() {
	if r == nil {
		return
	}
	r.ConnOpened.Inc()
	r.ConnectionsOpen.Inc()
}

// ConnClose records a torn-down connection.
func (r *Registry) ConnClose() {
	if r == nil {
		return
	}
	r.ConnClosed.Inc()
	r.ConnectionsOpen.Dec()
}

// Handshake records a handshake outcome ("ok", "auth-error", "io-error",
// ...) for the given role ("accept" or "initiate").
func (r *Registry) Handshake(role, outcome string) {
	if r == nil {
		return
	}
	r.Handshakes.WithLabelValues(role, outcome).Inc()
}

// SetMailboxDepth reports the current aggregate mailbox queue depth.
func (r *Registry) SetMailboxDepth(n int) {
	if r == nil {
		return
	}
	r.MailboxDepth.Set(float64(n))
}

// MailboxDrop records a message dropped because its mailbox was full.
func (r *Registry) MailboxDrop() {
	if r == nil {
		return
	}
	r.MailboxDropped.Inc()
}
