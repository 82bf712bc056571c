// Package metrics holds the Prometheus collectors of the console core and
// the reference backend. All methods are safe on a nil receiver so callers
// can run without metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "support"

// Console counts reconciliation outcomes of one console session.
type Console struct {
	events     *prometheus.CounterVec
	duplicates *prometheus.CounterVec
	stale      prometheus.Counter
	commands   *prometheus.CounterVec
}

func NewConsole(reg prometheus.Registerer) *Console {
	c := &Console{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "console", Name: "events_total",
			Help: "Inbound channel events applied, by wire name.",
		}, []string{"event"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "console", Name: "duplicate_messages_total",
			Help: "Messages discarded because their identity was already in the timeline.",
		}, []string{"source"}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "console", Name: "stale_history_total",
			Help: "History pulls discarded because the selection changed while they were in flight.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "console", Name: "commands_total",
			Help: "Outbound channel commands emitted, by wire name.",
		}, []string{"command"}),
	}
	if reg != nil {
		reg.MustRegister(c.events, c.duplicates, c.stale, c.commands)
	}
	return c
}

func (c *Console) Event(name string) {
	if c != nil {
		c.events.WithLabelValues(name).Inc()
	}
}

func (c *Console) Duplicate(source string) {
	if c != nil {
		c.duplicates.WithLabelValues(source).Inc()
	}
}

func (c *Console) StaleHistory() {
	if c != nil {
		c.stale.Inc()
	}
}

func (c *Console) Command(name string) {
	if c != nil {
		c.commands.WithLabelValues(name).Inc()
	}
}

// Hub tracks the reference backend's connections and traffic.
type Hub struct {
	connections *prometheus.GaugeVec
	messages    *prometheus.CounterVec
	throttled   prometheus.Counter
	uploads     *prometheus.CounterVec
}

func NewHub(reg prometheus.Registerer) *Hub {
	h := &Hub{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "hub", Name: "connections",
			Help: "Open websocket connections, by role.",
		}, []string{"role"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "messages_total",
			Help: "Messages stored, by sender role.",
		}, []string{"sender"}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "throttled_commands_total",
			Help: "Inbound socket frames dropped by the per-connection rate limiter.",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "uploads_total",
			Help: "Attachment uploads, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(h.connections, h.messages, h.throttled, h.uploads)
	}
	return h
}

func (h *Hub) Connected(role string) {
	if h != nil {
		h.connections.WithLabelValues(role).Inc()
	}
}

func (h *Hub) Disconnected(role string) {
	if h != nil {
		h.connections.WithLabelValues(role).Dec()
	}
}

func (h *Hub) Message(sender string) {
	if h != nil {
		h.messages.WithLabelValues(sender).Inc()
	}
}

func (h *Hub) Throttled() {
	if h != nil {
		h.throttled.Inc()
	}
}

func (h *Hub) Upload(outcome string) {
	if h != nil {
		h.uploads.WithLabelValues(outcome).Inc()
	}
}
