package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "canvas_collab"

// Metrics holds the collaboration collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	roomsActive        prometheus.Gauge
	participantsActive prometheus.Gauge
	joins              *prometheus.CounterVec
	lockRequests       *prometheus.CounterVec
	broadcastFailures  prometheus.Counter
	roomsSwept         prometheus.Counter
	locksExpired       prometheus.Counter
	cursorDropped      prometheus.Counter
}

type Options struct {
	Namespace string
	// WithRuntime registers the Go runtime and process collectors.
	WithRuntime bool
}

func New(opts Options) (*Metrics, error) {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		roomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Number of live collaboration rooms",
		}),
		participantsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants_active",
			Help:      "Number of participants across all rooms",
		}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_total",
			Help:      "Join attempts by result (ok or rejection reason)",
		}, []string{"result"}),
		lockRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_requests_total",
			Help:      "Lock acquire and release requests by result",
		}, []string{"op", "result"}),
		broadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Outbound events that could not be queued for a recipient",
		}),
		roomsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_swept_total",
			Help:      "Rooms removed by the idle sweep",
		}),
		locksExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_expired_total",
			Help:      "Locks released because their holder went idle",
		}),
		cursorDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cursor_events_dropped_total",
			Help:      "Cursor events dropped for exceeding the per-connection rate",
		}),
	}

	if opts.WithRuntime {
		if err := m.registry.Register(prometheus.NewGoCollector()); err != nil {
			return nil, err
		}
		if err := m.registry.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
			return nil, err
		}
	}

	for _, c := range []prometheus.Collector{
		m.roomsActive, m.participantsActive, m.joins, m.lockRequests,
		m.broadcastFailures, m.roomsSwept, m.locksExpired, m.cursorDropped,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.roomsActive.Set(float64(n))
}

func (m *Metrics) ParticipantJoined() {
	if m == nil {
		return
	}
	m.participantsActive.Inc()
}

func (m *Metrics) ParticipantLeft() {
	if m == nil {
		return
	}
	m.participantsActive.Dec()
}

// JoinAttempt records a join outcome; result is "ok" or the rejection reason.
func (m *Metrics) JoinAttempt(result string) {
	if m == nil {
		return
	}
	m.joins.WithLabelValues(result).Inc()
}

func (m *Metrics) LockRequest(op, result string) {
	if m == nil {
		return
	}
	m.lockRequests.WithLabelValues(op, result).Inc()
}

func (m *Metrics) BroadcastFailed() {
	if m == nil {
		return
	}
	m.broadcastFailures.Inc()
}

func (m *Metrics) RoomsSwept(n int) {
	if m == nil || n == 0 {
		return
	}
	m.roomsSwept.Add(float64(n))
}

func (m *Metrics) LocksExpired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.locksExpired.Add(float64(n))
}

func (m *Metrics) CursorDropped() {
	if m == nil {
		return
	}
	m.cursorDropped.Inc()
}
