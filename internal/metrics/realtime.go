package metrics

import "github.com/prometheus/client_golang/prometheus"

// RealtimeMetrics holds the collectors updated by the fan-out hub.
// All methods are safe to call on a nil receiver, which disables recording.
type RealtimeMetrics struct {
	ActiveSessions    prometheus.Gauge
	SessionsClosed    *prometheus.CounterVec
	AuthFailures      *prometheus.CounterVec
	MessagesPublished *prometheus.CounterVec
	Deliveries        prometheus.Counter
	FramesDropped     prometheus.Counter
	RelayErrors       prometheus.Counter
}

// NewRealtimeMetrics creates and registers the hub collectors on reg.
func NewRealtimeMetrics(reg prometheus.Registerer) *RealtimeMetrics {
	m := &RealtimeMetrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "active_sessions",
			Help:      "Number of sessions currently in the active state.",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "sessions_closed_total",
			Help:      "Total number of sessions closed, by reason.",
		}, []string{"reason"}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "auth_failures_total",
			Help:      "Total number of refused connection credentials, by reason.",
		}, []string{"reason"}),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "messages_published_total",
			Help:      "Total number of messages fanned out, by origin (local or relay).",
		}, []string{"origin"}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "deliveries_total",
			Help:      "Total number of frames enqueued to subscriber sessions.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "frames_dropped_total",
			Help:      "Total number of queued frames discarded because a session queue was full.",
		}),
		RelayErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "relay_errors_total",
			Help:      "Total number of messages that could not be forwarded to other instances.",
		}),
	}

	reg.MustRegister(
		m.ActiveSessions,
		m.SessionsClosed,
		m.AuthFailures,
		m.MessagesPublished,
		m.Deliveries,
		m.FramesDropped,
		m.RelayErrors,
	)
	return m
}

// RegisterRoomGauge exports the number of live rooms reported by fn.
func RegisterRoomGauge(reg prometheus.Registerer, fn func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "rooms",
		Help:      "Number of rooms with at least one member.",
	}, func() float64 { return float64(fn()) }))
}

func (m *RealtimeMetrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *RealtimeMetrics) SessionClosed(reason string, wasActive bool) {
	if m == nil {
		return
	}
	if wasActive {
		m.ActiveSessions.Dec()
	}
	m.SessionsClosed.WithLabelValues(reason).Inc()
}

func (m *RealtimeMetrics) AuthFailed(reason string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(reason).Inc()
}

func (m *RealtimeMetrics) Published(origin string, deliveries int) {
	if m == nil {
		return
	}
	m.MessagesPublished.WithLabelValues(origin).Inc()
	m.Deliveries.Add(float64(deliveries))
}

func (m *RealtimeMetrics) FrameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

func (m *RealtimeMetrics) RelayFailed() {
	if m == nil {
		return
	}
	m.RelayErrors.Inc()
}
