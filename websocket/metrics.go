package websocket

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/coregx/wsstream/websocket")

// Metrics holds the Prometheus collectors of a Server. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	upgradeSeconds prometheus.Histogram
	accepted       prometheus.Counter
	rejected       *prometheus.CounterVec
	active         prometheus.Gauge
	messagesIn     *prometheus.CounterVec
	messagesOut    *prometheus.CounterVec
	closed         *prometheus.CounterVec
}

// NewMetrics registers the websocket collectors on reg. A nil reg returns nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &Metrics{
		upgradeSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "websocket",
			Name:      "upgrade_seconds",
			Help:      "Latency spent validating and answering upgrade requests.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		accepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "websocket",
			Name:      "handshakes_accepted_total",
			Help:      "Upgrade requests answered with 101 Switching Protocols.",
		}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "websocket",
			Name:      "handshakes_rejected_total",
			Help:      "Upgrade requests rejected, by reason.",
		}, []string{"reason"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "websocket",
			Name:      "connections",
			Help:      "Open WebSocket connections.",
		}),
		messagesIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "websocket",
			Name:      "messages_received_total",
			Help:      "Decoded messages and control frames, by type.",
		}, []string{"type"}),
		messagesOut: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "websocket",
			Name:      "messages_sent_total",
			Help:      "Frames written, by type.",
		}, []string{"type"}),
		closed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "websocket",
			Name:      "connections_closed_total",
			Help:      "Closed connections, by close code.",
		}, []string{"code"}),
	}
}

func (m *Metrics) observeUpgrade(start time.Time, err error) {
	if m == nil {
		return
	}
	m.upgradeSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		m.rejected.WithLabelValues(rejectReason(err)).Inc()
		return
	}
	m.accepted.Inc()
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) connClosed(code CloseCode) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.closed.WithLabelValues(strconv.Itoa(int(code))).Inc()
}

func (m *Metrics) received(kind string) {
	if m == nil {
		return
	}
	m.messagesIn.WithLabelValues(kind).Inc()
}

func (m *Metrics) sent(kind string) {
	if m == nil {
		return
	}
	m.messagesOut.WithLabelValues(kind).Inc()
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidMethod):
		return "method"
	case errors.Is(err, ErrMissingUpgrade):
		return "upgrade"
	case errors.Is(err, ErrMissingSecKey):
		return "key"
	case errors.Is(err, ErrInvalidVersion):
		return "version"
	case errors.Is(err, ErrPathMismatch):
		return "path"
	case errors.Is(err, ErrOriginDenied):
		return "origin"
	default:
		return "io"
	}
}
