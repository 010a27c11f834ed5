package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "mltunnel_active_sessions", Help: "Currently active worker sessions (briefly 2 while a reconnecting worker supersedes its old session)"})
	OpenStreams            = promauto.NewGauge(prometheus.GaugeOpts{Name: "mltunnel_open_streams", Help: "Currently open logical streams"})
	SessionsTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "mltunnel_sessions_total", Help: "Worker sessions that reached the active state"})
	SessionsReplacedTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "mltunnel_sessions_replaced_total", Help: "Active sessions superseded by a new worker connection"})
	StreamsTotal           = promauto.NewCounter(prometheus.CounterOpts{Name: "mltunnel_streams_total", Help: "Logical streams opened"})
	HandshakeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "mltunnel_handshake_failures_total", Help: "Rejected outer connections by reason"}, []string{"reason"})
	BytesForwardedTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "mltunnel_bytes_forwarded_total", Help: "Bytes relayed through the tunnel by direction"}, []string{"direction"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "mltunnel_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "mltunnel_session_duration_seconds", Help: "Worker session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.1, 2, 16)})
	StreamDurationSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "mltunnel_stream_duration_seconds", Help: "Logical stream lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
