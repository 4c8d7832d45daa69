package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "httpbridge_requests_total", Help: "HTTP requests by route"}, []string{"route"})
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "httpbridge_active_sessions", Help: "Bridge sessions currently streaming"})
	SessionsTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "httpbridge_sessions_total", Help: "Bridge sessions established"})
	DialFailuresTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "httpbridge_dial_failures_total", Help: "Target dials that failed"})
	RejectedTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "httpbridge_rejected_total", Help: "Streaming requests rejected by the admission limiter"})
	BytesTotal             = promauto.NewCounterVec(prometheus.CounterOpts{Name: "httpbridge_bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	DroppedBytesTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "httpbridge_dropped_bytes_total", Help: "Request body bytes that could not be written to the target"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "httpbridge_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "httpbridge_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
