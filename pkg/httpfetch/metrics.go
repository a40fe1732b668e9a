package httpfetch

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the downloader's Prometheus collectors.
type Metrics struct {
	Responses *prometheus.CounterVec
	Bytes     prometheus.Counter
	Duration  prometheus.Histogram
}

// NewMetrics registers the downloader collectors with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Responses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "imageflow_http_responses_total",
			Help: "HTTP responses received by the downloader, by status code.",
		}, []string{"code"}),
		Bytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "imageflow_http_bytes_total",
			Help: "Response body bytes read by the downloader.",
		}),
		Duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "imageflow_http_download_seconds",
			Help:    "Time from request to fully read body.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) response(code int) {
	if m == nil {
		return
	}
	m.Responses.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) bytesRead(n int) {
	if m == nil {
		return
	}
	m.Bytes.Add(float64(n))
}

func (m *Metrics) observeDuration(seconds float64) {
	if m == nil {
		return
	}
	m.Duration.Observe(seconds)
}
