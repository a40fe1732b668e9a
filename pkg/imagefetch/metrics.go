package imagefetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for the requests counter.
const (
	OutcomeMemoryHit   = "memory_hit"
	OutcomeDiskHit     = "disk_hit"
	OutcomeDownloaded  = "downloaded"
	OutcomeNotModified = "not_modified"
	OutcomeDeclined    = "declined"
	OutcomeInvalid     = "invalid"
	OutcomeBlacklisted = "blacklisted"
	OutcomeTransient   = "transient_error"
	OutcomePermanent   = "permanent_error"
	OutcomeCancelled   = "cancelled"
)

// Metrics holds the coordinator's Prometheus collectors.
type Metrics struct {
	Requests   *prometheus.CounterVec
	Downloads  prometheus.Counter
	InFlight   prometheus.Gauge
	FailedURLs prometheus.Gauge
}

// NewMetrics registers the coordinator collectors with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "imageflow_requests_total",
			Help: "Image requests handled by the coordinator, by outcome.",
		}, []string{"outcome"}),
		Downloads: factory.NewCounter(prometheus.CounterOpts{
			Name: "imageflow_downloads_started_total",
			Help: "Network downloads started by the coordinator.",
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "imageflow_operations_in_flight",
			Help: "Operations currently registered as running.",
		}),
		FailedURLs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "imageflow_failed_urls",
			Help: "URLs currently blacklisted after a permanent failure.",
		}),
	}
}

func (m *Metrics) observe(outcome string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) downloadStarted() {
	if m == nil {
		return
	}
	m.Downloads.Inc()
}

func (m *Metrics) setInFlight(n int) {
	if m == nil {
		return
	}
	m.InFlight.Set(float64(n))
}

func (m *Metrics) setFailed(n int) {
	if m == nil {
		return
	}
	m.FailedURLs.Set(float64(n))
}
