// Package metrics exposes refresh activity as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"pricerefresh/internal/refresh"
)

const namespace = "pricerefresh"

// Refresh implements refresh.Metrics.
type Refresh struct {
	Fetches         *prometheus.CounterVec
	FetchDuration   *prometheus.HistogramVec
	ActiveGroups    prometheus.Gauge
	Runs            *prometheus.CounterVec
	ModifiedFlushes *prometheus.CounterVec
}

var _ refresh.Metrics = (*Refresh)(nil)

// New registers the refresh collectors with reg.
func New(reg prometheus.Registerer) *Refresh {
	f := promauto.With(reg)
	return &Refresh{
		Fetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Feed fetches by feed, refresh kind and outcome",
		}, []string{"feed", "kind", "outcome"}),
		FetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Time taken by a feed fetch including storing the result",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"feed", "kind"}),
		ActiveGroups: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_groups",
			Help:      "Group workers currently draining their queue",
		}),
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished refresh runs by portfolio and result",
		}, []string{"portfolio", "result"}),
		ModifiedFlushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "modified_flushes_total",
			Help:      "Times a portfolio was marked modified",
		}, []string{"portfolio"}),
	}
}

func (m *Refresh) ObserveFetch(feedID, kind, outcome string, d time.Duration) {
	m.Fetches.WithLabelValues(feedID, kind, outcome).Inc()
	m.FetchDuration.WithLabelValues(feedID, kind).Observe(d.Seconds())
}

func (m *Refresh) GroupStarted()  { m.ActiveGroups.Inc() }
func (m *Refresh) GroupFinished() { m.ActiveGroups.Dec() }

func (m *Refresh) RunFinished(portfolioID string, cancelled bool) {
	result := "completed"
	if cancelled {
		result = "cancelled"
	}
	m.Runs.WithLabelValues(portfolioID, result).Inc()
}

func (m *Refresh) ModifiedFlushed(portfolioID string) {
	m.ModifiedFlushes.WithLabelValues(portfolioID).Inc()
}

// SinkStats is implemented by progress sinks that may lose events.
type SinkStats interface {
	Dropped() int64
	Failed() int64
}

// RegisterSink exposes the loss counters of a progress sink.
func RegisterSink(reg prometheus.Registerer, name string, s SinkStats) {
	f := promauto.With(reg)
	labels := prometheus.Labels{"sink": name}
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "sink_dropped_events_total",
		Help:        "Progress events dropped because the sink buffer was full",
		ConstLabels: labels,
	}, func() float64 { return float64(s.Dropped()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "sink_failed_events_total",
		Help:        "Progress events the sink could not deliver after retries",
		ConstLabels: labels,
	}, func() float64 { return float64(s.Failed()) })
}
