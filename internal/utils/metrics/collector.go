// internal/utils/metrics/collector.go
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricType представляет тип метрики
type MetricType string

const (
	QuoteCounterType      MetricType = "quote_counter"
	QuoteLatencyType      MetricType = "quote_latency"
	DispatchCounterType   MetricType = "dispatch_counter"
	DispatchDurationType  MetricType = "dispatch_duration"
	PendingRequestsType   MetricType = "pending_requests"
	WorkerRestartsType    MetricType = "worker_restarts"
	CacheCounterType      MetricType = "cache_counter"
	RefreshCounterType    MetricType = "refresh_counter"
	PortfolioValueType    MetricType = "portfolio_value"
	namespace                        = "amm_valuator"
)

// Collector управляет набором метрик пайплайна оценки. A nil *Collector is
// valid and records nothing.
type Collector struct {
	metrics sync.Map
}

// NewCollector creates the metric vectors and registers them with reg.
// Passing nil skips registration, which keeps tests independent.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{}
	c.initializeMetrics(reg)
	return c
}

func (c *Collector) initializeMetrics(reg prometheus.Registerer) {
	metricsMap := map[MetricType]prometheus.Collector{
		QuoteCounterType: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quotes_total",
				Help:      "Router quotes issued, by outcome",
			},
			[]string{"outcome"},
		),
		QuoteLatencyType: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "quote_latency_seconds",
				Help:      "getAmountsOut round-trip latency in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"outcome"},
		),
		DispatchCounterType: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Offload channel requests, by outcome",
			},
			[]string{"outcome"},
		),
		DispatchDurationType: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Time from dispatch to settlement in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"outcome"},
		),
		PendingRequestsType: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_requests",
				Help:      "Requests awaiting a worker response",
			},
			[]string{},
		),
		WorkerRestartsType: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_starts_total",
				Help:      "Worker creations, by result",
			},
			[]string{"result"},
		),
		CacheCounterType: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_operations_total",
				Help:      "Result cache operations, by operation and result",
			},
			[]string{"op", "result"},
		),
		RefreshCounterType: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_triggers_total",
				Help:      "Refresh triggers, by trigger and decision",
			},
			[]string{"trigger", "decision"},
		),
		PortfolioValueType: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "portfolio_value",
				Help:      "Last displayed portfolio total in the display unit",
			},
			[]string{"source"},
		),
	}

	for metricType, metric := range metricsMap {
		c.metrics.Store(metricType, metric)
		if reg != nil {
			reg.MustRegister(metric)
		}
	}
}

// Reset сбрасывает все метрики (полезно для тестирования)
func (c *Collector) Reset() {
	if c == nil {
		return
	}
	c.metrics.Range(func(_, value interface{}) bool {
		switch m := value.(type) {
		case *prometheus.CounterVec:
			m.Reset()
		case *prometheus.GaugeVec:
			m.Reset()
		case *prometheus.HistogramVec:
			m.Reset()
		}
		return true
	})
}

func (c *Collector) counter(t MetricType) (*prometheus.CounterVec, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.metrics.Load(t)
	if !ok {
		return nil, false
	}
	vec, ok := v.(*prometheus.CounterVec)
	return vec, ok
}

func (c *Collector) histogram(t MetricType) (*prometheus.HistogramVec, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.metrics.Load(t)
	if !ok {
		return nil, false
	}
	vec, ok := v.(*prometheus.HistogramVec)
	return vec, ok
}

func (c *Collector) gauge(t MetricType) (*prometheus.GaugeVec, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.metrics.Load(t)
	if !ok {
		return nil, false
	}
	vec, ok := v.(*prometheus.GaugeVec)
	return vec, ok
}
