// internal/utils/metrics/metrics.go
package metrics

import (
	"time"
)

// RecordQuote записывает исход и задержку одного запроса getAmountsOut
func (c *Collector) RecordQuote(outcome string, duration time.Duration) {
	if vec, ok := c.counter(QuoteCounterType); ok {
		vec.WithLabelValues(outcome).Inc()
	}
	if vec, ok := c.histogram(QuoteLatencyType); ok {
		vec.WithLabelValues(outcome).Observe(duration.Seconds())
	}
}

// RecordDispatch записывает исход запроса к воркеру
func (c *Collector) RecordDispatch(outcome string, duration time.Duration) {
	if vec, ok := c.counter(DispatchCounterType); ok {
		vec.WithLabelValues(outcome).Inc()
	}
	if vec, ok := c.histogram(DispatchDurationType); ok {
		vec.WithLabelValues(outcome).Observe(duration.Seconds())
	}
}

// SetPending обновляет количество ожидающих запросов
func (c *Collector) SetPending(n int) {
	if vec, ok := c.gauge(PendingRequestsType); ok {
		vec.WithLabelValues().Set(float64(n))
	}
}

// RecordWorkerStart считает создание воркера
func (c *Collector) RecordWorkerStart(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	if vec, ok := c.counter(WorkerRestartsType); ok {
		vec.WithLabelValues(result).Inc()
	}
}

// RecordCache считает операции кэша
func (c *Collector) RecordCache(op, result string) {
	if vec, ok := c.counter(CacheCounterType); ok {
		vec.WithLabelValues(op, result).Inc()
	}
}

// RecordRefresh считает решения контроллера обновления
func (c *Collector) RecordRefresh(trigger, decision string) {
	if vec, ok := c.counter(RefreshCounterType); ok {
		vec.WithLabelValues(trigger, decision).Inc()
	}
}

// SetPortfolioValue публикует последнее отображенное значение портфеля
func (c *Collector) SetPortfolioValue(source string, value float64) {
	if vec, ok := c.gauge(PortfolioValueType); ok {
		vec.WithLabelValues(source).Set(value)
	}
}
