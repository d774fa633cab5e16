package cache

import (
	"time"

	"custodychain/internal/metrics"
)

func recordHit(backend string) {
	metrics.CacheHitsTotal.WithLabelValues(backend).Inc()
}

func recordMiss(backend string) {
	metrics.CacheMissesTotal.WithLabelValues(backend).Inc()
}

// observe 记录缓存操作延迟
func observe(backend, operation string, start time.Time) {
	metrics.CacheOperationDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
}
