package processor

import (
	"sync/atomic"
	"time"
)

type ServiceMetrics struct {
	totalProcessed  int64
	totalFailed     int64
	totalDurationNs int64
	lastResetNs     int64
}

type MetricsSnapshot struct {
	TotalProcessed int64   `json:"total_processed"`
	TotalFailed    int64   `json:"total_failed"`
	RatePerSecond  float64 `json:"rate_per_second"`
	AvgDurationMs  int64   `json:"avg_duration_ms"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

func NewServiceMetrics() *ServiceMetrics {
	return &ServiceMetrics{
		lastResetNs: time.Now().UnixNano(),
	}
}

func (m *ServiceMetrics) RecordSuccess(duration time.Duration) {
	atomic.AddInt64(&m.totalProcessed, 1)
	atomic.AddInt64(&m.totalDurationNs, int64(duration))
}

// RecordFailure counts a NACKed job.
func (m *ServiceMetrics) RecordFailure() {
	atomic.AddInt64(&m.totalFailed, 1)
}

func (m *ServiceMetrics) Snapshot() MetricsSnapshot {
	processed := atomic.LoadInt64(&m.totalProcessed)
	durationNs := atomic.LoadInt64(&m.totalDurationNs)
	elapsed := time.Since(time.Unix(0, atomic.LoadInt64(&m.lastResetNs))).Seconds()

	snap := MetricsSnapshot{
		TotalProcessed: processed,
		TotalFailed:    atomic.LoadInt64(&m.totalFailed),
		UptimeSeconds:  elapsed,
	}
	if elapsed > 0 {
		snap.RatePerSecond = float64(processed) / elapsed
	}
	if processed > 0 {
		snap.AvgDurationMs = time.Duration(durationNs / processed).Milliseconds()
	}
	return snap
}

func (m *ServiceMetrics) Reset() {
	atomic.StoreInt64(&m.totalProcessed, 0)
	atomic.StoreInt64(&m.totalFailed, 0)
	atomic.StoreInt64(&m.totalDurationNs, 0)
	atomic.StoreInt64(&m.lastResetNs, time.Now().UnixNano())
}
