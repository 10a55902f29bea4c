// Package monitor tracks engine-level counters and latency histograms
// exposed on the metrics endpoint.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SyncMetrics tracks the sync engine's performance.
type SyncMetrics struct {
	// Latency histograms
	SyncLatency    *LatencyHistogram
	GatewayLatency *LatencyHistogram

	// Counters
	syncRuns      uint64
	syncErrors    uint64
	cacheHits     uint64
	tradesWritten uint64
	tradesClosed  uint64

	lastUpdate time.Time
}

// NewSyncMetrics creates a new metrics instance.
func NewSyncMetrics() *SyncMetrics {
	return &SyncMetrics{
		SyncLatency:    NewLatencyHistogram(1000),
		GatewayLatency: NewLatencyHistogram(1000),
		lastUpdate:     time.Now(),
	}
}

// LatencyHistogram tracks latency samples with a sliding window and
// lazily recomputed stats.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99. Recomputes only when
// samples have changed.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// IncrementSyncs increments the completed sync counter.
func (m *SyncMetrics) IncrementSyncs() {
	atomic.AddUint64(&m.syncRuns, 1)
}

// IncrementSyncErrors increments the failed sync counter.
func (m *SyncMetrics) IncrementSyncErrors() {
	atomic.AddUint64(&m.syncErrors, 1)
}

// IncrementCacheHits increments the short-circuit counter.
func (m *SyncMetrics) IncrementCacheHits() {
	atomic.AddUint64(&m.cacheHits, 1)
}

// AddTradesWritten adds created plus updated rows of one run.
func (m *SyncMetrics) AddTradesWritten(n int) {
	if n > 0 {
		atomic.AddUint64(&m.tradesWritten, uint64(n))
	}
}

// AddTradesClosed adds closure-pass closures of one run.
func (m *SyncMetrics) AddTradesClosed(n int) {
	if n > 0 {
		atomic.AddUint64(&m.tradesClosed, uint64(n))
	}
}

// MetricsSnapshot is a point-in-time view for the metrics endpoint.
type MetricsSnapshot struct {
	SyncLatency    LatencyStats `json:"sync_latency"`
	GatewayLatency LatencyStats `json:"gateway_latency"`
	SyncRuns       uint64       `json:"sync_runs"`
	SyncErrors     uint64       `json:"sync_errors"`
	CacheHits      uint64       `json:"cache_hits"`
	TradesWritten  uint64       `json:"trades_written"`
	TradesClosed   uint64       `json:"trades_closed"`
	GoroutineCount int          `json:"goroutine_count"`
	HeapAlloc      uint64       `json:"heap_alloc_bytes"`
	HeapSys        uint64       `json:"heap_sys_bytes"`
	Timestamp      time.Time    `json:"timestamp"`
}

// GetSnapshot returns the current snapshot.
func (m *SyncMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		SyncLatency:    m.SyncLatency.Stats(),
		GatewayLatency: m.GatewayLatency.Stats(),
		SyncRuns:       atomic.LoadUint64(&m.syncRuns),
		SyncErrors:     atomic.LoadUint64(&m.syncErrors),
		CacheHits:      atomic.LoadUint64(&m.cacheHits),
		TradesWritten:  atomic.LoadUint64(&m.tradesWritten),
		TradesClosed:   atomic.LoadUint64(&m.tradesClosed),
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      memStats.HeapAlloc,
		HeapSys:        memStats.HeapSys,
		Timestamp:      time.Now(),
	}
}

// Timer measures one operation into a histogram.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records elapsed time.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
