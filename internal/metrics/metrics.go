// ============================================================================
// Toolshelf Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露截圖佇列與快取的運行指標
//
// 指標分類:
//
//   1. 佇列計數器 (Counter)：
//      - toolshelf_queue_jobs_enqueued_total: 入隊任務總數
//      - toolshelf_queue_jobs_started_total: 開始處理的任務總數
//      - toolshelf_queue_jobs_completed_total: 完成任務總數
//      - toolshelf_queue_jobs_failed_total: 失敗任務總數
//      - toolshelf_queue_jobs_timed_out_total: 超時任務總數
//      - toolshelf_queue_jobs_evicted_total: 被 TTL / 容量回收的任務總數
//
//   2. 佇列效能 (Histogram)：
//      - toolshelf_queue_job_latency_seconds: 單一任務執行時間
//
//   3. 佇列狀態 (Gauge)：
//      - toolshelf_queue_jobs_pending / toolshelf_queue_jobs_processing
//
//   4. 快取指標（以 cache 標籤區分不同快取）：
//      - toolshelf_cache_hits_total / toolshelf_cache_stale_hits_total
//      - toolshelf_cache_misses_total / toolshelf_cache_compute_errors_total
//      - toolshelf_cache_evictions_total / toolshelf_cache_entries
//
// Prometheus 查詢示例:
//
//   # 快取命中率
//   rate(toolshelf_cache_hits_total[5m]) /
//     (rate(toolshelf_cache_hits_total[5m]) + rate(toolshelf_cache_misses_total[5m]))
//
//   # 截圖失敗率
//   rate(toolshelf_queue_jobs_failed_total[5m]) / rate(toolshelf_queue_jobs_started_total[5m])
//
// 每個 Collector 擁有自己的 Registry，測試之間不會互相干擾。
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "toolshelf"

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry

	// 佇列相關指標
	jobsEnqueued  prometheus.Counter
	jobsStarted   prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsTimedOut  prometheus.Counter
	jobsEvicted   prometheus.Counter
	jobLatency    prometheus.Histogram

	// 佇列狀態指標
	jobsPending    prometheus.Gauge
	jobsProcessing prometheus.Gauge

	// 快取相關指標
	cacheHits          *prometheus.CounterVec
	cacheStaleHits     *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	cacheComputeErrors *prometheus.CounterVec
	cacheEvictions     *prometheus.CounterVec
	cacheEntries       *prometheus.GaugeVec
}

// NewCollector 創建新的指標收集器並註冊到 registry
//
// registry 為 nil 時建立新的 Registry，並附帶 Go runtime 與 process 指標。
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	c := &Collector{
		registry: registry,
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_enqueued_total",
			Help:      "Total number of screenshot jobs enqueued",
		}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_started_total",
			Help:      "Total number of jobs picked up by the drain loop",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_completed_total",
			Help:      "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_failed_total",
			Help:      "Total number of jobs failed",
		}),
		jobsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_timed_out_total",
			Help:      "Total number of jobs that exceeded their deadline",
		}),
		jobsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_evicted_total",
			Help:      "Total number of jobs removed by TTL sweep or capacity cap",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_job_latency_seconds",
			Help:      "Job processing latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs_pending",
			Help:      "Current number of pending jobs",
		}),
		jobsProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs_processing",
			Help:      "Current number of processing jobs",
		}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Fresh cache hits",
		}, []string{"cache"}),
		cacheStaleHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_stale_hits_total",
			Help:      "Stale hits served while a refresh runs",
		}, []string{"cache"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache misses that required a computation",
		}, []string{"cache"}),
		cacheComputeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_compute_errors_total",
			Help:      "Computations that returned an error",
		}, []string{"cache"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Entries removed by expiry sweep or capacity cap",
		}, []string{"cache"}),
		cacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Current number of in-memory cache entries",
		}, []string{"cache"}),
	}

	// 註冊所有指標
	registry.MustRegister(
		c.jobsEnqueued,
		c.jobsStarted,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsTimedOut,
		c.jobsEvicted,
		c.jobLatency,
		c.jobsPending,
		c.jobsProcessing,
		c.cacheHits,
		c.cacheStaleHits,
		c.cacheMisses,
		c.cacheComputeErrors,
		c.cacheEvictions,
		c.cacheEntries,
	)

	return c
}

// Registry 回傳底層 Registry（測試與自訂匯出用）
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 回傳 /metrics HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ============================================================================
// 佇列指標
// ============================================================================

// RecordEnqueue 記錄任務加入佇列
func (c *Collector) RecordEnqueue() {
	c.jobsEnqueued.Inc()
}

// RecordStarted 記錄任務開始處理
func (c *Collector) RecordStarted() {
	c.jobsStarted.Inc()
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(latencySeconds float64) {
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(latencySeconds)
}

// RecordFailed 記錄任務失敗
func (c *Collector) RecordFailed(latencySeconds float64) {
	c.jobsFailed.Inc()
	c.jobLatency.Observe(latencySeconds)
}

// RecordTimedOut 記錄任務超時
func (c *Collector) RecordTimedOut(latencySeconds float64) {
	c.jobsTimedOut.Inc()
	c.jobLatency.Observe(latencySeconds)
}

// RecordEvicted 記錄被回收的任務數
func (c *Collector) RecordEvicted(n int) {
	if n > 0 {
		c.jobsEvicted.Add(float64(n))
	}
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(pending, processing int) {
	c.jobsPending.Set(float64(pending))
	c.jobsProcessing.Set(float64(processing))
}

// ============================================================================
// 快取指標
// ============================================================================

// RecordCacheHit 記錄新鮮命中
func (c *Collector) RecordCacheHit(cache string) {
	c.cacheHits.WithLabelValues(cache).Inc()
}

// RecordCacheStaleHit 記錄過期但仍可用的命中
func (c *Collector) RecordCacheStaleHit(cache string) {
	c.cacheStaleHits.WithLabelValues(cache).Inc()
}

// RecordCacheMiss 記錄未命中
func (c *Collector) RecordCacheMiss(cache string) {
	c.cacheMisses.WithLabelValues(cache).Inc()
}

// RecordCacheComputeError 記錄計算失敗
func (c *Collector) RecordCacheComputeError(cache string) {
	c.cacheComputeErrors.WithLabelValues(cache).Inc()
}

// RecordCacheEviction 記錄被移除的快取項目數
func (c *Collector) RecordCacheEviction(cache string, n int) {
	if n > 0 {
		c.cacheEvictions.WithLabelValues(cache).Add(float64(n))
	}
}

// SetCacheEntries 設置目前快取項目數
func (c *Collector) SetCacheEntries(cache string, n int) {
	c.cacheEntries.WithLabelValues(cache).Set(float64(n))
}
