package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set 聚合引擎关心的 Prometheus 指标。nil 接收者等价于关闭指标，
// 方便单元测试直接传 nil。
type Set struct {
	registry *prometheus.Registry

	cacheResults     *prometheus.CounterVec
	evictions        *prometheus.CounterVec
	offlineResponses prometheus.Counter
	syncEnqueued     prometheus.Counter
	syncReplayed     prometheus.Counter
}

// NewSet 注册全部指标并返回集合，进程内创建一次。
func NewSet() *Set {
	registry := prometheus.NewRegistry()

	set := &Set{
		registry: registry,
		cacheResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shelf_edge",
			Name:      "cache_results_total",
			Help:      "Cache lookups by partition category and result (hit/miss/stale).",
		}, []string{"category", "result"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shelf_edge",
			Name:      "cache_evictions_total",
			Help:      "Entries evicted by the maintenance scheduler.",
		}, []string{"category"}),
		offlineResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shelf_edge",
			Name:      "offline_responses_total",
			Help:      "Synthesized 503 offline responses returned to callers.",
		}),
		syncEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shelf_edge",
			Name:      "sync_queue_enqueued_total",
			Help:      "Mutations captured into the offline write-back queue.",
		}),
		syncReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shelf_edge",
			Name:      "sync_queue_replayed_total",
			Help:      "Queued mutations successfully replayed upstream.",
		}),
	}

	registry.MustRegister(
		set.cacheResults,
		set.evictions,
		set.offlineResponses,
		set.syncEnqueued,
		set.syncReplayed,
	)
	return set
}

// Handler 返回 /-/metrics 使用的标准 promhttp handler。
func (s *Set) Handler() http.Handler {
	if s == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// CacheResult 记录一次缓存判定结果，result 取 hit/miss/stale。
func (s *Set) CacheResult(category, result string) {
	if s == nil {
		return
	}
	s.cacheResults.WithLabelValues(category, result).Inc()
}

// Evicted 记录容量维护删除的条目数。
func (s *Set) Evicted(category string, count int) {
	if s == nil || count <= 0 {
		return
	}
	s.evictions.WithLabelValues(category).Add(float64(count))
}

// OfflineResponse 记录一次合成的离线 503 响应。
func (s *Set) OfflineResponse() {
	if s == nil {
		return
	}
	s.offlineResponses.Inc()
}

// SyncEnqueued 记录一次离线写回入队。
func (s *Set) SyncEnqueued() {
	if s == nil {
		return
	}
	s.syncEnqueued.Inc()
}

// SyncReplayed 记录一次成功的队列重放。
func (s *Set) SyncReplayed() {
	if s == nil {
		return
	}
	s.syncReplayed.Inc()
}
