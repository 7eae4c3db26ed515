package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shelfquest/shelf-edge/internal/cache"
	"github.com/shelfquest/shelf-edge/internal/metrics"
	"github.com/shelfquest/shelf-edge/internal/policy"
	"github.com/shelfquest/shelf-edge/internal/syncqueue"
)

// 缓存状态常量，写入 X-Shelf-Edge-Cache 响应头与日志字段。
const (
	StateHit     = "hit"
	StateMiss    = "miss"
	StateStale   = "stale"
	StateNetwork = "network"
	StateOffline = "offline"
	StateBypass  = "bypass"
	StateQueued  = "queued"
)

// offlineBody 是 API 流量在离线且无缓存时的合成响应体。
const offlineBody = `{"error":"Network unavailable","offline":true,"message":"This data is not available offline"}`

// swrRefreshTimeout 限制 stale-while-revalidate 的后台刷新时长。
const swrRefreshTimeout = 30 * time.Second

// Result 是一次策略执行的终态响应。
type Result struct {
	Status     int
	Header     http.Header
	Body       []byte
	CacheState string
	Category   string
	Mode       policy.Mode
	Rule       string
}

// Options 聚合引擎的全部依赖，构造后不再变化。
type Options struct {
	Client     *http.Client
	Store      cache.Store
	Classifier *policy.Classifier
	Logger     *logrus.Logger
	Metrics    *metrics.Set
	Queue      *syncqueue.Queue
	Now        func() time.Time
}

// Engine 持有注入的缓存存储、上游客户端与策略分类器。
// 实例可被任意并发复用；所有状态都在存储层。
type Engine struct {
	client     *http.Client
	store      cache.Store
	classifier *policy.Classifier
	logger     *logrus.Logger
	metrics    *metrics.Set
	queue      *syncqueue.Queue
	now        func() time.Time
}

// New 校验依赖并构造引擎。Metrics/Queue 可为 nil。
func New(opts Options) (*Engine, error) {
	if opts.Client == nil {
		return nil, errors.New("http client is required")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Classifier == nil {
		return nil, errors.New("classifier is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		client:     opts.Client,
		store:      opts.Store,
		classifier: opts.Classifier,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		queue:      opts.Queue,
		now:        now,
	}, nil
}

// Execute 对单个请求运行分类与对应执行器，返回终态响应。
// 返回 error 表示网络失败且无任何兜底（调用方转译为 502）。
func (e *Engine) Execute(ctx context.Context, req policy.Request) (*Result, error) {
	decision := e.classifier.Classify(req)
	if decision.Bypass {
		return e.passthrough(ctx, req, decision)
	}

	if decision.Strategy.Mode == policy.ModeNetworkOnly {
		return e.networkOnly(ctx, req, decision)
	}

	part := e.openPartition(ctx, decision.Strategy)

	switch decision.Strategy.Mode {
	case policy.ModeCacheFirst:
		return e.cacheFirst(ctx, req, decision, part)
	case policy.ModeNetworkFirst:
		return e.networkFirst(ctx, req, decision, part)
	case policy.ModeStaleWhileRevalidate:
		return e.staleWhileRevalidate(ctx, req, decision, part)
	case policy.ModeCacheOnly:
		return e.cacheOnly(ctx, req, decision, part)
	}
	return nil, fmt.Errorf("unhandled cache mode: %s", decision.Strategy.Mode)
}

// passthrough 处理绕过缓存的请求（非 GET 或显式 no-cache）。
// 非 GET 的 API 变更在网络不可用时转入离线写回队列。
func (e *Engine) passthrough(ctx context.Context, req policy.Request, decision policy.Decision) (*Result, error) {
	resp, err := e.fetch(ctx, req, 0)
	if err != nil {
		if e.shouldQueueMutation(req) {
			return e.queueMutation(ctx, req, decision)
		}
		return nil, err
	}
	return networkResult(resp, StateBypass, decision), nil
}

// networkOnly 永不读写任何分区，网络错误原样向上传播。
func (e *Engine) networkOnly(ctx context.Context, req policy.Request, decision policy.Decision) (*Result, error) {
	resp, err := e.fetch(ctx, req, 0)
	if err != nil {
		return nil, err
	}
	return networkResult(resp, StateNetwork, decision), nil
}

// cacheFirst 新鲜命中直接返回；否则回源并写回；回源失败时允许
// 过期条目兜底，连兜底都没有才向上传播错误。
func (e *Engine) cacheFirst(ctx context.Context, req policy.Request, decision policy.Decision, part cache.Partition) (*Result, error) {
	strat := decision.Strategy
	cached := e.match(ctx, part, req)
	if cached != nil && e.isFresh(cached.entry, strat.TTL) {
		e.metrics.CacheResult(strat.Category, StateHit)
		return cachedResult(cached, StateHit, decision), nil
	}

	resp, err := e.fetch(ctx, req, 0)
	if err == nil && !isServerFailure(resp.Status) {
		e.put(ctx, part, req, resp)
		e.metrics.CacheResult(strat.Category, StateMiss)
		return networkResult(resp, StateMiss, decision), nil
	}

	if cached != nil {
		// 过期兜底：网络不可达时宁可陈旧也不失败。
		e.metrics.CacheResult(strat.Category, StateStale)
		return cachedResult(cached, StateStale, decision), nil
	}
	if err != nil {
		return nil, err
	}
	return networkResult(resp, StateMiss, decision), nil
}

// networkFirst 在策略超时内回源；失败或超时回退缓存；API 流量在
// 无缓存时合成结构化离线 503。
func (e *Engine) networkFirst(ctx context.Context, req policy.Request, decision policy.Decision, part cache.Partition) (*Result, error) {
	strat := decision.Strategy
	resp, err := e.fetch(ctx, req, strat.NetworkTimeout)
	if err == nil && !isServerFailure(resp.Status) {
		e.put(ctx, part, req, resp)
		e.metrics.CacheResult(strat.Category, StateNetwork)
		return networkResult(resp, StateNetwork, decision), nil
	}

	if cached := e.match(ctx, part, req); cached != nil {
		e.metrics.CacheResult(strat.Category, StateStale)
		return cachedResult(cached, StateStale, decision), nil
	}

	if strat.Category == policy.CategoryAPI {
		e.metrics.OfflineResponse()
		return offlineResult(decision), nil
	}
	if err != nil {
		return nil, err
	}
	return networkResult(resp, StateNetwork, decision), nil
}

// staleWhileRevalidate 有缓存立即返回并在后台刷新；无缓存时退化为
// 阻塞回源（等同 cacheFirst 的网络分支）。
func (e *Engine) staleWhileRevalidate(ctx context.Context, req policy.Request, decision policy.Decision, part cache.Partition) (*Result, error) {
	strat := decision.Strategy
	if cached := e.match(ctx, part, req); cached != nil {
		state := StateHit
		if !e.isFresh(cached.entry, strat.TTL) {
			state = StateStale
		}
		e.metrics.CacheResult(strat.Category, state)
		go e.revalidate(req, strat)
		return cachedResult(cached, state, decision), nil
	}

	resp, err := e.fetch(ctx, req, 0)
	if err != nil {
		return nil, err
	}
	e.put(ctx, part, req, resp)
	e.metrics.CacheResult(strat.Category, StateMiss)
	return networkResult(resp, StateMiss, decision), nil
}

// cacheOnly 只读缓存，未命中返回明确的 404 "Not cached"。
func (e *Engine) cacheOnly(ctx context.Context, req policy.Request, decision policy.Decision, part cache.Partition) (*Result, error) {
	if cached := e.match(ctx, part, req); cached != nil {
		e.metrics.CacheResult(decision.Strategy.Category, StateHit)
		return cachedResult(cached, StateHit, decision), nil
	}
	e.metrics.CacheResult(decision.Strategy.Category, StateMiss)
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return &Result{
		Status:     http.StatusNotFound,
		Header:     header,
		Body:       []byte("Not cached"),
		CacheState: StateMiss,
		Category:   decision.Strategy.Category,
		Mode:       decision.Strategy.Mode,
		Rule:       decision.Rule,
	}, nil
}

// revalidate 是 SWR 的后台刷新：独立 context，结果只写缓存，
// 不影响已经返回给调用方的响应；失败静默（debug 级日志）。
func (e *Engine) revalidate(req policy.Request, strat policy.Strategy) {
	ctx, cancel := context.WithTimeout(context.Background(), swrRefreshTimeout)
	defer cancel()

	resp, err := e.fetch(ctx, req, 0)
	if err != nil || resp.Status != http.StatusOK {
		e.logger.WithFields(logrus.Fields{
			"action":   "swr_refresh",
			"category": strat.Category,
			"url":      req.URL.String(),
		}).Debug("swr_refresh_failed")
		return
	}

	part := e.openPartition(ctx, strat)
	e.put(ctx, part, req, resp)
}

func (e *Engine) shouldQueueMutation(req policy.Request) bool {
	return e.queue != nil &&
		req.OriginKind == policy.OriginAPI &&
		!isReadMethod(req.Method)
}

// queueMutation 把离线期间失败的 API 变更写入写回队列并应答 202。
func (e *Engine) queueMutation(ctx context.Context, req policy.Request, decision policy.Decision) (*Result, error) {
	item := syncqueue.Item{
		Method:  req.Method,
		URL:     req.URL.String(),
		Header:  pickReplayHeaders(req.Header),
		Payload: req.Body,
	}
	if _, err := e.queue.Enqueue(ctx, item); err != nil {
		e.logger.WithFields(logrus.Fields{
			"action": "sync_enqueue",
			"url":    item.URL,
		}).WithError(err).Warn("sync_enqueue_failed")
		return nil, fmt.Errorf("queue mutation: %w", err)
	}
	e.metrics.SyncEnqueued()

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &Result{
		Status:     http.StatusAccepted,
		Header:     header,
		Body:       []byte(`{"queued":true,"offline":true}`),
		CacheState: StateQueued,
		Mode:       policy.ModeNetworkOnly,
		Rule:       decision.Rule,
	}, nil
}

// openPartition 打开策略对应的分区；存储故障降级为 nil（按未命中处理）。
func (e *Engine) openPartition(ctx context.Context, strat policy.Strategy) cache.Partition {
	part, err := e.store.Open(ctx, strat.Category)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"action":   "cache_open",
			"category": strat.Category,
		}).WithError(err).Warn("cache_open_failed")
		return nil
	}
	return part
}

func (e *Engine) isFresh(entry cache.Entry, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return entry.Age(e.now()) < ttl
}

// isServerFailure 把 5xx 视为网络层失败，走各策略的兜底分支；
// 4xx 是上游的明确应答，原样透传且不缓存。
func isServerFailure(status int) bool {
	return status >= http.StatusInternalServerError
}

func isCacheableStatus(status int) bool {
	return status == http.StatusOK
}

func isReadMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// pickReplayHeaders 只保留回放所需的内容协商头，凭证头不落盘。
func pickReplayHeaders(header http.Header) http.Header {
	result := http.Header{}
	for _, name := range []string{"Content-Type", "Accept", "X-Request-ID"} {
		if value := header.Get(name); value != "" {
			result.Set(name, value)
		}
	}
	return result
}
