package integration

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shelfquest/shelf-edge/internal/cache"
	"github.com/shelfquest/shelf-edge/internal/config"
	"github.com/shelfquest/shelf-edge/internal/engine"
	"github.com/shelfquest/shelf-edge/internal/maintenance"
	"github.com/shelfquest/shelf-edge/internal/metrics"
	"github.com/shelfquest/shelf-edge/internal/notify"
	"github.com/shelfquest/shelf-edge/internal/policy"
	"github.com/shelfquest/shelf-edge/internal/server"
	"github.com/shelfquest/shelf-edge/internal/server/routes"
	"github.com/shelfquest/shelf-edge/internal/syncqueue"
)

const (
	testCachePrefix  = "shelfquest"
	testCacheVersion = "v1.3.0"
)

// edgeEnv 把完整的引擎栈（注册表、磁盘分区、写回队列、策略表、
// 调度器与 Fiber 应用）装配到一个临时目录里，供各集成测试复用。
type edgeEnv struct {
	t      *testing.T
	app    *fiber.App
	store  cache.Store
	queue  *syncqueue.Queue
	engine *engine.Engine
	table  map[string]policy.Strategy
	sched  *maintenance.Scheduler
	notify *notify.Hub
	cfg    *config.Config
}

func newEdgeEnv(t *testing.T, origins ...config.OriginConfig) *edgeEnv {
	return newEdgeEnvWith(t, nil, origins...)
}

// newEdgeEnvWith 允许按类别覆盖默认策略（比如把 TTL 压到毫秒级以便
// 测试过期分支）。
func newEdgeEnvWith(t *testing.T, overrides map[string]policy.Override, origins ...config.OriginConfig) *edgeEnv {
	t.Helper()

	storageDir := t.TempDir()
	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:          8600,
			StoragePath:         storageDir,
			SyncQueuePath:       filepath.Join(storageDir, "sync-queue.db"),
			CachePrefix:         testCachePrefix,
			CacheVersion:        testCacheVersion,
			AuthPathPrefix:      "/auth/",
			AssetPathPrefix:     "/assets/",
			UpstreamTimeout:     config.Duration(5 * time.Second),
			MaintenanceInterval: config.Duration(time.Hour),
		},
		Origins: origins,
	}

	registry, err := server.NewOriginRegistry(cfg)
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := cache.NewStore(storageDir, testCachePrefix, testCacheVersion)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}

	queue, err := syncqueue.Open(cfg.Global.SyncQueuePath, logger)
	if err != nil {
		t.Fatalf("queue error: %v", err)
	}
	t.Cleanup(func() { _ = queue.Close() })

	table := policy.BuildTable(overrides)
	classifier := policy.NewClassifier(table, policy.ClassifierOptions{})
	client := server.NewUpstreamClient(cfg)

	eng, err := engine.New(engine.Options{
		Client:     client,
		Store:      store,
		Classifier: classifier,
		Logger:     logger,
		Metrics:    metrics.NewSet(),
		Queue:      queue,
	})
	if err != nil {
		t.Fatalf("engine error: %v", err)
	}

	sched, err := maintenance.New(maintenance.Options{
		Store:   store,
		Table:   table,
		Logger:  logger,
		Prefix:  testCachePrefix,
		Version: testCacheVersion,
	})
	if err != nil {
		t.Fatalf("scheduler error: %v", err)
	}

	hub := notify.NewHub(logger)

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      engine.NewHandler(eng, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	routes.RegisterDiagnosticsRoutes(app, routes.Deps{
		Registry:  registry,
		Store:     store,
		Table:     table,
		Scheduler: sched,
		Queue:     queue,
		Replay:    eng.Replay,
		Notify:    hub,
		Metrics:   metrics.NewSet(),
	})

	return &edgeEnv{
		t:      t,
		app:    app,
		store:  store,
		queue:  queue,
		engine: eng,
		table:  table,
		sched:  sched,
		notify: hub,
		cfg:    cfg,
	}
}

// request 通过 Fiber 的进程内测试入口发起一次请求，Host 决定来源路由。
func (env *edgeEnv) request(method, host, path string, body io.Reader, header map[string]string) *http.Response {
	env.t.Helper()

	req := httptest.NewRequest(method, "http://"+host+path, body)
	req.Host = host
	for key, value := range header {
		req.Header.Set(key, value)
	}

	resp, err := env.app.Test(req)
	if err != nil {
		env.t.Fatalf("app.Test error: %v", err)
	}
	return resp
}

func (env *edgeEnv) get(host, path string, header map[string]string) *http.Response {
	return env.request(http.MethodGet, host, path, nil, header)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("读取响应体失败: %v", err)
	}
	return string(body)
}

// flakyUpstream 是可切换离线状态的上游模拟器：离线时直接掐断连接，
// 在客户端侧表现为传输层错误而不是 HTTP 状态码。
type flakyUpstream struct {
	*httptest.Server

	offline atomic.Bool
	hits    atomic.Int32
	delay   atomic.Int64

	mu       sync.Mutex
	body     []byte
	status   int
	recorded []recordedRequest
}

type recordedRequest struct {
	Method string
	Path   string
	Body   []byte
}

func newFlakyUpstream(t *testing.T, body string) *flakyUpstream {
	t.Helper()

	stub := &flakyUpstream{body: []byte(body), status: http.StatusOK}
	stub.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if stub.offline.Load() {
			hijacker, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("响应不支持 Hijack，无法模拟断网")
			}
			conn, _, err := hijacker.Hijack()
			if err != nil {
				t.Fatalf("Hijack 失败: %v", err)
			}
			_ = conn.Close()
			return
		}

		if wait := time.Duration(stub.delay.Load()); wait > 0 {
			time.Sleep(wait)
		}

		payload, _ := io.ReadAll(r.Body)
		stub.mu.Lock()
		stub.recorded = append(stub.recorded, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Body:   payload,
		})
		responseBody := append([]byte(nil), stub.body...)
		status := stub.status
		stub.mu.Unlock()

		stub.hits.Add(1)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(status)
		_, _ = w.Write(responseBody)
	}))
	t.Cleanup(stub.Close)
	return stub
}

func (s *flakyUpstream) SetBody(body string) {
	s.mu.Lock()
	s.body = []byte(body)
	s.mu.Unlock()
}

func (s *flakyUpstream) SetStatus(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *flakyUpstream) SetDelay(d time.Duration) {
	s.delay.Store(int64(d))
}

func (s *flakyUpstream) SetOffline(offline bool) {
	s.offline.Store(offline)
}

func (s *flakyUpstream) Hits() int {
	return int(s.hits.Load())
}

func (s *flakyUpstream) Requests() []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]recordedRequest, len(s.recorded))
	copy(result, s.recorded)
	return result
}

func originFor(name, domain, upstream, kind string) config.OriginConfig {
	return config.OriginConfig{
		Name:     name,
		Domain:   domain,
		Upstream: upstream,
		Kind:     kind,
	}
}
