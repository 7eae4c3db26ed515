package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/shelfquest/shelf-edge/internal/cache"
	"github.com/shelfquest/shelf-edge/internal/config"
	"github.com/shelfquest/shelf-edge/internal/engine"
	"github.com/shelfquest/shelf-edge/internal/logging"
	"github.com/shelfquest/shelf-edge/internal/maintenance"
	"github.com/shelfquest/shelf-edge/internal/metrics"
	"github.com/shelfquest/shelf-edge/internal/notify"
	"github.com/shelfquest/shelf-edge/internal/policy"
	"github.com/shelfquest/shelf-edge/internal/server"
	"github.com/shelfquest/shelf-edge/internal/server/routes"
	"github.com/shelfquest/shelf-edge/internal/syncqueue"
	"github.com/shelfquest/shelf-edge/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origins"] = config.OriginKinds(cfg.Origins)
		fields["strategies"] = len(cfg.Strategies)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	registry, err := server.NewOriginRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建来源注册表失败: %v\n", err)
		return 1
	}

	// 启动顺序固定为“配置 → 注册表 → 磁盘分区 → 写回队列 → 引擎 →
	// 维护调度 → Fiber server”，所有请求共享同一套存储与策略实例。
	store, err := cache.NewStore(cfg.Global.StoragePath, cfg.Global.CachePrefix, cfg.Global.CacheVersion)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	queue, err := syncqueue.Open(cfg.Global.SyncQueuePath, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化写回队列失败: %v\n", err)
		return 1
	}
	defer queue.Close()

	table := policy.BuildTable(cfg.StrategyOverrides())
	classifier := policy.NewClassifier(table, policy.ClassifierOptions{
		AuthPathPrefix:  cfg.Global.AuthPathPrefix,
		AssetPathPrefix: cfg.Global.AssetPathPrefix,
	})

	metricSet := metrics.NewSet()
	httpClient := server.NewUpstreamClient(cfg)

	eng, err := engine.New(engine.Options{
		Client:     httpClient,
		Store:      store,
		Classifier: classifier,
		Logger:     logger,
		Metrics:    metricSet,
		Queue:      queue,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建缓存引擎失败: %v\n", err)
		return 1
	}

	scheduler, err := maintenance.New(maintenance.Options{
		Store:    store,
		Table:    table,
		Logger:   logger,
		Metrics:  metricSet,
		Prefix:   cfg.Global.CachePrefix,
		Version:  cfg.Global.CacheVersion,
		Interval: cfg.Global.MaintenanceInterval.DurationValue(),
		DrainSync: func(ctx context.Context) {
			if _, err := queue.Drain(ctx, eng.Replay); err != nil {
				logger.WithFields(logrus.Fields{
					"action": "sync_drain",
				}).WithError(err).Warn("写回队列回放中断")
			}
		},
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建维护调度器失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origins"] = config.OriginKinds(cfg.Origins)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["cache_version"] = cfg.Global.CacheVersion
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx := context.Background()

	// install/activate：预取关键资产，随后清掉旧版本分区立即接管流量。
	lifecycle := &server.Lifecycle{
		Store:    store,
		Client:   httpClient,
		Registry: registry,
		Logger:   logger,
		Assets:   cfg.Global.PrecacheAssets,
	}
	lifecycle.Install(ctx)
	if err := scheduler.CleanupVersions(ctx); err != nil {
		logger.WithFields(logrus.Fields{
			"action": "activate",
		}).WithError(err).Warn("旧版本分区清理失败")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go scheduler.Run(schedCtx)

	notifyHub := notify.NewHub(logger)
	handler := engine.NewHandler(eng, logger)

	if err := startHTTPServer(cfg, registry, handler, logger, routes.Deps{
		Registry:  registry,
		Store:     store,
		Table:     table,
		Scheduler: scheduler,
		Queue:     queue,
		Replay:    eng.Replay,
		Notify:    notifyHub,
		Metrics:   metricSet,
	}); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shelf-edge", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELF_EDGE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SHELF_EDGE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(cfg *config.Config, registry *server.OriginRegistry, proxyHandler server.ProxyHandler, logger *logrus.Logger, deps routes.Deps) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, deps)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
