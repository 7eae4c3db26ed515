package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shelfquest/shelf-edge/internal/cache"
	"github.com/shelfquest/shelf-edge/internal/metrics"
	"github.com/shelfquest/shelf-edge/internal/policy"
)

// Scheduler 负责两类维护：激活时的版本清理、定时/按需的容量维护。
// 每个分区的维护互相隔离，单个分区失败只记日志不中断其余分区。
type Scheduler struct {
	store    cache.Store
	table    map[string]policy.Strategy
	logger   *logrus.Logger
	metrics  *metrics.Set
	prefix   string
	version  string
	interval time.Duration
	signal   chan struct{}

	// drainSync 可选：每轮维护顺带尝试一次写回队列回放。
	drainSync func(context.Context)
}

// Options 聚合调度器依赖。Interval 为 0 时默认一小时。
type Options struct {
	Store     cache.Store
	Table     map[string]policy.Strategy
	Logger    *logrus.Logger
	Metrics   *metrics.Set
	Prefix    string
	Version   string
	Interval  time.Duration
	DrainSync func(context.Context)
}

// New 构造调度器。
func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Prefix == "" || opts.Version == "" {
		return nil, errors.New("cache prefix and version required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	table := opts.Table
	if table == nil {
		table = policy.DefaultStrategies()
	}
	return &Scheduler{
		store:     opts.Store,
		table:     table,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		prefix:    opts.Prefix,
		version:   opts.Version,
		interval:  interval,
		signal:    make(chan struct{}, 1),
		drainSync: opts.DrainSync,
	}, nil
}

// CleanupVersions 枚举所有属于本引擎前缀、但版本标签不是当前值的
// 分区并整体删除。每次激活（进程启动）运行一次。
func (s *Scheduler) CleanupVersions(ctx context.Context) error {
	names, err := s.store.ListPartitionNames(ctx)
	if err != nil {
		return err
	}

	removed := 0
	for _, name := range names {
		if !cache.BelongsToPrefix(name, s.prefix) {
			continue
		}
		if cache.MatchesVersion(name, s.prefix, s.version) {
			continue
		}
		if err := s.store.DeletePartition(ctx, name); err != nil {
			s.logger.WithFields(logrus.Fields{
				"action":    "version_cleanup",
				"partition": name,
			}).WithError(err).Warn("partition_delete_failed")
			continue
		}
		removed++
	}

	s.logger.WithFields(logrus.Fields{
		"action":  "version_cleanup",
		"version": s.version,
		"removed": removed,
	}).Info("version_cleanup_complete")
	return nil
}

// EnforceLimits 对每个配置了容量上限的分区执行淘汰：按新鲜度戳升序
// 删除超额的最旧条目，保留 maxEntries 条最近写入的记录。
func (s *Scheduler) EnforceLimits(ctx context.Context) {
	for _, category := range policy.Categories() {
		strategy, ok := s.table[category]
		if !ok || strategy.MaxEntries <= 0 {
			continue
		}
		if err := s.enforcePartition(ctx, strategy); err != nil {
			// 单分区失败隔离，继续处理其余分区。
			s.logger.WithFields(logrus.Fields{
				"action":   "size_enforcement",
				"category": category,
			}).WithError(err).Warn("partition_enforcement_failed")
		}
	}

	if s.drainSync != nil {
		s.drainSync(ctx)
	}
}

func (s *Scheduler) enforcePartition(ctx context.Context, strategy policy.Strategy) error {
	part, err := s.store.Open(ctx, strategy.Category)
	if err != nil {
		return err
	}

	entries, err := part.Keys(ctx)
	if err != nil {
		return err
	}
	excess := len(entries) - strategy.MaxEntries
	if excess <= 0 {
		return nil
	}

	// Keys 已按 WrittenAt 升序返回，前 excess 条即最旧条目。
	deleted := 0
	for _, entry := range entries[:excess] {
		if err := part.Delete(ctx, entry.Key); err != nil {
			s.logger.WithFields(logrus.Fields{
				"action":    "size_enforcement",
				"partition": part.Name(),
				"key":       entry.Key.String(),
			}).WithError(err).Warn("entry_delete_failed")
			continue
		}
		deleted++
	}

	s.metrics.Evicted(strategy.Category, deleted)
	s.logger.WithFields(logrus.Fields{
		"action":    "size_enforcement",
		"partition": part.Name(),
		"deleted":   deleted,
		"max":       strategy.MaxEntries,
	}).Info("size_enforcement_complete")
	return nil
}

// Trigger 请求一次带外维护，来自宿主页面的 cleanup 信号走这里。
// 信号通道带缓冲，重复触发会合并。
func (s *Scheduler) Trigger() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Run 以固定周期执行容量维护，并响应 Trigger 信号；ctx 取消后返回。
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.EnforceLimits(ctx)
		case <-s.signal:
			s.EnforceLimits(ctx)
		}
	}
}
