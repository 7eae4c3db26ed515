package routes

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/shelfquest/shelf-edge/internal/cache"
	"github.com/shelfquest/shelf-edge/internal/maintenance"
	"github.com/shelfquest/shelf-edge/internal/metrics"
	"github.com/shelfquest/shelf-edge/internal/notify"
	"github.com/shelfquest/shelf-edge/internal/policy"
	"github.com/shelfquest/shelf-edge/internal/server"
	"github.com/shelfquest/shelf-edge/internal/syncqueue"
	"github.com/shelfquest/shelf-edge/internal/version"
)

// Deps 聚合诊断端点需要的协作组件，nil 字段对应的端点不注册。
type Deps struct {
	Registry  *server.OriginRegistry
	Store     cache.Store
	Table     map[string]policy.Strategy
	Scheduler *maintenance.Scheduler
	Queue     *syncqueue.Queue
	Replay    func(context.Context, syncqueue.Item) error
	Notify    *notify.Hub
	Metrics   *metrics.Set
}

// RegisterDiagnosticsRoutes 暴露 /-/ 命名空间下的诊断与控制接口：
// 健康检查、状态总览、维护触发、队列回放、推送中继与指标。
func RegisterDiagnosticsRoutes(app *fiber.App, deps Deps) {
	if app == nil {
		return
	}

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "version": version.Full()})
	})

	registerStatusRoute(app, deps)
	registerMaintenanceRoutes(app, deps)
	registerSyncRoutes(app, deps)
	registerNotifyRoutes(app, deps)

	if deps.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(deps.Metrics.Handler()))
	}
}

type strategyPayload struct {
	Category       string `json:"category"`
	Mode           string `json:"mode"`
	TTLSeconds     int64  `json:"ttl_seconds"`
	MaxEntries     int    `json:"max_entries"`
	TimeoutSeconds int64  `json:"network_timeout_seconds,omitempty"`
}

type originPayload struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Domain   string `json:"domain"`
	Upstream string `json:"upstream"`
}

type partitionPayload struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

func registerStatusRoute(app *fiber.App, deps Deps) {
	app.Get("/-/status", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"version":    version.Full(),
			"strategies": encodeStrategies(deps.Table),
			"origins":    encodeOrigins(deps.Registry),
		}
		if deps.Store != nil {
			payload["partitions"] = encodePartitions(c, deps)
		}
		if deps.Queue != nil {
			if pending, err := deps.Queue.Len(c.Context()); err == nil {
				payload["sync_queue_pending"] = pending
			}
		}
		return c.JSON(payload)
	})
}

func registerMaintenanceRoutes(app *fiber.App, deps Deps) {
	if deps.Scheduler == nil {
		return
	}
	// 宿主页面的 "cleanup caches" 消息信号落在这里。
	app.Post("/-/cleanup", func(c fiber.Ctx) error {
		deps.Scheduler.Trigger()
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "scheduled"})
	})
}

func registerSyncRoutes(app *fiber.App, deps Deps) {
	if deps.Queue == nil || deps.Replay == nil {
		return
	}
	app.Post("/-/sync/drain", func(c fiber.Ctx) error {
		ctx := c.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		replayed, err := deps.Queue.Drain(ctx, deps.Replay)
		pending, _ := deps.Queue.Len(ctx)
		if err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"replayed": replayed,
				"pending":  pending,
				"error":    "replay_failed",
			})
		}
		return c.JSON(fiber.Map{"replayed": replayed, "pending": pending})
	})
}

func registerNotifyRoutes(app *fiber.App, deps Deps) {
	if deps.Notify == nil {
		return
	}

	app.Post("/-/push", func(c fiber.Ctx) error {
		var incoming notify.Notification
		if err := c.Bind().Body(&incoming); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		}
		stored := deps.Notify.Push(incoming)
		return c.Status(fiber.StatusCreated).JSON(stored)
	})

	app.Get("/-/notifications", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"notifications": deps.Notify.Pending()})
	})

	app.Post("/-/notifications/:id/click", func(c fiber.Ctx) error {
		id := strings.TrimSpace(c.Params("id"))
		target, ok := deps.Notify.Click(id)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "notification_not_found"})
		}
		// 对应 notificationclick 的导航/聚焦动作，由客户端完成跳转。
		return c.JSON(fiber.Map{"navigate": target})
	})
}

func encodeStrategies(table map[string]policy.Strategy) []strategyPayload {
	if len(table) == 0 {
		table = policy.DefaultStrategies()
	}
	result := make([]strategyPayload, 0, len(table))
	for _, strategy := range table {
		result = append(result, strategyPayload{
			Category:       strategy.Category,
			Mode:           string(strategy.Mode),
			TTLSeconds:     int64(strategy.TTL / time.Second),
			MaxEntries:     strategy.MaxEntries,
			TimeoutSeconds: int64(strategy.NetworkTimeout / time.Second),
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Category < result[j].Category
	})
	return result
}

func encodeOrigins(registry *server.OriginRegistry) []originPayload {
	if registry == nil {
		return nil
	}
	routes := registry.List()
	if len(routes) == 0 {
		return nil
	}
	result := make([]originPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, originPayload{
			Name:     route.Config.Name,
			Kind:     string(route.Kind),
			Domain:   route.Config.Domain,
			Upstream: route.Config.Upstream,
		})
	}
	return result
}

func encodePartitions(c fiber.Ctx, deps Deps) []partitionPayload {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	names, err := deps.Store.ListPartitionNames(ctx)
	if err != nil {
		return nil
	}
	result := make([]partitionPayload, 0, len(names))
	for _, name := range names {
		payload := partitionPayload{Name: name}
		if category, ok := partitionCategory(name, deps.Table); ok {
			if part, err := deps.Store.Open(ctx, category); err == nil && part.Name() == name {
				if entries, err := part.Keys(ctx); err == nil {
					payload.Entries = len(entries)
				}
			}
		}
		result = append(result, payload)
	}
	return result
}

// partitionCategory 从分区名还原类别；旧版本分区返回 false。
func partitionCategory(name string, table map[string]policy.Strategy) (string, bool) {
	for category := range table {
		if strings.HasSuffix(name, "-"+category) {
			return category, true
		}
	}
	return "", false
}
