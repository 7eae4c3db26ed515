package engine

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shelfquest/shelf-edge/internal/logging"
	"github.com/shelfquest/shelf-edge/internal/policy"
	"github.com/shelfquest/shelf-edge/internal/server"
)

// Handler 是引擎的 Fiber 适配层：把进站请求转换为 policy.Request，
// 执行策略后把终态响应写回客户端，任何阶段出错都会输出结构化日志。
type Handler struct {
	engine *Engine
	logger *logrus.Logger
}

// NewHandler constructs the fiber-facing handler around a shared engine.
func NewHandler(engine *Engine, logger *logrus.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, route *server.OriginRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	req := buildPolicyRequest(c, route)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := h.engine.Execute(ctx, req)
	if err != nil {
		h.logResult(route, req, nil, requestID, started, err)
		if requestID != "" {
			c.Set("X-Request-ID", requestID)
		}
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
	}

	writeHeaders(c, result.Header)
	c.Set("X-Shelf-Edge-Cache", result.CacheState)
	c.Set("X-Shelf-Edge-Upstream", route.UpstreamURL.String())
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(result.Status)

	h.logResult(route, req, result, requestID, started, nil)

	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(result.Body)
}

// buildPolicyRequest 把 Fiber 请求与来源配置组装为分类器输入，
// 上游 URL 在这里提前解析完成。
func buildPolicyRequest(c fiber.Ctx, route *server.OriginRoute) policy.Request {
	uri := c.Request().URI()
	clean := path.Clean("/" + string(uri.Path()))
	relative := &url.URL{Path: clean}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	target := route.UpstreamURL.ResolveReference(relative)

	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})

	var body []byte
	if raw := c.Body(); len(raw) > 0 {
		body = append([]byte(nil), raw...)
	}

	return policy.Request{
		Method:       c.Method(),
		URL:          target,
		OriginKind:   route.Kind,
		Destination:  header.Get("Sec-Fetch-Dest"),
		Header:       header,
		Credentialed: header.Get("Cookie") != "",
		Body:         body,
	}
}

func writeHeaders(c fiber.Ctx, header http.Header) {
	for key, values := range header {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func (h *Handler) logResult(
	route *server.OriginRoute,
	req policy.Request,
	result *Result,
	requestID string,
	started time.Time,
	err error,
) {
	cacheState := ""
	category := ""
	mode := ""
	rule := ""
	status := 0
	if result != nil {
		cacheState = result.CacheState
		category = result.Category
		mode = string(result.Mode)
		rule = result.Rule
		status = result.Status
	}

	fields := logging.RequestFields(
		route.Config.Name,
		string(route.Kind),
		category,
		mode,
		rule,
		cacheState,
	)
	fields["action"] = "proxy"
	fields["url"] = req.URL.String()
	fields["method"] = req.Method
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
