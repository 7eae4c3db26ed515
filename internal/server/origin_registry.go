package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/shelfquest/shelf-edge/internal/config"
	"github.com/shelfquest/shelf-edge/internal/policy"
)

// OriginRoute 将来源配置与派生属性（类型、解析后的 Upstream URL）聚合
// 在一起，供路由/引擎层直接复用，避免重复解析配置。
type OriginRoute struct {
	// Config 是用户在 config.toml 中声明的 Origin 字段副本。
	Config config.OriginConfig
	// Kind 决定分类器如何看待落在该来源上的请求。
	Kind policy.OriginKind
	// UpstreamURL 在构造 Registry 时提前解析完成。
	UpstreamURL *url.URL
	// ListenPort 记录当前 CLI 监听端口，方便日志输出。
	ListenPort int
}

// OriginRegistry 提供 Host/Host:port 到 OriginRoute 的查询能力。
type OriginRegistry struct {
	routes  map[string]*OriginRoute
	ordered []*OriginRoute
}

// NewOriginRegistry 根据配置构建 Host 映射。启动阶段创建一次并复用。
func NewOriginRegistry(cfg *config.Config) (*OriginRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &OriginRegistry{
		routes: make(map[string]*OriginRoute, len(cfg.Origins)),
	}

	for _, origin := range cfg.Origins {
		normalizedHost := normalizeDomain(origin.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for origin %s", origin.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		route, err := buildOriginRoute(cfg, origin)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 OriginRoute。
func (r *OriginRegistry) Lookup(host string) (*OriginRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// List 返回当前注册的 OriginRoute 列表（按配置定义的顺序），供诊断输出。
func (r *OriginRegistry) List() []OriginRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]OriginRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

// ByKind 返回第一个匹配类型的来源，install 预取需要定位 static 来源。
func (r *OriginRegistry) ByKind(kind policy.OriginKind) (*OriginRoute, bool) {
	if r == nil {
		return nil, false
	}
	for _, route := range r.ordered {
		if route.Kind == kind {
			return route, true
		}
	}
	return nil, false
}

func buildOriginRoute(cfg *config.Config, origin config.OriginConfig) (*OriginRoute, error) {
	kind, ok := policy.ParseOriginKind(origin.Kind)
	if !ok {
		return nil, fmt.Errorf("origin %s: unknown kind %q", origin.Name, origin.Kind)
	}

	upstreamURL, err := url.Parse(origin.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for origin %s: %w", origin.Name, err)
	}

	return &OriginRoute{
		Config:      origin,
		Kind:        kind,
		UpstreamURL: upstreamURL,
		ListenPort:  cfg.Global.ListenPort,
	}, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
