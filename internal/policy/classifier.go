package policy

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// OriginKind 标识请求落在哪类上游来源，由配置中的 Origin.Kind 决定。
type OriginKind string

const (
	OriginAPI     OriginKind = "api"
	OriginStorage OriginKind = "storage"
	OriginCovers  OriginKind = "covers"
	OriginFonts   OriginKind = "fonts"
	OriginStatic  OriginKind = "static"
)

// ParseOriginKind 解析配置中的来源类型，未知值返回 false。
func ParseOriginKind(raw string) (OriginKind, bool) {
	switch OriginKind(strings.ToLower(strings.TrimSpace(raw))) {
	case OriginAPI:
		return OriginAPI, true
	case OriginStorage:
		return OriginStorage, true
	case OriginCovers:
		return OriginCovers, true
	case OriginFonts:
		return OriginFonts, true
	case OriginStatic:
		return OriginStatic, true
	}
	return "", false
}

// Request 是分类器的输入描述：方法、解析后的上游 URL、来源类型、
// 资源目的类型（Sec-Fetch-Dest）、请求头与凭证模式。
type Request struct {
	Method       string
	URL          *url.URL
	OriginKind   OriginKind
	Destination  string
	Header       http.Header
	Credentialed bool
	// Body 仅用于非 GET 透传/离线入队，分类本身不读取它。
	Body []byte
}

// Decision 是分类结果：要么 Bypass（完全绕过缓存层），要么携带命中的策略。
// Rule 记录命中的规则名，供日志与测试断言使用。
type Decision struct {
	Bypass   bool
	Strategy Strategy
	Rule     string
}

// ClassifierOptions 聚合路径前缀类规则参数。
type ClassifierOptions struct {
	AuthPathPrefix  string
	AssetPathPrefix string
}

// Classifier 持有不可变策略表与路径规则，Classify 为纯函数。
type Classifier struct {
	table       map[string]Strategy
	authPrefix  string
	assetPrefix string
}

// NewClassifier 构造分类器；opts 中的空前缀回退到内置默认值。
func NewClassifier(table map[string]Strategy, opts ClassifierOptions) *Classifier {
	authPrefix := opts.AuthPathPrefix
	if authPrefix == "" {
		authPrefix = "/auth/"
	}
	assetPrefix := opts.AssetPathPrefix
	if assetPrefix == "" {
		assetPrefix = "/assets/"
	}
	if table == nil {
		table = DefaultStrategies()
	}
	return &Classifier{
		table:       table,
		authPrefix:  authPrefix,
		assetPrefix: assetPrefix,
	}
}

// Table 返回策略表的拷贝，供维护调度器与诊断端使用。
func (c *Classifier) Table() map[string]Strategy {
	result := make(map[string]Strategy, len(c.table))
	for category, strategy := range c.table {
		result[category] = strategy
	}
	return result
}

// Classify 按固定顺序评估规则，首条命中即返回；不可能落空，
// 最后一条默认规则把一切未匹配流量当作 API 处理。
func (c *Classifier) Classify(req Request) Decision {
	// 1. 非 GET 请求永不缓存。
	if !strings.EqualFold(req.Method, http.MethodGet) {
		return Decision{Bypass: true, Rule: "non_get_bypass"}
	}

	// 2. 显式 no-cache 请求直接绕过。
	if requestsNoCache(req.Header) {
		return Decision{Bypass: true, Rule: "no_cache_bypass"}
	}

	// 3. 鉴权命名空间 / Authorization 头 / 凭证模式 → network-only，
	//    避免把某个用户的会话数据从共享缓存回放给其他人。
	if c.isAuthTraffic(req) {
		return Decision{
			Strategy: Strategy{Mode: ModeNetworkOnly},
			Rule:     "auth_network_only",
		}
	}

	// 4. 后端 API 命名空间。
	if req.OriginKind == OriginAPI {
		return c.decision(CategoryAPI, "api_namespace")
	}

	// 5. 书籍正文文件（pdf/epub 或对象存储来源）。
	if isBookContent(req) {
		return c.decision(CategoryBooks, "book_content")
	}

	// 6. 封面等图片资源。
	if req.Destination == "image" || req.OriginKind == OriginCovers {
		return c.decision(CategoryCovers, "cover_image")
	}

	// 7. 字体域名，URL 级不可变。
	if req.OriginKind == OriginFonts || req.Destination == "font" {
		return c.decision(CategoryFonts, "font_asset")
	}

	// 8. 脚本/样式/worker 或 /assets/ 路径下的静态资源。
	if isStaticAsset(req, c.assetPrefix) {
		return c.decision(CategoryStatic, "static_asset")
	}

	// 9. 默认按 API 流量处理。
	return c.decision(CategoryAPI, "default_api")
}

func (c *Classifier) decision(category, rule string) Decision {
	return Decision{Strategy: c.table[category], Rule: rule}
}

func (c *Classifier) isAuthTraffic(req Request) bool {
	if req.Credentialed {
		return true
	}
	if req.Header.Get("Authorization") != "" {
		return true
	}
	if req.URL != nil && strings.HasPrefix(req.URL.Path, c.authPrefix) {
		return true
	}
	return false
}

func requestsNoCache(header http.Header) bool {
	for _, value := range header.Values("Cache-Control") {
		for _, directive := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(directive), "no-cache") {
				return true
			}
		}
	}
	return false
}

func isBookContent(req Request) bool {
	if req.OriginKind == OriginStorage {
		return true
	}
	if req.URL == nil {
		return false
	}
	switch strings.ToLower(path.Ext(req.URL.Path)) {
	case ".pdf", ".epub":
		return true
	}
	return false
}

func isStaticAsset(req Request, assetPrefix string) bool {
	switch req.Destination {
	case "script", "style", "worker":
		return true
	}
	if req.URL != nil && strings.HasPrefix(req.URL.Path, assetPrefix) {
		return true
	}
	return false
}
