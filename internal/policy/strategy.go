package policy

import (
	"strings"
	"time"
)

// Mode 枚举五种策略执行模式，取代散落的字符串开关。
type Mode string

const (
	ModeCacheFirst           Mode = "cache-first"
	ModeNetworkFirst         Mode = "network-first"
	ModeStaleWhileRevalidate Mode = "stale-while-revalidate"
	ModeCacheOnly            Mode = "cache-only"
	ModeNetworkOnly          Mode = "network-only"
)

// ParseMode 将配置字符串解析为 Mode，未知值返回 false。
func ParseMode(raw string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeCacheFirst:
		return ModeCacheFirst, true
	case ModeNetworkFirst:
		return ModeNetworkFirst, true
	case ModeStaleWhileRevalidate:
		return ModeStaleWhileRevalidate, true
	case ModeCacheOnly:
		return ModeCacheOnly, true
	case ModeNetworkOnly:
		return ModeNetworkOnly, true
	}
	return "", false
}

// 分区类别常量。分区目录名为 {prefix}-{version}-{category}，
// 类别名一旦发布即不可变更，否则旧缓存将整体失效。
const (
	CategoryAPI    = "api"
	CategoryBooks  = "books"
	CategoryCovers = "covers"
	CategoryFonts  = "fonts"
	CategoryStatic = "static"
)

// Categories 返回全部已知类别，顺序固定，供维护调度器遍历。
func Categories() []string {
	return []string{CategoryAPI, CategoryBooks, CategoryCovers, CategoryFonts, CategoryStatic}
}

// KnownCategory 判断类别名是否合法，供配置校验使用。
func KnownCategory(name string) bool {
	switch name {
	case CategoryAPI, CategoryBooks, CategoryCovers, CategoryFonts, CategoryStatic:
		return true
	}
	return false
}

// Strategy 是一条不可变的策略配置：执行模式 + 分区 + 新鲜度与容量参数。
// 所有字段在进程启动时确定，运行期间不再变化。
type Strategy struct {
	Category       string
	Mode           Mode
	TTL            time.Duration
	MaxEntries     int
	NetworkTimeout time.Duration
}

// Override 表示配置文件对某个类别默认策略的覆盖项，零值字段不生效。
type Override struct {
	Mode           Mode
	TTL            time.Duration
	MaxEntries     int
	NetworkTimeout time.Duration
}

// DefaultStrategies 返回内置策略表。static 类别采用
// stale-while-revalidate（运行时配置变体）；legacy 的 cache-first
// 行为可通过 Override 恢复，但不是默认值。
func DefaultStrategies() map[string]Strategy {
	return map[string]Strategy{
		CategoryAPI: {
			Category:       CategoryAPI,
			Mode:           ModeNetworkFirst,
			TTL:            24 * time.Hour,
			MaxEntries:     150,
			NetworkTimeout: 10 * time.Second,
		},
		CategoryBooks: {
			Category:   CategoryBooks,
			Mode:       ModeCacheFirst,
			TTL:        30 * 24 * time.Hour,
			MaxEntries: 50,
		},
		CategoryCovers: {
			Category:   CategoryCovers,
			Mode:       ModeStaleWhileRevalidate,
			TTL:        14 * 24 * time.Hour,
			MaxEntries: 500,
		},
		CategoryFonts: {
			Category:   CategoryFonts,
			Mode:       ModeCacheFirst,
			TTL:        365 * 24 * time.Hour,
			MaxEntries: 30,
		},
		CategoryStatic: {
			Category:   CategoryStatic,
			Mode:       ModeStaleWhileRevalidate,
			TTL:        24 * time.Hour,
			MaxEntries: 100,
		},
	}
}

// BuildTable 将覆盖项合并进默认策略表，返回新的不可变副本。
func BuildTable(overrides map[string]Override) map[string]Strategy {
	table := DefaultStrategies()
	for category, override := range overrides {
		strategy, ok := table[category]
		if !ok {
			continue
		}
		if override.Mode != "" {
			strategy.Mode = override.Mode
		}
		if override.TTL > 0 {
			strategy.TTL = override.TTL
		}
		if override.MaxEntries > 0 {
			strategy.MaxEntries = override.MaxEntries
		}
		if override.NetworkTimeout > 0 {
			strategy.NetworkTimeout = override.NetworkTimeout
		}
		table[category] = strategy
	}
	return table
}
