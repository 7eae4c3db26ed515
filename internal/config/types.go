package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shelfquest/shelf-edge/internal/policy"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有来源共享同一份参数。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// StoragePath 是缓存分区根目录；SyncQueuePath 是离线写回队列的
	// SQLite 文件，留空时落在 StoragePath 下。
	StoragePath   string `mapstructure:"StoragePath"`
	SyncQueuePath string `mapstructure:"SyncQueuePath"`

	// CachePrefix/CacheVersion 共同决定分区名 {prefix}-{version}-{category}。
	// CacheVersion 留空时使用构建版本号，发布即自动滚动。
	CachePrefix  string `mapstructure:"CachePrefix"`
	CacheVersion string `mapstructure:"CacheVersion"`

	AuthPathPrefix  string `mapstructure:"AuthPathPrefix"`
	AssetPathPrefix string `mapstructure:"AssetPathPrefix"`

	// PrecacheAssets 是 install 阶段预取进 static 分区的关键路径资产。
	PrecacheAssets []string `mapstructure:"PrecacheAssets"`

	UpstreamTimeout     Duration `mapstructure:"UpstreamTimeout"`
	MaintenanceInterval Duration `mapstructure:"MaintenanceInterval"`
}

// OriginConfig 决定单个上游来源如何被路由与分类。
type OriginConfig struct {
	Name     string `mapstructure:"Name"`
	Domain   string `mapstructure:"Domain"`
	Upstream string `mapstructure:"Upstream"`
	Kind     string `mapstructure:"Kind"`
}

// StrategyConfig 是对某个类别默认缓存策略的覆盖项，零值字段不生效。
type StrategyConfig struct {
	Mode           string   `mapstructure:"Mode"`
	TTL            Duration `mapstructure:"TTL"`
	MaxEntries     int      `mapstructure:"MaxEntries"`
	NetworkTimeout Duration `mapstructure:"NetworkTimeout"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global     GlobalConfig              `mapstructure:",squash"`
	Origins    []OriginConfig            `mapstructure:"Origin"`
	Strategies map[string]StrategyConfig `mapstructure:"Strategy"`
}

// StrategyOverrides 将配置覆盖项转换为策略表可消费的形式。
func (c *Config) StrategyOverrides() map[string]policy.Override {
	if len(c.Strategies) == 0 {
		return nil
	}
	overrides := make(map[string]policy.Override, len(c.Strategies))
	for category, raw := range c.Strategies {
		override := policy.Override{
			TTL:            raw.TTL.DurationValue(),
			MaxEntries:     raw.MaxEntries,
			NetworkTimeout: raw.NetworkTimeout.DurationValue(),
		}
		if mode, ok := policy.ParseMode(raw.Mode); ok {
			override.Mode = mode
		}
		overrides[strings.ToLower(category)] = override
	}
	return overrides
}

// OriginKinds 返回所有来源的类型摘要，例如 api:api、cdn:covers，供启动日志使用。
func OriginKinds(origins []OriginConfig) []string {
	if len(origins) == 0 {
		return nil
	}
	result := make([]string, len(origins))
	for i, origin := range origins {
		result[i] = fmt.Sprintf("%s:%s", origin.Name, origin.Kind)
	}
	return result
}
