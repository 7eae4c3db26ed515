package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shelfquest/shelf-edge/internal/policy"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}

const minimalOrigin = `
[[Origin]]
Name = "api"
Domain = "api.shelfquest.local"
Upstream = "https://api.shelfquest.org"
Kind = "api"
`

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
StoragePath = "./storage"
`+minimalOrigin)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}

	g := cfg.Global
	if g.ListenPort != 8600 {
		t.Fatalf("默认端口不符: %d", g.ListenPort)
	}
	if g.LogLevel != "info" {
		t.Fatalf("默认日志级别不符: %s", g.LogLevel)
	}
	if g.CachePrefix != "shelfquest" {
		t.Fatalf("默认缓存前缀不符: %s", g.CachePrefix)
	}
	if g.CacheVersion == "" {
		t.Fatal("缓存版本应回退到构建版本号")
	}
	if g.AuthPathPrefix != "/auth/" || g.AssetPathPrefix != "/assets/" {
		t.Fatalf("默认路径前缀不符: %s %s", g.AuthPathPrefix, g.AssetPathPrefix)
	}
	if g.UpstreamTimeout.DurationValue() != 30*time.Second {
		t.Fatalf("默认上游超时不符: %s", g.UpstreamTimeout.DurationValue())
	}
	if g.MaintenanceInterval.DurationValue() != time.Hour {
		t.Fatalf("默认维护间隔不符: %s", g.MaintenanceInterval.DurationValue())
	}
	if !filepath.IsAbs(g.StoragePath) {
		t.Fatalf("存储路径应转为绝对路径: %s", g.StoragePath)
	}
	if g.SyncQueuePath != filepath.Join(g.StoragePath, "sync-queue.db") {
		t.Fatalf("队列路径应落在存储目录下: %s", g.SyncQueuePath)
	}
}

func TestLoadParsesOriginsAndStrategies(t *testing.T) {
	path := writeConfig(t, `
StoragePath = "./storage"
ListenPort = 9000
CacheVersion = "v2.0.0"
MaintenanceInterval = "30m"
PrecacheAssets = ["/", "/index.html"]

[[Origin]]
Name = "app"
Domain = "App.ShelfQuest.Local"
Upstream = "https://app.shelfquest.org"
Kind = "STATIC"

[[Origin]]
Name = "api"
Domain = "api.shelfquest.local"
Upstream = "https://api.shelfquest.org"
Kind = "api"

[Strategy.covers]
Mode = "cache-first"
TTL = "720h"
MaxEntries = 200

[Strategy.api]
NetworkTimeout = "5s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if len(cfg.Origins) != 2 {
		t.Fatalf("期望 2 个来源，得到 %d", len(cfg.Origins))
	}
	if cfg.Origins[0].Kind != "static" {
		t.Fatalf("Kind 应归一为小写: %s", cfg.Origins[0].Kind)
	}
	if len(cfg.Global.PrecacheAssets) != 2 {
		t.Fatalf("预取资产不符: %v", cfg.Global.PrecacheAssets)
	}
	if cfg.Global.MaintenanceInterval.DurationValue() != 30*time.Minute {
		t.Fatalf("维护间隔不符: %s", cfg.Global.MaintenanceInterval.DurationValue())
	}

	overrides := cfg.StrategyOverrides()
	covers, ok := overrides["covers"]
	if !ok {
		t.Fatalf("覆盖项缺少 covers: %v", overrides)
	}
	if covers.Mode != policy.ModeCacheFirst || covers.TTL != 720*time.Hour || covers.MaxEntries != 200 {
		t.Fatalf("covers 覆盖项不符: %+v", covers)
	}
	if overrides["api"].NetworkTimeout != 5*time.Second {
		t.Fatalf("api 覆盖项不符: %+v", overrides["api"])
	}

	table := policy.BuildTable(overrides)
	if table["covers"].Mode != policy.ModeCacheFirst {
		t.Fatalf("策略表未应用覆盖: %+v", table["covers"])
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("缺失文件应报错")
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name    string
		content string
		field   string
	}{
		{
			name: "unknown origin kind",
			content: `
StoragePath = "./storage"
[[Origin]]
Name = "legacy"
Domain = "legacy.local"
Upstream = "https://legacy.org"
Kind = "ftp"
`,
			field: "Kind",
		},
		{
			name: "duplicate domain",
			content: `
StoragePath = "./storage"
[[Origin]]
Name = "a"
Domain = "same.local"
Upstream = "https://a.org"
Kind = "api"
[[Origin]]
Name = "b"
Domain = "same.local"
Upstream = "https://b.org"
Kind = "static"
`,
			field: "Domain",
		},
		{
			name: "domain with scheme",
			content: `
StoragePath = "./storage"
[[Origin]]
Name = "api"
Domain = "https://api.local"
Upstream = "https://api.org"
Kind = "api"
`,
			field: "Domain",
		},
		{
			name: "upstream without scheme",
			content: `
StoragePath = "./storage"
[[Origin]]
Name = "api"
Domain = "api.local"
Upstream = "api.org"
Kind = "api"
`,
			field: "Upstream",
		},
		{
			name: "dashed cache prefix",
			content: `
StoragePath = "./storage"
CachePrefix = "shelf-quest"
` + minimalOrigin,
			field: "CachePrefix",
		},
		{
			name: "unknown strategy category",
			content: `
StoragePath = "./storage"
[Strategy.media]
Mode = "cache-first"
` + minimalOrigin,
			field: "Strategy[media]",
		},
		{
			name: "unknown strategy mode",
			content: `
StoragePath = "./storage"
[Strategy.api]
Mode = "cache-maybe"
` + minimalOrigin,
			field: "Strategy[api].Mode",
		},
		{
			name:    "no origins",
			content: `StoragePath = "./storage"`,
			field:   "Origin",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			if err == nil {
				t.Fatal("非法配置应报错")
			}
			if !strings.Contains(err.Error(), tc.field) {
				t.Fatalf("错误信息应指向 %s，得到 %v", tc.field, err)
			}
		})
	}
}

func TestValidateFieldErrorType(t *testing.T) {
	_, err := Load(writeConfig(t, `
StoragePath = "./storage"
ListenPort = 70000
`+minimalOrigin))
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("应返回 FieldError，得到 %T: %v", err, err)
	}
	if fieldErr.Field != "Global.ListenPort" {
		t.Fatalf("字段路径不符: %s", fieldErr.Field)
	}
}

func TestDurationDecodeForms(t *testing.T) {
	path := writeConfig(t, `
StoragePath = "./storage"
UpstreamTimeout = 15
MaintenanceInterval = "90m"
`+minimalOrigin)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 15*time.Second {
		t.Fatalf("整数应按秒解析: %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.MaintenanceInterval.DurationValue() != 90*time.Minute {
		t.Fatalf("duration 字符串解析不符: %s", cfg.Global.MaintenanceInterval.DurationValue())
	}
}
