package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/shelfquest/shelf-edge/internal/policy"
)

const supportedOriginKindList = "api|storage|covers|fonts|static"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if strings.Contains(g.CachePrefix, "-") {
		return newFieldError("Global.CachePrefix", "不允许包含 '-'")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.MaintenanceInterval.DurationValue() <= 0 {
		return newFieldError("Global.MaintenanceInterval", "必须大于 0")
	}
	if !strings.HasPrefix(g.AuthPathPrefix, "/") {
		return newFieldError("Global.AuthPathPrefix", "必须以 / 开头")
	}
	if !strings.HasPrefix(g.AssetPathPrefix, "/") {
		return newFieldError("Global.AssetPathPrefix", "必须以 / 开头")
	}

	if len(c.Origins) == 0 {
		return errors.New("至少需要配置一个 Origin")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Origins {
		origin := &c.Origins[i]
		if origin.Name == "" {
			return newFieldError("Origin[].Name", "不能为空")
		}
		if _, exists := seenNames[origin.Name]; exists {
			return newFieldError(originField(origin.Name, "Name"), "重复")
		}
		seenNames[origin.Name] = struct{}{}

		if err := validateDomain(origin.Domain); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Domain"), err)
		}
		normalizedDomain := strings.ToLower(strings.TrimSpace(origin.Domain))
		if _, exists := seenDomains[normalizedDomain]; exists {
			return newFieldError(originField(origin.Name, "Domain"), "重复")
		}
		seenDomains[normalizedDomain] = struct{}{}

		if _, ok := policy.ParseOriginKind(origin.Kind); !ok {
			return newFieldError(originField(origin.Name, "Kind"), "仅支持 "+supportedOriginKindList)
		}

		if err := validateUpstream(origin.Upstream); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Upstream"), err)
		}
	}

	for category, strategy := range c.Strategies {
		normalized := strings.ToLower(strings.TrimSpace(category))
		if !policy.KnownCategory(normalized) {
			return newFieldError(fmt.Sprintf("Strategy[%s]", category), "未知缓存类别")
		}
		if strategy.Mode != "" {
			if _, ok := policy.ParseMode(strategy.Mode); !ok {
				return newFieldError(fmt.Sprintf("Strategy[%s].Mode", category),
					"仅支持 cache-first/network-first/stale-while-revalidate/cache-only/network-only")
			}
		}
		if strategy.MaxEntries < 0 {
			return newFieldError(fmt.Sprintf("Strategy[%s].MaxEntries", category), "不能为负数")
		}
		if strategy.TTL.DurationValue() < 0 {
			return newFieldError(fmt.Sprintf("Strategy[%s].TTL", category), "不能为负数")
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
