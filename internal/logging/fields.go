package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 origin/策略/缓存状态字段，供代理请求日志复用。
func RequestFields(origin, originKind, category, mode, rule, cacheState string) logrus.Fields {
	return logrus.Fields{
		"origin":      origin,
		"origin_kind": originKind,
		"category":    category,
		"mode":        mode,
		"rule":        rule,
		"cache_state": cacheState,
	}
}
