package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// FetchFields 描述一次被拦截的请求：走哪条策略、是否命中、网络模式。
func FetchFields(url, strategy, mode string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"url":       url,
		"strategy":  strategy,
		"mode":      mode,
		"cache_hit": cacheHit,
	}
}

// StoreFields 标识仓库与条目，供缓存读写、淘汰日志复用。
func StoreFields(store, key string) logrus.Fields {
	fields := logrus.Fields{"store": store}
	if key != "" {
		fields["key"] = key
	}
	return fields
}
