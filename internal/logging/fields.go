package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供方法/URL/来源/请求 ID 字段，source 取 gateway 或 origin。
func RequestFields(method, url, source, requestID string) logrus.Fields {
	fields := logrus.Fields{
		"action": "proxy",
		"method": method,
		"url":    url,
		"source": source,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}

// LifecycleFields 描述 install/activate 等生命周期阶段的日志字段。
func LifecycleFields(phase, cacheName string) logrus.Fields {
	return logrus.Fields{
		"action":     "lifecycle",
		"phase":      phase,
		"cache_name": cacheName,
	}
}
