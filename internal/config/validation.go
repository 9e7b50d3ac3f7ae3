package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

var supportedStrategies = map[string]struct{}{
	"network-first": {},
	"network-only":  {},
	"cache-only":    {},
}

const supportedStrategyList = "network-first|network-only|cache-only"

var supportedBackends = map[string]struct{}{
	StoreBackendFile:   {},
	StoreBackendMemory: {},
	StoreBackendRedis:  {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedBackends[g.StoreBackend]; !ok {
		return newFieldError("Global.StoreBackend", "仅支持 file|memory|redis")
	}
	if g.StoreBackend == StoreBackendFile && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.StoreBackend == StoreBackendRedis && g.RedisAddr == "" {
		return newFieldError("Global.RedisAddr", "redis 后端必须配置地址")
	}
	if g.MaxStorageBytes < 0 {
		return newFieldError("Global.MaxStorageSize", "不能为负数")
	}
	if err := validateOrigin(g.Origin); err != nil {
		return fmt.Errorf("Global.Origin: %w", err)
	}
	if !strings.HasPrefix(g.Scope, "/") {
		return newFieldError("Global.Scope", "必须以 / 开头")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.NetworkTimeout.DurationValue() < 0 {
		return newFieldError("Global.NetworkTimeout", "不能为负数")
	}
	if g.InstallConcurrency <= 0 {
		return newFieldError("Global.InstallConcurrency", "必须大于 0")
	}
	if strings.TrimSpace(g.OfflinePath) == "" {
		return newFieldError("Global.OfflinePath", "不能为空")
	}
	for _, pattern := range g.IgnoreURLParameters {
		if _, err := regexp.Compile(pattern); err != nil {
			return newFieldError("Global.IgnoreURLParameters", fmt.Sprintf("非法正则 %q", pattern))
		}
	}
	if g.ProbeSchedule != "" {
		if _, err := cron.ParseStandard(g.ProbeSchedule); err != nil {
			return newFieldError("Global.ProbeSchedule", err.Error())
		}
	}

	seenNames := map[string]struct{}{}
	for i := range c.Rules {
		rule := &c.Rules[i]
		if rule.Name == "" {
			return newFieldError("Rule[].Name", "不能为空")
		}
		if _, exists := seenNames[rule.Name]; exists {
			return newFieldError(ruleField(rule.Name, "Name"), "重复")
		}
		seenNames[rule.Name] = struct{}{}

		if rule.Pattern == "" {
			return newFieldError(ruleField(rule.Name, "Pattern"), "不能为空")
		}
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return newFieldError(ruleField(rule.Name, "Pattern"), err.Error())
		}
		if _, ok := supportedStrategies[rule.Strategy]; !ok {
			return newFieldError(ruleField(rule.Name, "Strategy"), "仅支持 "+supportedStrategyList)
		}
		if rule.NetworkTimeout.DurationValue() < 0 {
			return newFieldError(ruleField(rule.Name, "NetworkTimeout"), "不能为负数")
		}
	}

	if err := validateManifestEntries("Manifest", c.Manifest); err != nil {
		return err
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("源站不应包含路径，请使用 Scope: %s", raw)
	}
	return nil
}
