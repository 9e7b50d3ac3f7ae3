package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
// ManifestPath 指向的 JSON 清单会一并加载到 FileManifest。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Rules {
		applyRuleDefaults(&cfg.Rules[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StoragePath != "" {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	if cfg.Global.ManifestPath != "" {
		manifestPath := cfg.Global.ManifestPath
		if !filepath.IsAbs(manifestPath) {
			manifestPath = filepath.Join(filepath.Dir(path), manifestPath)
		}
		entries, err := LoadManifest(manifestPath)
		if err != nil {
			return nil, err
		}
		cfg.Global.ManifestPath = manifestPath
		cfg.FileManifest = entries
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StoreBackend", StoreBackendFile)
	v.SetDefault("MaxStorageSize", 256*1024*1024)
	v.SetDefault("CompressBodies", false)
	v.SetDefault("RedisKeyPrefix", "swgate")
	v.SetDefault("Scope", "/")
	v.SetDefault("CacheNamePrefix", "swgate")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("NetworkTimeout", 0)
	v.SetDefault("FallbackToNetwork", true)
	v.SetDefault("OfflinePath", "offline.html")
	v.SetDefault("InstallConcurrency", 4)
	v.SetDefault("DirectoryIndex", "index.html")
	v.SetDefault("CleanURLs", true)
	v.SetDefault("IgnoreURLParameters", []string{"^utm_", "^fbclid$"})
	v.SetDefault("ProbeSchedule", "@every 30s")
	v.SetDefault("ProbeTimeout", "5s")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StoreBackend = strings.ToLower(strings.TrimSpace(g.StoreBackend))
	if g.StoreBackend == "" {
		g.StoreBackend = StoreBackendFile
	}
	if g.Scope == "" {
		g.Scope = "/"
	}
	if !strings.HasPrefix(g.Scope, "/") {
		g.Scope = "/" + g.Scope
	}
	if !strings.HasSuffix(g.Scope, "/") {
		g.Scope += "/"
	}
	g.Origin = strings.TrimRight(strings.TrimSpace(g.Origin), "/")
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.ProbeTimeout.DurationValue() == 0 {
		g.ProbeTimeout = Duration(5 * time.Second)
	}
	if g.InstallConcurrency <= 0 {
		g.InstallConcurrency = 1
	}
}

func applyRuleDefaults(r *RuleConfig) {
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	if r.Method == "" {
		r.Method = "GET"
	}
	r.Strategy = strings.ToLower(strings.TrimSpace(r.Strategy))
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
