package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
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

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
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

// 缓存后端取值。
const (
	StoreBackendFile   = "file"
	StoreBackendMemory = "memory"
	StoreBackendRedis  = "redis"
)

// GlobalConfig 描述网关的全局运行时行为。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	StoragePath     string `mapstructure:"StoragePath"`
	StoreBackend    string `mapstructure:"StoreBackend"`
	MaxStorageBytes int64  `mapstructure:"MaxStorageSize"`
	CompressBodies  bool   `mapstructure:"CompressBodies"`
	RedisAddr       string `mapstructure:"RedisAddr"`
	RedisPassword   string `mapstructure:"RedisPassword"`
	RedisDB         int    `mapstructure:"RedisDB"`
	RedisKeyPrefix  string `mapstructure:"RedisKeyPrefix"`

	Origin          string `mapstructure:"Origin"`
	Scope           string `mapstructure:"Scope"`
	CacheNamePrefix string `mapstructure:"CacheNamePrefix"`
	CacheNameSuffix string `mapstructure:"CacheNameSuffix"`

	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	// NetworkTimeout 作用于运行时 network-first 路由，0 表示不设超时。
	NetworkTimeout Duration `mapstructure:"NetworkTimeout"`

	FallbackToNetwork  bool   `mapstructure:"FallbackToNetwork"`
	OfflinePath        string `mapstructure:"OfflinePath"`
	ManifestPath       string `mapstructure:"ManifestPath"`
	InstallConcurrency int    `mapstructure:"InstallConcurrency"`

	DirectoryIndex      string   `mapstructure:"DirectoryIndex"`
	CleanURLs           bool     `mapstructure:"CleanURLs"`
	IgnoreURLParameters []string `mapstructure:"IgnoreURLParameters"`
	RuntimePrefixes     []string `mapstructure:"RuntimePrefixes"`

	ProbeSchedule string   `mapstructure:"ProbeSchedule"`
	ProbeTimeout  Duration `mapstructure:"ProbeTimeout"`
}

// ManifestEntry 是一条预缓存资源声明，URL 相对 Scope 解析。
type ManifestEntry struct {
	URL       string `mapstructure:"URL" json:"url" validate:"required"`
	Revision  string `mapstructure:"Revision" json:"revision,omitempty"`
	Integrity string `mapstructure:"Integrity" json:"integrity,omitempty" validate:"omitempty,startswith=sha"`
}

// RuleConfig 声明一条运行时路由：Pattern 为正则，Strategy 为注册表中的策略名。
type RuleConfig struct {
	Name           string   `mapstructure:"Name"`
	Pattern        string   `mapstructure:"Pattern"`
	Method         string   `mapstructure:"Method"`
	Strategy       string   `mapstructure:"Strategy"`
	CacheName      string   `mapstructure:"CacheName"`
	NetworkTimeout Duration `mapstructure:"NetworkTimeout"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global   GlobalConfig    `mapstructure:",squash"`
	Manifest []ManifestEntry `mapstructure:"Manifest"`
	Rules    []RuleConfig    `mapstructure:"Rule"`

	// FileManifest 来自 ManifestPath 指向的 JSON 清单，是预缓存的主清单；
	// Manifest 表中的条目作为附加条目合并。
	FileManifest []ManifestEntry `mapstructure:"-"`
}

// ScopeURL 返回 Origin 与 Scope 拼接后的绝对地址，末尾总是带 "/"。
func (g GlobalConfig) ScopeURL() (*url.URL, error) {
	origin, err := url.Parse(g.Origin)
	if err != nil {
		return nil, err
	}
	scope := g.Scope
	if scope == "" {
		scope = "/"
	}
	if !strings.HasSuffix(scope, "/") {
		scope += "/"
	}
	return origin.ResolveReference(&url.URL{Path: scope}), nil
}

// CacheName 按 "<prefix>-<name>-<suffix>" 拼接缓存名，空段会被省略。
func (g GlobalConfig) CacheName(name string) string {
	parts := make([]string, 0, 3)
	for _, part := range []string{g.CacheNamePrefix, name, g.CacheNameSuffix} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "-")
}

// StoreSummary 输出后端摘要，供启动日志使用。
func (g GlobalConfig) StoreSummary() string {
	backend := g.StoreBackend
	if backend == "" {
		backend = StoreBackendFile
	}
	switch backend {
	case StoreBackendRedis:
		return fmt.Sprintf("%s:%s/%d", backend, g.RedisAddr, g.RedisDB)
	case StoreBackendFile:
		return fmt.Sprintf("%s:%s", backend, g.StoragePath)
	default:
		return backend
	}
}
