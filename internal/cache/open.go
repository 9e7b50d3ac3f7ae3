package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/any-hub/swgate/internal/config"
)

// Open 根据全局配置选择缓存后端。
func Open(ctx context.Context, cfg config.GlobalConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StoreBackend)) {
	case "", config.StoreBackendFile:
		return NewFileStore(cfg.StoragePath, FileOptions{
			MaxBytes: cfg.MaxStorageBytes,
			Compress: cfg.CompressBodies,
		})
	case config.StoreBackendMemory:
		return NewMemoryStore(cfg.MaxStorageBytes), nil
	case config.StoreBackendRedis:
		return DialRedis(ctx, RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
		})
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
}
