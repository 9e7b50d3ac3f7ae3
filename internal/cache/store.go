package cache

import (
	"context"
	"errors"
	"time"
)

// Store 负责管理按名称划分的响应缓存。磁盘后端的布局为：
//
//	<StoragePath>/<cacheName>/<sha256(key)[:2]>/<sha256(key)>.meta   # 状态码、头部、原始 key
//	<StoragePath>/<cacheName>/<sha256(key)[:2]>/<sha256(key)>.body   # 正文（可选 brotli）
//
// 同一 key 的并发写入以最后一次为准，不同 key 之间互不影响。
type Store interface {
	// Get 返回缓存条目，不存在时返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*Entry, error)

	// Put 写入完整响应并返回新的 Entry。超出配额时返回 ErrQuotaExceeded，且不修改已有条目。
	Put(ctx context.Context, locator Locator, resp *Response, opts PutOptions) (*Entry, error)

	// Remove 删除单个条目，条目不存在不视为错误。
	Remove(ctx context.Context, locator Locator) error

	// Keys 按字典序列出指定缓存中的全部 key。
	Keys(ctx context.Context, cacheName string) ([]string, error)

	// Drop 删除整个命名缓存。
	Drop(ctx context.Context, cacheName string) error
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	StoredAt time.Time
}

// Locator 唯一定位一个缓存条目（缓存名 + key），key 通常是绝对 URL。
type Locator struct {
	CacheName string
	Key       string
}

// Entry 表示一次缓存命中结果。
type Entry struct {
	Locator   Locator   `json:"locator"`
	SizeBytes int64     `json:"size_bytes"`
	StoredAt  time.Time `json:"stored_at"`
	Response  *Response `json:"-"`
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrQuotaExceeded 表示写入会超出存储配额。
	ErrQuotaExceeded = errors.New("cache quota exceeded")
	// ErrStoreUnavailable 表示调用方未注入缓存存储实例。
	ErrStoreUnavailable = errors.New("cache store unavailable")
)

func validateLocator(locator Locator) error {
	if locator.CacheName == "" {
		return errors.New("cache name required")
	}
	if locator.Key == "" {
		return errors.New("cache key required")
	}
	return nil
}
