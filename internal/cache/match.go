package cache

import (
	"context"
	"errors"
	"net/url"
)

// MatchOptions 放宽查找条件，用于按 URL 近似匹配缓存条目。
type MatchOptions struct {
	// IgnoreSearch 忽略整个查询串。
	IgnoreSearch bool
	// IgnoreParams 仅忽略指定的查询参数。
	IgnoreParams []string
}

func (o MatchOptions) relaxed() bool {
	return o.IgnoreSearch || len(o.IgnoreParams) > 0
}

// Match 先做精确查找；未命中且设置了放宽条件时遍历缓存 key 逐个比较。
func Match(ctx context.Context, store Store, locator Locator, opts MatchOptions) (*Entry, error) {
	entry, err := store.Get(ctx, locator)
	if err == nil || !errors.Is(err, ErrNotFound) || !opts.relaxed() {
		return entry, err
	}

	want := normalizeKey(locator.Key, opts)
	keys, err := store.Keys(ctx, locator.CacheName)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if key == locator.Key || normalizeKey(key, opts) != want {
			continue
		}
		return store.Get(ctx, Locator{CacheName: locator.CacheName, Key: key})
	}
	return nil, ErrNotFound
}

func normalizeKey(raw string, opts MatchOptions) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	parsed.Fragment = ""
	switch {
	case opts.IgnoreSearch:
		parsed.RawQuery = ""
	case len(opts.IgnoreParams) > 0:
		query := parsed.Query()
		for _, name := range opts.IgnoreParams {
			query.Del(name)
		}
		parsed.RawQuery = query.Encode()
	}
	return parsed.String()
}
