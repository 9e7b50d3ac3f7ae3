package precache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/swgate/internal/cache"
	"github.com/any-hub/swgate/internal/gwerr"
	"github.com/any-hub/swgate/internal/logging"
	"github.com/any-hub/swgate/internal/strategy"
)

// Options 是控制器的构造参数。
type Options struct {
	CacheName string
	// Scope 是清单相对 URL 的解析基准。
	Scope              *url.URL
	Store              cache.Store
	Fetcher            strategy.Fetcher
	Plugins            []*strategy.Plugin
	FetchOptions       strategy.FetchOptions
	FallbackToNetwork  bool
	InstallConcurrency int
	Quota              *cache.QuotaCallbacks
	Logger             *logrus.Logger
}

// InstallResult 汇总一次安装中写入与复用的 URL。
type InstallResult struct {
	UpdatedURLs    []string `json:"updated_urls"`
	NotUpdatedURLs []string `json:"not_updated_urls"`
}

// CleanupResult 列出 activate 删除的缓存 key。
type CleanupResult struct {
	DeletedCacheKeys []string `json:"deleted_cache_keys"`
}

// EntryInfo 是已注册条目的只读视图。
type EntryInfo struct {
	URL       string    `json:"url"`
	CacheKey  string    `json:"cache_key"`
	Integrity string    `json:"integrity,omitempty"`
	Mode      FetchMode `json:"mode"`
}

// Controller 持有清单映射与预缓存策略。
type Controller struct {
	scope       *url.URL
	store       cache.Store
	logger      *logrus.Logger
	concurrency int
	strategy    *Strategy

	mu              sync.RWMutex
	urls            []string
	urlsToCacheKeys map[string]string
	urlsToModes     map[string]FetchMode
	keysToIntegrity map[string]string

	phase sync.Mutex
}

// NewController 构造控制器，InstallConcurrency 小于 1 时按 1 处理。
func NewController(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	opts.Logger = logger
	concurrency := opts.InstallConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	c := &Controller{
		scope:           opts.Scope,
		store:           opts.Store,
		logger:          logger,
		concurrency:     concurrency,
		urlsToCacheKeys: make(map[string]string),
		urlsToModes:     make(map[string]FetchMode),
		keysToIntegrity: make(map[string]string),
	}
	c.strategy = newStrategy(c, opts)
	return c
}

// Strategy 返回控制器使用的预缓存策略。
func (c *Controller) Strategy() *Strategy { return c.strategy }

// CacheName 返回预缓存使用的缓存名称。
func (c *Controller) CacheName() string { return c.strategy.CacheName() }

// Register 把一批条目加入清单。整批先校验后提交，任一冲突则不做任何修改；
// 重复注册相同条目是幂等的。
func (c *Controller) Register(entries ...Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	type staged struct {
		url, key, integrity string
		mode                FetchMode
	}
	var (
		batch          []staged
		batchKeys      = make(map[string]string)
		batchIntegrity = make(map[string]string)
		unversioned    []string
	)
	keyFor := func(u string) (string, bool) {
		if key, ok := batchKeys[u]; ok {
			return key, true
		}
		key, ok := c.urlsToCacheKeys[u]
		return key, ok
	}
	integrityFor := func(key string) (string, bool) {
		if v, ok := batchIntegrity[key]; ok {
			return v, true
		}
		v, ok := c.keysToIntegrity[key]
		return v, ok
	}

	for _, entry := range entries {
		key, resolved, err := CacheKey(entry, c.scope)
		if err != nil {
			return err
		}
		if existing, ok := keyFor(resolved); ok && existing != key {
			return gwerr.New(gwerr.CodeConflictingEntry, "first=%s second=%s", existing, key)
		}
		if entry.Integrity != "" {
			if existing, ok := integrityFor(key); ok && existing != entry.Integrity {
				return gwerr.New(gwerr.CodeConflictingIntegrity, "url=%s", resolved)
			}
			batchIntegrity[key] = entry.Integrity
		}
		if entry.Fingerprint == "" {
			unversioned = append(unversioned, entry.URL)
		}
		batchKeys[resolved] = key
		batch = append(batch, staged{url: resolved, key: key, integrity: entry.Integrity, mode: modeFor(entry)})
	}

	for _, item := range batch {
		if _, ok := c.urlsToCacheKeys[item.url]; !ok {
			c.urls = append(c.urls, item.url)
		}
		c.urlsToCacheKeys[item.url] = item.key
		c.urlsToModes[item.url] = item.mode
		if item.integrity != "" {
			c.keysToIntegrity[item.key] = item.integrity
		}
	}

	if len(unversioned) > 0 {
		c.logger.WithFields(logrus.Fields{
			"action": "precache_register",
			"urls":   unversioned,
		}).Warn("precache_entry_without_fingerprint")
	}
	return nil
}

// RegisterAdditional 注册附加条目；清单已包含作用域根时丢弃 "." 条目。
func (c *Controller) RegisterAdditional(entries ...Entry) error {
	hasRoot := false
	if c.scope != nil {
		_, hasRoot = c.Lookup(c.scope.String())
	}
	filtered := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.URL == "." && hasRoot {
			continue
		}
		filtered = append(filtered, entry)
	}
	return c.Register(filtered...)
}

type installItem struct {
	url, key, integrity string
	mode                FetchMode
}

func (c *Controller) snapshot() []installItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	items := make([]installItem, 0, len(c.urls))
	for _, u := range c.urls {
		key := c.urlsToCacheKeys[u]
		items = append(items, installItem{
			url:       u,
			key:       key,
			integrity: c.keysToIntegrity[key],
			mode:      c.urlsToModes[u],
		})
	}
	return items
}

// Install 以有限并发安装全部条目：已缓存的 key 不会重新抓取。
// 任一条目失败时回滚本次新写入的 key 并返回错误。
func (c *Controller) Install(ctx context.Context) (*InstallResult, error) {
	c.phase.Lock()
	defer c.phase.Unlock()

	items := c.snapshot()
	report := newInstallReport()
	reportPlugin := report.plugin()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, item := range items {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, item.url, nil)
			if err != nil {
				return fmt.Errorf("build install request: %w", err)
			}
			applyMode(req, item.mode)
			req = strategy.WithIntegrity(req, item.integrity)

			exec := c.strategy.HandleAll(gctx, strategy.HandleOptions{
				Request: req,
				Event:   strategy.Event{Kind: strategy.EventInstall},
				Params:  Params{CacheKey: item.key},
				Plugins: []*strategy.Plugin{reportPlugin},
			})
			if _, err := exec.Response(); err != nil {
				return err
			}
			return exec.Wait()
		})
	}

	if err := g.Wait(); err != nil {
		rolledBack := c.rollback(context.WithoutCancel(ctx), report.updatedKeys())
		c.logger.WithFields(logrus.Fields{
			"action":      "precache_install",
			"cache_name":  c.CacheName(),
			"entries":     len(items),
			"rolled_back": rolledBack,
			"error":       err,
		}).Error("precache_install_failed")
		return nil, err
	}

	result := report.result()
	c.logger.WithFields(logrus.Fields{
		"action":      "precache_install",
		"cache_name":  c.CacheName(),
		"updated":     len(result.UpdatedURLs),
		"not_updated": len(result.NotUpdatedURLs),
	}).Info("precache_installed")
	return result, nil
}

func (c *Controller) rollback(ctx context.Context, keys []string) int {
	removed := 0
	for _, key := range keys {
		err := c.store.Remove(ctx, cache.Locator{CacheName: c.CacheName(), Key: key})
		if err != nil && !errors.Is(err, cache.ErrNotFound) {
			c.logger.WithFields(logrus.Fields{
				"action": "precache_rollback",
				"key":    key,
				"error":  err,
			}).Warn("precache_rollback_failed")
			continue
		}
		removed++
	}
	return removed
}

// Activate 删除缓存中不属于当前清单的 key。
func (c *Controller) Activate(ctx context.Context) (*CleanupResult, error) {
	c.phase.Lock()
	defer c.phase.Unlock()

	keys, err := c.store.Keys(ctx, c.CacheName())
	if err != nil {
		return nil, fmt.Errorf("list precache keys: %w", err)
	}
	expected := make(map[string]struct{})
	c.mu.RLock()
	for _, key := range c.urlsToCacheKeys {
		expected[key] = struct{}{}
	}
	c.mu.RUnlock()

	result := &CleanupResult{DeletedCacheKeys: []string{}}
	for _, key := range keys {
		if _, ok := expected[key]; ok {
			continue
		}
		if err := c.store.Remove(ctx, cache.Locator{CacheName: c.CacheName(), Key: key}); err != nil {
			return result, fmt.Errorf("remove stale precache key %s: %w", key, err)
		}
		result.DeletedCacheKeys = append(result.DeletedCacheKeys, key)
	}
	sort.Strings(result.DeletedCacheKeys)

	c.logger.WithFields(logrus.Fields{
		"action":     "precache_activate",
		"cache_name": c.CacheName(),
		"deleted":    len(result.DeletedCacheKeys),
	}).Info("precache_activated")
	return result, nil
}

func (c *Controller) resolve(raw string) string {
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if c.scope != nil {
		ref = c.scope.ResolveReference(ref)
	}
	return ref.String()
}

// Lookup 返回 URL 对应的缓存 key，只做精确匹配。
func (c *Controller) Lookup(raw string) (string, bool) {
	resolved := c.resolve(raw)
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.urlsToCacheKeys[resolved]
	return key, ok
}

// IntegrityFor 返回缓存 key 登记的完整性校验串。
func (c *Controller) IntegrityFor(cacheKey string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keysToIntegrity[cacheKey]
}

// CachedURLs 按注册顺序返回清单 URL。
func (c *Controller) CachedURLs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.urls...)
}

// URLsToCacheKeys 返回 URL 到缓存 key 的映射副本。
func (c *Controller) URLsToCacheKeys() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.urlsToCacheKeys))
	for u, key := range c.urlsToCacheKeys {
		out[u] = key
	}
	return out
}

// Entries 按注册顺序返回条目视图。
func (c *Controller) Entries() []EntryInfo {
	items := c.snapshot()
	out := make([]EntryInfo, 0, len(items))
	for _, item := range items {
		out = append(out, EntryInfo{URL: item.url, CacheKey: item.key, Integrity: item.integrity, Mode: item.mode})
	}
	return out
}

// MatchPrecache 读取清单 URL 的已缓存响应；URL 不在清单或尚未缓存时返回 nil。
func (c *Controller) MatchPrecache(ctx context.Context, raw string) (*cache.Response, error) {
	key, ok := c.Lookup(raw)
	if !ok {
		return nil, nil
	}
	entry, err := c.store.Get(ctx, cache.Locator{CacheName: c.CacheName(), Key: key})
	if errors.Is(err, cache.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry.Response, nil
}

// HandlerFor 返回固定请求该清单 URL 的处理器。
func (c *Controller) HandlerFor(raw string) (strategy.Handler, error) {
	key, ok := c.Lookup(raw)
	if !ok {
		return nil, gwerr.New(gwerr.CodeNonPrecachedURL, "url=%s", raw)
	}
	target := c.resolve(raw)
	return strategy.HandlerFunc(func(ctx context.Context, opts strategy.HandleOptions) (*cache.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		opts.Request = req
		params := paramsOf(opts.Params)
		if params.CacheKey == "" {
			params.CacheKey = key
		}
		opts.Params = params
		return c.strategy.Handle(ctx, opts)
	}), nil
}

// installReport 根据 install 事件中的缓存命中情况区分更新与未更新的 URL。
type installReport struct {
	mu         sync.Mutex
	updated    []string
	notUpdated []string
	keys       []string
}

func newInstallReport() *installReport {
	return &installReport{}
}

func (r *installReport) plugin() *strategy.Plugin {
	return &strategy.Plugin{
		Name: "precache-install-report",
		CachedResponseWillBeUsed: func(_ context.Context, hc *strategy.HookContext, key string, cached *cache.Response) (*cache.Response, error) {
			if hc.Event.Kind != strategy.EventInstall || hc.Request == nil {
				return cached, nil
			}
			r.mu.Lock()
			defer r.mu.Unlock()
			if cached != nil {
				r.notUpdated = append(r.notUpdated, hc.Request.URL.String())
			} else {
				r.updated = append(r.updated, hc.Request.URL.String())
				r.keys = append(r.keys, key)
			}
			return cached, nil
		},
	}
}

func (r *installReport) updatedKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

func (r *installReport) result() *InstallResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := &InstallResult{
		UpdatedURLs:    append([]string{}, r.updated...),
		NotUpdatedURLs: append([]string{}, r.notUpdated...),
	}
	sort.Strings(res.UpdatedURLs)
	sort.Strings(res.NotUpdatedURLs)
	return res
}
