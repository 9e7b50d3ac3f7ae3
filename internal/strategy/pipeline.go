package strategy

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/swgate/internal/cache"
	"github.com/any-hub/swgate/internal/gwerr"
)

// Pipeline 是单个请求的执行上下文，负责按顺序调度插件回调、
// 执行网络与缓存操作，并追踪尚未完成的后台任务。
type Pipeline struct {
	base    *Base
	request *http.Request
	event   Event
	params  any
	plugins []*Plugin
	states  map[*Plugin]*State

	keysMu    sync.Mutex
	cacheKeys map[string]string

	group errgroup.Group
}

func newPipeline(base *Base, opts HandleOptions) *Pipeline {
	plugins := make([]*Plugin, 0, len(base.plugins)+len(opts.Plugins))
	plugins = append(plugins, base.plugins...)
	plugins = append(plugins, opts.Plugins...)

	states := make(map[*Plugin]*State, len(plugins))
	for _, p := range plugins {
		states[p] = newState()
	}
	return &Pipeline{
		base:      base,
		request:   opts.Request,
		event:     opts.Event,
		params:    opts.Params,
		plugins:   plugins,
		states:    states,
		cacheKeys: make(map[string]string),
	}
}

// Request 返回管线的原始请求。
func (p *Pipeline) Request() *http.Request { return p.request }

// Event 返回触发本次执行的事件。
func (p *Pipeline) Event() Event { return p.event }

// Params 返回路由匹配得到的参数。
func (p *Pipeline) Params() any { return p.params }

// CacheName 返回所属策略的缓存名称。
func (p *Pipeline) CacheName() string { return p.base.cacheName }

// HasCallback 报告是否有插件实现了指定扩展点。
func (p *Pipeline) HasCallback(name HookName) bool {
	return HasHook(p.plugins, name)
}

func (p *Pipeline) hookContext(plugin *Plugin) *HookContext {
	return &HookContext{
		Event:     p.event,
		Request:   p.request,
		Params:    p.params,
		CacheName: p.base.cacheName,
		State:     p.states[plugin],
	}
}

func (p *Pipeline) each(name HookName, fn func(plugin *Plugin, hc *HookContext) error) error {
	for _, plugin := range p.plugins {
		if !plugin.Has(name) {
			continue
		}
		if err := fn(plugin, p.hookContext(plugin)); err != nil {
			return err
		}
	}
	return nil
}

// WaitUntil 登记一个后台任务，DoneWaiting 会等待其结束。任务内的 panic 转为错误。
func (p *Pipeline) WaitUntil(fn func() error) {
	p.group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = p.base.recovered("background", r)
			}
		}()
		return fn()
	})
}

// inBackground 把 fn 登记为后台任务，结果写入返回的通道。fn panic 时通道收到错误，
// 因此等待方总能拿到结果。
func (p *Pipeline) inBackground(fn func() (*cache.Response, error)) <-chan fetchResult {
	result := make(chan fetchResult, 1)
	p.WaitUntil(func() error {
		var r fetchResult
		defer func() {
			if v := recover(); v != nil {
				r = fetchResult{err: p.base.recovered("background", v)}
			}
			result <- r
		}()
		r.resp, r.err = fn()
		return nil
	})
	return result
}

// DoneWaiting 等待全部后台任务完成，返回第一个失败任务的错误。
func (p *Pipeline) DoneWaiting() error {
	return p.group.Wait()
}

// Fetch 执行网络请求：依次应用 RequestWillFetch，按需校验完整性，
// 失败时通知 FetchDidFail，成功时依次经过 FetchDidSucceed。
func (p *Pipeline) Fetch(ctx context.Context, req *http.Request) (*cache.Response, error) {
	original := req
	integrity := IntegrityOf(req)

	err := p.each(HookRequestWillFetch, func(plugin *Plugin, hc *HookContext) error {
		next, err := plugin.RequestWillFetch(ctx, hc, req.Clone(req.Context()))
		if err != nil {
			return gwerr.Wrap(gwerr.CodePluginErrorRequestWillFetch, err, "url=%s", req.URL)
		}
		if next != nil {
			req = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	filtered := req
	resp, err := p.base.fetcher.Fetch(ctx, p.applyFetchOptions(req))
	if err == nil && integrity != "" {
		if verr := VerifyIntegrity(resp.Body, integrity); verr != nil {
			resp, err = nil, verr
		}
	}
	if err != nil {
		p.base.logger.WithFields(logrus.Fields{
			"action":     "fetch",
			"url":        filtered.URL.String(),
			"cache_name": p.base.cacheName,
			"error":      err,
		}).Debug("fetch_failed")
		_ = p.each(HookFetchDidFail, func(plugin *Plugin, hc *HookContext) error {
			plugin.FetchDidFail(ctx, hc, original, filtered, err)
			return nil
		})
		return nil, err
	}

	err = p.each(HookFetchDidSucceed, func(plugin *Plugin, hc *HookContext) error {
		next, herr := plugin.FetchDidSucceed(ctx, hc, filtered, resp)
		if herr != nil {
			return herr
		}
		if next != nil {
			resp = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (p *Pipeline) applyFetchOptions(req *http.Request) *http.Request {
	if len(p.base.fetchOptions.Header) == 0 || IsNavigationRequest(req) {
		return req
	}
	out := req.Clone(req.Context())
	for name, values := range p.base.fetchOptions.Header {
		out.Header.Del(name)
		for _, v := range values {
			out.Header.Add(name, v)
		}
	}
	return out
}

// FetchAndCachePut 获取网络响应后立即返回，缓存写入作为后台任务登记。
func (p *Pipeline) FetchAndCachePut(ctx context.Context, req *http.Request) (*cache.Response, error) {
	resp, err := p.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	toCache := resp.Clone()
	bg := context.WithoutCancel(ctx)
	p.WaitUntil(func() error {
		_, perr := p.CachePut(bg, req, toCache)
		return perr
	})
	return resp, nil
}

// CacheKey 计算请求在指定模式下的缓存 key，同一管线内结果会被记忆。
func (p *Pipeline) CacheKey(ctx context.Context, req *http.Request, mode CacheKeyMode) (string, error) {
	memo := req.URL.String() + " | " + string(mode)
	p.keysMu.Lock()
	if key, ok := p.cacheKeys[memo]; ok {
		p.keysMu.Unlock()
		return key, nil
	}
	p.keysMu.Unlock()

	key := req.URL.String()
	err := p.each(HookCacheKeyWillBeUsed, func(plugin *Plugin, hc *HookContext) error {
		next, err := plugin.CacheKeyWillBeUsed(ctx, hc, req, key, mode)
		if err != nil {
			return err
		}
		if next != "" {
			key = next
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	p.keysMu.Lock()
	p.cacheKeys[memo] = key
	p.keysMu.Unlock()
	return key, nil
}

// CacheMatch 按读模式 key 查找缓存，命中结果依次经过 CachedResponseWillBeUsed。
// 存储层错误只记录日志并按未命中处理。
func (p *Pipeline) CacheMatch(ctx context.Context, req *http.Request) (*cache.Response, error) {
	key, err := p.CacheKey(ctx, req, CacheKeyRead)
	if err != nil {
		return nil, err
	}

	var cached *cache.Response
	if p.base.store != nil {
		locator := cache.Locator{CacheName: p.base.cacheName, Key: key}
		entry, merr := cache.Match(ctx, p.base.store, locator, p.base.matchOptions)
		switch {
		case merr == nil:
			cached = entry.Response
		case !errors.Is(merr, cache.ErrNotFound):
			p.base.logger.WithFields(logrus.Fields{
				"action":     "cache_match",
				"cache_name": p.base.cacheName,
				"key":        key,
				"error":      merr,
			}).Warn("cache_read_failed")
		}
	}

	err = p.each(HookCachedResponseWillBeUsed, func(plugin *Plugin, hc *HookContext) error {
		next, herr := plugin.CachedResponseWillBeUsed(ctx, hc, key, cached)
		if herr != nil {
			return herr
		}
		cached = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cached, nil
}

// CachePut 写入缓存。被 CacheWillUpdate 否决时返回 false 且不报错；
// 没有该类插件时只缓存 200 响应。
func (p *Pipeline) CachePut(ctx context.Context, req *http.Request, resp *cache.Response) (bool, error) {
	if resp == nil {
		return false, gwerr.New(gwerr.CodeNoResponse, "cache put without response url=%s", req.URL)
	}
	key, err := p.CacheKey(ctx, req, CacheKeyWrite)
	if err != nil {
		return false, err
	}

	toCache, err := p.ensureSafeToCache(ctx, req, resp)
	if err != nil {
		return false, err
	}
	if toCache == nil {
		p.base.logger.WithFields(logrus.Fields{
			"action":     "cache_put",
			"cache_name": p.base.cacheName,
			"key":        key,
			"status":     resp.StatusCode,
		}).Debug("cache_put_skipped")
		return false, nil
	}

	locator := cache.Locator{CacheName: p.base.cacheName, Key: key}
	var previous *cache.Response
	if p.HasCallback(HookCacheDidUpdate) && p.base.store != nil {
		opts := cache.MatchOptions{IgnoreParams: p.base.ignoreParamsOnUpdate}
		if entry, merr := cache.Match(ctx, p.base.store, locator, opts); merr == nil {
			previous = entry.Response
		}
	}

	if _, err := p.base.writer.Put(ctx, locator, toCache, cache.PutOptions{}); err != nil {
		if errors.Is(err, cache.ErrQuotaExceeded) {
			return false, gwerr.Wrap(gwerr.CodeQuotaExceeded, err, "cache=%s key=%s", p.base.cacheName, key)
		}
		return false, err
	}

	_ = p.each(HookCacheDidUpdate, func(plugin *Plugin, hc *HookContext) error {
		plugin.CacheDidUpdate(ctx, hc, key, previous, toCache)
		return nil
	})
	return true, nil
}

func (p *Pipeline) ensureSafeToCache(ctx context.Context, req *http.Request, resp *cache.Response) (*cache.Response, error) {
	candidate := resp
	used := false
	for _, plugin := range p.plugins {
		if !plugin.Has(HookCacheWillUpdate) {
			continue
		}
		used = true
		next, err := plugin.CacheWillUpdate(ctx, p.hookContext(plugin), req, candidate)
		if err != nil {
			return nil, err
		}
		candidate = next
		if candidate == nil {
			break
		}
	}
	if !used && candidate != nil && candidate.StatusCode != http.StatusOK {
		return nil, nil
	}
	return candidate, nil
}
