package strategy

import (
	"context"
	"net/http"
	"sync"

	"github.com/any-hub/swgate/internal/cache"
)

// CacheKeyMode 区分缓存 key 是用于读取还是写入。
type CacheKeyMode string

const (
	CacheKeyRead  CacheKeyMode = "read"
	CacheKeyWrite CacheKeyMode = "write"
)

// HookName 标识一个扩展点。
type HookName string

const (
	HookHandlerWillStart         HookName = "handlerWillStart"
	HookRequestWillFetch         HookName = "requestWillFetch"
	HookFetchDidSucceed          HookName = "fetchDidSucceed"
	HookFetchDidFail             HookName = "fetchDidFail"
	HookCacheKeyWillBeUsed       HookName = "cacheKeyWillBeUsed"
	HookCachedResponseWillBeUsed HookName = "cachedResponseWillBeUsed"
	HookCacheWillUpdate          HookName = "cacheWillUpdate"
	HookCacheDidUpdate           HookName = "cacheDidUpdate"
	HookHandlerWillRespond       HookName = "handlerWillRespond"
	HookHandlerDidRespond        HookName = "handlerDidRespond"
	HookHandlerDidError          HookName = "handlerDidError"
	HookHandlerDidComplete       HookName = "handlerDidComplete"
)

// HookContext 是每次回调收到的上下文，State 为当前请求内该插件独占的暂存区。
type HookContext struct {
	Event     Event
	Request   *http.Request
	Params    any
	CacheName string
	State     *State
}

// State 是插件在单个请求内的可变暂存区，可能被后台任务并发访问。
type State struct {
	mu     sync.Mutex
	values map[string]any
}

func newState() *State {
	return &State{values: make(map[string]any)}
}

// Load 读取暂存值。
func (s *State) Load(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Store 写入暂存值。
func (s *State) Store(key string, value any) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

// Plugin 是一组可选回调，未设置的字段即视为不参与该扩展点。
// 返回 *cache.Response 的回调中，nil 表示“无响应”（否决缓存、视为未命中或不替代）。
type Plugin struct {
	Name string

	HandlerWillStart func(ctx context.Context, hc *HookContext)
	// RequestWillFetch 可返回新的请求替换后续使用的请求，返回 nil 表示保持不变。
	RequestWillFetch func(ctx context.Context, hc *HookContext, req *http.Request) (*http.Request, error)
	FetchDidSucceed  func(ctx context.Context, hc *HookContext, req *http.Request, resp *cache.Response) (*cache.Response, error)
	// FetchDidFail 仅用于观察，不能提供替代响应。
	FetchDidFail func(ctx context.Context, hc *HookContext, original, req *http.Request, err error)
	// CacheKeyWillBeUsed 返回新的 key，空字符串表示保持不变。
	CacheKeyWillBeUsed       func(ctx context.Context, hc *HookContext, req *http.Request, key string, mode CacheKeyMode) (string, error)
	CachedResponseWillBeUsed func(ctx context.Context, hc *HookContext, key string, cached *cache.Response) (*cache.Response, error)
	CacheWillUpdate          func(ctx context.Context, hc *HookContext, req *http.Request, resp *cache.Response) (*cache.Response, error)
	CacheDidUpdate           func(ctx context.Context, hc *HookContext, key string, oldResp, newResp *cache.Response)
	HandlerWillRespond       func(ctx context.Context, hc *HookContext, resp *cache.Response) (*cache.Response, error)
	HandlerDidRespond        func(ctx context.Context, hc *HookContext, resp *cache.Response)
	HandlerDidError          func(ctx context.Context, hc *HookContext, err error) *cache.Response
	HandlerDidComplete       func(ctx context.Context, hc *HookContext, resp *cache.Response, err error)
}

// Has 报告插件是否实现了指定扩展点。
func (p *Plugin) Has(name HookName) bool {
	if p == nil {
		return false
	}
	switch name {
	case HookHandlerWillStart:
		return p.HandlerWillStart != nil
	case HookRequestWillFetch:
		return p.RequestWillFetch != nil
	case HookFetchDidSucceed:
		return p.FetchDidSucceed != nil
	case HookFetchDidFail:
		return p.FetchDidFail != nil
	case HookCacheKeyWillBeUsed:
		return p.CacheKeyWillBeUsed != nil
	case HookCachedResponseWillBeUsed:
		return p.CachedResponseWillBeUsed != nil
	case HookCacheWillUpdate:
		return p.CacheWillUpdate != nil
	case HookCacheDidUpdate:
		return p.CacheDidUpdate != nil
	case HookHandlerWillRespond:
		return p.HandlerWillRespond != nil
	case HookHandlerDidRespond:
		return p.HandlerDidRespond != nil
	case HookHandlerDidError:
		return p.HandlerDidError != nil
	case HookHandlerDidComplete:
		return p.HandlerDidComplete != nil
	default:
		return false
	}
}

// HasHook 报告插件列表中是否有任意插件实现了指定扩展点。
func HasHook(plugins []*Plugin, name HookName) bool {
	for _, p := range plugins {
		if p.Has(name) {
			return true
		}
	}
	return false
}

// CacheOKAndOpaquePlugin 只允许缓存 200 与 0（不透明）状态码的响应。
func CacheOKAndOpaquePlugin() *Plugin {
	return &Plugin{
		Name: "cache-ok-and-opaque",
		CacheWillUpdate: func(_ context.Context, _ *HookContext, _ *http.Request, resp *cache.Response) (*cache.Response, error) {
			if resp != nil && (resp.StatusCode == http.StatusOK || resp.StatusCode == 0) {
				return resp, nil
			}
			return nil, nil
		},
	}
}
