package strategy

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/swgate/internal/cache"
	"github.com/any-hub/swgate/internal/gwerr"
)

// NetworkFirst 优先访问网络并写入缓存，网络失败或超时后回退到缓存。
type NetworkFirst struct {
	base    *Base
	timeout time.Duration
}

// NewNetworkFirst 在没有任何 CacheWillUpdate 插件时前置 CacheOKAndOpaquePlugin。
func NewNetworkFirst(opts Options) *NetworkFirst {
	if !HasHook(opts.Plugins, HookCacheWillUpdate) {
		opts.Plugins = append([]*Plugin{CacheOKAndOpaquePlugin()}, opts.Plugins...)
	}
	return &NetworkFirst{base: NewBase(KindNetworkFirst, opts), timeout: opts.NetworkTimeout}
}

func (s *NetworkFirst) Name() string      { return s.base.Name() }
func (s *NetworkFirst) CacheName() string { return s.base.CacheName() }

func (s *NetworkFirst) Handle(ctx context.Context, opts HandleOptions) (*cache.Response, error) {
	return s.base.RunToCompletion(ctx, opts, s)
}

func (s *NetworkFirst) HandleAll(ctx context.Context, opts HandleOptions) *Execution {
	return s.base.Run(ctx, opts, s)
}

func (s *NetworkFirst) Execute(ctx context.Context, req *http.Request, p *Pipeline) (*cache.Response, error) {
	if s.timeout <= 0 {
		return s.networkThenCache(ctx, req, p)
	}

	// 网络任务登记到管线，超时后仍会完成并写入缓存。
	bg := context.WithoutCancel(ctx)
	result := p.inBackground(func() (*cache.Response, error) {
		return s.networkThenCache(bg, req, p)
	})

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case r := <-result:
		return r.resp, r.err
	case <-timer.C:
	case <-ctx.Done():
		return nil, gwerr.Wrap(gwerr.CodeNoResponse, ctx.Err(), "url=%s", req.URL)
	}

	cached, err := p.CacheMatch(ctx, req)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		s.base.logger.WithFields(logrus.Fields{
			"action":     "network_first",
			"url":        req.URL.String(),
			"cache_name": s.base.cacheName,
			"timeout":    s.timeout.String(),
		}).Debug("network_timeout_served_from_cache")
		return cached, nil
	}

	select {
	case r := <-result:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, gwerr.Wrap(gwerr.CodeNoResponse, ctx.Err(), "url=%s", req.URL)
	}
}

func (s *NetworkFirst) networkThenCache(ctx context.Context, req *http.Request, p *Pipeline) (*cache.Response, error) {
	resp, fetchErr := p.FetchAndCachePut(ctx, req)
	if fetchErr == nil && resp != nil {
		return resp, nil
	}

	cached, err := p.CacheMatch(ctx, req)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}
	return nil, gwerr.Wrap(gwerr.CodeNoResponse, fetchErr, "url=%s", req.URL)
}
