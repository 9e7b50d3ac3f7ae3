package precache

import (
	"context"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/swgate/internal/cache"
	"github.com/any-hub/swgate/internal/gwerr"
	"github.com/any-hub/swgate/internal/strategy"
)

// KindPrecache 是预缓存策略的名称。
const KindPrecache = "precache"

// Strategy 先查预缓存；install 阶段未命中时抓取并写入，运行期未命中时
// 视 fallbackToNetwork 决定是否访问网络。
type Strategy struct {
	base              *strategy.Base
	fallbackToNetwork bool
}

func newStrategy(c *Controller, opts Options) *Strategy {
	plugins := append([]*strategy.Plugin(nil), opts.Plugins...)
	userCacheability := strategy.HasHook(plugins, strategy.HookCacheWillUpdate)
	plugins = append(plugins, cacheKeyPlugin(c), copyRedirectedPlugin(c.scope))
	if !userCacheability {
		plugins = append(plugins, defaultCacheabilityPlugin())
	}

	return &Strategy{
		base: strategy.NewBase(KindPrecache, strategy.Options{
			CacheName:    opts.CacheName,
			Plugins:      plugins,
			FetchOptions: opts.FetchOptions,
			Store:        opts.Store,
			Fetcher:      opts.Fetcher,
			Quota:        opts.Quota,
			Logger:       opts.Logger,
		}),
		fallbackToNetwork: opts.FallbackToNetwork,
	}
}

func (s *Strategy) Name() string      { return s.base.Name() }
func (s *Strategy) CacheName() string { return s.base.CacheName() }

func (s *Strategy) Handle(ctx context.Context, opts strategy.HandleOptions) (*cache.Response, error) {
	return s.base.RunToCompletion(ctx, opts, s)
}

func (s *Strategy) HandleAll(ctx context.Context, opts strategy.HandleOptions) *strategy.Execution {
	return s.base.Run(ctx, opts, s)
}

func (s *Strategy) Execute(ctx context.Context, req *http.Request, p *strategy.Pipeline) (*cache.Response, error) {
	resp, err := p.CacheMatch(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp != nil {
		return resp, nil
	}
	if p.Event().Kind == strategy.EventInstall {
		return s.handleInstall(ctx, req, p)
	}
	return s.handleFetch(ctx, req, p)
}

func (s *Strategy) handleInstall(ctx context.Context, req *http.Request, p *strategy.Pipeline) (*cache.Response, error) {
	resp, err := p.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	cached, err := p.CachePut(ctx, req, resp.Clone())
	if err != nil {
		return nil, err
	}
	if !cached {
		return nil, gwerr.New(gwerr.CodeBadPrecachingResponse, "url=%s status=%d", req.URL, resp.StatusCode)
	}
	return resp, nil
}

func (s *Strategy) handleFetch(ctx context.Context, req *http.Request, p *strategy.Pipeline) (*cache.Response, error) {
	if !s.fallbackToNetwork {
		return nil, gwerr.New(gwerr.CodeMissingPrecacheEntry, "cache=%s url=%s", s.base.CacheName(), req.URL)
	}

	params := paramsOf(p.Params())
	manifestIntegrity := params.Integrity
	requestIntegrity := strategy.IntegrityOf(req)
	noConflict := requestIntegrity == "" || requestIntegrity == manifestIntegrity
	integrity := requestIntegrity
	if integrity == "" {
		integrity = manifestIntegrity
	}

	resp, err := p.Fetch(ctx, strategy.WithIntegrity(req, integrity))
	if err != nil {
		return nil, err
	}

	cached := false
	if manifestIntegrity != "" && noConflict {
		if cached, err = p.CachePut(ctx, req, resp.Clone()); err != nil {
			return nil, err
		}
	}
	s.base.Logger().WithFields(logrus.Fields{
		"action":     "precache_fetch",
		"cache_name": s.base.CacheName(),
		"url":        req.URL.String(),
		"cached":     cached,
	}).Debug("precache_miss_served_from_network")
	return resp, nil
}

func cacheKeyPlugin(c *Controller) *strategy.Plugin {
	return &strategy.Plugin{
		Name: "precache-cache-key",
		CacheKeyWillBeUsed: func(_ context.Context, hc *strategy.HookContext, req *http.Request, key string, _ strategy.CacheKeyMode) (string, error) {
			if params := paramsOf(hc.Params); params.CacheKey != "" {
				return params.CacheKey, nil
			}
			if cacheKey, ok := c.Lookup(req.URL.String()); ok {
				return cacheKey, nil
			}
			return "", nil
		},
	}
}

func copyRedirectedPlugin(origin *url.URL) *strategy.Plugin {
	return &strategy.Plugin{
		Name: "precache-copy-redirected",
		CacheWillUpdate: func(_ context.Context, _ *strategy.HookContext, _ *http.Request, resp *cache.Response) (*cache.Response, error) {
			if resp == nil || !resp.Redirected {
				return resp, nil
			}
			return cache.CopyResponse(resp, origin)
		},
	}
}

func defaultCacheabilityPlugin() *strategy.Plugin {
	return &strategy.Plugin{
		Name: "precache-default-cacheability",
		CacheWillUpdate: func(_ context.Context, _ *strategy.HookContext, _ *http.Request, resp *cache.Response) (*cache.Response, error) {
			if resp == nil || resp.StatusCode >= http.StatusBadRequest {
				return nil, nil
			}
			return resp, nil
		},
	}
}
