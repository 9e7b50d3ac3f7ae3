package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/swgate/internal/cache"
	"github.com/any-hub/swgate/internal/logging"
	"github.com/any-hub/swgate/internal/precache"
	"github.com/any-hub/swgate/internal/strategy"
)

var baseHrefPattern = regexp.MustCompile(`<base\s+href=[^>]*>`)

// FallbackOptions 是导航回退处理器的依赖。
type FallbackOptions struct {
	Controller  *precache.Controller
	Network     strategy.Handler
	Status      Status
	Scope       *url.URL
	OfflinePath string
	Logger      *logrus.Logger
}

// Fallback 处理导航请求：离线时优先读缓存，在线时走网络，网络失败再读缓存。
type Fallback struct {
	controller  *precache.Controller
	network     strategy.Handler
	status      Status
	scope       *url.URL
	offlinePath string
	logger      *logrus.Logger
}

func NewFallback(opts FallbackOptions) *Fallback {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	status := opts.Status
	if status == nil {
		status = StaticStatus(true)
	}
	return &Fallback{
		controller:  opts.Controller,
		network:     opts.Network,
		status:      status,
		scope:       opts.Scope,
		offlinePath: opts.OfflinePath,
		logger:      logger,
	}
}

func (f *Fallback) Handle(ctx context.Context, opts strategy.HandleOptions) (*cache.Response, error) {
	req := opts.Request
	if !f.status.Online() {
		if resp := f.fromCache(ctx, req); resp != nil {
			return resp, nil
		}
	}

	resp, err := f.network.Handle(ctx, opts)
	if err == nil {
		return resp, nil
	}
	if cached := f.fromCache(ctx, req); cached != nil {
		f.logger.WithFields(logrus.Fields{
			"action": "navigation_fallback",
			"url":    req.URL.String(),
			"error":  err,
		}).Info("navigation_served_from_cache")
		return cached, nil
	}
	return nil, err
}

func (f *Fallback) fromCache(ctx context.Context, req *http.Request) *cache.Response {
	if f.scope != nil && req.URL.Path == f.scope.Path {
		return f.offline(ctx)
	}
	if _, ok := f.controller.Lookup(req.URL.String()); ok {
		resp, err := f.controller.MatchPrecache(ctx, req.URL.String())
		if err != nil {
			f.logCacheError(req.URL.String(), err)
			return nil
		}
		return resp
	}
	return f.offline(ctx)
}

func (f *Fallback) offline(ctx context.Context) *cache.Response {
	resp, err := f.controller.MatchPrecache(ctx, f.offlinePath)
	if err != nil {
		f.logCacheError(f.offlinePath, err)
		return nil
	}
	if resp == nil {
		return nil
	}
	scopePath := "/"
	if f.scope != nil {
		scopePath = f.scope.Path
	}
	return RewriteBaseHref(resp, scopePath)
}

func (f *Fallback) logCacheError(target string, err error) {
	f.logger.WithFields(logrus.Fields{
		"action": "navigation_fallback",
		"url":    target,
		"error":  err,
	}).Warn("fallback_cache_read_failed")
}

// RewriteBaseHref 把正文中第一个 <base href> 改写为 href，并去掉 Content-Length。
func RewriteBaseHref(resp *cache.Response, href string) *cache.Response {
	out := resp.Clone()
	if loc := baseHrefPattern.FindIndex(out.Body); loc != nil {
		replacement := fmt.Sprintf(`<base href="%s">`, href)
		body := make([]byte, 0, len(out.Body)-(loc[1]-loc[0])+len(replacement))
		body = append(body, out.Body[:loc[0]]...)
		body = append(body, replacement...)
		body = append(body, out.Body[loc[1]:]...)
		out.Body = body
	}
	if out.Header != nil {
		out.Header.Del("Content-Length")
	}
	return out
}
