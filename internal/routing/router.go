package routing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/swgate/internal/cache"
	"github.com/any-hub/swgate/internal/gwerr"
	"github.com/any-hub/swgate/internal/logging"
	"github.com/any-hub/swgate/internal/strategy"
)

// Options 是 Router 的构造参数。
type Options struct {
	// Origin 用于判断同源与解析字符串路由。
	Origin *url.URL
	Logger *logrus.Logger
}

// Router 按方法分桶保存路由，按注册顺序匹配。
type Router struct {
	origin *url.URL
	logger *logrus.Logger

	mu              sync.RWMutex
	routes          map[string][]*Route
	defaultHandlers map[string]strategy.Handler
	catchHandler    strategy.Handler

	// pending 统计 Dispatch 遗留的后台任务；idle 在计数归零时关闭。
	pendingMu sync.Mutex
	pending   int
	idle      chan struct{}
}

func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Router{
		origin:          opts.Origin,
		logger:          logger,
		routes:          make(map[string][]*Route),
		defaultHandlers: make(map[string]strategy.Handler),
	}
}

// Register 追加路由。
func (r *Router) Register(route *Route) {
	if route.Method == "" {
		route.Method = http.MethodGet
	}
	r.mu.Lock()
	r.routes[route.Method] = append(r.routes[route.Method], route)
	r.mu.Unlock()
}

// RegisterCapture 接受字符串、*regexp.Regexp、MatchFunc 或 *Route 形式的匹配条件。
func (r *Router) RegisterCapture(capture any, handler strategy.Handler, method string) (*Route, error) {
	var route *Route
	switch c := capture.(type) {
	case string:
		target, err := r.resolve(c)
		if err != nil {
			return nil, err
		}
		want := target.String()
		route = NewRoute(func(mc MatchContext) any {
			return mc.URL.String() == want
		}, handler, method)
	case *regexp.Regexp:
		route = NewRegExpRoute(c, handler, method)
	case MatchFunc:
		route = NewRoute(c, handler, method)
	case func(MatchContext) any:
		route = NewRoute(c, handler, method)
	case *Route:
		route = c
	default:
		return nil, gwerr.New(gwerr.CodeUnsupportedRouteType, "capture=%T", capture)
	}
	r.Register(route)
	return route, nil
}

// Unregister 移除指定路由实例。
func (r *Router) Unregister(route *Route) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.routes[route.Method]
	if !ok {
		return gwerr.New(gwerr.CodeUnregisteredRoute, "no routes for method %s", route.Method)
	}
	for i, candidate := range bucket {
		if candidate == route {
			r.routes[route.Method] = append(bucket[:i:i], bucket[i+1:]...)
			return nil
		}
	}
	return gwerr.New(gwerr.CodeUnregisteredRoute, "route not registered for method %s", route.Method)
}

// SetDefaultHandler 设置某方法无路由匹配时的处理器，method 为空时默认 GET。
func (r *Router) SetDefaultHandler(h strategy.Handler, method string) {
	if method == "" {
		method = http.MethodGet
	}
	r.mu.Lock()
	r.defaultHandlers[method] = h
	r.mu.Unlock()
}

// SetCatchHandler 设置全局错误回退处理器。
func (r *Router) SetCatchHandler(h strategy.Handler) {
	r.mu.Lock()
	r.catchHandler = h
	r.mu.Unlock()
}

// Routes 返回各方法下的路由数量。
func (r *Router) Routes() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.routes))
	for method, bucket := range r.routes {
		out[method] = len(bucket)
	}
	return out
}

// FindMatchingRoute 返回第一个匹配的路由及归一化后的参数。
func (r *Router) FindMatchingRoute(mc MatchContext) (*Route, any) {
	method := http.MethodGet
	if mc.Request != nil && mc.Request.Method != "" {
		method = mc.Request.Method
	}
	r.mu.RLock()
	bucket := append([]*Route(nil), r.routes[method]...)
	r.mu.RUnlock()

	for _, route := range bucket {
		if params, ok := normalizeParams(route.Match(mc)); ok {
			return route, params
		}
	}
	return nil, nil
}

// Dispatch 把请求交给匹配的处理器。handled 为 false 表示没有处理器认领，
// 调用方应直接透传。
func (r *Router) Dispatch(ctx context.Context, req *http.Request, event strategy.Event) (*cache.Response, bool, error) {
	return r.dispatch(ctx, req, event, false)
}

func (r *Router) dispatch(ctx context.Context, req *http.Request, event strategy.Event, wait bool) (*cache.Response, bool, error) {
	if req == nil || req.URL == nil {
		return nil, false, nil
	}
	scheme := strings.ToLower(req.URL.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, false, nil
	}

	mc := MatchContext{URL: req.URL, Request: req, Event: event, SameOrigin: r.sameOrigin(req.URL)}
	route, params := r.FindMatchingRoute(mc)

	var handler, routeCatch strategy.Handler
	if route != nil {
		handler, routeCatch = route.Handler, route.CatchHandler
	}
	r.mu.RLock()
	if handler == nil {
		handler = r.defaultHandlers[req.Method]
	}
	globalCatch := r.catchHandler
	r.mu.RUnlock()
	if handler == nil {
		return nil, false, nil
	}

	opts := strategy.HandleOptions{Request: req, Event: event, Params: params}
	resp, err := r.invoke(ctx, handler, opts, wait)
	if err == nil {
		return resp, true, nil
	}
	if routeCatch == nil && globalCatch == nil {
		return nil, true, err
	}

	fields := logrus.Fields{"action": "dispatch", "url": req.URL.String(), "error": err}
	if routeCatch != nil {
		caught, cerr := r.invoke(ctx, routeCatch, opts, wait)
		if cerr == nil {
			return caught, true, nil
		}
		r.logger.WithFields(fields).WithField("catch_error", cerr).Debug("route_catch_failed")
	}
	if globalCatch != nil {
		caught, cerr := r.invoke(ctx, globalCatch, strategy.HandleOptions{Request: req, Event: event}, wait)
		if cerr == nil {
			return caught, true, nil
		}
		r.logger.WithFields(fields).WithField("catch_error", cerr).Debug("global_catch_failed")
	}
	return nil, true, err
}

// invoke 对支持 HandleAll 的处理器在响应就绪时即返回，剩余后台任务由 Wait 追踪。
func (r *Router) invoke(ctx context.Context, h strategy.Handler, opts strategy.HandleOptions, wait bool) (*cache.Response, error) {
	all, ok := h.(strategy.AllHandler)
	if !ok {
		return h.Handle(ctx, opts)
	}
	exec := all.HandleAll(ctx, opts)
	resp, err := exec.Response()
	if wait {
		if werr := exec.Wait(); werr != nil && err == nil {
			err = werr
		}
		return resp, err
	}

	release := r.track()
	go func() {
		defer release()
		if werr := exec.Wait(); werr != nil {
			r.logger.WithFields(logrus.Fields{
				"action": "dispatch",
				"url":    opts.Request.URL.String(),
				"error":  werr,
			}).Warn("background_task_failed")
		}
	}()
	return resp, err
}

// URLRequest 是 CacheURLs 的单个目标。
type URLRequest struct {
	URL    string
	Header http.Header
}

// CacheURLs 并发分发每个 URL 并等待后台写入完成，任一失败即返回。
func (r *Router) CacheURLs(ctx context.Context, targets []URLRequest, event strategy.Event) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		g.Go(func() error {
			resolved, err := r.resolve(target.URL)
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, resolved.String(), nil)
			if err != nil {
				return fmt.Errorf("build cache request: %w", err)
			}
			for name, values := range target.Header {
				for _, v := range values {
					req.Header.Add(name, v)
				}
			}
			_, _, err = r.dispatch(gctx, req, event, true)
			return err
		})
	}
	return g.Wait()
}

func (r *Router) track() func() {
	r.pendingMu.Lock()
	if r.pending == 0 {
		r.idle = make(chan struct{})
	}
	r.pending++
	r.pendingMu.Unlock()

	return func() {
		r.pendingMu.Lock()
		r.pending--
		if r.pending == 0 {
			close(r.idle)
			r.idle = nil
		}
		r.pendingMu.Unlock()
	}
}

// Wait 等待 Dispatch 遗留的后台任务全部结束，ctx 结束时提前返回。
// 可以与 Dispatch 并发调用。
func (r *Router) Wait(ctx context.Context) error {
	r.pendingMu.Lock()
	idle := r.idle
	r.pendingMu.Unlock()
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) resolve(raw string) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", raw, err)
	}
	if r.origin != nil {
		ref = r.origin.ResolveReference(ref)
	}
	return ref, nil
}

func (r *Router) sameOrigin(u *url.URL) bool {
	if r.origin == nil {
		return true
	}
	return strings.EqualFold(u.Scheme, r.origin.Scheme) && strings.EqualFold(u.Host, r.origin.Host)
}
