// Package gateway 组装路由、预缓存控制器与连接回退，向 HTTP 层暴露
// install、activate、request 与 message 四个生命周期入口。
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/swgate/internal/cache"
	"github.com/any-hub/swgate/internal/config"
	"github.com/any-hub/swgate/internal/connectivity"
	"github.com/any-hub/swgate/internal/logging"
	"github.com/any-hub/swgate/internal/metrics"
	"github.com/any-hub/swgate/internal/precache"
	"github.com/any-hub/swgate/internal/routing"
	"github.com/any-hub/swgate/internal/strategy"
)

const (
	precacheCacheID = "precache-v2"
	runtimeCacheID  = "runtime"
)

// Options 是 Worker 的依赖，除 Config 与 Store 外均可为空。
type Options struct {
	Config   *config.Config
	Store    cache.Store
	Fetcher  strategy.Fetcher
	Status   connectivity.Status
	Metrics  *metrics.Recorder
	Registry *strategy.Registry
	Logger   *logrus.Logger
}

// Worker 持有一次部署所需的全部路由与缓存状态。
type Worker struct {
	cfg      *config.Config
	origin   *url.URL
	scope    *url.URL
	store    cache.Store
	fetcher  strategy.Fetcher
	status   connectivity.Status
	metrics  *metrics.Recorder
	registry *strategy.Registry
	logger   *logrus.Logger

	quota        *cache.QuotaCallbacks
	tracker      *connectivity.Tracker
	router       *routing.Router
	controller   *precache.Controller
	runtimeCache string
	cacheNames   map[string]string
}

// NewWorker 按固定顺序注册路由：运行时前缀、配置规则、导航回退、预缓存。
func NewWorker(opts Options) (*Worker, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("gateway: config is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("gateway: store is required")
	}
	cfg := opts.Config
	origin, err := url.Parse(cfg.Global.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	scope, err := cfg.Global.ScopeURL()
	if err != nil {
		return nil, fmt.Errorf("resolve scope: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	registry := opts.Registry
	if registry == nil {
		registry = strategy.NewDefaultRegistry()
	}
	status := opts.Status
	if status == nil {
		status = connectivity.StaticStatus(true)
	}

	w := &Worker{
		cfg:          cfg,
		origin:       origin,
		scope:        scope,
		store:        opts.Store,
		fetcher:      opts.Fetcher,
		status:       status,
		metrics:      opts.Metrics,
		registry:     registry,
		logger:       logger,
		quota:        &cache.QuotaCallbacks{},
		runtimeCache: cfg.Global.CacheName(runtimeCacheID),
		cacheNames:   make(map[string]string),
	}
	w.cacheNames[precacheCacheID] = cfg.Global.CacheName(precacheCacheID)
	w.cacheNames[runtimeCacheID] = w.runtimeCache
	w.tracker = connectivity.NewTracker(w.metrics.SetConnectionLost)
	w.quota.Register(w.dropRuntimeCache)

	w.router = routing.NewRouter(routing.Options{Origin: origin, Logger: logger})
	w.controller = precache.NewController(precache.Options{
		CacheName:          w.cacheNames[precacheCacheID],
		Scope:              scope,
		Store:              w.store,
		Fetcher:            w.fetcher,
		Plugins:            w.plugins(precache.KindPrecache),
		FallbackToNetwork:  cfg.Global.FallbackToNetwork,
		InstallConcurrency: cfg.Global.InstallConcurrency,
		Quota:              w.quota,
		Logger:             logger,
	})

	w.registerRuntimePrefixes()
	if err := w.registerRules(); err != nil {
		return nil, err
	}
	w.registerNavigation()
	variations, err := w.variationOptions()
	if err != nil {
		return nil, err
	}
	w.router.Register(precache.NewRoute(w.controller, variations))
	return w, nil
}

func (w *Worker) plugins(strategyName string, extra ...*strategy.Plugin) []*strategy.Plugin {
	out := make([]*strategy.Plugin, 0, len(extra)+1)
	out = append(out, extra...)
	if plugin := w.metrics.Plugin(strategyName); plugin != nil {
		out = append(out, plugin)
	}
	return out
}

func (w *Worker) baseOptions(cacheName string) strategy.Options {
	return strategy.Options{
		CacheName: cacheName,
		Store:     w.store,
		Fetcher:   w.fetcher,
		Quota:     w.quota,
		Logger:    w.logger,
	}
}

func (w *Worker) registerRuntimePrefixes() {
	if len(w.cfg.Global.RuntimePrefixes) == 0 {
		return
	}
	opts := w.baseOptions(w.runtimeCache)
	opts.Plugins = w.plugins(strategy.KindNetworkFirst, w.tracker.Plugin())
	opts.NetworkTimeout = w.cfg.Global.NetworkTimeout.DurationValue()
	networkFirst := strategy.NewNetworkFirst(opts)

	prefixes := make([]string, 0, len(w.cfg.Global.RuntimePrefixes))
	for _, prefix := range w.cfg.Global.RuntimePrefixes {
		prefixes = append(prefixes, w.scope.Path+strings.TrimPrefix(prefix, "/"))
	}
	port := portOf(w.scope)
	w.router.Register(routing.NewRoute(func(mc routing.MatchContext) any {
		if portOf(mc.URL) != port {
			return false
		}
		for _, prefix := range prefixes {
			if strings.HasPrefix(mc.URL.Path, prefix) {
				return true
			}
		}
		return false
	}, networkFirst, http.MethodGet))
}

func (w *Worker) registerRules() error {
	for _, rule := range w.cfg.Rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return fmt.Errorf("rule %s: %w", rule.Name, err)
		}
		cacheID := rule.CacheName
		if cacheID == "" {
			cacheID = runtimeCacheID
		}
		cacheName := w.cfg.Global.CacheName(cacheID)
		w.cacheNames[cacheID] = cacheName

		opts := w.baseOptions(cacheName)
		opts.Plugins = w.plugins(rule.Strategy, w.tracker.Plugin())
		opts.NetworkTimeout = rule.NetworkTimeout.DurationValue()
		if opts.NetworkTimeout == 0 {
			opts.NetworkTimeout = w.cfg.Global.NetworkTimeout.DurationValue()
		}
		handler, err := w.registry.Build(rule.Strategy, opts)
		if err != nil {
			return fmt.Errorf("rule %s: %w", rule.Name, err)
		}
		if _, err := w.router.RegisterCapture(re, handler, rule.Method); err != nil {
			return fmt.Errorf("rule %s: %w", rule.Name, err)
		}
	}
	return nil
}

func (w *Worker) registerNavigation() {
	opts := w.baseOptions("")
	opts.Plugins = w.plugins(strategy.KindNetworkOnly, w.tracker.Plugin())
	fallback := connectivity.NewFallback(connectivity.FallbackOptions{
		Controller:  w.controller,
		Network:     strategy.NewNetworkOnly(opts),
		Status:      w.status,
		Scope:       w.scope,
		OfflinePath: w.cfg.Global.OfflinePath,
		Logger:      w.logger,
	})
	w.router.Register(routing.NewNavigationRoute(fallback, routing.NavigationOptions{
		Allowlist: []*regexp.Regexp{regexp.MustCompile("^" + regexp.QuoteMeta(w.scope.Path))},
	}))
}

func (w *Worker) variationOptions() (precache.VariationOptions, error) {
	opts := precache.VariationOptions{
		DirectoryIndex: w.cfg.Global.DirectoryIndex,
		CleanURLs:      w.cfg.Global.CleanURLs,
	}
	for _, pattern := range w.cfg.Global.IgnoreURLParameters {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return opts, fmt.Errorf("ignore url parameter %q: %w", pattern, err)
		}
		opts.IgnoreParams = append(opts.IgnoreParams, re)
	}
	return opts, nil
}

func (w *Worker) dropRuntimeCache(ctx context.Context) {
	if err := w.store.Drop(ctx, w.runtimeCache); err != nil {
		w.logger.WithFields(logging.LifecycleFields("runtime_cleanup", w.runtimeCache)).
			WithError(err).Warn("runtime_cache_drop_failed")
	}
}

// Register 注册主清单。
func (w *Worker) Register(entries []config.ManifestEntry) error {
	return w.controller.Register(toEntries(entries)...)
}

// RegisterAdditional 注册附加清单条目，主清单已包含根时跳过 "." 条目。
func (w *Worker) RegisterAdditional(entries []config.ManifestEntry) error {
	return w.controller.RegisterAdditional(toEntries(entries)...)
}

func toEntries(entries []config.ManifestEntry) []precache.Entry {
	out := make([]precache.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, precache.Entry{URL: e.URL, Fingerprint: e.Revision, Integrity: e.Integrity})
	}
	return out
}

// OnInstall 安装预缓存清单。
func (w *Worker) OnInstall(ctx context.Context) (*precache.InstallResult, error) {
	result, err := w.controller.Install(ctx)
	w.metrics.ObserveInstall(result, err)
	return result, err
}

// OnActivate 清理过期预缓存条目并删除运行时缓存。
func (w *Worker) OnActivate(ctx context.Context) (*precache.CleanupResult, error) {
	result, err := w.controller.Activate(ctx)
	if err != nil {
		return nil, err
	}
	w.metrics.ObserveActivate(result)
	if err := w.store.Drop(ctx, w.runtimeCache); err != nil {
		return result, fmt.Errorf("drop runtime cache: %w", err)
	}
	w.logger.WithFields(logging.LifecycleFields("activate", w.runtimeCache)).Info("runtime_cache_dropped")
	return result, nil
}

// OnRequest 以 fetch 事件分发请求；handled 为 false 时调用方应透传。
func (w *Worker) OnRequest(ctx context.Context, req *http.Request) (*cache.Response, bool, error) {
	event := strategy.Event{Kind: strategy.EventFetch, RequestID: req.Header.Get("X-Request-ID")}
	return w.router.Dispatch(ctx, req, event)
}

// Shutdown 等待请求遗留的后台缓存写入。
func (w *Worker) Shutdown(ctx context.Context) error {
	return w.router.Wait(ctx)
}

// ConnectionLost 返回最近一次网络请求是否失败。
func (w *Worker) ConnectionLost() bool { return w.tracker.Lost() }

// Online 返回平台在线状态。
func (w *Worker) Online() bool { return w.status.Online() }

// Controller 返回预缓存控制器。
func (w *Worker) Controller() *precache.Controller { return w.controller }

// Registry 返回策略注册表。
func (w *Worker) Registry() *strategy.Registry { return w.registry }

// CacheNames 返回逻辑缓存名到实际缓存名的映射。
func (w *Worker) CacheNames() map[string]string {
	out := make(map[string]string, len(w.cacheNames))
	for k, v := range w.cacheNames {
		out[k] = v
	}
	return out
}

// Routes 返回各方法下的路由数量。
func (w *Worker) Routes() map[string]int { return w.router.Routes() }

func portOf(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	if strings.EqualFold(u.Scheme, "https") {
		return "443"
	}
	return "80"
}
