// Package metrics 以 prometheus 指标记录网关的策略结果、缓存命中与生命周期事件。
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/swgate/internal/cache"
	"github.com/any-hub/swgate/internal/precache"
	"github.com/any-hub/swgate/internal/strategy"
)

// Recorder 持有独立的 registry；nil Recorder 的所有方法都是空操作。
type Recorder struct {
	registry       *prometheus.Registry
	requests       *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
	cacheWrites    *prometheus.CounterVec
	installs       *prometheus.CounterVec
	deletions      prometheus.Counter
	connectionLost prometheus.Gauge
	online         prometheus.Gauge
}

// NewRecorder 创建并注册全部指标，同时注册 Go 运行时与进程指标。
func NewRecorder(namespace string) *Recorder {
	if namespace == "" {
		namespace = "swgate"
	}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_requests_total",
			Help:      "Handled requests by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by cache name and result.",
		}, []string{"cache_name", "result"}),
		cacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Successful cache writes by cache name.",
		}, []string{"cache_name"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "precache_install_urls_total",
			Help:      "Precache URLs processed by install, by result.",
		}, []string{"result"}),
		deletions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "precache_deleted_keys_total",
			Help:      "Stale precache keys deleted by activate.",
		}),
		connectionLost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_lost",
			Help:      "1 when the last network fetch failed.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "origin_online",
			Help:      "1 when the last connectivity probe succeeded.",
		}),
	}
	r.online.Set(1)
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests, r.cacheLookups, r.cacheWrites, r.installs,
		r.deletions, r.connectionLost, r.online,
	)
	return r
}

// Registry 返回内部 registry，供测试读取。
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler 返回 /-/metrics 使用的 HTTP 处理器。
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Plugin 返回统计缓存读写与请求结果的插件。
func (r *Recorder) Plugin(strategyName string) *strategy.Plugin {
	if r == nil {
		return nil
	}
	return &strategy.Plugin{
		Name: "metrics",
		CachedResponseWillBeUsed: func(_ context.Context, hc *strategy.HookContext, _ string, cached *cache.Response) (*cache.Response, error) {
			result := "miss"
			if cached != nil {
				result = "hit"
			}
			r.cacheLookups.WithLabelValues(hc.CacheName, result).Inc()
			return cached, nil
		},
		CacheDidUpdate: func(_ context.Context, hc *strategy.HookContext, _ string, _, _ *cache.Response) {
			r.cacheWrites.WithLabelValues(hc.CacheName).Inc()
		},
		HandlerDidComplete: func(_ context.Context, _ *strategy.HookContext, resp *cache.Response, err error) {
			outcome := "ok"
			if resp == nil {
				outcome = "error"
			}
			r.requests.WithLabelValues(strategyName, outcome).Inc()
		},
	}
}

// ObserveInstall 记录一次安装结果。
func (r *Recorder) ObserveInstall(result *precache.InstallResult, err error) {
	if r == nil {
		return
	}
	if err != nil {
		r.installs.WithLabelValues("failed").Inc()
		return
	}
	r.installs.WithLabelValues("updated").Add(float64(len(result.UpdatedURLs)))
	r.installs.WithLabelValues("not_updated").Add(float64(len(result.NotUpdatedURLs)))
}

// ObserveActivate 记录 activate 删除的 key 数量。
func (r *Recorder) ObserveActivate(result *precache.CleanupResult) {
	if r == nil || result == nil {
		return
	}
	r.deletions.Add(float64(len(result.DeletedCacheKeys)))
}

// SetConnectionLost 更新连接丢失指标。
func (r *Recorder) SetConnectionLost(lost bool) {
	if r == nil {
		return
	}
	r.connectionLost.Set(boolValue(lost))
}

// SetOnline 更新探测在线指标。
func (r *Recorder) SetOnline(online bool) {
	if r == nil {
		return
	}
	r.online.Set(boolValue(online))
}

func boolValue(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
