package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/any-hub/swgate/internal/cache"
	"github.com/any-hub/swgate/internal/precache"
	"github.com/any-hub/swgate/internal/strategy"
)

func TestPluginCountsLookupsWritesAndOutcomes(t *testing.T) {
	rec := NewRecorder("test")
	store := cache.NewMemoryStore(0)
	s := strategy.NewNetworkFirst(strategy.Options{
		CacheName: "runtime",
		Store:     store,
		Plugins:   []*strategy.Plugin{rec.Plugin("network-first")},
		Fetcher: strategy.FetcherFunc(func(context.Context, *http.Request) (*cache.Response, error) {
			return cache.NewResponse(http.StatusOK, http.Header{}, []byte("ok")), nil
		}),
	})
	req, _ := http.NewRequest(http.MethodGet, "http://app.internal/a", nil)
	if _, err := s.Handle(context.Background(), strategy.HandleOptions{Request: req}); err != nil {
		t.Fatalf("Handle 返回错误: %v", err)
	}

	if got := testutil.ToFloat64(rec.cacheWrites.WithLabelValues("runtime")); got != 1 {
		t.Fatalf("缓存写入计数错误: %v", got)
	}
	if got := testutil.ToFloat64(rec.requests.WithLabelValues("network-first", "ok")); got != 1 {
		t.Fatalf("请求结果计数错误: %v", got)
	}

	cacheOnly := strategy.NewCacheOnly(strategy.Options{
		CacheName: "runtime",
		Store:     store,
		Plugins:   []*strategy.Plugin{rec.Plugin("cache-only")},
	})
	_, _ = cacheOnly.Handle(context.Background(), strategy.HandleOptions{Request: req})
	missReq, _ := http.NewRequest(http.MethodGet, "http://app.internal/missing", nil)
	_, _ = cacheOnly.Handle(context.Background(), strategy.HandleOptions{Request: missReq})

	if got := testutil.ToFloat64(rec.cacheLookups.WithLabelValues("runtime", "hit")); got != 1 {
		t.Fatalf("命中计数错误: %v", got)
	}
	if got := testutil.ToFloat64(rec.cacheLookups.WithLabelValues("runtime", "miss")); got != 1 {
		t.Fatalf("未命中计数错误: %v", got)
	}
	if got := testutil.ToFloat64(rec.requests.WithLabelValues("cache-only", "error")); got != 1 {
		t.Fatalf("失败计数错误: %v", got)
	}
}

func TestLifecycleObservations(t *testing.T) {
	rec := NewRecorder("test")
	rec.ObserveInstall(&precache.InstallResult{UpdatedURLs: []string{"a", "b"}, NotUpdatedURLs: []string{"c"}}, nil)
	rec.ObserveInstall(nil, errors.New("boom"))
	rec.ObserveActivate(&precache.CleanupResult{DeletedCacheKeys: []string{"x"}})
	rec.SetConnectionLost(true)
	rec.SetOnline(false)

	if got := testutil.ToFloat64(rec.installs.WithLabelValues("updated")); got != 2 {
		t.Fatalf("updated 计数错误: %v", got)
	}
	if got := testutil.ToFloat64(rec.installs.WithLabelValues("failed")); got != 1 {
		t.Fatalf("failed 计数错误: %v", got)
	}
	if got := testutil.ToFloat64(rec.deletions); got != 1 {
		t.Fatalf("删除计数错误: %v", got)
	}
	if testutil.ToFloat64(rec.connectionLost) != 1 || testutil.ToFloat64(rec.online) != 0 {
		t.Fatalf("连接指标错误")
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	rec := NewRecorder("swgate")
	rec.SetConnectionLost(true)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/-/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics 端点状态码错误: %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "swgate_connection_lost 1") {
		t.Fatalf("输出应包含 connection_lost 指标")
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var rec *Recorder
	rec.SetOnline(true)
	rec.ObserveInstall(nil, errors.New("x"))
	if rec.Plugin("x") != nil {
		t.Fatalf("nil Recorder 不应返回插件")
	}
}
