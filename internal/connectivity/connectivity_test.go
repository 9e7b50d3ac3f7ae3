package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/any-hub/swgate/internal/cache"
	"github.com/any-hub/swgate/internal/precache"
	"github.com/any-hub/swgate/internal/strategy"
)

const offlineHTML = `<html><head><base href="/build/"><title>offline</title></head></html>`

func TestTrackerPluginFlipsState(t *testing.T) {
	var changes []bool
	tracker := NewTracker(func(lost bool) { changes = append(changes, lost) })

	failing := strategy.NewNetworkOnly(strategy.Options{
		Plugins: []*strategy.Plugin{tracker.Plugin()},
		Fetcher: strategy.FetcherFunc(func(context.Context, *http.Request) (*cache.Response, error) {
			return nil, errors.New("dial tcp: refused")
		}),
	})
	req, _ := http.NewRequest(http.MethodGet, "http://app.internal/", nil)
	_, _ = failing.Handle(context.Background(), strategy.HandleOptions{Request: req})
	if !tracker.Lost() {
		t.Fatalf("抓取失败后应标记连接丢失")
	}

	ok := strategy.NewNetworkOnly(strategy.Options{
		Plugins: []*strategy.Plugin{tracker.Plugin()},
		Fetcher: strategy.FetcherFunc(func(context.Context, *http.Request) (*cache.Response, error) {
			return cache.NewResponse(http.StatusServiceUnavailable, http.Header{}, nil), nil
		}),
	})
	_, _ = ok.Handle(context.Background(), strategy.HandleOptions{Request: req})
	if tracker.Lost() {
		t.Fatalf("收到任何 HTTP 响应都应清除丢失标记")
	}
	if len(changes) != 2 || !changes[0] || changes[1] {
		t.Fatalf("状态变化回调错误: %v", changes)
	}
}

func TestProbeCheck(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("探测应使用 HEAD，得到 %s", r.Method)
		}
	}))
	target := origin.URL + "/app/"

	var flips []bool
	probe, err := NewProbe(ProbeOptions{Target: target, Client: origin.Client(), OnChange: func(online bool) { flips = append(flips, online) }})
	if err != nil {
		t.Fatalf("NewProbe 返回错误: %v", err)
	}
	if !probe.Online() || !probe.Check(context.Background()) {
		t.Fatalf("上游可达时应在线")
	}

	origin.Close()
	if probe.Check(context.Background()) || probe.Online() {
		t.Fatalf("上游关闭后应离线")
	}
	if len(flips) != 1 || flips[0] {
		t.Fatalf("应只记录一次离线翻转: %v", flips)
	}

	if _, err := NewProbe(ProbeOptions{Target: target, Schedule: "whenever"}); err == nil {
		t.Fatalf("非法计划表达式应报错")
	}
}

func TestFallbackServesOfflinePageForScopeRoot(t *testing.T) {
	fb, network := newFallbackFixture(t, StaticStatus(false))
	resp, err := fb.Handle(context.Background(), navOptions(t, "http://app.internal/app/"))
	if err != nil {
		t.Fatalf("离线时作用域根应返回离线页: %v", err)
	}
	if !strings.Contains(string(resp.Body), `<base href="/app/">`) {
		t.Fatalf("base href 应被改写为作用域: %s", resp.Body)
	}
	if resp.Header.Get("Content-Length") != "" {
		t.Fatalf("改写后应删除 Content-Length")
	}
	if network.calls != 0 {
		t.Fatalf("离线且缓存命中时不应访问网络")
	}
}

func TestFallbackServesManifestEntryVerbatimAfterNetworkFailure(t *testing.T) {
	fb, network := newFallbackFixture(t, StaticStatus(true))
	network.err = errors.New("connection reset")

	resp, err := fb.Handle(context.Background(), navOptions(t, "http://app.internal/app/settings.html"))
	if err != nil {
		t.Fatalf("网络失败时应回退缓存: %v", err)
	}
	if string(resp.Body) != "settings" {
		t.Fatalf("清单条目应原样返回: %s", resp.Body)
	}

	resp, err = fb.Handle(context.Background(), navOptions(t, "http://app.internal/app/unknown"))
	if err != nil || !strings.Contains(string(resp.Body), "offline") {
		t.Fatalf("非清单路径应返回离线页: %v", err)
	}
}

func TestFallbackPropagatesNetworkErrorWithoutCache(t *testing.T) {
	controller := precache.NewController(precache.Options{
		CacheName: "precache",
		Scope:     mustParse(t, "http://app.internal/app/"),
		Store:     cache.NewMemoryStore(0),
	})
	network := &fakeNetwork{err: errors.New("boom")}
	fb := NewFallback(FallbackOptions{
		Controller:  controller,
		Network:     network,
		Scope:       mustParse(t, "http://app.internal/app/"),
		OfflinePath: "offline.html",
	})
	if _, err := fb.Handle(context.Background(), navOptions(t, "http://app.internal/app/x")); !errors.Is(err, network.err) {
		t.Fatalf("无缓存时应返回网络错误，得到 %v", err)
	}
}

func TestRewriteBaseHrefReplacesFirstOnly(t *testing.T) {
	in := cache.NewResponse(http.StatusOK, http.Header{"Content-Length": {"10"}}, []byte(`<base href="a"><base href="b">`))
	out := RewriteBaseHref(in, "/scope/")
	if string(out.Body) != `<base href="/scope/"><base href="b">` {
		t.Fatalf("只应改写第一个 base: %s", out.Body)
	}
	if in.Header.Get("Content-Length") == "" {
		t.Fatalf("不应修改原始响应")
	}
}

type fakeNetwork struct {
	calls int
	err   error
}

func (f *fakeNetwork) Handle(context.Context, strategy.HandleOptions) (*cache.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return cache.NewResponse(http.StatusOK, http.Header{}, []byte("network")), nil
}

func newFallbackFixture(t *testing.T, status Status) (*Fallback, *fakeNetwork) {
	t.Helper()
	scope := mustParse(t, "http://app.internal/app/")
	store := cache.NewMemoryStore(0)
	controller := precache.NewController(precache.Options{CacheName: "precache", Scope: scope, Store: store})
	if err := controller.Register(
		precache.Entry{URL: "offline.html", Fingerprint: "1"},
		precache.Entry{URL: "settings.html", Fingerprint: "1"},
	); err != nil {
		t.Fatalf("注册清单失败: %v", err)
	}
	seedPrecache(t, controller, store, "offline.html", offlineHTML)
	seedPrecache(t, controller, store, "settings.html", "settings")

	network := &fakeNetwork{}
	return NewFallback(FallbackOptions{
		Controller:  controller,
		Network:     network,
		Status:      status,
		Scope:       scope,
		OfflinePath: "offline.html",
	}), network
}

func seedPrecache(t *testing.T, c *precache.Controller, store cache.Store, rawURL, body string) {
	t.Helper()
	key, ok := c.Lookup(rawURL)
	if !ok {
		t.Fatalf("%s 未注册", rawURL)
	}
	header := http.Header{"Content-Length": {"999"}}
	if _, err := store.Put(context.Background(), cache.Locator{CacheName: c.CacheName(), Key: key}, cache.NewResponse(http.StatusOK, header, []byte(body)), cache.PutOptions{}); err != nil {
		t.Fatalf("预置缓存失败: %v", err)
	}
}

func navOptions(t *testing.T, raw string) strategy.HandleOptions {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, raw, nil)
	if err != nil {
		t.Fatalf("构造请求失败: %v", err)
	}
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	return strategy.HandleOptions{Request: req}
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("解析 URL 失败: %v", err)
	}
	return u
}
