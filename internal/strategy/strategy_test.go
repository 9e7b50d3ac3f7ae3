package strategy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/any-hub/swgate/internal/cache"
	"github.com/any-hub/swgate/internal/gwerr"
)

func TestNetworkFirstCachesSuccessfulResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fresh"))
	}))
	defer upstream.Close()

	store := cache.NewMemoryStore(0)
	s := NewNetworkFirst(Options{
		CacheName: "runtime",
		Store:     store,
		Fetcher:   NewHTTPFetcher(upstream.Client(), 0),
	})

	req := newRequest(t, upstream.URL+"/api/data")
	resp, err := s.Handle(context.Background(), HandleOptions{Request: req})
	if err != nil {
		t.Fatalf("Handle 返回错误: %v", err)
	}
	if string(resp.Body) != "fresh" {
		t.Fatalf("响应正文错误: %s", resp.Body)
	}
	entry, err := store.Get(context.Background(), cache.Locator{CacheName: "runtime", Key: req.URL.String()})
	if err != nil {
		t.Fatalf("网络成功后应写入缓存: %v", err)
	}
	if string(entry.Response.Body) != "fresh" {
		t.Fatalf("缓存正文错误: %s", entry.Response.Body)
	}
}

func TestNetworkFirstSkipsNonCacheableStatus(t *testing.T) {
	store := cache.NewMemoryStore(0)
	s := NewNetworkFirst(Options{
		CacheName: "runtime",
		Store:     store,
		Fetcher:   staticFetcher(http.StatusNotFound, "missing"),
	})

	req := newRequest(t, "http://app.internal/api/missing")
	resp, err := s.Handle(context.Background(), HandleOptions{Request: req})
	if err != nil {
		t.Fatalf("404 仍应作为网络响应返回: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("状态码错误: %d", resp.StatusCode)
	}
	if _, err := store.Get(context.Background(), cache.Locator{CacheName: "runtime", Key: req.URL.String()}); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("404 不应写入缓存，得到 %v", err)
	}
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	store := cache.NewMemoryStore(0)
	req := newRequest(t, "http://app.internal/api/data")
	seed(t, store, "runtime", req.URL.String(), "stale")

	s := NewNetworkFirst(Options{
		CacheName: "runtime",
		Store:     store,
		Fetcher:   failingFetcher(errors.New("connection refused")),
	})
	resp, err := s.Handle(context.Background(), HandleOptions{Request: req})
	if err != nil {
		t.Fatalf("网络失败应回退缓存: %v", err)
	}
	if string(resp.Body) != "stale" {
		t.Fatalf("应返回缓存正文，得到 %s", resp.Body)
	}
}

func TestNetworkFirstFailsWithoutNetworkOrCache(t *testing.T) {
	s := NewNetworkFirst(Options{
		CacheName: "runtime",
		Store:     cache.NewMemoryStore(0),
		Fetcher:   failingFetcher(errors.New("connection refused")),
	})
	_, err := s.Handle(context.Background(), HandleOptions{Request: newRequest(t, "http://app.internal/x")})
	if !errors.Is(err, gwerr.ErrNoResponse) {
		t.Fatalf("应返回 no-response，得到 %v", err)
	}
}

func TestNetworkFirstTimeoutServesCacheAndUpdatesLater(t *testing.T) {
	store := cache.NewMemoryStore(0)
	req := newRequest(t, "http://app.internal/api/slow")
	seed(t, store, "runtime", req.URL.String(), "stale")

	release := make(chan struct{})
	fetcher := FetcherFunc(func(ctx context.Context, r *http.Request) (*cache.Response, error) {
		<-release
		return cache.NewResponse(http.StatusOK, http.Header{}, []byte("fresh")), nil
	})
	s := NewNetworkFirst(Options{
		CacheName:      "runtime",
		Store:          store,
		Fetcher:        fetcher,
		NetworkTimeout: 20 * time.Millisecond,
	})

	exec := s.HandleAll(context.Background(), HandleOptions{Request: req})
	resp, err := exec.Response()
	if err != nil {
		t.Fatalf("超时后应返回缓存: %v", err)
	}
	if string(resp.Body) != "stale" {
		t.Fatalf("超时应先返回缓存正文，得到 %s", resp.Body)
	}

	close(release)
	if err := exec.Wait(); err != nil {
		t.Fatalf("后台任务不应失败: %v", err)
	}
	entry, err := store.Get(context.Background(), cache.Locator{CacheName: "runtime", Key: req.URL.String()})
	if err != nil || string(entry.Response.Body) != "fresh" {
		t.Fatalf("迟到的网络响应应更新缓存: %v", err)
	}
}

func TestNetworkFirstTimeoutWaitsForNetworkOnMiss(t *testing.T) {
	fetcher := FetcherFunc(func(ctx context.Context, r *http.Request) (*cache.Response, error) {
		time.Sleep(40 * time.Millisecond)
		return cache.NewResponse(http.StatusOK, http.Header{}, []byte("late")), nil
	})
	s := NewNetworkFirst(Options{
		CacheName:      "runtime",
		Store:          cache.NewMemoryStore(0),
		Fetcher:        fetcher,
		NetworkTimeout: 5 * time.Millisecond,
	})
	resp, err := s.Handle(context.Background(), HandleOptions{Request: newRequest(t, "http://app.internal/late")})
	if err != nil {
		t.Fatalf("缓存未命中时应等待网络: %v", err)
	}
	if string(resp.Body) != "late" {
		t.Fatalf("应返回网络正文，得到 %s", resp.Body)
	}
}

func TestNetworkFirstZeroTimeoutNeverServesCacheEarly(t *testing.T) {
	store := cache.NewMemoryStore(0)
	req := newRequest(t, "http://app.internal/api/zero")
	seed(t, store, "runtime", req.URL.String(), "stale")

	fetcher := FetcherFunc(func(ctx context.Context, r *http.Request) (*cache.Response, error) {
		time.Sleep(30 * time.Millisecond)
		return cache.NewResponse(http.StatusOK, http.Header{}, []byte("fresh")), nil
	})
	s := NewNetworkFirst(Options{CacheName: "runtime", Store: store, Fetcher: fetcher})
	resp, err := s.Handle(context.Background(), HandleOptions{Request: req})
	if err != nil {
		t.Fatalf("Handle 返回错误: %v", err)
	}
	if string(resp.Body) != "fresh" {
		t.Fatalf("未配置超时时应等待网络，得到 %s", resp.Body)
	}
}

func TestCacheOnlyMiss(t *testing.T) {
	s := NewCacheOnly(Options{CacheName: "runtime", Store: cache.NewMemoryStore(0)})
	_, err := s.Handle(context.Background(), HandleOptions{Request: newRequest(t, "http://app.internal/a")})
	if !errors.Is(err, gwerr.ErrNoResponse) {
		t.Fatalf("缓存未命中应返回 no-response，得到 %v", err)
	}
}

func TestNetworkOnlyTimeout(t *testing.T) {
	fetcher := FetcherFunc(func(ctx context.Context, r *http.Request) (*cache.Response, error) {
		time.Sleep(50 * time.Millisecond)
		return cache.NewResponse(http.StatusOK, nil, nil), nil
	})
	s := NewNetworkOnly(Options{Fetcher: fetcher, NetworkTimeout: 5 * time.Millisecond})
	_, err := s.Handle(context.Background(), HandleOptions{Request: newRequest(t, "http://app.internal/a")})
	if gwerr.CodeOf(err) != gwerr.CodeNoResponse {
		t.Fatalf("超时应返回 no-response，得到 %v", err)
	}
}

func TestPluginHooksRunInOrder(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	record := func(name string) {
		mu.Lock()
		events = append(events, name)
		mu.Unlock()
	}

	var sawHeader atomic.Bool
	fetcher := FetcherFunc(func(ctx context.Context, r *http.Request) (*cache.Response, error) {
		sawHeader.Store(r.Header.Get("X-Plugin") == "1")
		return cache.NewResponse(http.StatusOK, http.Header{}, []byte("ok")), nil
	})

	var completions atomic.Int32
	plugin := &Plugin{
		Name: "recorder",
		HandlerWillStart: func(ctx context.Context, hc *HookContext) {
			hc.State.Store("started", true)
			record("start")
		},
		RequestWillFetch: func(ctx context.Context, hc *HookContext, req *http.Request) (*http.Request, error) {
			record("request")
			req.Header.Set("X-Plugin", "1")
			return req, nil
		},
		FetchDidSucceed: func(ctx context.Context, hc *HookContext, req *http.Request, resp *cache.Response) (*cache.Response, error) {
			record("fetched")
			return resp, nil
		},
		HandlerWillRespond: func(ctx context.Context, hc *HookContext, resp *cache.Response) (*cache.Response, error) {
			record("respond")
			if _, ok := hc.State.Load("started"); !ok {
				t.Errorf("插件状态应在同一请求内共享")
			}
			out := resp.Clone()
			out.Header.Set("X-Handled", "yes")
			return out, nil
		},
		HandlerDidComplete: func(ctx context.Context, hc *HookContext, resp *cache.Response, err error) {
			record("complete")
			completions.Add(1)
		},
	}

	s := NewNetworkOnly(Options{Fetcher: fetcher, Plugins: []*Plugin{plugin}})
	resp, err := s.Handle(context.Background(), HandleOptions{Request: newRequest(t, "http://app.internal/a")})
	if err != nil {
		t.Fatalf("Handle 返回错误: %v", err)
	}
	if !sawHeader.Load() {
		t.Fatalf("RequestWillFetch 修改的请求应被发送")
	}
	if resp.Header.Get("X-Handled") != "yes" {
		t.Fatalf("HandlerWillRespond 的替换响应应生效")
	}
	want := []string{"start", "request", "fetched", "respond", "complete"}
	if len(events) != len(want) {
		t.Fatalf("回调序列错误: %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("回调序列错误: %v", events)
		}
	}
	if completions.Load() != 1 {
		t.Fatalf("HandlerDidComplete 应执行一次，得到 %d", completions.Load())
	}
}

func TestHandlerDidErrorSubstitutesResponse(t *testing.T) {
	var failed atomic.Bool
	var completeErr error
	plugin := &Plugin{
		FetchDidFail: func(ctx context.Context, hc *HookContext, original, req *http.Request, err error) {
			failed.Store(true)
		},
		HandlerDidError: func(ctx context.Context, hc *HookContext, err error) *cache.Response {
			return cache.NewResponse(http.StatusOK, http.Header{}, []byte("fallback"))
		},
		HandlerDidComplete: func(ctx context.Context, hc *HookContext, resp *cache.Response, err error) {
			completeErr = err
		},
	}
	s := NewNetworkOnly(Options{Fetcher: failingFetcher(errors.New("boom")), Plugins: []*Plugin{plugin}})
	resp, err := s.Handle(context.Background(), HandleOptions{Request: newRequest(t, "http://app.internal/a")})
	if err != nil {
		t.Fatalf("替代响应应吞掉错误: %v", err)
	}
	if string(resp.Body) != "fallback" {
		t.Fatalf("应返回替代响应，得到 %s", resp.Body)
	}
	if !failed.Load() {
		t.Fatalf("FetchDidFail 应被调用")
	}
	if completeErr != nil {
		t.Fatalf("替代后不应带终止错误: %v", completeErr)
	}
}

func TestPanickingPluginBecomesError(t *testing.T) {
	for _, timeout := range []time.Duration{0, time.Second} {
		t.Run(timeout.String(), func(t *testing.T) {
			var didError, didComplete atomic.Int32
			var completeErr atomic.Value
			plugin := &Plugin{
				FetchDidSucceed: func(context.Context, *HookContext, *http.Request, *cache.Response) (*cache.Response, error) {
					panic("plugin bug")
				},
				HandlerDidError: func(context.Context, *HookContext, error) *cache.Response {
					didError.Add(1)
					return nil
				},
				HandlerDidComplete: func(_ context.Context, _ *HookContext, _ *cache.Response, err error) {
					didComplete.Add(1)
					if err != nil {
						completeErr.Store(err)
					}
				},
			}
			s := NewNetworkOnly(Options{
				Fetcher:        staticFetcher(http.StatusOK, "ok"),
				Plugins:        []*Plugin{plugin},
				NetworkTimeout: timeout,
			})
			_, err := s.Handle(context.Background(), HandleOptions{Request: newRequest(t, "http://app.internal/a")})
			if err == nil || !strings.Contains(err.Error(), "plugin bug") {
				t.Fatalf("插件 panic 应转为错误，得到 %v", err)
			}
			if didError.Load() != 1 || didComplete.Load() != 1 {
				t.Fatalf("HandlerDidError/HandlerDidComplete 应各执行一次，得到 %d/%d", didError.Load(), didComplete.Load())
			}
			if completeErr.Load() == nil {
				t.Fatalf("HandlerDidComplete 应收到终止错误")
			}
		})
	}
}

func TestPanickingFetcherInHandleAllResolves(t *testing.T) {
	fetcher := FetcherFunc(func(context.Context, *http.Request) (*cache.Response, error) {
		panic("fetcher bug")
	})
	s := NewNetworkFirst(Options{CacheName: "runtime", Store: cache.NewMemoryStore(0), Fetcher: fetcher, NetworkTimeout: time.Second})
	exec := s.HandleAll(context.Background(), HandleOptions{Request: newRequest(t, "http://app.internal/a")})
	if _, err := exec.Response(); err == nil {
		t.Fatalf("fetcher panic 应转为错误")
	}
	if err := exec.Wait(); err != nil {
		t.Fatalf("panic 已转为响应错误，后台任务不应再报错: %v", err)
	}
}

func TestNetworkOnlyTimeoutFetchFinishesBeforeComplete(t *testing.T) {
	var fetched, fetchedAtComplete atomic.Bool
	plugin := &Plugin{
		FetchDidSucceed: func(_ context.Context, _ *HookContext, _ *http.Request, resp *cache.Response) (*cache.Response, error) {
			fetched.Store(true)
			return resp, nil
		},
		HandlerDidComplete: func(context.Context, *HookContext, *cache.Response, error) {
			fetchedAtComplete.Store(fetched.Load())
		},
	}
	fetcher := FetcherFunc(func(context.Context, *http.Request) (*cache.Response, error) {
		time.Sleep(40 * time.Millisecond)
		return cache.NewResponse(http.StatusOK, http.Header{}, []byte("late")), nil
	})
	s := NewNetworkOnly(Options{Fetcher: fetcher, Plugins: []*Plugin{plugin}, NetworkTimeout: 5 * time.Millisecond})

	exec := s.HandleAll(context.Background(), HandleOptions{Request: newRequest(t, "http://app.internal/slow")})
	if _, err := exec.Response(); !errors.Is(err, gwerr.ErrNoResponse) {
		t.Fatalf("超时应返回 no-response，得到 %v", err)
	}
	if err := exec.Wait(); err != nil {
		t.Fatalf("后台任务不应失败: %v", err)
	}
	if !fetchedAtComplete.Load() {
		t.Fatalf("超时后的网络请求应在 HandlerDidComplete 之前结束")
	}
}

func TestRequestWillFetchErrorIsWrapped(t *testing.T) {
	plugin := &Plugin{
		RequestWillFetch: func(ctx context.Context, hc *HookContext, req *http.Request) (*http.Request, error) {
			return nil, errors.New("denied")
		},
	}
	s := NewNetworkOnly(Options{Fetcher: staticFetcher(http.StatusOK, "ok"), Plugins: []*Plugin{plugin}})
	_, err := s.Handle(context.Background(), HandleOptions{Request: newRequest(t, "http://app.internal/a")})
	if !errors.Is(err, gwerr.ErrPluginErrorRequestWillFetch) {
		t.Fatalf("应保留插件错误类别，得到 %v", err)
	}
}

func TestCacheKeyIsMemoizedPerMode(t *testing.T) {
	var calls atomic.Int32
	plugin := &Plugin{
		CacheKeyWillBeUsed: func(ctx context.Context, hc *HookContext, req *http.Request, key string, mode CacheKeyMode) (string, error) {
			calls.Add(1)
			return key + "#" + string(mode), nil
		},
	}
	base := NewBase("test", Options{CacheName: "c", Store: cache.NewMemoryStore(0), Plugins: []*Plugin{plugin}})
	req := newRequest(t, "http://app.internal/a")
	exec := executorFunc(func(ctx context.Context, r *http.Request, p *Pipeline) (*cache.Response, error) {
		for i := 0; i < 3; i++ {
			if _, err := p.CacheKey(ctx, r, CacheKeyRead); err != nil {
				return nil, err
			}
		}
		key, err := p.CacheKey(ctx, r, CacheKeyWrite)
		if err != nil {
			return nil, err
		}
		return cache.NewResponse(http.StatusOK, http.Header{"X-Key": {key}}, nil), nil
	})
	resp, err := base.RunToCompletion(context.Background(), HandleOptions{Request: req}, exec)
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("每种模式只应计算一次 key，得到 %d 次", calls.Load())
	}
	if resp.Header.Get("X-Key") != req.URL.String()+"#write" {
		t.Fatalf("写模式 key 错误: %s", resp.Header.Get("X-Key"))
	}
}

func TestCachePutQuotaExceededRunsCallbacks(t *testing.T) {
	quota := &cache.QuotaCallbacks{}
	var cleaned atomic.Bool
	quota.Register(func(context.Context) { cleaned.Store(true) })

	base := NewBase("test", Options{CacheName: "c", Store: cache.NewMemoryStore(4), Quota: quota})
	exec := executorFunc(func(ctx context.Context, r *http.Request, p *Pipeline) (*cache.Response, error) {
		resp := cache.NewResponse(http.StatusOK, http.Header{}, []byte("too large"))
		if _, err := p.CachePut(ctx, r, resp); err != nil {
			return nil, err
		}
		return resp, nil
	})
	_, err := base.RunToCompletion(context.Background(), HandleOptions{Request: newRequest(t, "http://app.internal/a")}, exec)
	if !errors.Is(err, gwerr.ErrQuotaExceeded) {
		t.Fatalf("应返回 quota-exceeded，得到 %v", err)
	}
	if !cleaned.Load() {
		t.Fatalf("配额回调应被执行")
	}
}

func TestCacheDidUpdateReceivesPreviousResponse(t *testing.T) {
	store := cache.NewMemoryStore(0)
	req := newRequest(t, "http://app.internal/a")
	seed(t, store, "c", req.URL.String(), "v1")

	var oldBody, newBody string
	plugin := &Plugin{
		CacheDidUpdate: func(ctx context.Context, hc *HookContext, key string, oldResp, newResp *cache.Response) {
			if oldResp != nil {
				oldBody = string(oldResp.Body)
			}
			newBody = string(newResp.Body)
		},
	}
	base := NewBase("test", Options{CacheName: "c", Store: store, Plugins: []*Plugin{plugin}})
	exec := executorFunc(func(ctx context.Context, r *http.Request, p *Pipeline) (*cache.Response, error) {
		resp := cache.NewResponse(http.StatusOK, http.Header{}, []byte("v2"))
		_, err := p.CachePut(ctx, r, resp)
		return resp, err
	})
	if _, err := base.RunToCompletion(context.Background(), HandleOptions{Request: req}, exec); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if oldBody != "v1" || newBody != "v2" {
		t.Fatalf("CacheDidUpdate 参数错误 old=%q new=%q", oldBody, newBody)
	}
}

func TestIntegrityMismatchCountsAsNetworkFailure(t *testing.T) {
	s := NewNetworkOnly(Options{Fetcher: staticFetcher(http.StatusOK, "tampered")})
	req := WithIntegrity(newRequest(t, "http://app.internal/app.js"), "sha256-AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	if _, err := s.Handle(context.Background(), HandleOptions{Request: req}); gwerr.CodeOf(err) != gwerr.CodeNoResponse {
		t.Fatalf("完整性校验失败应视为网络失败，得到 %v", err)
	}
}

func TestFetchOptionsSkipNavigation(t *testing.T) {
	var got []string
	var mu sync.Mutex
	fetcher := FetcherFunc(func(ctx context.Context, r *http.Request) (*cache.Response, error) {
		mu.Lock()
		got = append(got, r.Header.Get("X-Extra"))
		mu.Unlock()
		return cache.NewResponse(http.StatusOK, http.Header{}, nil), nil
	})
	s := NewNetworkOnly(Options{
		Fetcher:      fetcher,
		FetchOptions: FetchOptions{Header: http.Header{"X-Extra": {"1"}}},
	})

	nav := newRequest(t, "http://app.internal/page")
	nav.Header.Set("Sec-Fetch-Mode", "navigate")
	if _, err := s.Handle(context.Background(), HandleOptions{Request: nav}); err != nil {
		t.Fatalf("导航请求失败: %v", err)
	}
	if _, err := s.Handle(context.Background(), HandleOptions{Request: newRequest(t, "http://app.internal/data")}); err != nil {
		t.Fatalf("普通请求失败: %v", err)
	}
	if got[0] != "" || got[1] != "1" {
		t.Fatalf("FetchOptions 只应作用于非导航请求: %v", got)
	}
}

func TestRegistryBuildsKnownKinds(t *testing.T) {
	r := NewDefaultRegistry()
	if len(r.List()) != 3 {
		t.Fatalf("内置策略数量错误: %d", len(r.List()))
	}
	s, err := r.Build("Network-First", Options{CacheName: "runtime"})
	if err != nil {
		t.Fatalf("Build 返回错误: %v", err)
	}
	if s.Name() != KindNetworkFirst || s.CacheName() != "runtime" {
		t.Fatalf("策略属性错误: %s %s", s.Name(), s.CacheName())
	}
	if _, err := r.Build("stale-while-revalidate", Options{}); err == nil {
		t.Fatalf("未知策略应报错")
	}
	if err := r.Register(Kind{Key: KindCacheOnly, Build: func(Options) Strategy { return nil }}); err == nil {
		t.Fatalf("重复注册应报错")
	}
}

type executorFunc func(ctx context.Context, req *http.Request, p *Pipeline) (*cache.Response, error)

func (f executorFunc) Execute(ctx context.Context, req *http.Request, p *Pipeline) (*cache.Response, error) {
	return f(ctx, req, p)
}

func newRequest(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("构造请求失败: %v", err)
	}
	return req
}

func seed(t *testing.T, store cache.Store, cacheName, key, body string) {
	t.Helper()
	resp := cache.NewResponse(http.StatusOK, http.Header{}, []byte(body))
	if _, err := store.Put(context.Background(), cache.Locator{CacheName: cacheName, Key: key}, resp, cache.PutOptions{}); err != nil {
		t.Fatalf("预置缓存失败: %v", err)
	}
}

func staticFetcher(status int, body string) Fetcher {
	return FetcherFunc(func(ctx context.Context, r *http.Request) (*cache.Response, error) {
		return cache.NewResponse(status, http.Header{}, []byte(body)), nil
	})
}

func failingFetcher(err error) Fetcher {
	return FetcherFunc(func(ctx context.Context, r *http.Request) (*cache.Response, error) {
		return nil, err
	})
}
