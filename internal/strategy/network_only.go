package strategy

import (
	"context"
	"net/http"
	"time"

	"github.com/any-hub/swgate/internal/cache"
	"github.com/any-hub/swgate/internal/gwerr"
)

// NetworkOnly 总是访问网络，不读写缓存。
type NetworkOnly struct {
	base    *Base
	timeout time.Duration
}

func NewNetworkOnly(opts Options) *NetworkOnly {
	return &NetworkOnly{base: NewBase(KindNetworkOnly, opts), timeout: opts.NetworkTimeout}
}

func (s *NetworkOnly) Name() string      { return s.base.Name() }
func (s *NetworkOnly) CacheName() string { return s.base.CacheName() }

func (s *NetworkOnly) Handle(ctx context.Context, opts HandleOptions) (*cache.Response, error) {
	return s.base.RunToCompletion(ctx, opts, s)
}

func (s *NetworkOnly) HandleAll(ctx context.Context, opts HandleOptions) *Execution {
	return s.base.Run(ctx, opts, s)
}

func (s *NetworkOnly) Execute(ctx context.Context, req *http.Request, p *Pipeline) (*cache.Response, error) {
	if s.timeout <= 0 {
		resp, err := p.Fetch(ctx, req)
		if err != nil {
			return nil, gwerr.Wrap(gwerr.CodeNoResponse, err, "url=%s", req.URL)
		}
		return resp, nil
	}

	// 超时后 fetch 仍作为后台任务完成，其回调在 HandlerDidComplete 之前结束。
	result := p.inBackground(func() (*cache.Response, error) {
		return p.Fetch(ctx, req)
	})

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case r := <-result:
		if r.err != nil {
			return nil, gwerr.Wrap(gwerr.CodeNoResponse, r.err, "url=%s", req.URL)
		}
		return r.resp, nil
	case <-timer.C:
		return nil, gwerr.New(gwerr.CodeNoResponse, "url=%s timed out after %s", req.URL, s.timeout)
	case <-ctx.Done():
		return nil, gwerr.Wrap(gwerr.CodeNoResponse, ctx.Err(), "url=%s", req.URL)
	}
}

type fetchResult struct {
	resp *cache.Response
	err  error
}
