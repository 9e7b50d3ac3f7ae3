package strategy

import (
	"context"
	"net/http"

	"github.com/any-hub/swgate/internal/cache"
	"github.com/any-hub/swgate/internal/gwerr"
)

// CacheOnly 只从缓存返回响应，未命中即失败。
type CacheOnly struct {
	base *Base
}

func NewCacheOnly(opts Options) *CacheOnly {
	return &CacheOnly{base: NewBase(KindCacheOnly, opts)}
}

func (s *CacheOnly) Name() string      { return s.base.Name() }
func (s *CacheOnly) CacheName() string { return s.base.CacheName() }

func (s *CacheOnly) Handle(ctx context.Context, opts HandleOptions) (*cache.Response, error) {
	return s.base.RunToCompletion(ctx, opts, s)
}

func (s *CacheOnly) HandleAll(ctx context.Context, opts HandleOptions) *Execution {
	return s.base.Run(ctx, opts, s)
}

func (s *CacheOnly) Execute(ctx context.Context, req *http.Request, p *Pipeline) (*cache.Response, error) {
	resp, err := p.CacheMatch(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, gwerr.New(gwerr.CodeNoResponse, "cache miss url=%s", req.URL)
	}
	return resp, nil
}
