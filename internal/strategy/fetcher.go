package strategy

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/any-hub/swgate/internal/cache"
)

// Fetcher 执行真实的网络请求。HTTP 错误状态码属于成功返回，
// 只有连接失败等传输层问题才返回 error。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*cache.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*cache.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*cache.Response, error) {
	return f(ctx, req)
}

// HTTPFetcher 基于共享 http.Client 完成请求并完整读取正文。
type HTTPFetcher struct {
	client       *http.Client
	maxBodyBytes int64
}

// NewHTTPFetcher 构造 fetcher；maxBodyBytes 为 0 时不限制正文大小。
func NewHTTPFetcher(client *http.Client, maxBodyBytes int64) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, maxBodyBytes: maxBodyBytes}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*cache.Response, error) {
	resp, err := f.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if f.maxBodyBytes > 0 {
		reader = io.LimitReader(resp.Body, f.maxBodyBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if f.maxBodyBytes > 0 && int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("upstream body exceeds %d bytes", f.maxBodyBytes)
	}

	out := cache.NewResponse(resp.StatusCode, resp.Header.Clone(), body)
	out.URL = req.URL.String()
	if resp.Request != nil && resp.Request.URL != nil {
		out.URL = resp.Request.URL.String()
	}
	out.Redirected = out.URL != req.URL.String()
	return out, nil
}
