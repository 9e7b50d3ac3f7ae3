package cache

import (
	"net/http"
	"net/url"
	"time"

	"github.com/any-hub/swgate/internal/gwerr"
)

// Response 是网关内部流转的完整响应，正文已全部读入内存以便复制与缓存。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// URL 为最终响应地址，跟随重定向后可能与请求地址不同。
	URL        string
	Redirected bool
}

// NewResponse 构造响应并补齐空 Header。
func NewResponse(status int, header http.Header, body []byte) *Response {
	if header == nil {
		header = http.Header{}
	}
	return &Response{StatusCode: status, Header: header, Body: body}
}

// Clone 深拷贝响应，缓存写入与返回给调用方的副本互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Header = r.Header.Clone()
	if clone.Header == nil {
		clone.Header = http.Header{}
	}
	if r.Body != nil {
		clone.Body = append([]byte(nil), r.Body...)
	}
	return &clone
}

// OK 报告状态码是否处于 2xx。
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// CopyResponse 生成去掉重定向标记的同源副本，跨域响应无法安全复制。
func CopyResponse(resp *Response, origin *url.URL) (*Response, error) {
	if resp == nil {
		return nil, nil
	}
	if origin != nil && resp.URL != "" {
		target, err := url.Parse(resp.URL)
		if err != nil || !sameOrigin(target, origin) {
			return nil, gwerr.New(gwerr.CodeCrossOriginCopyResponse, "origin=%s", resp.URL)
		}
	}
	clone := resp.Clone()
	clone.Redirected = false
	return clone, nil
}

func sameOrigin(a, b *url.URL) bool {
	return a.Scheme == b.Scheme && a.Host == b.Host
}

// record 是持久化后端共享的元数据格式；redis 后端会把正文一并写入 Body。
type record struct {
	Key        string      `json:"key"`
	StatusCode int         `json:"status"`
	Header     http.Header `json:"header,omitempty"`
	URL        string      `json:"url,omitempty"`
	Redirected bool        `json:"redirected,omitempty"`
	Encoding   string      `json:"encoding,omitempty"`
	Size       int64       `json:"size"`
	StoredAt   time.Time   `json:"stored_at"`
	Body       []byte      `json:"body,omitempty"`
}

func newRecord(key string, resp *Response, storedAt time.Time) record {
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	return record{
		Key:        key,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		URL:        resp.URL,
		Redirected: resp.Redirected,
		Size:       int64(len(resp.Body)),
		StoredAt:   storedAt,
	}
}

func (r record) response(body []byte) *Response {
	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		StatusCode: r.StatusCode,
		Header:     header,
		Body:       body,
		URL:        r.URL,
		Redirected: r.Redirected,
	}
}

func (r record) entry(locator Locator, body []byte) *Entry {
	return &Entry{
		Locator:   locator,
		SizeBytes: r.Size,
		StoredAt:  r.StoredAt,
		Response:  r.response(body),
	}
}
