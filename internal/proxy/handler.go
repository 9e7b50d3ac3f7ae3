package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swgate/internal/cache"
	"github.com/any-hub/swgate/internal/gwerr"
	"github.com/any-hub/swgate/internal/logging"
	"github.com/any-hub/swgate/internal/server"
)

const (
	sourceGateway = "gateway"
	sourceOrigin  = "origin"

	// HeaderSource 标记响应来自网关策略还是直接透传的 origin。
	HeaderSource = "X-Swgate-Source"
)

// Dispatcher 把请求交给网关路由，handled 为 false 时由 Handler 透传到 origin。
type Dispatcher interface {
	OnRequest(ctx context.Context, req *http.Request) (*cache.Response, bool, error)
}

// Handler 负责把 Fiber 请求转换为面向 origin 的 *http.Request，
// 先交给网关策略处理，未被认领的请求以流式方式透传。
type Handler struct {
	gateway Dispatcher
	client  *http.Client
	origin  *url.URL
	logger  *logrus.Logger
}

// NewHandler constructs a proxy handler with the shared upstream client.
func NewHandler(gateway Dispatcher, client *http.Client, origin *url.URL, logger *logrus.Logger) *Handler {
	if client == nil {
		client = http.DefaultClient
	}
	return &Handler{
		gateway: gateway,
		client:  client,
		origin:  origin,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	// fasthttp 会在请求结束后复用 RequestCtx，网关的后台缓存写入不能挂在它上面。
	ctx := context.Background()

	req, err := h.buildUpstreamRequest(ctx, c, requestID)
	if err != nil {
		h.logResult(c, "", sourceGateway, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "bad_request")
	}

	resp, handled, err := h.gateway.OnRequest(ctx, req)
	if err != nil {
		status, code := classifyError(err)
		h.logResult(c, req.URL.String(), sourceGateway, requestID, status, started, err)
		return h.writeError(c, status, code)
	}
	if !handled {
		return h.passthrough(c, req, requestID, started)
	}
	return h.serveResponse(c, req, resp, requestID, started)
}

func (h *Handler) serveResponse(c fiber.Ctx, req *http.Request, resp *cache.Response, requestID string, started time.Time) error {
	status := resp.StatusCode
	if status == 0 {
		h.logResult(c, req.URL.String(), sourceGateway, requestID, status, started, errors.New("opaque response"))
		return h.writeError(c, fiber.StatusBadGateway, "opaque_response")
	}

	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderSource, sourceGateway)
	c.Status(status)
	h.logResult(c, req.URL.String(), sourceGateway, requestID, status, started, nil)

	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

func (h *Handler) passthrough(c fiber.Ctx, req *http.Request, requestID string, started time.Time) error {
	if req.GetBody != nil {
		if body, err := req.GetBody(); err == nil {
			req.Body = body
		}
	}
	resp, err := h.client.Do(req)
	if err != nil {
		status, code := classifyError(err)
		h.logResult(c, req.URL.String(), sourceOrigin, requestID, status, started, err)
		return h.writeError(c, status, code)
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderSource, sourceOrigin)
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(c, req.URL.String(), sourceOrigin, requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(c, req.URL.String(), sourceOrigin, requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// buildUpstreamRequest 以 origin 为基准重建绝对 URL，并附加 X-Forwarded-* 头。
func (h *Handler) buildUpstreamRequest(ctx context.Context, c fiber.Ctx, requestID string) (*http.Request, error) {
	target := h.resolveUpstreamURL(c)
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = target.Host
	req.Header.Set("Host", target.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Scheme())
	if requestID != "" {
		req.Header.Set(server.HeaderRequestID, requestID)
	}
	return req, nil
}

func (h *Handler) resolveUpstreamURL(c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	clean := normalizeRequestPath(string(uri.Path()))
	relative := &url.URL{Path: clean}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	return h.origin.ResolveReference(relative)
}

// classifyError 把网关或传输错误映射为 HTTP 状态与 error 字段。
func classifyError(err error) (int, string) {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fiber.StatusGatewayTimeout, "upstream_timeout"
	}
	if code := gwerr.CodeOf(err); code != "" {
		return fiber.StatusBadGateway, string(code)
	}
	return fiber.StatusBadGateway, "upstream_failed"
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(c fiber.Ctx, upstream, source, requestID string, status int, started time.Time, err error) {
	if h.logger == nil {
		return
	}
	fields := logging.RequestFields(c.Method(), upstream, source, requestID)
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// normalizeRequestPath 清理 ".."，但保留目录请求末尾的 "/"。
func normalizeRequestPath(raw string) string {
	if raw == "" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
