package proxy

import (
	"bytes"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/any-hub/swgate/internal/server"
)

const requestIDKey = "_swgate_request_id"

func TestForwarderMissingHandler(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "missing-req")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	if err := NewForwarder(nil, logger).Handle(ctx); err != nil {
		t.Fatalf("Handle 返回了意外错误: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("缺少 handler 时应返回 500，得到 %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "handler_missing") {
		t.Fatalf("响应体应包含 handler_missing: %s", body)
	}
	if got := string(ctx.Response().Header.Peek("X-Request-ID")); got != "missing-req" {
		t.Fatalf("应回写请求 ID，得到 %s", got)
	}
	if !strings.Contains(logBuf.String(), "missing-req") {
		t.Fatalf("日志应包含请求 ID: %s", logBuf.String())
	}
}

func TestForwarderHandlerPanic(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()
	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "panic-req")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	forwarder := NewForwarder(server.ProxyHandlerFunc(func(fiber.Ctx) error {
		panic("boom")
	}), logger)

	if err := forwarder.Handle(ctx); err != nil {
		t.Fatalf("Handle 返回了意外错误: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("panic 时应返回 500，得到 %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "handler_panic") {
		t.Fatalf("响应体应包含 handler_panic: %s", body)
	}
	if !strings.Contains(logBuf.String(), "panic: boom") {
		t.Fatalf("日志应包含 panic 内容: %s", logBuf.String())
	}
}
