package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swgate/internal/logging"
	"github.com/any-hub/swgate/internal/server"
)

// Forwarder 包装实际的 ProxyHandler，把 handler 缺失与 panic 转成结构化的 500 响应。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder；handler 为空时所有请求返回 handler_missing。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		f.logError(c, "handler_missing", nil, requestID)
		return respondInternal(c, "handler_missing", requestID)
	}
	return f.invokeHandler(c, requestID)
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			f.logError(c, "handler_panic", fmt.Errorf("panic: %v", r), requestID)
			err = respondInternal(c, "handler_panic", requestID)
		}
	}()
	return f.handler.Handle(c)
}

func respondInternal(c fiber.Ctx, code, requestID string) error {
	if requestID != "" {
		c.Set(server.HeaderRequestID, requestID)
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": code})
}

func (f *Forwarder) logError(c fiber.Ctx, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logging.RequestFields(c.Method(), c.OriginalURL(), sourceGateway, requestID)
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}
