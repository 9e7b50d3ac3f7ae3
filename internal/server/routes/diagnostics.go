package routes

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swgate/internal/gateway"
	"github.com/any-hub/swgate/internal/gwerr"
	"github.com/any-hub/swgate/internal/metrics"
	"github.com/any-hub/swgate/internal/precache"
	"github.com/any-hub/swgate/internal/server"
)

// RegisterDiagnosticsRoutes 暴露 /-/ 下的诊断与生命周期接口。recorder 为空时不挂载 /-/metrics。
func RegisterDiagnosticsRoutes(app *fiber.App, worker *gateway.Worker, recorder *metrics.Recorder, logger *logrus.Logger) {
	if app == nil || worker == nil {
		return
	}

	app.Get("/-/precache", func(c fiber.Ctx) error {
		entries := worker.Controller().Entries()
		if entries == nil {
			entries = []precache.EntryInfo{}
		}
		return c.JSON(fiber.Map{
			"cache_name": worker.Controller().CacheName(),
			"entries":    entries,
		})
	})

	app.Get("/-/strategies", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"strategies":  encodeStrategies(worker),
			"routes":      worker.Routes(),
			"cache_names": worker.CacheNames(),
		})
	})

	app.Get("/-/connection", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"connection_lost": worker.ConnectionLost(),
			"online":          worker.Online(),
		})
	})

	app.Post("/-/install", func(c fiber.Ctx) error {
		result, err := worker.OnInstall(c.Context())
		if err != nil {
			return lifecycleError(c, logger, "install", err)
		}
		return c.JSON(result)
	})

	app.Post("/-/activate", func(c fiber.Ctx) error {
		result, err := worker.OnActivate(c.Context())
		if err != nil {
			return lifecycleError(c, logger, "activate", err)
		}
		return c.JSON(result)
	})

	app.Post("/-/message", func(c fiber.Ctx) error {
		msg, err := gateway.DecodeMessage(c.Body())
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		reply, err := worker.OnMessage(c.Context(), msg)
		switch {
		case errors.Is(err, gateway.ErrUnsupportedMessage), errors.Is(err, gateway.ErrMissingMessageID):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unsupported_message"})
		case err != nil:
			return lifecycleError(c, logger, "message", err)
		}
		return c.JSON(reply)
	})

	if recorder != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(recorder.Handler()))
	}
}

type strategyPayload struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

func encodeStrategies(worker *gateway.Worker) []strategyPayload {
	kinds := worker.Registry().List()
	out := make([]strategyPayload, 0, len(kinds))
	for _, kind := range kinds {
		out = append(out, strategyPayload{Key: kind.Key, Description: kind.Description})
	}
	return out
}

func lifecycleError(c fiber.Ctx, logger *logrus.Logger, phase string, err error) error {
	code := string(gwerr.CodeOf(err))
	if code == "" {
		code = "upstream_failed"
	}
	if logger != nil {
		logger.WithFields(logrus.Fields{
			"action":     "lifecycle",
			"phase":      phase,
			"request_id": server.RequestID(c),
		}).WithError(err).Error("lifecycle_failed")
	}
	return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": code})
}
