package http

import (
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tonramp/backend/internal/config"
	"github.com/tonramp/backend/internal/http/handlers"
	"github.com/tonramp/backend/internal/middleware"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	rampHandler *handlers.RampHandler,
	webhookHandler *handlers.WebhookHandler,
	internalHandler *handlers.InternalHandler,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-Signature",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api/v1")

	// Provider callbacks: authenticated by signature, not by JWT, and
	// never rate limited so retry storms cannot lock the provider out.
	api.Post("/webhooks/gateway", webhookHandler.HandleGateway)

	api.Use(middleware.RateLimitMiddleware(rdb, 100, time.Minute))

	// Public quote endpoint
	api.Get("/ramp/quote", rampHandler.Quote)

	// Protected endpoints
	protected := api.Group("", middleware.AuthMiddleware(cfg, log))

	protected.Post("/ramp/buy", rampHandler.Buy)
	protected.Post("/ramp/sell", rampHandler.Sell)
	protected.Post("/ramp/sell/by-deposit", rampHandler.SellByDeposit)
	protected.Post("/ramp/send", rampHandler.Send)
	protected.Get("/ramp/intents/:reference", rampHandler.GetIntent)

	// Operator endpoints
	internal := api.Group("/internal", middleware.InternalAuthMiddleware(cfg))
	internal.Get("/sweep", internalHandler.RunSweep)
	internal.Post("/rates/invalidate", internalHandler.InvalidateRates)
	internal.Post("/tokens", internalHandler.IssueToken)
}
