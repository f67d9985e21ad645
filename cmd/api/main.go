package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tonramp/backend/internal/config"
	"github.com/tonramp/backend/internal/db"
	"github.com/tonramp/backend/internal/events"
	"github.com/tonramp/backend/internal/gateway"
	apphttp "github.com/tonramp/backend/internal/http"
	"github.com/tonramp/backend/internal/http/handlers"
	"github.com/tonramp/backend/internal/ledger"
	"github.com/tonramp/backend/internal/observability"
	"github.com/tonramp/backend/internal/rates"
	"github.com/tonramp/backend/internal/repositories"
	"github.com/tonramp/backend/internal/services"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)
	observability.Register()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Ledger
	tonClient, err := ledger.NewTONClient(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to connect to TON network", zap.Error(err))
	}

	// Repositories
	intentRepo := repositories.NewIntentRepo(pool)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)

	// Services
	gatewayClient := gateway.NewHTTPClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.FiatCurrency, cfg.GatewayTimeout, log)
	verifier := gateway.NewVerifier(cfg.GatewayWebhookSecret, cfg.GatewayAPIKey, log)
	accountsClient := services.NewAccountsClient(cfg.NotifyInternalURL, log)
	rateService := rates.NewService(
		rates.NewHTTPSource(cfg.RateSourceURL, cfg.GatewayTimeout),
		rdb, cfg.RateCacheTTL, cfg.DisplayRateFallback, log)
	locker := services.NewRedisLocker(rdb, log)

	reconciler := services.NewDepositReconciler(intentRepo, tonClient, gatewayClient, accountsClient, locker, publisher, log)
	settler := services.NewWithdrawalSettler(intentRepo, tonClient, gatewayClient, accountsClient, rateService, publisher, cfg, log)
	rampService := services.NewRampService(intentRepo, tonClient, gatewayClient, accountsClient, rateService, cfg, log)
	sweepService := services.NewSweepService(intentRepo, reconciler, settler, cfg, log)

	// Handlers
	rampHandler := handlers.NewRampHandler(rampService, settler, intentRepo, cfg, log)
	webhookHandler := handlers.NewWebhookHandler(verifier, reconciler, log)
	internalHandler := handlers.NewInternalHandler(sweepService, rateService, cfg, log)

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, rampHandler, webhookHandler, internalHandler)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
