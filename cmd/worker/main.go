package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tonramp/backend/internal/config"
	"github.com/tonramp/backend/internal/db"
	"github.com/tonramp/backend/internal/events"
	"github.com/tonramp/backend/internal/gateway"
	"github.com/tonramp/backend/internal/ledger"
	"github.com/tonramp/backend/internal/observability"
	"github.com/tonramp/backend/internal/rates"
	"github.com/tonramp/backend/internal/repositories"
	"github.com/tonramp/backend/internal/services"
)

// The worker owns the poll sweep: the recovery path for deposits whose
// webhook never arrived and for memo-sells the chain watcher could not
// settle in the cycle it saw them. It runs the same settlement logic as
// the API.
func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	observability.Register()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	tonClient, err := ledger.NewTONClient(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to connect to TON network", zap.Error(err))
	}

	intentRepo := repositories.NewIntentRepo(pool)
	publisher := events.NewRedisPublisher(rdb, log)
	gatewayClient := gateway.NewHTTPClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.FiatCurrency, cfg.GatewayTimeout, log)
	accountsClient := services.NewAccountsClient(cfg.NotifyInternalURL, log)
	rateService := rates.NewService(
		rates.NewHTTPSource(cfg.RateSourceURL, cfg.GatewayTimeout),
		rdb, cfg.RateCacheTTL, cfg.DisplayRateFallback, log)
	locker := services.NewRedisLocker(rdb, log)

	reconciler := services.NewDepositReconciler(intentRepo, tonClient, gatewayClient, accountsClient, locker, publisher, log)
	settler := services.NewWithdrawalSettler(intentRepo, tonClient, gatewayClient, accountsClient, rateService, publisher, cfg, log)
	sweepService := services.NewSweepService(intentRepo, reconciler, settler, cfg, log)

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		addr := fmt.Sprintf(":%s", cfg.WorkerPort)
		log.Info("worker metrics listening", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	log.Info("worker started", zap.Duration("sweep_interval", cfg.SweepInterval))

	sweepTicker := time.NewTicker(cfg.SweepInterval)
	defer sweepTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sweepTicker.C:
			res, err := sweepService.Run(ctx)
			if err != nil {
				log.Error("sweep failed", zap.Error(err))
				continue
			}
			if res.Checked > 0 {
				log.Info("sweep pass done",
					zap.Int("checked", res.Checked),
					zap.Int("completed", res.Completed),
				)
			}
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}
