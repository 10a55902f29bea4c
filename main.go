package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"broker-sync/internal/api"
	"broker-sync/internal/events"
	"broker-sync/internal/gateway"
	"broker-sync/internal/monitor"
	"broker-sync/internal/ratelimit"
	"broker-sync/internal/reconcile"
	"broker-sync/internal/synccache"
	syncsvc "broker-sync/internal/sync"
	"broker-sync/pkg/config"
	"broker-sync/pkg/crypto"
	"broker-sync/pkg/db"
	"broker-sync/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logging.Must(cfg.LogLevel)
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return err
	}
	queries := database.Queries()

	vault, err := crypto.NewFromString(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	// Redis backs the rate limiter and sync cache when configured;
	// single-node deployments run on the in-process fallbacks.
	var (
		limiter   ratelimit.Limiter
		syncCache synccache.Cache
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			return err
		}
		limiter = ratelimit.NewRedisLimiter(client, cfg.RateLimitCap, cfg.RateLimitWindow, "sync:rl:")
		syncCache = synccache.NewRedisCache(client, cfg.SyncCacheTTL, log)
		log.Info("using redis backing store", zap.String("addr", cfg.RedisAddr))
	} else {
		limiter = ratelimit.NewMemory(cfg.RateLimitCap, cfg.RateLimitWindow)
		syncCache = synccache.NewMemory(cfg.SyncCacheTTL)
		log.Info("redis not configured, using in-process limiter and cache")
	}

	endpoints, err := gateway.LoadEndpoints(cfg.EndpointsPath)
	if err != nil {
		return err
	}
	gatewayURL, err := endpoints.ForEnvironment(cfg.BrokerEnvironment)
	if err != nil {
		return err
	}
	gw := gateway.NewClient(gateway.Config{
		URL:            gatewayURL,
		ClientID:       cfg.BrokerClientID,
		ClientSecret:   cfg.BrokerClientSecret,
		RequestTimeout: cfg.RequestTimeout,
		CallsPerSec:    cfg.GatewayCallsPerSec,
	}, log.Named("gateway"))

	bus := events.NewBus()
	stopAudit := events.StartAuditLogger(bus, log.Named("audit"))
	defer stopAudit()

	metrics := monitor.NewSyncMetrics()

	service := syncsvc.NewService(syncsvc.Options{
		Store:    queries,
		Gateway:  gw,
		Limiter:  limiter,
		Cache:    syncCache,
		Engine:   reconcile.NewEngine(queries, log.Named("reconcile")),
		Vault:    vault,
		Bus:      bus,
		Metrics:  metrics,
		Logger:   log.Named("sync"),
		Lookback: time.Duration(cfg.SyncLookbackDays) * 24 * time.Hour,
	})

	server := api.NewServer(service, queries, bus, metrics, cfg.JWTSecret, log.Named("api"))
	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening",
			zap.String("addr", httpServer.Addr),
			zap.String("environment", cfg.BrokerEnvironment))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}
