package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"ESIMCheckout/internal/config"
	"ESIMCheckout/internal/db"
	"ESIMCheckout/internal/payments"
	"ESIMCheckout/internal/provisioning"
	"ESIMCheckout/internal/store"
	"ESIMCheckout/internal/worker"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "worker")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	var cache provisioning.TokenCache = provisioning.NewMemoryTokenCache()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		cache = provisioning.NewRedisTokenCache(rdb)
	}

	st := store.New(pool)
	settler := &payments.Settler{
		Store: st,
		Provisioner: provisioning.NewClient(provisioning.Config{
			BaseURL:                cfg.Provisioning.BaseURL,
			TokenURL:               cfg.Provisioning.TokenURL,
			ClientID:               cfg.Provisioning.ClientID,
			ClientSecret:           cfg.Provisioning.ClientSecret,
			Timeout:                cfg.ProvisioningTimeout(),
			TokenRequestsPerMinute: cfg.Provisioning.TokenRequestsPerMinute,
			Cache:                  cache,
			Logger:                 logger,
		}),
		Logger:           logger,
		ProvisionTimeout: cfg.ProvisioningTimeout(),
	}

	w := &worker.Worker{
		Store:          st,
		Provisioner:    settler,
		Logger:         logger,
		PendingTTL:     cfg.PendingTTL(),
		ProvisionGrace: cfg.ProvisionGrace(),
		Interval:       cfg.WorkerInterval(),
	}

	logger.Info("worker started",
		"interval", cfg.WorkerInterval().String(),
		"pending_ttl", cfg.PendingTTL().String(),
		"provision_grace", cfg.ProvisionGrace().String())
	w.Run(ctx)
}
