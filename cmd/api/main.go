package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ESIMCheckout/internal/config"
	"ESIMCheckout/internal/db"
	"ESIMCheckout/internal/gateway"
	internalhttp "ESIMCheckout/internal/http"
	"ESIMCheckout/internal/payments"
	"ESIMCheckout/internal/pricing"
	"ESIMCheckout/internal/provisioning"
	"ESIMCheckout/internal/services"
	"ESIMCheckout/internal/store"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "api")
	slog.SetDefault(logger)

	// Bad key material must stop the process before it accepts callbacks.
	gw, err := gateway.NewClient(gateway.Config{
		BaseURL:      cfg.Gateway.BaseURL,
		MerchantCode: cfg.Gateway.MerchantCode,
		AccessCode:   cfg.Gateway.AccessCode,
		SecretKey:    cfg.Gateway.SecretKey,
		IVKey:        cfg.Gateway.IVKey,
		ResponseURL:  cfg.Gateway.ResponseURL,
		FailureURL:   cfg.Gateway.FailureURL,
		Timeout:      cfg.GatewayTimeout(),
	})
	if err != nil {
		log.Fatalf("gateway config invalid: %v", err)
	}

	prices, err := pricing.NewService(cfg.Pricing.DefaultUSD, cfg.Pricing.USDToKWD, cfg.Orders.DefaultCurrency, cfg.Pricing.Packages)
	if err != nil {
		log.Fatalf("pricing config invalid: %v", err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	st := store.New(pool)
	provider := provisioning.NewClient(provisioning.Config{
		BaseURL:                cfg.Provisioning.BaseURL,
		TokenURL:               cfg.Provisioning.TokenURL,
		ClientID:               cfg.Provisioning.ClientID,
		ClientSecret:           cfg.Provisioning.ClientSecret,
		Timeout:                cfg.ProvisioningTimeout(),
		TokenRequestsPerMinute: cfg.Provisioning.TokenRequestsPerMinute,
		Cache:                  tokenCache(cfg, logger),
		Logger:                 logger,
	})

	orderSvc := services.OrderService{
		Store:           st,
		Gateway:         gw,
		Pricing:         prices,
		Logger:          logger,
		DefaultType:     cfg.Orders.DefaultType,
		MaxQuantity:     cfg.Orders.MaxQuantity,
		ReferencePrefix: cfg.Orders.ReferencePrefix,
	}
	settler := &payments.Settler{
		Store:              st,
		Gateway:            gw,
		Provisioner:        provider,
		Logger:             logger,
		VerifyTransactions: cfg.Gateway.VerifyTransactions,
		ProvisionTimeout:   cfg.ProvisioningTimeout(),
	}

	h := internalhttp.NewHandler(orderSvc, settler, logger)
	srv := internalhttp.NewServer(h, internalhttp.Authenticator{Secret: []byte(cfg.Auth.JWTSecret)})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}

// tokenCache shares the provider token through Redis when it is configured.
func tokenCache(cfg *config.Config, logger *slog.Logger) provisioning.TokenCache {
	if cfg.Redis.Addr == "" {
		return provisioning.NewMemoryTokenCache()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, caching provider token in memory", "addr", cfg.Redis.Addr, "err", err)
		_ = rdb.Close()
		return provisioning.NewMemoryTokenCache()
	}
	return provisioning.NewRedisTokenCache(rdb)
}
