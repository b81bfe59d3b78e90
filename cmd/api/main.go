package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/optipix/internal/aiedit"
	"github.com/dunamismax/optipix/internal/api"
	"github.com/dunamismax/optipix/internal/config"
	"github.com/dunamismax/optipix/internal/pipeline"
	"github.com/dunamismax/optipix/internal/ratelimit"
	"github.com/dunamismax/optipix/internal/storage"
	"github.com/dunamismax/optipix/internal/store"
	"github.com/dunamismax/optipix/internal/telemetry"
	"github.com/dunamismax/optipix/internal/webhook"
	"github.com/dustin/go-humanize"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := pipeline.Startup(pipeline.RuntimeConfig{CacheMemBytes: int(cfg.Render.VipsCacheBytes)}); err != nil {
		logger.Fatalf("codec runtime startup failed: %v", err)
	}
	defer pipeline.Shutdown()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	opts := api.Options{
		Logger:                logger,
		Sessions:              store.NewMemorySessionStore(),
		Encoder:               pipeline.NewEncoder(),
		Tracer:                otel.Tracer("optipix/api"),
		RateLimitUserIDHeader: cfg.RateLimit.UserIDHeader,
		AICost:                cfg.RateLimit.AICost,
		MaxUploadBytes:        cfg.API.MaxUploadBytes,
		ExportPrefix:          cfg.Storage.ExportPrefix,
		PresignTTL:            cfg.Storage.PresignTTL,
		SessionTTL:            cfg.API.SessionTTL,
		Notifier: webhook.NewClient(webhook.Config{
			SigningSecret: cfg.Webhook.Secret,
			Timeout:       cfg.Webhook.Timeout,
			MaxAttempts:   cfg.Webhook.MaxAttempts,
		}),
	}

	if cfg.AI.APIKey != "" {
		aiClient, err := aiedit.NewClient(ctx, cfg.AI.ClientConfig())
		if err != nil {
			logger.Fatalf("ai client setup failed: %v", err)
		}
		opts.AI = aiClient
		logger.Printf("ai editing enabled model=%s", cfg.AI.Model)
	} else {
		logger.Printf("ai editing disabled: GEMINI_API_KEY is not set")
	}

	if cfg.Storage.Enabled {
		objectStore, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			logger.Fatalf("object storage setup failed: %v", err)
		}
		if err := objectStore.EnsureBucket(ctx); err != nil {
			logger.Fatalf("ensure bucket failed: %v", err)
		}
		opts.Publisher = objectStore
		logger.Printf("export publishing enabled bucket=%s", objectStore.Bucket())
	}

	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.RedisAddr,
			Password: cfg.RateLimit.RedisPassword,
			DB:       cfg.RateLimit.RedisDB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Printf("redis client close error: %v", err)
			}
		}()
		limiter, err := ratelimit.NewTokenBucket(redisClient, ratelimit.Config{
			Capacity:  cfg.RateLimit.Capacity,
			Window:    cfg.RateLimit.Window,
			KeyPrefix: cfg.RateLimit.KeyPrefix,
		})
		if err != nil {
			logger.Fatalf("rate limiter setup failed: %v", err)
		}
		opts.RateLimiter = limiter
		logger.Printf("rate limiting enabled capacity=%d window=%s", cfg.RateLimit.Capacity, cfg.RateLimit.Window)
	}

	app := api.NewServer(opts)
	go app.RunJanitor(ctx, time.Minute)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s max_upload=%s", cfg.API.Addr, humanize.IBytes(uint64(cfg.API.MaxUploadBytes)))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	if err := app.Close(shutdownCtx); err != nil {
		logger.Printf("background ai edits did not finish: %v", err)
	}
}
