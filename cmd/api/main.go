package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"threadfeed/api/internal/app"
	"threadfeed/api/internal/bee"
	"threadfeed/api/internal/config"
	"threadfeed/api/internal/feed"
	"threadfeed/api/internal/logging"
	"threadfeed/api/internal/search"
	"threadfeed/api/internal/store"
)

// backend is a feed store together with the stamp selector that pays for
// its writes.
type backend interface {
	feed.Store
	feed.StampSelector
}

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger setup failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	feeds, closeFeeds, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("feed backend setup failed", zap.String("backend", cfg.Backend), zap.Error(err))
	}
	defer closeFeeds()

	var stamps feed.StampSelector = feeds
	if strings.TrimSpace(cfg.Stamp) != "" {
		stamps = feed.StaticStamp(cfg.Stamp)
	}

	var identifiers feed.IdentifierSource
	switch {
	case strings.TrimSpace(cfg.Identifier) != "":
		identifiers = feed.StaticSource(cfg.Identifier)
	case strings.TrimSpace(cfg.IdentifierURL) != "":
		identifiers = feed.URLSource(cfg.IdentifierURL)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}

	service := app.New(cfg, app.Dependencies{
		Store:       feeds,
		Stamps:      stamps,
		Identifiers: identifiers,
		Search:      search.NewService(meiliClient, logger),
		Metrics:     feed.NewMetrics(registry),
		Logger:      logger,
	})

	httpServer := app.NewHTTPServer(service, app.HTTPOptions{
		CORSOrigin: cfg.CORSOrigin,
		Logger:     logger,
		RateRPS:    cfg.RateRPS,
		RateBurst:  cfg.RateBurst,
		Gatherer:   registry,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("threadfeed API listening", zap.String("addr", cfg.Addr), zap.String("backend", cfg.Backend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
}

func openBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (backend, func(), error) {
	localOpts := []store.LocalOption{store.WithLogger(logger)}
	if strings.TrimSpace(cfg.Stamp) != "" {
		localOpts = append(localOpts, store.WithStamp(cfg.Stamp))
	}
	closeLocal := func(l *store.Local) func() {
		return func() {
			if err := l.Close(); err != nil {
				logger.Warn("close feed store", zap.Error(err))
			}
		}
	}

	switch cfg.Backend {
	case "bee":
		return bee.New(cfg.BeeAPIURL, bee.WithLogger(logger)), func() {}, nil

	case "memory":
		logger.Warn("using the in-memory feed store, comments are lost on restart")
		return store.NewMemory(localOpts...), func() {}, nil

	case "redis":
		kv, err := store.NewRedisKV(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		l := store.NewLocal(kv, localOpts...)
		return l, closeLocal(l), nil

	case "pebble":
		if err := os.MkdirAll(cfg.PebbleDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create pebble dir: %w", err)
		}
		kv, err := store.OpenPebble(cfg.PebbleDir, vfs.Default)
		if err != nil {
			return nil, nil, err
		}
		l := store.NewLocal(kv, localOpts...)
		return l, closeLocal(l), nil

	case "postgres":
		kv, err := store.OpenPostgres(ctx, cfg.DatabaseURL, store.Migrations(cfg.MigrationsDir))
		if err != nil {
			return nil, nil, err
		}
		l := store.NewLocal(kv, localOpts...)
		return l, closeLocal(l), nil

	case "minio":
		kv, err := store.NewMinioKV(ctx, store.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, nil, err
		}
		return store.NewLocal(kv, localOpts...), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}
