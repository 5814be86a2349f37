package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odyssey-erp/odyssey-authz/internal/app"
	"github.com/odyssey-erp/odyssey-authz/internal/authz"
	"github.com/odyssey-erp/odyssey-authz/internal/observability"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/db"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)
	metrics := observability.NewMetrics()

	var store rbac.Store = rbac.NewMemoryStore()
	if cfg.PGDSN != "" {
		pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
		if err != nil {
			logger.Error("connect postgres", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		repo := rbac.NewRepository(pool)
		if cfg.PGMigrate {
			if err := repo.Migrate(ctx); err != nil {
				logger.Error("migrate postgres", slog.Any("error", err))
				os.Exit(1)
			}
		}
		store = repo
	} else {
		logger.Warn("PG_DSN empty, roles are kept in memory")
	}

	var permCache rbac.PermissionCache = rbac.NewMemoryCache(nil)
	if cfg.RedisAddr != "" {
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Error("connect redis", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		permCache = rbac.NewRedisCache(client)
	}

	registry := authz.NewRegistry()
	if err := rbac.Register(registry, store, permCache); err != nil {
		logger.Error("register rbac engine", slog.Any("error", err))
		os.Exit(1)
	}
	authzService, err := registry.Build(cfg.Authz, logger, metrics)
	if err != nil {
		logger.Error("build authorization service", slog.Any("error", err))
		os.Exit(1)
	}
	if !cfg.TrustedHeaders {
		logger.Warn("AUTH_TRUSTED_HEADERS disabled, every request is anonymous")
	}

	rbacService := rbac.NewService(store, permCache, logger, metrics)
	for _, perm := range rbac.AdminPermissions() {
		if _, err := rbacService.EnsurePermission(ctx, perm, "role administration"); err != nil {
			logger.Warn("seed permission", slog.String("permission", perm), slog.Any("error", err))
		}
	}
	router := app.NewRouter(app.RouterParams{
		Logger:      logger,
		Config:      cfg,
		Metrics:     metrics,
		RBACHandler: rbac.NewHandler(logger, rbacService, authzService),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("engine", authzService.Engine().Name()),
			slog.String("scope", cfg.Authz.ScopeKey()),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.Any("error", err))
	}
}
