package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"denim/internal/admin"
	"denim/internal/auth"
	"denim/internal/authz"
	"denim/internal/config"
	"denim/internal/engine"
	"denim/internal/hr"
	"denim/internal/instrument"
	"denim/internal/logging"
	"denim/internal/metadata"
	"denim/internal/store"
)

func main() {
	// 1. Load config and logger
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalw("server stopped", "error", err)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) error {
	// 2. Connect to the database. In memory mode records stay in process,
	// while credentials and events still go to SQLite.
	dbCfg := cfg.Database
	if dbCfg.IsMemory() {
		dbCfg.Driver = "sqlite"
	}
	db, err := store.New(ctx, dbCfg, logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	if err := db.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap system tables: %w", err)
	}
	logger.Infow("database ready", "driver", cfg.Database.Driver)

	// 3. Load the app definition
	reg := metadata.NewRegistry()
	src := metadata.FileSource(cfg.Schema.Path, hr.Definition)
	def, err := metadata.LoadAll(src, reg)
	if err != nil {
		return fmt.Errorf("load app definition: %w", err)
	}
	logger.Infow("app definition loaded", "name", def.Name, "tables", len(def.Tables), "roles", len(def.Roles))

	// 4. Storage backends
	var migrator *store.Migrator
	var fallback engine.Backend
	if cfg.Database.IsMemory() {
		fallback = store.NewMemoryBackend()
	} else {
		migrator = store.NewMigrator(db)
		if err := migrator.MigrateAll(ctx, reg); err != nil {
			return fmt.Errorf("migrate tables: %w", err)
		}
		fallback = store.NewSQLBackend(db)
	}
	backends := engine.NewBackendSet(fallback)
	backends.Register("sql", store.NewSQLBackend(db))
	backends.Register("memory", store.NewMemoryBackend())
	if cfg.Remote.BaseURL != "" {
		backends.Register("remote", store.NewRESTBackend(cfg.Remote.BaseURL, cfg.Remote.Token, cfg.Remote.Timeout(), logger))
	}

	// 5. Provider pipeline hooks and HR behaviour
	validators, err := engine.NewValidatorCache(engine.SchemaCompiler{}, cfg.Cache.ValidatorSize)
	if err != nil {
		return fmt.Errorf("validator cache: %w", err)
	}
	hooks := engine.NewHooks()
	authorizer := authz.New(reg, cfg.Authorization.UserTable, logger)
	if err := authorizer.ValidateRoles(); err != nil {
		return fmt.Errorf("invalid roles: %w", err)
	}
	authorizer.Register(hooks)
	engine.NewWebhooks(reg, nil, logger).Register(hooks)
	engine.RecordChanges(hooks)

	provider := engine.NewProvider(reg, backends, hooks, validators, logger)
	workflows := engine.NewWorkflows(reg, nil, nil, logger)
	hr.Install(provider, hooks, workflows, logger)

	if err := hr.Seed(ctx, provider, db, cfg.Seed, logger); err != nil {
		logger.Warnw("seed failed", "error", err)
	}

	// 6. Instrumentation
	var buffer *instrument.EventBuffer
	if cfg.Instrumentation.Enabled {
		buffer = instrument.NewEventBuffer(db, cfg.Instrumentation.BufferSize, cfg.Instrumentation.FlushIntervalMs, logger)
		defer buffer.Stop()
	}

	// 7. Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler:          errorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))
	app.Use(instrument.Middleware(cfg.Instrumentation, buffer))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "schema_version": reg.Version()})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// 8. Auth routes, then everything else behind the auth middleware
	authSvc := auth.NewService(db, provider, authorizer, cfg.Authorization.UserTable, cfg.JWTSecret, logger)
	authMW := auth.AuthMiddleware(authSvc)
	adminMW := auth.RequireRole("Administrator")
	auth.RegisterAuthRoutes(app, auth.NewAuthHandler(authSvc), authMW)

	reloader := admin.NewReloader(provider, src, migrator, authorizer, logger)
	admin.RegisterAdminRoutes(app, admin.NewHandler(provider, authorizer, reloader, db), authMW, adminMW)

	protected := app.Group("", authMW)
	engine.RegisterWorkflowRoutes(protected, engine.NewWorkflowHandler(workflows))
	engine.RegisterDynamicRoutes(protected, engine.NewHandler(provider))

	// 9. Background work and server
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Schema.Path != "" {
		if err := reloader.Watch(gctx, cfg.Schema.Path); err != nil {
			logger.Warnw("schema watcher disabled", "error", err)
		}
	}
	if buffer != nil {
		g.Go(func() error {
			instrument.RunRetention(gctx, db, cfg.Instrumentation.RetentionDays, time.Hour, logger)
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := db.PruneRefreshTokens(gctx); err != nil {
					logger.Warnw("refresh token cleanup failed", "error", err)
				}
			}
		}
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		logger.Infow("starting server", "addr", addr)
		return app.Listen(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return app.ShutdownWithTimeout(10 * time.Second)
	})
	return g.Wait()
}

func errorHandler(logger *zap.SugaredLogger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			code = fiberErr.Code
		}

		var appErr *engine.AppError
		if errors.As(err, &appErr) {
			if appErr.Status >= 500 {
				logger.Errorw("request failed", "path", c.Path(), "error", err)
			}
			return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
		}

		if code >= 500 {
			logger.Errorw("request failed", "path", c.Path(), "error", err)
		}
		return c.Status(code).JSON(engine.ErrorResponse{
			Error: &engine.AppError{
				Code:    "INTERNAL_ERROR",
				Message: "Internal server error",
			},
		})
	}
}
