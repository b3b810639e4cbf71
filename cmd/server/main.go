// Package main is the entrypoint for the Cryptix keysystem API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whiteshards/cryptix/internal/antibypass"
	"github.com/whiteshards/cryptix/internal/api"
	"github.com/whiteshards/cryptix/internal/api/handler"
	mw "github.com/whiteshards/cryptix/internal/api/middleware"
	"github.com/whiteshards/cryptix/internal/cache"
	"github.com/whiteshards/cryptix/internal/config"
	"github.com/whiteshards/cryptix/internal/keygate"
	"github.com/whiteshards/cryptix/internal/lootlabs"
	"github.com/whiteshards/cryptix/internal/progress"
	"github.com/whiteshards/cryptix/internal/registry"
	"github.com/whiteshards/cryptix/internal/store"
	"github.com/whiteshards/cryptix/internal/verify"
	"github.com/whiteshards/cryptix/internal/webhook"
)

const (
	shutdownTimeout = 30 * time.Second
	keySweepPeriod  = time.Minute
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "min_checkpoint_age", cfg.Flow.MinCheckpointAge)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create store and flow components
	pgStore := store.NewPostgresStore(pool)

	dwell := antibypass.NewManager(pgStore, cfg.Flow.MinCheckpointAge)
	encryptor := lootlabs.NewHTTPClient(cfg.Providers.LootLabs.BaseURL, cfg.Providers.LootLabs.Timeout)
	reg := registry.New(pgStore, encryptor, cfg.Server.PublicBaseURL)
	dispatcher := verify.NewDispatcher(cfg.Providers, dwell)
	notifier := webhook.NewHTTPNotifier(cfg.Webhook.Timeout)
	ctrl := progress.NewController(pgStore, reg, dispatcher, dwell, notifier, logger)
	gate := keygate.New(pgStore)

	// 6. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, cfg.Flow.SessionRequestsPerMinute)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: handler.NewHealthHandler(pgStore, redisCache),

		CreateSession: handler.NewCreateSessionHandler(pgStore),
		GetSession:    handler.NewGetSessionHandler(pgStore),
		IssueToken:    handler.NewIssueTokenHandler(ctrl),
		CheckToken:    handler.NewCheckTokenHandler(dwell),
		ClearToken:    handler.NewClearTokenHandler(dwell),
		FindByToken:   handler.NewFindByTokenHandler(reg),
		Progress:      handler.NewProgressHandler(ctrl),
		GenerateKey:   handler.NewGenerateKeyHandler(gate),
		RenewKey:      handler.NewRenewKeyHandler(gate),
		RedeemKey:     handler.NewRedeemKeyHandler(gate),

		GetPublicKeysystem: handler.NewGetPublicKeysystemHandler(pgStore, redisCache, logger),

		CreateKeysystem:   handler.NewCreateKeysystemHandler(pgStore),
		ListKeysystems:    handler.NewListKeysystemsHandler(pgStore),
		UpdateKeysystem:   handler.NewUpdateKeysystemHandler(pgStore, redisCache),
		DeleteKeysystem:   handler.NewDeleteKeysystemHandler(pgStore, redisCache),
		AddCheckpoint:     handler.NewAddCheckpointHandler(reg, redisCache),
		ReplaceCheckpoint: handler.NewReplaceCheckpointHandler(reg, redisCache),
		RemoveCheckpoint:  handler.NewRemoveCheckpointHandler(reg, redisCache),
		CreateAPIKey:      handler.NewCreateAPIKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 7. Background sweeper for timed keys
	go sweepExpiredKeys(ctx, pgStore, logger)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// sweepExpiredKeys periodically deactivates timed keys whose expiry has
// passed, so redeem checks never see a stale active key.
func sweepExpiredKeys(ctx context.Context, st store.Store, logger *slog.Logger) {
	ticker := time.NewTicker(keySweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := st.ExpireDueKeys(ctx, now.UTC())
			if err != nil {
				logger.Warn("expire due keys", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("expired keys", "count", n)
			}
		}
	}
}
