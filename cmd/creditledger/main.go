// Package main is the entry point for the credit ledger server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"creditledger/config"
	"creditledger/internal/billing"
	"creditledger/internal/ledger"
	"creditledger/internal/rates"
	"creditledger/internal/server"
	"creditledger/internal/storage"
	"creditledger/internal/txlog"
	"creditledger/internal/version"
)

func main() {
	versionFlag := flag.Bool("version", false, "Print version information")
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.Logging)

	slog.Info("starting creditledger",
		"version", version.Version,
		"commit", version.Commit,
		"build_date", version.Date,
	)

	ctx := context.Background()

	// Shared database connection for balances and transactions
	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("storage initialized", "type", store.Type())

	balances, err := ledger.NewStore(store)
	if err != nil {
		slog.Error("failed to create balance store", "error", err)
		os.Exit(1)
	}
	defer balances.Close()

	transactions, err := txlog.NewStore(store)
	if err != nil {
		slog.Error("failed to create transaction store", "error", err)
		os.Exit(1)
	}
	defer transactions.Close()

	// Resolve the rate table: file, shared cache, or built-in default
	table, tableCache, err := loadRateTable(ctx, cfg)
	if err != nil {
		slog.Error("failed to load rate table", "error", err)
		os.Exit(1)
	}
	defer tableCache.Close()

	resolver := rates.NewResolver(table)

	svc := billing.New(
		ledger.NewUpdater(balances),
		transactions,
		resolver,
		billing.Config{TrackBalance: cfg.Balance.Enabled},
	)
	if cfg.Balance.Enabled {
		slog.Info("balance tracking enabled")
	} else {
		slog.Warn("balance tracking disabled - usage is logged but balances are not adjusted")
	}

	srv := server.New(svc, balances, &server.Config{
		MetricsEnabled:  cfg.Server.MetricsEnabled,
		MetricsEndpoint: cfg.Server.MetricsEndpoint,
		BodySizeLimit:   cfg.Server.BodySizeLimit,
	})

	// Handle graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		slog.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	slog.Info("starting server", "address", addr)

	if err := srv.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
		} else {
			slog.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}
}

// setupLogging installs the default slog handler: JSON for production,
// tint's colorized output for local development.
func setupLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "pretty" {
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

// loadRateTable resolves the active rate table. A configured file wins
// and is published to the shared cache so other instances price usage
// identically; otherwise the cached table is used, falling back to the
// built-in default.
func loadRateTable(ctx context.Context, cfg *config.Config) (*rates.Table, rates.TableCache, error) {
	var cache rates.TableCache
	if cfg.Redis.URL != "" {
		redisCache, err := rates.NewRedisCache(rates.RedisConfig{URL: cfg.Redis.URL})
		if err != nil {
			return nil, nil, err
		}
		cache = redisCache
	} else {
		cache = rates.NewLocalCache()
	}

	if cfg.Rates.TablePath != "" {
		table, err := rates.LoadTable(cfg.Rates.TablePath)
		if err != nil {
			cache.Close()
			return nil, nil, err
		}
		if err := cache.Set(ctx, table); err != nil {
			slog.Warn("failed to publish rate table to cache", "error", err)
		}
		slog.Info("rate table loaded", "path", cfg.Rates.TablePath, "models", len(table.Models))
		return table, cache, nil
	}

	table, err := cache.Get(ctx)
	if err != nil {
		slog.Warn("failed to read rate table from cache", "error", err)
	}
	if table != nil {
		slog.Info("rate table loaded from cache", "models", len(table.Models))
		return table, cache, nil
	}

	slog.Info("using built-in rate table")
	return rates.DefaultTable(), cache, nil
}
