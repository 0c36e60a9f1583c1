package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/chatcore/internal/api"
	"github.com/felipepmaragno/chatcore/internal/catalog"
	"github.com/felipepmaragno/chatcore/internal/chat"
	"github.com/felipepmaragno/chatcore/internal/circuitbreaker"
	"github.com/felipepmaragno/chatcore/internal/config"
	"github.com/felipepmaragno/chatcore/internal/crypto"
	"github.com/felipepmaragno/chatcore/internal/httputil"
	"github.com/felipepmaragno/chatcore/internal/notifications"
	"github.com/felipepmaragno/chatcore/internal/quota"
	"github.com/felipepmaragno/chatcore/internal/secrets"
	"github.com/felipepmaragno/chatcore/internal/session"
	"github.com/felipepmaragno/chatcore/internal/store"
	"github.com/felipepmaragno/chatcore/internal/telemetry"
	"github.com/felipepmaragno/chatcore/internal/tools"
	"github.com/felipepmaragno/chatcore/internal/upstream"
	"github.com/felipepmaragno/chatcore/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting chatcore", "addr", cfg.Addr, "version", api.Version, "store", cfg.StoreBackend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     api.Version,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}

	var sealer *crypto.Sealer
	if cfg.StoreEncryptionKey != "" {
		sealer, err = crypto.NewSealer(cfg.StoreEncryptionKey)
		if err != nil {
			slog.Error("invalid store encryption key", "error", err)
			os.Exit(1)
		}
		slog.Info("conversation encryption enabled")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
	}

	var checkers []api.HealthChecker
	if redisClient != nil {
		checkers = append(checkers, api.RedisChecker(redisClient))
	}
	if db != nil {
		checkers = append(checkers, api.PostgresChecker(db))
	}

	var conversations store.Store
	switch cfg.StoreBackend {
	case "redis":
		conversations = store.NewRedisStoreWithClient(redisClient,
			store.WithRedisSealer(sealer),
			store.WithRedisMaxConversations(cfg.StoreMaxConversations),
		)
	case "postgres":
		pg := store.NewPostgresStore(db,
			store.WithPostgresSealer(sealer),
			store.WithPostgresMaxConversations(cfg.StoreMaxConversations),
		)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("failed to prepare conversation schema", "error", err)
			os.Exit(1)
		}
		conversations = pg
	default:
		conversations = store.NewInMemoryStore(cfg.StoreMaxConversations)
	}

	var tracker usage.Tracker = usage.NewInMemoryTracker()
	if db != nil {
		pgTracker := usage.NewPostgresTracker(db)
		if err := pgTracker.EnsureSchema(ctx); err != nil {
			slog.Warn("usage table unavailable, tracking in memory", "error", err)
		} else {
			tracker = pgTracker
		}
	}

	var secretStore secrets.SecretStore
	if cfg.UpstreamTokenSecret != "" {
		sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to init secrets manager", "error", err)
			os.Exit(1)
		}
		secretStore = sm
		slog.Info("upstream credential from secrets manager", "secret", cfg.UpstreamTokenSecret)
	}
	credentials := secrets.NewCredentialSource(secretStore, cfg.UpstreamTokenSecret, cfg.UpstreamToken)

	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig())

	upstreamClient := upstream.New(cfg.UpstreamBaseURL, upstream.WithBreaker(breakers.Get("upstream")))
	resolver := catalog.NewResolver(upstreamClient, catalog.WithTTL(cfg.CatalogTTL))
	checkers = append(checkers, api.NewUpstreamHealthChecker(upstreamClient, credentials))

	brave := tools.NewBraveClient(cfg.BraveBaseURL, tools.WithBreaker(breakers.Get("search")))
	if cfg.BraveAPIKey != "" {
		slog.Info("web search tool enabled")
	}

	orchestrator := chat.New(upstreamClient, tools.NewInvoker(brave),
		chat.WithModelLookup(resolver),
		chat.WithUsageTracker(tracker),
		chat.WithOptions(chat.Options{
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			MaxRounds:   cfg.MaxToolRounds,
		}),
	)

	sessions := session.NewCoordinator(conversations, orchestrator,
		session.WithToolCredentials(tools.Credentials{SearchAPIKey: cfg.BraveAPIKey}),
	)
	if n, err := sessions.RecoverPending(ctx); err != nil {
		slog.Warn("failed to recover pending turns", "error", err)
	} else if n > 0 {
		slog.Info("recovered pending turns", "count", n)
	}

	var quotaFetcher api.QuotaFetcher
	var quotaMonitor *quota.Monitor
	if fetcher := quota.NewFetcher(cfg.QuotaTokenURL, cfg.QuotaSubscriptionURL, httputil.DefaultClient()); fetcher.Configured() {
		quotaFetcher = fetcher

		var dedup quota.AlertDeduplicator = quota.NewInMemoryDeduplicator()
		if redisClient != nil {
			dedup = quota.NewRedisDeduplicatorWithClient(redisClient, 24*time.Hour)
		}
		quotaMonitor = quota.NewMonitor(dedup, quota.DefaultThresholds())
		quotaMonitor.OnAlert(quota.LogAlertHandler)

		if cfg.QuotaAlertTopicARN != "" {
			notifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.QuotaAlertTopicARN)
			if err != nil {
				slog.Error("failed to init sns notifier", "error", err)
				os.Exit(1)
			}
			quotaMonitor.OnAlert(notifications.AlertHandler(notifier, 10*time.Second))
			slog.Info("quota alerts published to sns", "topic", cfg.QuotaAlertTopicARN)
		}
	}

	handler := api.NewHandler(api.HandlerConfig{
		Sessions:     sessions,
		Models:       resolver,
		Quota:        quotaFetcher,
		QuotaMonitor: quotaMonitor,
		Credentials:  credentials,
		Checkers:     checkers,
	})
	admin := api.NewAdminHandler(api.AdminConfig{
		Sessions: sessions,
		Usage:    tracker,
		Catalog:  resolver,
		Breakers: breakers,
	})

	mux := http.NewServeMux()
	mux.Handle("/admin/", admin)
	mux.Handle("/", handler)

	// WriteTimeout stays zero: turn streams have no deadline.
	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	if n := sessions.Stop(); n > 0 {
		slog.Info("stopped running turns", "count", n)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("server stopped")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
