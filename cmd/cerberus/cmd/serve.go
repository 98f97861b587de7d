package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	inhttp "github.com/cerberus-gate/cerberus/internal/adapter/inbound/http"
	"github.com/cerberus-gate/cerberus/internal/adapter/outbound/memory"
	credis "github.com/cerberus-gate/cerberus/internal/adapter/outbound/redis"
	"github.com/cerberus-gate/cerberus/internal/adapter/outbound/sqlite"
	"github.com/cerberus-gate/cerberus/internal/adapter/outbound/upstream"
	"github.com/cerberus-gate/cerberus/internal/config"
	"github.com/cerberus-gate/cerberus/internal/domain/auth"
	"github.com/cerberus-gate/cerberus/internal/domain/governance"
	"github.com/cerberus-gate/cerberus/internal/domain/policy"
	"github.com/cerberus-gate/cerberus/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Run the cerberus governance gateway.

The gateway terminates agent traffic on the proxy endpoint, evaluates
guardrails in both directions, and forwards allowed requests to each
workspace's upstream MCP server.

Redis is optional: without it, rate limit counters and the policy cache
live in process memory, which only governs correctly as a single
instance.

Examples:
  # Run with config file settings
  cerberus serve

  # Run with a specific config file
  cerberus --config /path/to/cerberus.yaml serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := buildLogger(cfg)
	if file := config.FileUsed(); file != "" {
		logger.Info("loaded config", "file", file)
	}

	// stop() restores default signal handling so a second Ctrl+C is a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("cerberus stopped")
	return nil
}

// run wires all components and blocks until shutdown.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// ===== Control-plane store =====
	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := sqlite.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("database ready", "path", cfg.Database.Path)

	authStore := sqlite.NewAuthStore(db)
	policyStore := sqlite.NewPolicyStore(db)
	auditStore := sqlite.NewAuditStore(db)

	// ===== Shared state: Redis when configured, in-process otherwise =====
	var counters governance.CounterStore
	var cache policy.Cache

	if cfg.Redis.Addr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.Addr, err)
		}

		counters = credis.NewCounterStore(client)
		redisCache := credis.NewPolicyCache(client, logger)
		cache = redisCache
		go redisCache.ListenInvalidations(ctx)
		logger.Info("redis connected", "addr", cfg.Redis.Addr)
	} else {
		memCounters := memory.NewCounterStore()
		memCounters.StartCleanup(ctx)
		defer memCounters.Stop()
		counters = memCounters
		cache = memory.NewPolicyCache()
		logger.Warn("redis not configured, using in-process counters and cache; " +
			"rate limits and cache invalidation do not span instances")
	}

	// ===== Domain services =====
	authenticator := auth.NewAuthenticator(authStore, authStore, logger)
	resolver := policy.NewResolver(policyStore, logger,
		policy.WithCache(cache, cfg.Policy.CacheTTL()))
	registry := governance.NewRegistry(governance.Deps{
		Counters: counters,
		Logger:   logger,
	})

	forwarder := upstream.NewClient(upstream.Config{
		Timeout:              cfg.Upstream.Timeout(),
		MaxRetries:           cfg.Upstream.MaxRetries,
		MaxKeepaliveConns:    cfg.Upstream.MaxKeepaliveConnections,
		MaxConns:             cfg.Upstream.MaxConnections,
		ForwardAuthorization: cfg.Proxy.ForwardAuthorization,
		BlockedHeaders:       cfg.Proxy.BlockedHeaders,
	}, logger)

	emitter := service.NewAuditEmitter(auditStore, logger,
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(cfg.Audit.FlushInterval()),
		service.WithSendTimeout(cfg.Audit.SendTimeout()),
		service.WithWarningThreshold(cfg.Audit.WarningThreshold),
	)
	emitter.Start(ctx)
	defer emitter.Stop()

	orchestrator := service.NewProxyOrchestrator(
		authenticator, resolver, registry, forwarder, emitter, logger)

	// ===== HTTP surface =====
	serverOpts := []inhttp.ServerOption{
		inhttp.WithAddr(cfg.Server.Addr),
		inhttp.WithServerLogger(logger),
		inhttp.WithHealthDB(db),
		inhttp.WithVersion(Version),
	}
	if cfg.Server.TLSCertFile != "" {
		serverOpts = append(serverOpts, inhttp.WithTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile))
	}
	server := inhttp.NewServer(orchestrator, emitter, serverOpts...)

	logger.Info("cerberus starting",
		"version", Version,
		"addr", cfg.Server.Addr,
		"database", cfg.Database.Path,
		"redis", cfg.Redis.Addr != "",
		"upstream_timeout", cfg.Upstream.Timeout(),
		"upstream_retries", cfg.Upstream.MaxRetries,
	)

	return server.Start(ctx)
}

// buildLogger constructs the process logger from config. Logs go to
// stderr.
func buildLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Server.LogLevel)}
	var handler slog.Handler
	if cfg.Server.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// parseLogLevel converts a string log level to slog.Level, defaulting to
// info for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
