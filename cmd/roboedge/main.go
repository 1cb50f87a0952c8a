package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/roboedge-io/roboedge/internal/api"
	"github.com/roboedge-io/roboedge/internal/audit"
	"github.com/roboedge-io/roboedge/internal/auth"
	"github.com/roboedge-io/roboedge/internal/cloud"
	"github.com/roboedge-io/roboedge/internal/command"
	"github.com/roboedge-io/roboedge/internal/db"
	"github.com/roboedge-io/roboedge/internal/events"
	"github.com/roboedge-io/roboedge/internal/health"
	"github.com/roboedge-io/roboedge/internal/metrics"
	"github.com/roboedge-io/roboedge/internal/queue"
	"github.com/roboedge-io/roboedge/internal/robot"
	"github.com/roboedge-io/roboedge/internal/schema"
	"github.com/roboedge-io/roboedge/internal/state"
	"github.com/roboedge-io/roboedge/internal/syncsvc"
	"github.com/roboedge-io/roboedge/internal/ws"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr string
	dbDriver string
	dbDSN    string

	jwtSecret       string
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	adminUser       string
	adminPassword   string

	queueMaxSize   int
	queueMaxRetry  int
	queueBatchSize int
	flushInterval  time.Duration

	offlineThreshold time.Duration
	reapInterval     time.Duration
	commandTimeoutMS int
	sslVerify        bool

	cloudURL      string
	cloudToken    string
	edgeID        string
	probeInterval time.Duration

	cacheDir       string
	cacheRetention int

	eventHistory  int
	auditCapacity int

	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "roboedge",
		Short: "RoboEdge — edge node for robot command and cloud sync",
		Long: `RoboEdge is the edge-side core of the robot command platform.
It accepts command envelopes over a REST API, routes them to registered
robots, records an auditable event trail, and syncs settings and command
history to the cloud through a durable store-and-forward queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(cfg))

	fl := root.PersistentFlags()
	fl.StringVar(&cfg.httpAddr, "http-addr", envOrDefault("ROBOEDGE_HTTP_ADDR", ":8080"), "HTTP API listen address")
	fl.StringVar(&cfg.dbDriver, "db-driver", envOrDefault("ROBOEDGE_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	fl.StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("ROBOEDGE_DB_DSN", "./roboedge.db"), "Database DSN, or file path / :memory: for SQLite")

	fl.StringVar(&cfg.jwtSecret, "jwt-secret", envOrDefault("ROBOEDGE_JWT_SECRET", ""), "HMAC secret for signing tokens (required)")
	fl.DurationVar(&cfg.accessTokenTTL, "access-token-ttl", envOrDefaultDuration("ROBOEDGE_ACCESS_TOKEN_TTL", auth.DefaultAccessTokenTTL), "Access token lifetime")
	fl.DurationVar(&cfg.refreshTokenTTL, "refresh-token-ttl", envOrDefaultDuration("ROBOEDGE_REFRESH_TOKEN_TTL", auth.DefaultRefreshTokenTTL), "Refresh token lifetime")
	fl.StringVar(&cfg.adminUser, "admin-user", envOrDefault("ROBOEDGE_ADMIN_USER", "admin"), "Username for the bootstrap admin account")
	fl.StringVar(&cfg.adminPassword, "admin-password", envOrDefault("ROBOEDGE_ADMIN_PASSWORD", ""), "Password for the bootstrap admin account (created on startup when set)")

	fl.IntVar(&cfg.queueMaxSize, "queue-max-size", envOrDefaultInt("ROBOEDGE_QUEUE_MAX_SIZE", queue.DefaultMaxSize), "Maximum pending sync queue entries")
	fl.IntVar(&cfg.queueMaxRetry, "queue-max-retry", envOrDefaultInt("ROBOEDGE_QUEUE_MAX_RETRY", queue.DefaultMaxRetry), "Delivery attempts before a queue entry is parked as failed")
	fl.IntVar(&cfg.queueBatchSize, "queue-batch-size", envOrDefaultInt("ROBOEDGE_QUEUE_BATCH_SIZE", queue.DefaultBatchSize), "Entries claimed per queue flush batch")
	fl.DurationVar(&cfg.flushInterval, "flush-interval", envOrDefaultDuration("ROBOEDGE_FLUSH_INTERVAL", 30*time.Second), "Interval between sync queue flush attempts")

	fl.DurationVar(&cfg.offlineThreshold, "offline-threshold", envOrDefaultDuration("ROBOEDGE_OFFLINE_THRESHOLD", robot.DefaultOfflineThreshold), "Heartbeat age after which a robot is marked offline")
	fl.DurationVar(&cfg.reapInterval, "reap-interval", envOrDefaultDuration("ROBOEDGE_REAP_INTERVAL", time.Minute), "Interval between stale-robot sweeps")
	fl.IntVar(&cfg.commandTimeoutMS, "command-timeout-ms", envOrDefaultInt("ROBOEDGE_COMMAND_TIMEOUT_MS", command.DefaultCommandTimeoutMS), "Default command timeout when the envelope omits one")
	fl.BoolVar(&cfg.sslVerify, "ssl-verify", envOrDefaultBool("ROBOEDGE_SSL_VERIFY", true), "Verify TLS certificates when dispatching to robots")

	fl.StringVar(&cfg.cloudURL, "cloud-url", envOrDefault("ROBOEDGE_CLOUD_URL", ""), "Cloud API base URL (sync disabled when unreachable, queued instead)")
	fl.StringVar(&cfg.cloudToken, "cloud-token", envOrDefault("ROBOEDGE_CLOUD_TOKEN", ""), "Bearer token for the cloud API")
	fl.StringVar(&cfg.edgeID, "edge-id", envOrDefault("ROBOEDGE_EDGE_ID", ""), "Stable identifier for this edge node (defaults to the hostname)")
	fl.DurationVar(&cfg.probeInterval, "probe-interval", envOrDefaultDuration("ROBOEDGE_PROBE_INTERVAL", 30*time.Second), "Interval between cloud reachability probes")

	fl.StringVar(&cfg.cacheDir, "cache-dir", envOrDefault("ROBOEDGE_CACHE_DIR", ""), "Directory for sync result summaries (defaults to the user cache dir)")
	fl.IntVar(&cfg.cacheRetention, "cache-retention", envOrDefaultInt("ROBOEDGE_CACHE_RETENTION", syncsvc.DefaultCacheRetention), "Sync result summaries kept on disk")

	fl.IntVar(&cfg.eventHistory, "event-history", envOrDefaultInt("ROBOEDGE_EVENT_HISTORY", 1000), "Events retained in the bus replay ring")
	fl.IntVar(&cfg.auditCapacity, "audit-capacity", envOrDefaultInt("ROBOEDGE_AUDIT_CAPACITY", 10000), "Events retained by the queryable audit sink")

	fl.StringVar(&cfg.logLevel, "log-level", envOrDefault("ROBOEDGE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("roboedge %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newMigrateCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.logLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			database, err := db.New(db.Config{
				Driver:   cfg.dbDriver,
				DSN:      cfg.dbDSN,
				Logger:   logger,
				LogLevel: gormlogger.Warn,
			})
			if err != nil {
				return err
			}
			if err := db.Close(database); err != nil {
				return err
			}
			logger.Info("migrations applied", zap.String("driver", cfg.dbDriver), zap.String("dsn", cfg.dbDSN))
			return nil
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.jwtSecret == "" {
		return fmt.Errorf("jwt secret is required — set --jwt-secret or ROBOEDGE_JWT_SECRET")
	}
	if cfg.edgeID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("edge id is required when the hostname is unavailable: %w", err)
		}
		cfg.edgeID = host
	}

	logger.Info("starting roboedge",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("edge_id", cfg.edgeID),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return err
	}
	defer db.Close(database) //nolint:errcheck

	bus := events.NewBus(cfg.eventHistory, logger)
	defer bus.Close()
	stateStore := state.New(bus, logger)
	m := metrics.New()

	sink := audit.New(bus, cfg.auditCapacity, m.Registry, logger)
	go sink.Run(ctx)

	tokens, err := auth.NewTokenManager([]byte(cfg.jwtSecret), "roboedge", cfg.accessTokenTTL, cfg.refreshTokenTTL)
	if err != nil {
		return err
	}
	authMgr := auth.NewManager(
		auth.NewGormUserStore(database),
		auth.NewGormRefreshTokenStore(database),
		tokens, bus, m, logger,
	)
	if cfg.adminPassword != "" {
		if _, err := authMgr.RegisterUser(ctx, cfg.adminUser, cfg.adminPassword, auth.RoleAdmin); err != nil && !errors.Is(err, auth.ErrDuplicateUser) {
			return fmt.Errorf("bootstrapping admin account: %w", err)
		}
	}

	schemas, err := schema.New()
	if err != nil {
		return err
	}

	robots := robot.NewRouter(robot.Config{
		OfflineThreshold: cfg.offlineThreshold,
		VerifyTLS:        cfg.sslVerify,
		Bus:              bus,
		Store:            stateStore,
		Metrics:          m,
		Logger:           logger,
	})

	cmdStore := command.NewStore(command.DefaultMaxEntries, command.DefaultRetention, logger)
	pipeline := command.NewHandler(schemas, authMgr, robots, cmdStore, bus, m, cfg.commandTimeoutMS, logger)

	syncQueue, err := queue.New(database, queue.Options{
		MaxSize:   cfg.queueMaxSize,
		MaxRetry:  cfg.queueMaxRetry,
		BatchSize: cfg.queueBatchSize,
	}, bus, m, logger)
	if err != nil {
		return err
	}
	defer syncQueue.Close()

	cloudClient := cloud.New(cfg.cloudURL, cfg.cloudToken, cfg.edgeID, logger)
	syncService, err := syncsvc.New(syncQueue, cloudClient, bus, stateStore, cfg.cacheDir, cfg.cacheRetention, logger)
	if err != nil {
		return err
	}
	recorder := syncsvc.NewRecorder(syncService, bus, logger)
	go recorder.Run(ctx)

	monitor := health.NewMonitor(stateStore, "/", logger)
	hub := ws.NewHub()

	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	jobs := []struct {
		name     string
		interval time.Duration
		task     func()
	}{
		{"robot_reaper", cfg.reapInterval, func() { robots.ReapStale() }},
		{"cloud_probe", cfg.probeInterval, func() { syncService.CheckCloud(ctx) }},
		{"queue_flush", cfg.flushInterval, func() {
			if _, err := syncService.FlushQueue(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("queue flush failed", zap.Error(err))
			}
		}},
		{"history_flush", cfg.flushInterval, func() { recorder.Flush(ctx) }},
		{"context_sweep", 5 * time.Minute, func() { cmdStore.Sweep() }},
		{"token_purge", time.Hour, func() {
			if err := authMgr.PurgeExpiredTokens(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("token purge failed", zap.Error(err))
			}
		}},
		{"health_publish", 30 * time.Second, func() { monitor.Publish(ctx) }},
	}
	for _, j := range jobs {
		if _, err := cron.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(j.task),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", j.name, err)
		}
	}
	cron.Start()

	handler := api.NewRouter(api.RouterConfig{
		Pipeline: pipeline,
		Robots:   robots,
		Auth:     authMgr,
		Sink:     sink,
		Bus:      bus,
		Hub:      hub,
		Sync:     syncService,
		State:    stateStore,
		Registry: m.Registry,
		Logger:   logger,
	})
	srv := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Prime cloud availability and host stats so the first requests see
	// real values instead of waiting for the first scheduler tick.
	syncService.CheckCloud(ctx)
	monitor.Publish(ctx)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down roboedge")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	hub.Shutdown(shutdownCtx)
	if err := cron.Shutdown(); err != nil {
		logger.Warn("scheduler shutdown failed", zap.Error(err))
	}
	// Best effort: flush any recorded history before the process exits.
	recorder.Flush(shutdownCtx)
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
