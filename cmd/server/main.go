package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pulseboard/pulseboard/internal/api"
	"github.com/pulseboard/pulseboard/internal/auth"
	"github.com/pulseboard/pulseboard/internal/db"
	grpcserver "github.com/pulseboard/pulseboard/internal/grpc"
	"github.com/pulseboard/pulseboard/internal/metrics"
	"github.com/pulseboard/pulseboard/internal/realtime"
	"github.com/pulseboard/pulseboard/internal/relay"
	"github.com/pulseboard/pulseboard/internal/repositories"
	"github.com/pulseboard/pulseboard/internal/scheduler"
	"github.com/pulseboard/pulseboard/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	jwtIssuer          = "pulseboard"
	tokenPurgeInterval = time.Hour
	shutdownTimeout    = 10 * time.Second
)

type config struct {
	httpAddr      string
	grpcAddr      string
	dbDriver      string
	dbDSN         string
	secretKey     string
	logLevel      string
	dataDir       string
	queueSize     int
	idleTimeout   time.Duration
	publishRate   float64
	publishBurst  int
	wsReadLimit   int64
	ingestToken   string
	redisURL      string
	secureCookies bool
	apiRate       float64
	apiBurst      int
	authRate      float64
	authBurst     int
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
		Use:   "pulseboard-server",
		Short: "Pulseboard server: real-time dashboard stream fan-out",
		Long: `Pulseboard server accepts WebSocket connections from dashboard clients,
fans published stream data out to every subscriber, and exposes a REST API
for accounts and dashboards plus a gRPC ingest service for producers.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(cfg))

	f := root.PersistentFlags()
	f.StringVar(&cfg.httpAddr, "http-addr", envOrDefault("PULSEBOARD_HTTP_ADDR", ":8080"), "HTTP API and WebSocket listen address")
	f.StringVar(&cfg.grpcAddr, "grpc-addr", envOrDefault("PULSEBOARD_GRPC_ADDR", ":9090"), "gRPC ingest listen address")
	f.StringVar(&cfg.dbDriver, "db-driver", envOrDefault("PULSEBOARD_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	f.StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("PULSEBOARD_DB_DSN", "./pulseboard.db"), "Database DSN or file path for SQLite")
	f.StringVar(&cfg.secretKey, "secret-key", envOrDefault("PULSEBOARD_SECRET_KEY", ""), "32-byte key for encrypting columns at rest (required)")
	f.StringVar(&cfg.logLevel, "log-level", envOrDefault("PULSEBOARD_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	f.StringVar(&cfg.dataDir, "data-dir", envOrDefault("PULSEBOARD_DATA_DIR", "./data"), "Directory for server data (RSA keys)")
	f.IntVar(&cfg.queueSize, "queue-size", envInt("PULSEBOARD_QUEUE_SIZE", realtime.DefaultQueueSize), "Outbound frames buffered per session before the oldest is dropped")
	f.DurationVar(&cfg.idleTimeout, "idle-timeout", envDuration("PULSEBOARD_IDLE_TIMEOUT", 5*time.Minute), "Close sessions idle for this long (0 disables, otherwise at least the 60s pong wait)")
	f.Float64Var(&cfg.publishRate, "publish-rate", envFloat("PULSEBOARD_PUBLISH_RATE", 0), "Publishes per second allowed per session (0 = unlimited)")
	f.IntVar(&cfg.publishBurst, "publish-burst", envInt("PULSEBOARD_PUBLISH_BURST", 20), "Publish burst allowed per session")
	f.Int64Var(&cfg.wsReadLimit, "ws-read-limit", int64(envInt("PULSEBOARD_WS_READ_LIMIT", websocket.DefaultReadLimit)), "Maximum inbound WebSocket frame size in bytes")
	f.StringVar(&cfg.ingestToken, "ingest-token", envOrDefault("PULSEBOARD_INGEST_TOKEN", ""), "Shared secret required by the gRPC ingest service (empty disables auth)")
	f.StringVar(&cfg.redisURL, "redis-url", envOrDefault("PULSEBOARD_REDIS_URL", ""), "Redis URL for cross-instance fan-out (empty disables)")
	f.Float64Var(&cfg.apiRate, "api-rate", envFloat("PULSEBOARD_API_RATE", 20), "REST requests per second allowed per client IP (0 = unlimited)")
	f.IntVar(&cfg.apiBurst, "api-burst", envInt("PULSEBOARD_API_BURST", 40), "REST request burst allowed per client IP")
	f.Float64Var(&cfg.authRate, "auth-rate", envFloat("PULSEBOARD_AUTH_RATE", 0.2), "Register, login and refresh requests per second per client IP (0 = unlimited)")
	f.IntVar(&cfg.authBurst, "auth-burst", envInt("PULSEBOARD_AUTH_BURST", 5), "Auth request burst allowed per client IP")
	f.BoolVar(&cfg.secureCookies, "secure-cookies", envBool("PULSEBOARD_SECURE_COOKIES", false), "Set the Secure flag on auth cookies")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pulseboard-server %s (commit: %s, built: %s)\n", version, commit, date)
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

			database, err := openDatabase(cfg, logger)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", zap.String("db_driver", cfg.dbDriver))
			return db.Close(database)
		},
	}
}

// validate rejects flag combinations the server cannot honour.
func (c *config) validate() error {
	switch {
	case c.idleTimeout < 0:
		return errors.New("--idle-timeout must not be negative")
	case c.idleTimeout > 0 && c.idleTimeout < websocket.PongWait:
		// Subscribe-only clients are only seen as active when they answer a
		// ping, so a shorter timeout would close healthy connections.
		return fmt.Errorf("--idle-timeout must be 0 (disabled) or at least %s", websocket.PongWait)
	case c.queueSize < 1:
		return errors.New("--queue-size must be at least 1")
	case c.publishRate < 0:
		return errors.New("--publish-rate must not be negative")
	case c.publishRate > 0 && c.publishBurst < 1:
		return errors.New("--publish-burst must be at least 1 when --publish-rate is set")
	case c.apiRate < 0 || c.authRate < 0:
		return errors.New("--api-rate and --auth-rate must not be negative")
	case c.apiRate > 0 && c.apiBurst < 1:
		return errors.New("--api-burst must be at least 1 when --api-rate is set")
	case c.authRate > 0 && c.authBurst < 1:
		return errors.New("--auth-burst must be at least 1 when --auth-rate is set")
	}
	return nil
}

func openDatabase(cfg *config, logger *zap.Logger) (*gorm.DB, error) {
	if cfg.secretKey == "" {
		return nil, errors.New("secret key is required: set --secret-key or PULSEBOARD_SECRET_KEY")
	}
	if err := db.InitEncryption([]byte(cfg.secretKey)); err != nil {
		return nil, fmt.Errorf("init encryption: %w", err)
	}
	database, err := db.New(db.Config{
		Driver: cfg.dbDriver,
		DSN:    cfg.dbDSN,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return database, nil
}

func run(ctx context.Context, cfg *config) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting pulseboard server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("grpc_addr", cfg.grpcAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ─── Persistence ──────────────────────────────────────────────────────────

	database, err := openDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close(database) //nolint:errcheck

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}

	users := repositories.NewUserRepository(database)
	tokens := repositories.NewRefreshTokenRepository(database)
	dashboards := repositories.NewDashboardRepository(database)
	widgets := repositories.NewWidgetRepository(database)

	// ─── Auth ─────────────────────────────────────────────────────────────────

	jwtManager, err := auth.LoadOrCreateKeys(cfg.dataDir, jwtIssuer)
	if err != nil {
		return fmt.Errorf("load jwt keys: %w", err)
	}
	authService := auth.NewAuthService(users, tokens, jwtManager, nil)

	// ─── Realtime ─────────────────────────────────────────────────────────────

	reg := metrics.NewRegistry()
	hub := realtime.NewHub(realtime.Config{
		QueueSize:    cfg.queueSize,
		IdleTimeout:  cfg.idleTimeout,
		PublishRate:  cfg.publishRate,
		PublishBurst: cfg.publishBurst,
		Metrics:      metrics.NewRealtimeMetrics(reg),
	}, realtime.NewAuthenticator(jwtManager), logger)
	metrics.RegisterRoomGauge(reg, hub.Rooms)
	defer hub.Shutdown()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	if cfg.redisURL != "" {
		rl, err := relay.NewRedis(cfg.redisURL, logger)
		if err != nil {
			return err
		}
		defer rl.Close() //nolint:errcheck
		if err := rl.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		hub.SetRelay(rl)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rl.Run(ctx, hub); err != nil {
				errCh <- err
			}
		}()
	}

	// ─── Scheduler ────────────────────────────────────────────────────────────

	sched, err := scheduler.New(scheduler.Config{
		Sweeper:       hub,
		SweepInterval: sweepInterval(cfg.idleTimeout),
		Purger:        authService,
		PurgeInterval: tokenPurgeInterval,
	}, logger)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop() //nolint:errcheck

	// ─── gRPC ingest ──────────────────────────────────────────────────────────

	ingest := grpcserver.New(grpcserver.Config{IngestToken: cfg.ingestToken}, hub, logger)
	if cfg.ingestToken == "" {
		logger.Warn("gRPC ingest authentication is disabled (no --ingest-token)")
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ingest.ListenAndServe(ctx, cfg.grpcAddr); err != nil {
			errCh <- err
		}
	}()

	// ─── HTTP ─────────────────────────────────────────────────────────────────

	router := api.NewRouter(api.RouterConfig{
		AuthService:    authService,
		Hub:            hub,
		Logger:         logger,
		Users:          users,
		Dashboards:     dashboards,
		Widgets:        widgets,
		DB:             sqlDB,
		HTTPMetrics:    metrics.NewHTTPMetrics(reg),
		MetricsHandler: metrics.Handler(reg),
		Producers:      ingest.Producers(),
		WSReadLimit:    cfg.wsReadLimit,
		APIRateLimit:   api.RateLimit{PerSecond: cfg.apiRate, Burst: cfg.apiBurst},
		AuthRateLimit:  api.RateLimit{PerSecond: cfg.authRate, Burst: cfg.authBurst},
		Secure:         cfg.secureCookies,
	})
	httpServer := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		logger.Error("component failed, shutting down", zap.Error(runErr))
		cancel()
	}

	logger.Info("shutting down pulseboard server")

	// Close WebSocket sessions first so their handlers return and the HTTP
	// server can drain.
	hub.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	wg.Wait()
	return runErr
}

// sweepInterval runs the idle sweep a few times per timeout so a session is
// closed at most a quarter timeout late.
func sweepInterval(idleTimeout time.Duration) time.Duration {
	if idleTimeout <= 0 {
		return 0
	}
	return max(idleTimeout/4, time.Second)
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

// The typed helpers fall back to the default when the variable is unset or
// does not parse.

func envInt(key string, defaultVal int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultVal
}
