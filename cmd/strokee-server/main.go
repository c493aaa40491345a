package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/strokee/strokee/internal/config"
	"github.com/strokee/strokee/internal/domain/emergency"
	"github.com/strokee/strokee/internal/domain/patient"
	"github.com/strokee/strokee/internal/platform/auth"
	"github.com/strokee/strokee/internal/platform/db"
	"github.com/strokee/strokee/internal/platform/middleware"
	"github.com/strokee/strokee/internal/platform/notify"
	"github.com/strokee/strokee/internal/platform/websocket"
	"github.com/strokee/strokee/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "strokee-server",
		Short:        "StrokeE emergency dispatch API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(ambulanceCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatch API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, d *deps) error {
				count, err := db.NewMigrator(d.pool, migrationFiles(dir)).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, d *deps) error {
				statuses, err := db.NewMigrator(d.pool, migrationFiles(dir)).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func relayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the notification relay without the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, d *deps) error {
				pub, closePub, err := newPublisher(cfg, d.logger)
				if err != nil {
					return err
				}
				defer closePub()

				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				newRelay(cfg, notify.NewOutboxStorePG(d.pool), pub, d.logger).Start(ctx)
				return nil
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "Print the number of notifications waiting to be published",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, d *deps) error {
				n, err := notify.NewOutboxStorePG(d.pool).PendingCount(ctx, cfg.OutboxMaxAttempts)
				if err != nil {
					return err
				}
				fmt.Printf("%d pending notification(s)\n", n)
				return nil
			})
		},
	})

	return cmd
}

func ambulanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ambulance",
		Short: "Manage the ambulance fleet",
	}

	addCmd := &cobra.Command{
		Use:   "add <ambulance-id>",
		Short: "Register an ambulance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plate, _ := cmd.Flags().GetString("plate")
			base, _ := cmd.Flags().GetString("base")
			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, d *deps) error {
				svc := emergency.NewService(emergency.NewCaseRepoPG(d.pool), emergency.NewAmbulanceRepoPG(d.pool))
				svc.SetStoreTimeout(cfg.StoreTimeout)
				a := &emergency.Ambulance{ID: args[0], Plate: optional(plate), Base: optional(base)}
				if err := svc.RegisterAmbulance(ctx, a); err != nil {
					return err
				}
				fmt.Printf("Registered ambulance %s\n", a.ID)
				return nil
			})
		},
	}
	addCmd.Flags().String("plate", "", "Licence plate")
	addCmd.Flags().String("base", "", "Home base or station")
	cmd.AddCommand(addCmd)

	return cmd
}

type deps struct {
	logger zerolog.Logger
	pool   *pgxpool.Pool
}

// withPool loads the config, opens the database and runs fn.
func withPool(ctx context.Context, fn func(ctx context.Context, cfg *config.Config, d *deps) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, cfg, &deps{logger: logger, pool: pool})
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	hub := websocket.NewHub(logger)

	emergencySvc := emergency.NewService(emergency.NewCaseRepoPG(pool), emergency.NewAmbulanceRepoPG(pool))
	emergencySvc.SetStoreTimeout(cfg.StoreTimeout)
	patientSvc := patient.NewService(patient.NewRepoPG(pool))
	patientSvc.SetStoreTimeout(cfg.StoreTimeout)

	if cfg.RelayEnabled {
		pub, closePub, err := newPublisher(cfg, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to message broker")
		}
		defer closePub()

		relay := newRelay(cfg, notify.NewOutboxStorePG(pool), pub, logger)
		relay.Observe(hub)
		emergencySvc.SetWaker(relay)
		go relay.Start(ctx)
	} else {
		logger.Warn().Msg("notification relay disabled; run `strokee-server relay` separately")
	}

	e, err := newRouter(cfg, logger, emergencySvc, patientSvc, hub)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build router")
	}
	e.GET("/health/db", db.HealthHandler(pool))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newRouter builds the HTTP surface. Everything under /api/v1 requires an
// authenticated caller.
func newRouter(cfg *config.Config, logger zerolog.Logger, emergencySvc *emergency.Service, patientSvc *patient.Service, hub *websocket.Hub) (*echo.Echo, error) {
	authMW, err := authMiddleware(cfg)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.Sanitize(logger))
	e.Use(echomw.BodyLimit("1M"))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})

	api := e.Group("/api/v1",
		authMW,
		middleware.Audit(logger),
		middleware.RateLimit(rateLimitConfig(cfg)),
	)
	emergency.NewHandler(emergencySvc).RegisterRoutes(api)
	patient.NewHandler(patientSvc).RegisterRoutes(api)
	websocket.NewWebSocketHandler(hub, cfg.CORSOrigins).RegisterRoutes(api)

	return e, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func authMiddleware(cfg *config.Config) (echo.MiddlewareFunc, error) {
	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthJWKSURL == "" && cfg.AuthIssuer == "" {
		return auth.DevAuthMiddleware(), nil
	}
	key, err := cfg.SigningKey()
	if err != nil {
		return nil, err
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: key,
	}), nil
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	return rl
}

// newPublisher returns the broker publisher, or a logging publisher when no
// broker is configured. The returned func releases the connection.
func newPublisher(cfg *config.Config, logger zerolog.Logger) (notify.Publisher, func(), error) {
	if cfg.AMQPURL == "" {
		logger.Warn().Msg("AMQP_URL not set; notifications are only logged")
		return notify.NewLogPublisher(logger), func() {}, nil
	}
	pub, err := notify.NewAMQPPublisher(cfg.AMQPURL, logger)
	if err != nil {
		return nil, nil, err
	}
	return pub, func() {
		if err := pub.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close broker connection")
		}
	}, nil
}

func newRelay(cfg *config.Config, store notify.OutboxStore, pub notify.Publisher, logger zerolog.Logger) *notify.Relay {
	relay := notify.NewRelay(store, pub, logger)
	if cfg.OutboxPollInterval > 0 {
		relay.PollInterval = cfg.OutboxPollInterval
	}
	if cfg.OutboxBatchSize > 0 {
		relay.BatchSize = cfg.OutboxBatchSize
	}
	if cfg.OutboxMaxAttempts > 0 {
		relay.MaxAttempts = cfg.OutboxMaxAttempts
	}
	relay.Retention = cfg.OutboxRetention
	return relay
}

func migrationFiles(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
