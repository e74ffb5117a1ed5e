package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/clinicsched/internal/config"
	"github.com/ehr/clinicsched/internal/domain/maintenance"
	"github.com/ehr/clinicsched/internal/domain/resource"
	"github.com/ehr/clinicsched/internal/domain/scheduling"
	"github.com/ehr/clinicsched/internal/domain/utilization"
	"github.com/ehr/clinicsched/internal/engine"
	"github.com/ehr/clinicsched/internal/platform/auth"
	"github.com/ehr/clinicsched/internal/platform/db"
	"github.com/ehr/clinicsched/internal/platform/middleware"
	"github.com/ehr/clinicsched/internal/platform/telemetry"
	"github.com/ehr/clinicsched/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinicsched-server",
		Short: "Clinic room and equipment scheduling server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(reportCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduling API server",
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

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one maintenance sweep against the database and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx := cmd.Context()

			pool, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			eng, err := engine.Open(ctx, repositories(pool), engine.ConfigFrom(cfg), nil, logger)
			if err != nil {
				return err
			}
			res, err := eng.Sweep(ctx)
			if err != nil {
				return fmt.Errorf("persist sweep: %w", err)
			}
			for _, t := range res.Transitions {
				fmt.Printf("%-24s %-16s %s -> %s\n", t.ScheduleID, t.ResourceID, t.From, t.To)
			}
			for _, f := range res.Failures {
				fmt.Printf("%-24s failed: %s\n", f.ScheduleID, f.Error)
			}
			fmt.Printf("%d transition(s), %d failure(s)\n", len(res.Transitions), len(res.Failures))
			return nil
		},
	}
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print a utilization report as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("from")
			to, _ := cmd.Flags().GetString("to")
			period, err := parsePeriod(from, to, time.Now().UTC())
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			eng, err := engine.Open(ctx, repositories(pool), engine.ConfigFrom(cfg), nil, newLogger(cfg).Level(zerolog.WarnLevel))
			if err != nil {
				return err
			}
			report, err := eng.Utilization.Report(period)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().String("from", "", "Period start (RFC3339), defaults to 7 days before --to")
	cmd.Flags().String("to", "", "Period end (RFC3339), defaults to now")
	return cmd
}

// parsePeriod resolves the report window. Empty bounds default to the seven
// days ending now.
func parsePeriod(from, to string, now time.Time) (utilization.Period, error) {
	p := utilization.Period{End: now}
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return p, fmt.Errorf("invalid --to: %w", err)
		}
		p.End = t
	}
	p.Start = p.End.Add(-7 * 24 * time.Hour)
	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return p, fmt.Errorf("invalid --from: %w", err)
		}
		p.Start = t
	}
	if !p.Start.Before(p.End) {
		return p, errors.New("--from must be before --to")
	}
	return p, nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// connect opens the pool for commands that only make sense against a
// database.
func connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

func repositories(pool *pgxpool.Pool) engine.Repositories {
	if pool == nil {
		return engine.Repositories{}
	}
	return engine.Repositories{
		Resources:   resource.NewRepoPG(pool),
		Bookings:    scheduling.NewRepoPG(pool),
		Maintenance: maintenance.NewRepoPG(pool),
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")
	} else {
		logger.Warn().Msg("DATABASE_URL not set, running with an empty in-memory session")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.MustNewMetrics(reg)

	eng, err := engine.Open(ctx, repositories(pool), engine.ConfigFrom(cfg), metrics, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load scheduling session")
	}

	e := newServer(cfg, eng, pool, reg, metrics, logger)

	go eng.RunSweeper(ctx)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer wires middleware, health and metrics endpoints, and the
// scheduling API. pool may be nil for an in-memory session.
func newServer(cfg *config.Config, eng *engine.Engine, pool *pgxpool.Pool, reg *prometheus.Registry, metrics *telemetry.Metrics, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))
	}
	e.GET("/metrics", telemetry.Handler(reg))

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	if cfg.RequestTimeout > 0 {
		apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	eng.RegisterRoutes(apiV1)
	return e
}
