package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/recordmerge/internal/config"
	"github.com/ehr/recordmerge/internal/domain/batch"
	"github.com/ehr/recordmerge/internal/domain/provenance"
	"github.com/ehr/recordmerge/internal/domain/record"
	"github.com/ehr/recordmerge/internal/domain/review"
	"github.com/ehr/recordmerge/internal/platform/auth"
	"github.com/ehr/recordmerge/internal/platform/db"
	"github.com/ehr/recordmerge/internal/platform/middleware"
	"github.com/ehr/recordmerge/internal/platform/webhook"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "merge-server",
		Short:         "Cumulative patient record merge engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(mergeCmd())
	rootCmd.AddCommand(rollbackCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(policyCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the merge API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

// loadConfig loads and validates the environment configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)

	ctx := context.Background()
	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start merge engine")
		return err
	}
	logger.Info().Str("backend", cfg.StoreBackend).Msg("record store ready")

	if cfg.IsDev() {
		logger.Warn().Msg("development mode: requests without a token run as dev-user with the admin role; do not use in production")
	}

	e := newServer(eng)
	eng.orch.Start()

	addr := ":" + cfg.Port
	go func() {
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	if err := eng.close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("engine shutdown incomplete")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the echo instance: global middleware, public health and
// metrics endpoints, and the /api/v1 routes.
func newServer(eng *engine) *echo.Echo {
	cfg, logger := eng.cfg, eng.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if eng.metrics != nil {
		e.Use(eng.metrics.MetricsMiddleware())
	}
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposeHeaders: []string{"Location", "Retry-After", middleware.RequestIDHeader},
	}))

	// Auth middleware
	if cfg.IsDev() && cfg.AuthJWKSURL == "" && cfg.AuthSigningKey == "" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	pinger, _ := eng.store.(db.Pinger)
	e.GET("/health", db.StatusHandler(cfg.StoreBackend, pinger))
	if eng.pool != nil {
		e.GET("/health/db", db.HealthHandler(eng.pool))
	}
	if eng.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(eng.metrics.Handler()))
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1",
		middleware.RateLimit(rateLimitCfg),
		middleware.BodyLimit(cfg.BodyLimit, cfg.BatchBodyLimit),
		middleware.RequestTimeout(cfg.RequestTimeout),
	)

	batch.NewHandler(eng.orch).RegisterRoutes(apiV1)
	record.NewHandler(eng.store).RegisterRoutes(apiV1)
	provenance.NewHandler(provenance.NewService(eng.store)).RegisterRoutes(apiV1)
	review.NewHandler(eng.queue).RegisterRoutes(apiV1)
	webhook.NewHandler(eng.hooks).RegisterRoutes(apiV1)

	return e
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
