package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/patientflow/internal/config"
	"github.com/ehr/patientflow/internal/domain/patient"
	"github.com/ehr/patientflow/internal/platform/db"
	"github.com/ehr/patientflow/internal/platform/middleware"
	"github.com/ehr/patientflow/internal/platform/outbox"
	"github.com/ehr/patientflow/internal/platform/telemetry"
	"github.com/ehr/patientflow/migrations"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, and the outbox relay when RELAY_ENABLED is set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func newServer(cfg *config.Config, st *stores, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(telemetry.TracingMiddleware(nil))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "store": cfg.StoreDriver})
	})
	if st.pool != nil {
		checks := map[string]db.Check{"postgres": db.PingCheck(st.pool)}
		if m, err := db.NewMigrator(st.pool, migrations.FS, cfg.DBSchema); err != nil {
			logger.Warn().Err(err).Msg("schema readiness check disabled")
		} else {
			checks["schema"] = db.SchemaCheck(m)
		}
		e.GET("/health/db", db.ReadinessHandler(logger, 5*time.Second, checks))
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1",
		middleware.BodyLimit(cfg.HTTPBodyLimit),
		middleware.RequestTimeout(cfg.HTTPRequestTimeout),
	)
	patient.NewHandler(patient.NewService(st.patients, st.outbox, st.tx)).RegisterRoutes(api)
	outbox.NewHandler(st.outbox).RegisterRoutes(api)

	return e
}

func runServe() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()
	defer setupTracing(ctx, cfg, "patientflow", logger)()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var wg sync.WaitGroup
	if cfg.Relay.Enabled {
		down, err := openDownstreams(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer down.Close()

		relay := outbox.NewRelay(st.outbox, down.billing, down.events, relayConfig(cfg.Relay), logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay.Start(ctx)
		}()
	} else {
		logger.Info().Msg("outbox relay disabled in this process")
	}

	e := newServer(cfg, st, logger)
	addr := ":" + cfg.Port
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("starting HTTP server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-serveErr:
		stop()
		wg.Wait()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	wg.Wait()
	logger.Info().Msg("server stopped")
	return nil
}
