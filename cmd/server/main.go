// Package main is the entry point for the strategic asset allocation service.
// It serves the three-layer optimizer over HTTP and exports workbook reports
// to S3-compatible object storage.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/saa/internal/clients/objectstore"
	"github.com/aristath/saa/internal/clients/webhook"
	"github.com/aristath/saa/internal/config"
	"github.com/aristath/saa/internal/marketdata"
	"github.com/aristath/saa/internal/metrics"
	"github.com/aristath/saa/internal/modules/jobs"
	"github.com/aristath/saa/internal/modules/optimization/handlers"
	"github.com/aristath/saa/internal/modules/pipeline"
	"github.com/aristath/saa/internal/server"
	"github.com/aristath/saa/pkg/logger"
	"github.com/rs/zerolog"
)

// cleanupSchedule prunes finished generate jobs every five minutes
const cleanupSchedule = "0 */5 * * * *"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting SAA optimizer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A missing default dataset is not fatal: requests may carry market_data inline
	dataset := loadDataset(cfg, log)

	registry := metrics.NewRegistry(log)
	service := pipeline.NewService(dataset, cfg.Engine, cfg.Workers, registry, log)

	var store jobs.Uploader
	if cfg.Storage.Enabled() {
		client, err := objectstore.NewClient(ctx, cfg.Storage, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create object storage client")
		}
		store = client
	} else {
		log.Warn().Msg("S3_BUCKET not set, /generate is disabled")
	}

	jobRegistry := jobs.NewRegistry(registry, log)
	generator := jobs.NewGenerator(
		service,
		store,
		webhook.NewClient(cfg.WebhookTimeout, log),
		jobRegistry,
		registry,
		log,
	)

	scheduler := jobs.NewScheduler(registry, log)
	if err := scheduler.AddJob(cleanupSchedule, jobs.NewCleanupJob(jobRegistry, cfg.JobRetention, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule job cleanup")
	}
	scheduler.Start()

	srv := server.New(server.Config{
		Log:            log,
		Port:           cfg.Port,
		DevMode:        cfg.DevMode,
		RequestTimeout: cfg.RequestTimeout,
		Optimization:   handlers.NewHandler(service, generator, log),
		Metrics:        registry,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := generator.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Generate jobs cancelled during shutdown")
	}

	log.Info().Msg("Server stopped")
}

func loadDataset(cfg *config.Config, log zerolog.Logger) *marketdata.Dataset {
	md, err := marketdata.NewLoader(log).LoadFile(cfg.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("No default market data; requests must supply market_data")
		return nil
	}

	ds, err := marketdata.NewPreparer(cfg.Engine.MinEigenvalue, log).Prepare(md)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DataPath).Msg("Default market data is invalid")
	}
	for _, w := range ds.Warnings {
		log.Warn().Str("kind", string(w.Kind)).Str("stage", w.Stage).Msg(w.Message)
	}
	return ds
}
