package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andresuchdata/videodub/internal/api"
	"github.com/andresuchdata/videodub/internal/artifacts"
	"github.com/andresuchdata/videodub/internal/cache"
	"github.com/andresuchdata/videodub/internal/collab"
	"github.com/andresuchdata/videodub/internal/config"
	"github.com/andresuchdata/videodub/internal/domain"
	"github.com/andresuchdata/videodub/internal/download"
	"github.com/andresuchdata/videodub/internal/jobs"
	"github.com/andresuchdata/videodub/internal/media"
	"github.com/andresuchdata/videodub/internal/metrics"
	"github.com/andresuchdata/videodub/internal/pipeline"
	"github.com/andresuchdata/videodub/internal/storage"
	"github.com/andresuchdata/videodub/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logger.SetLevel(cfg.Server.Mode)
	if cfg.Server.Mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
		logger.UseJSON()
	}

	if err := cfg.Validate(); err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Storage
	rec := metrics.NewProm("videodub")
	files := storage.NewFromConfig(ctx, cfg.Storage, rec)

	index, err := cache.NewArtifactIndex(cfg.Cache)
	if err != nil {
		logger.Log.Warn().Err(err).Msg("Artifact index unavailable, keeping it in memory")
		index = artifacts.NewMemoryIndex()
	}
	if closer, ok := index.(io.Closer); ok {
		defer closer.Close()
	}
	registry := artifacts.NewRegistry(files, index)

	// Pipeline
	store := jobs.NewStore()
	services := collab.NewFromConfig(cfg.Pipeline)
	pipelineCfg := pipeline.DefaultConfig()
	pipelineCfg.ScratchDir = cfg.Storage.TempDir
	pipelineCfg.MaxConcurrent = cfg.Pipeline.MaxConcurrentJobs

	osFs := afero.NewOsFs()
	worker := pipeline.NewWorker(pipeline.Deps{
		FS:          osFs,
		Files:       files,
		Artifacts:   registry,
		Tracker:     store,
		Media:       media.NewFFmpeg(cfg.Pipeline.FFmpegBinary, cfg.Pipeline.FFprobeBinary, osFs),
		Transcriber: services.Transcriber,
		Translator:  services.Translator,
		Synthesizer: services.Synthesizer,
		Separator:   services.Separator,
		Metrics:     rec,
	}, pipelineCfg)
	orchestrator := pipeline.NewOrchestrator(worker, pipelineCfg.MaxConcurrent)

	// Background retention sweep
	go storage.NewSweeper(files, cfg.Storage.SweepInterval()).Run(ctx)

	// Initialize HTTP server
	router := api.NewRouter(&api.Services{
		Jobs:     store,
		Registry: registry,
		Resolver: download.NewResolver(files, registry, cfg.Storage.SignedURLTTL()),
		Pipeline: orchestrator,
		Storage:  files,
		Defaults: domain.JobOptions{
			Language:        cfg.Pipeline.DefaultLanguage,
			SeparationModel: cfg.Pipeline.DefaultSeparation,
			Mode:            domain.ProcessingMode(cfg.Pipeline.DefaultMode),
			VocalBalance:    cfg.Pipeline.DefaultVocalBalance,
		},
		MaxUploadMB: cfg.Server.MaxFileSizeMB,
	}, cfg.Server.AllowedOrigins)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Log.Info().
			Str("port", cfg.Server.Port).
			Str("storage_backend", files.Backend().String()).
			Bool("storage_degraded", files.Degraded()).
			Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn().Err(err).Msg("Running jobs were cancelled")
	}
	stop()

	logger.Log.Info().Msg("Server exiting")
}
