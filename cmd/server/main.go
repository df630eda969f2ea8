// Package main is the entrypoint for the invoice processing API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fdemirciler/AI-invoice-processing/internal/api"
	"github.com/fdemirciler/AI-invoice-processing/internal/blob"
	"github.com/fdemirciler/AI-invoice-processing/internal/clock"
	"github.com/fdemirciler/AI-invoice-processing/internal/config"
	"github.com/fdemirciler/AI-invoice-processing/internal/engine"
	"github.com/fdemirciler/AI-invoice-processing/internal/gcp"
	"github.com/fdemirciler/AI-invoice-processing/internal/llm"
	"github.com/fdemirciler/AI-invoice-processing/internal/ocr"
	"github.com/fdemirciler/AI-invoice-processing/internal/orchestration"
	"github.com/fdemirciler/AI-invoice-processing/internal/ratelimit"
	"github.com/fdemirciler/AI-invoice-processing/internal/retention"
	"github.com/fdemirciler/AI-invoice-processing/internal/store"
	"github.com/fdemirciler/AI-invoice-processing/internal/tasks"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "bucket", cfg.GCP.Bucket, "emulate", cfg.Tasks.Emulate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.System{}
	workerID := workerIdentity()

	// GCP clients.
	fsClient, err := gcp.NewFirestoreClient(ctx, cfg.GCP.Project, cfg.GCP.FirestoreDatabaseID)
	if err != nil {
		return err
	}
	defer fsClient.Close()

	storageClient, err := gcp.NewStorageClient(ctx)
	if err != nil {
		return err
	}
	defer storageClient.Close()

	visionClient, err := gcp.NewVisionClient(ctx)
	if err != nil {
		return err
	}
	defer visionClient.Close()

	// Core collaborators.
	blobs := blob.NewGateway(storageClient, cfg.GCP.Bucket)
	jobStore := store.New(fsClient, clk)
	limiter := ratelimit.New(ratelimit.NewFirestoreCounterStore(fsClient), clk, cfg.RateLimit)

	primary, err := llm.NewGemini(ctx, cfg.GCP.Project, cfg.GCP.Region, cfg.LLM.GeminiModel, cfg.LLM.CallTimeout, cfg.LLM.MaxRetries)
	if err != nil {
		return fmt.Errorf("create primary LLM: %w", err)
	}
	defer primary.Close()

	var fallback llm.Extractor
	if cfg.LLM.AnthropicAPIKey != "" {
		fallback, err = llm.NewAnthropic(cfg.LLM.AnthropicAPIKey, cfg.LLM.AnthropicModel, cfg.LLM.CallTimeout, cfg.LLM.MaxRetries)
		if err != nil {
			return fmt.Errorf("create fallback LLM: %w", err)
		}
	} else {
		slog.Warn("no fallback LLM configured")
	}

	ocrClient := ocr.NewClient(visionClient, blobs, cfg.OCR.LangHints)

	eng := engine.New(workerID, jobStore, blobs, ocrClient, primary, fallback, clk, engine.Config{
		OCRSyncMaxPages:   cfg.OCR.SyncMaxPages,
		OCRStageTimeout:   cfg.OCR.StageTimeout,
		HeartbeatInterval: cfg.Lifecycle.HeartbeatInterval,
		StaleThreshold:    cfg.StaleThreshold(),
		SanitizeMaxChars:  cfg.Sanitize.MaxChars,
		SanitizeStripTop:  cfg.Sanitize.StripTop,
		SanitizeStripBot:  cfg.Sanitize.StripBottom,
	})

	// Dispatcher: emulation for local development; Cloud Tasks otherwise,
	// with the emulated path as transient-failure fallback.
	emulated := tasks.NewEmulated(eng, cfg.Lifecycle.AttemptBudget)
	var dispatcher tasks.Dispatcher = emulated
	if !cfg.Tasks.Emulate {
		tasksClient, err := gcp.NewCloudTasksClient(ctx)
		if err != nil {
			return err
		}
		defer tasksClient.Close()
		dispatcher = tasks.NewCloudTasks(tasksClient, tasks.CloudTasksConfig{
			Project:             cfg.GCP.Project,
			Region:              cfg.GCP.Region,
			Queue:               cfg.Tasks.Queue,
			TargetURL:           cfg.Tasks.TargetURL,
			ServiceAccountEmail: cfg.Tasks.ServiceAccountEmail,
			AttemptBudget:       cfg.Lifecycle.AttemptBudget,
		}, emulated)
	}

	svc := orchestration.New(cfg, jobStore, blobs, dispatcher, limiter, clk)

	if cfg.Retention.LoopEnable {
		sweeper := retention.New(svc,
			time.Duration(cfg.Retention.Hours)*time.Hour,
			cfg.Retention.LoopInterval,
			cfg.Retention.BatchSize)
		sweeper.Start()
		defer sweeper.Stop()
	}

	handler := api.New(cfg, svc, eng, api.OIDCVerifier{})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", srv.Addr, "workerId", workerID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// workerIdentity names this process for lock ownership and logs.
func workerIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, clock.NewID()[:8])
}
