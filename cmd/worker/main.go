package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/pixelnorm/internal/asset"
	"github.com/dunamismax/pixelnorm/internal/backend"
	"github.com/dunamismax/pixelnorm/internal/config"
	"github.com/dunamismax/pixelnorm/internal/diag"
	"github.com/dunamismax/pixelnorm/internal/pipeline"
	"github.com/dunamismax/pixelnorm/internal/storage"
	"github.com/dunamismax/pixelnorm/internal/store"
	"github.com/dunamismax/pixelnorm/internal/telemetry"
	"github.com/dunamismax/pixelnorm/internal/webhook"
	"github.com/dunamismax/pixelnorm/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger(telemetry.LogOptions{
		Level: cfg.Telemetry.LogLevel,
		JSON:  cfg.Telemetry.LogJSON,
	}).With("component", "worker")

	if err := run(cfg, logger); err != nil {
		logger.Error("worker failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Telemetry.ServiceName,
		Exporter:     cfg.Telemetry.TraceExporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("trace shutdown failed", "err", err)
		}
	}()

	pol, warnings, err := config.LoadPolicy(cfg.Normalize.PolicyFile)
	if err != nil {
		return err
	}
	diag.Log(logger, warnings)
	if pol.Base.UseWebp && !backend.SupportsWebp() {
		logger.Warn("this build cannot write webp, disabling useWebp in the base policy")
		pol.Base.UseWebp = false
	}

	if err := backend.Startup(); err != nil {
		return err
	}
	defer backend.Shutdown()

	records, err := store.NewPostgresAssetStore(ctx, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := records.Close(); err != nil {
			logger.Warn("asset store close failed", "err", err)
		}
	}()

	content, err := openContent(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	deps := worker.Deps{
		Records: records,
		Content: content,
		Logs:    records,
		Pipeline: pipeline.Config{
			Base:       pol.Base,
			Folders:    pol.Folders,
			Relations:  pol.Relations,
			Registry:   pol.Registry(),
			Provider:   backend.NewProvider(),
			ArchiveDir: cfg.Normalize.ArchiveDir,
			TempDir:    cfg.Normalize.TempDir,
			Verbose:    cfg.Normalize.Verbose,
		},
		WebhookURL: cfg.Webhook.URL,
	}
	if cfg.Webhook.URL != "" || cfg.Webhook.SigningSecret != "" {
		deps.Webhook = webhook.NewClient(webhook.Config{
			SigningSecret:  cfg.Webhook.SigningSecret,
			Timeout:        cfg.Webhook.Timeout,
			MaxAttempts:    cfg.Webhook.MaxAttempts,
			InitialBackoff: cfg.Webhook.InitialBackoff,
			MaxBackoff:     cfg.Webhook.MaxBackoff,
		})
	}

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, deps)
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           metricsMux(srv),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "addr", cfg.Worker.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "err", err)
		}
	}()

	logger.Info(
		"starting worker",
		"concurrency", cfg.Worker.Concurrency,
		"max_active_runs", cfg.Worker.MaxActiveRuns,
		"queue", cfg.Queue.Name,
		"redis", cfg.Queue.RedisAddr,
		"content", cfg.Storage.Content,
	)

	// Run returns once asynq has drained after SIGINT or SIGTERM.
	err = srv.Run()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown failed", "err", err)
	}
	return err
}

func openContent(ctx context.Context, cfg config.StorageConfig) (asset.Content, error) {
	if cfg.Content == config.ContentLocal {
		return asset.LocalContent{Root: cfg.LocalRoot}, nil
	}
	client, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Endpoint,
		Access:   cfg.AccessKey,
		Secret:   cfg.SecretKey,
		Bucket:   cfg.Bucket,
		Prefix:   cfg.Prefix,
		UseSSL:   cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	if err := client.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

func metricsMux(srv *worker.Server) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", srv.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
