package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/pixelnorm/internal/asset"
	"github.com/dunamismax/pixelnorm/internal/backend"
	"github.com/dunamismax/pixelnorm/internal/config"
	"github.com/dunamismax/pixelnorm/internal/diag"
	"github.com/dunamismax/pixelnorm/internal/domain"
	"github.com/dunamismax/pixelnorm/internal/pipeline"
	"github.com/dunamismax/pixelnorm/internal/policy"
	"github.com/dunamismax/pixelnorm/internal/queue"
	"github.com/dunamismax/pixelnorm/internal/store"
	"github.com/dunamismax/pixelnorm/internal/webhook"
)

type Server struct {
	logger        *slog.Logger
	server        *asynq.Server
	sem           chan struct{}
	records       asset.Records
	content       asset.Content
	logs          store.LogStore
	normalizer    *pipeline.Normalizer
	dryRunner     *pipeline.Normalizer
	webhookClient webhookSender
	webhookURL    string
	metrics       *metrics
	tracer        trace.Tracer
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Deps are the collaborators a worker runs against.
type Deps struct {
	Records  asset.Records
	Content  asset.Content
	Logs     store.LogStore
	Pipeline pipeline.Config
	Webhook  webhookSender
	// WebhookURL is used when a task does not name its own endpoint.
	WebhookURL string
}

func NewServer(logger *slog.Logger, queueCfg config.QueueConfig, workerCfg config.WorkerConfig, deps Deps) (*Server, error) {
	if deps.Records == nil || deps.Content == nil {
		return nil, fmt.Errorf("asset records and content store are required")
	}

	s, err := newServer(logger, workerCfg, deps)
	if err != nil {
		return nil, err
	}
	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Error("task failed", "type", task.Type(), "retry", retried, "max_retry", maxRetry, "err", err)
			}),
		},
	)
	return s, nil
}

func newServer(logger *slog.Logger, workerCfg config.WorkerConfig, deps Deps) (*Server, error) {
	pcfg := deps.Pipeline
	pcfg.Logger = logger
	pcfg.DryRun = false
	normalizer, err := pipeline.NewNormalizer(pcfg)
	if err != nil {
		return nil, fmt.Errorf("initialize normalizer: %w", err)
	}
	pcfg.DryRun = true
	dryRunner, err := pipeline.NewNormalizer(pcfg)
	if err != nil {
		return nil, fmt.Errorf("initialize dry-run normalizer: %w", err)
	}

	return &Server{
		logger:        logger,
		sem:           make(chan struct{}, max(1, workerCfg.MaxActiveRuns)),
		records:       deps.Records,
		content:       deps.Content,
		logs:          deps.Logs,
		normalizer:    normalizer,
		dryRunner:     dryRunner,
		webhookClient: deps.Webhook,
		webhookURL:    deps.WebhookURL,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("pixelnorm/worker"),
	}, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeNormalizeAsset, s.handleNormalizeAsset)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	if s.server != nil {
		s.server.Shutdown()
	}
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleNormalizeAsset(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseNormalizeAssetPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.normalize_asset", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("asset.id", payload.AssetID),
		attribute.Bool("dry_run", payload.DryRun),
		attribute.Int("overrides", len(payload.Overrides)),
	)
	defer span.End()

	s.sem <- struct{}{}
	s.metrics.activeRuns.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeRuns.Dec()
	}()

	h, err := asset.Load(ctx, s.records, s.content, payload.AssetID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load asset")
		if errors.Is(err, domain.ErrAssetNotFound) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	adhoc, warnings := policy.ParseOverride("task "+payload.AssetID, payload.Overrides)
	diag.Log(s.logger, warnings)

	n := s.normalizer
	if payload.DryRun {
		n = s.dryRunner
	}
	s.logger.Info("normalizing", "asset_id", payload.AssetID, "filename", h.Filename(), "dry_run", payload.DryRun)
	res := n.Run(ctx, h, adhoc)
	res.Warnings = append(warnings, res.Warnings...)

	s.metrics.observe(res)
	s.recordLog(ctx, res)

	event := webhook.EventAssetNormalized
	switch res.State {
	case pipeline.StateFailed:
		event = webhook.EventAssetFailed
	case pipeline.StateSkipped:
		event = webhook.EventAssetSkipped
	}
	hookErr := s.dispatchWebhook(ctx, payload, event, eventBody(payload, res))

	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "normalize failed")
		err := fmt.Errorf("normalize %s: %w", payload.AssetID, res.Err)
		if permanent(res.Err) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
	if hookErr != nil {
		span.RecordError(hookErr)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return hookErr
	}

	span.SetStatus(codes.Ok, res.State.String())
	return nil
}

// permanent reports failures that a retry cannot fix. Content missing from
// the store counts: the record points at nothing until someone re-uploads.
func permanent(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, backend.ErrNoBackend) ||
		errors.Is(err, backend.ErrUnsupportedFormat) ||
		errors.Is(err, pipeline.ErrNoFilename)
}

func eventBody(payload queue.NormalizeAssetPayload, res pipeline.Result) map[string]any {
	body := map[string]any{
		"asset_id":     res.AssetID,
		"state":        res.State.String(),
		"filename":     res.Filename,
		"format":       res.Format,
		"width":        res.Width,
		"height":       res.Height,
		"size":         res.Size,
		"bytes_saved":  res.BytesSaved(),
		"iterations":   res.Iterations,
		"dry_run":      res.DryRun,
		"requested_at": payload.RequestedAt,
		"finished_at":  time.Now().UTC(),
	}
	if res.SkipReason != "" {
		body["skip_reason"] = res.SkipReason
	}
	if res.Err != nil {
		body["error"] = res.Err.Error()
	}
	if len(res.Warnings) > 0 {
		warnings := make([]string, 0, len(res.Warnings))
		for _, w := range res.Warnings {
			warnings = append(warnings, w.String())
		}
		body["warnings"] = warnings
	}
	return body
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.NormalizeAssetPayload, event string, body map[string]any) error {
	endpoint := strings.TrimSpace(payload.WebhookURL)
	if endpoint == "" {
		endpoint = s.webhookURL
	}
	if endpoint == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Send(ctx, endpoint, event, body); err != nil {
		s.logger.Warn("webhook delivery failed", "asset_id", payload.AssetID, "event", event, "err", err)
		return fmt.Errorf("dispatch webhook: %w", err)
	}
	return nil
}

// recordLog persists the outcome of every run that got past the gate.
func (s *Server) recordLog(ctx context.Context, res pipeline.Result) {
	if s.logs == nil || res.State == pipeline.StateSkipped {
		return
	}

	durationMS := res.Duration.Milliseconds()
	if durationMS < 1 {
		durationMS = 1
	}

	entry := domain.NormalizationLog{
		AssetID:       res.AssetID,
		State:         res.State.String(),
		Format:        res.Format,
		Width:         res.Width,
		Height:        res.Height,
		OriginalBytes: res.OriginalSize,
		FinalBytes:    res.Size,
		BytesSaved:    res.BytesSaved(),
		Iterations:    res.Iterations,
		DurationMS:    durationMS,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.logs.CreateNormalizationLog(ctx, entry); err != nil {
		s.logger.Warn("normalization log write failed", "asset_id", res.AssetID, "err", err)
	}
}
