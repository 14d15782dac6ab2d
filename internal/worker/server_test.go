package worker

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/pixelnorm/internal/asset"
	"github.com/dunamismax/pixelnorm/internal/backend"
	"github.com/dunamismax/pixelnorm/internal/config"
	"github.com/dunamismax/pixelnorm/internal/domain"
	"github.com/dunamismax/pixelnorm/internal/pipeline"
	"github.com/dunamismax/pixelnorm/internal/policy"
	"github.com/dunamismax/pixelnorm/internal/queue"
	"github.com/dunamismax/pixelnorm/internal/store"
	"github.com/dunamismax/pixelnorm/internal/webhook"
)

type fixture struct {
	server  *Server
	records *store.MemoryAssetStore
	root    string
	hooks   *captureWebhook
}

func newFixture(t *testing.T, base policy.Policy) *fixture {
	t.Helper()

	root := t.TempDir()
	records := store.NewMemoryAssetStore()
	hooks := &captureWebhook{}
	s, err := newServer(slog.New(slog.NewTextHandler(io.Discard, nil)), config.WorkerConfig{MaxActiveRuns: 1}, Deps{
		Records: records,
		Content: asset.LocalContent{Root: root},
		Logs:    records,
		Pipeline: pipeline.Config{
			Base:       base,
			Provider:   backend.StdProvider{},
			TempDir:    t.TempDir(),
			ArchiveDir: t.TempDir(),
		},
		Webhook:    hooks,
		WebhookURL: "http://hooks.local/pixelnorm",
	})
	if err != nil {
		t.Fatalf("newServer returned error: %v", err)
	}
	return &fixture{server: s, records: records, root: root, hooks: hooks}
}

func (f *fixture) seedPNG(t *testing.T, name string, w, h int) domain.AssetRecord {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 64, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	path := filepath.Join(f.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write png: %v", err)
	}
	rec, err := asset.RecordForFile(f.root, path)
	if err != nil {
		t.Fatalf("RecordForFile returned error: %v", err)
	}
	if err := f.records.SaveAsset(context.Background(), rec); err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	return rec
}

func task(t *testing.T, payload queue.NormalizeAssetPayload) *asynq.Task {
	t.Helper()
	if payload.RequestedAt.IsZero() {
		payload.RequestedAt = time.Now().UTC()
	}
	tk, err := queue.NewNormalizeAssetTask(payload)
	if err != nil {
		t.Fatalf("NewNormalizeAssetTask returned error: %v", err)
	}
	return tk
}

func pngPolicy() policy.Policy {
	return policy.Policy{MaxWidth: 64, Quality: 0.9, QualityStepDecrement: 0.05}
}

func TestHandleNormalizeAssetCommitsAndLogs(t *testing.T) {
	f := newFixture(t, pngPolicy())
	rec := f.seedPNG(t, "gallery/wide.png", 128, 32)

	if err := f.server.handleNormalizeAsset(context.Background(), task(t, queue.NormalizeAssetPayload{AssetID: rec.ID})); err != nil {
		t.Fatalf("handleNormalizeAsset returned error: %v", err)
	}

	stored, _, _ := f.records.GetAsset(context.Background(), rec.ID)
	if stored.Width != 64 || stored.Height != 16 {
		t.Fatalf("expected 64x16 after normalize, got %dx%d", stored.Width, stored.Height)
	}

	logs := f.records.NormalizationLogs()
	if len(logs) != 1 {
		t.Fatalf("expected one normalization log, got %d", len(logs))
	}
	if logs[0].State != pipeline.StateCommitted.String() {
		t.Fatalf("expected committed log, got %s", logs[0].State)
	}
	if logs[0].DurationMS < 1 {
		t.Fatalf("expected duration_ms to be at least 1, got %d", logs[0].DurationMS)
	}

	if len(f.hooks.events) != 1 || f.hooks.events[0] != webhook.EventAssetNormalized {
		t.Fatalf("expected one %s webhook, got %v", webhook.EventAssetNormalized, f.hooks.events)
	}
	if f.hooks.endpoint != "http://hooks.local/pixelnorm" {
		t.Fatalf("expected default webhook endpoint, got %q", f.hooks.endpoint)
	}
}

func TestHandleNormalizeAssetAppliesOverridesAndDryRun(t *testing.T) {
	f := newFixture(t, pngPolicy())
	rec := f.seedPNG(t, "gallery/wide.png", 128, 32)

	err := f.server.handleNormalizeAsset(context.Background(), task(t, queue.NormalizeAssetPayload{
		AssetID:    rec.ID,
		Overrides:  map[string]any{"max_width": 32, "colour": "red"},
		DryRun:     true,
		WebhookURL: "http://hooks.local/custom",
	}))
	if err != nil {
		t.Fatalf("handleNormalizeAsset returned error: %v", err)
	}

	stored, _, _ := f.records.GetAsset(context.Background(), rec.ID)
	if stored.Width != 128 {
		t.Fatalf("dry run must not change the asset, width=%d", stored.Width)
	}
	if f.hooks.endpoint != "http://hooks.local/custom" {
		t.Fatalf("expected task webhook endpoint, got %q", f.hooks.endpoint)
	}
	warnings, _ := f.hooks.bodies[0]["warnings"].([]string)
	if len(warnings) == 0 {
		t.Fatal("expected the invalid override to be reported")
	}
	if f.hooks.bodies[0]["dry_run"] != true {
		t.Fatal("expected dry_run in webhook body")
	}
}

func TestHandleNormalizeAssetSkipsWithoutLog(t *testing.T) {
	f := newFixture(t, pngPolicy())
	rec := f.seedPNG(t, "gallery/small.png", 16, 16)

	if err := f.server.handleNormalizeAsset(context.Background(), task(t, queue.NormalizeAssetPayload{AssetID: rec.ID})); err != nil {
		t.Fatalf("handleNormalizeAsset returned error: %v", err)
	}
	if n := len(f.records.NormalizationLogs()); n != 0 {
		t.Fatalf("expected no log for skipped asset, got %d", n)
	}
	if f.hooks.events[0] != webhook.EventAssetSkipped {
		t.Fatalf("expected %s, got %s", webhook.EventAssetSkipped, f.hooks.events[0])
	}
}

func TestHandleNormalizeAssetUnknownAssetSkipsRetry(t *testing.T) {
	f := newFixture(t, pngPolicy())

	err := f.server.handleNormalizeAsset(context.Background(), task(t, queue.NormalizeAssetPayload{AssetID: "missing.png"}))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	if !errors.Is(err, domain.ErrAssetNotFound) {
		t.Fatalf("expected ErrAssetNotFound, got %v", err)
	}
}

func TestHandleNormalizeAssetRejectsMalformedPayload(t *testing.T) {
	f := newFixture(t, pngPolicy())

	err := f.server.handleNormalizeAsset(context.Background(), asynq.NewTask(queue.TypeNormalizeAsset, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func TestHandleNormalizeAssetUndecodableContentFails(t *testing.T) {
	f := newFixture(t, pngPolicy())
	path := filepath.Join(f.root, "broken.png")
	if err := os.WriteFile(path, []byte("not a png"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rec := domain.AssetRecord{ID: "broken.png", Filename: "broken.png", Width: 500, Height: 500, Size: 9}
	if err := f.records.SaveAsset(context.Background(), rec); err != nil {
		t.Fatalf("seed asset: %v", err)
	}

	err := f.server.handleNormalizeAsset(context.Background(), task(t, queue.NormalizeAssetPayload{AssetID: rec.ID}))
	if !errors.Is(err, asynq.SkipRetry) || !errors.Is(err, backend.ErrNoBackend) {
		t.Fatalf("expected permanent backend failure, got %v", err)
	}
	if f.hooks.events[0] != webhook.EventAssetFailed {
		t.Fatalf("expected %s, got %s", webhook.EventAssetFailed, f.hooks.events[0])
	}
	logs := f.records.NormalizationLogs()
	if len(logs) != 1 || logs[0].State != pipeline.StateFailed.String() {
		t.Fatalf("expected one failed log, got %+v", logs)
	}
}

func TestHandleNormalizeAssetMissingContentSkipsRetry(t *testing.T) {
	f := newFixture(t, pngPolicy())
	rec := domain.AssetRecord{ID: "gone", Filename: "uploads/gone.png", Width: 500, Height: 500, Size: 4096}
	if err := f.records.SaveAsset(context.Background(), rec); err != nil {
		t.Fatalf("seed asset: %v", err)
	}

	err := f.server.handleNormalizeAsset(context.Background(), task(t, queue.NormalizeAssetPayload{AssetID: rec.ID}))
	if !errors.Is(err, asynq.SkipRetry) || !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected permanent missing-content failure, got %v", err)
	}
}

func TestMetricsObserveResult(t *testing.T) {
	m := newMetrics()
	m.observe(pipeline.Result{
		State:        pipeline.StateCommitted,
		Mutated:      true,
		OriginalSize: 1_000,
		Size:         400,
		Iterations:   3,
		Duration:     20 * time.Millisecond,
	})
	m.observe(pipeline.Result{State: pipeline.StateSkipped})

	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var saved float64
	runs := map[string]float64{}
	for _, mf := range families {
		switch mf.GetName() {
		case "pixelnorm_bytes_saved_total":
			saved = mf.GetMetric()[0].GetCounter().GetValue()
		case "pixelnorm_worker_runs_total":
			for _, metric := range mf.GetMetric() {
				runs[metric.GetLabel()[0].GetValue()] = metric.GetCounter().GetValue()
			}
		}
	}
	if saved != 600 {
		t.Fatalf("expected 600 bytes saved, got %v", saved)
	}
	if runs["committed"] != 1 || runs["skipped"] != 1 {
		t.Fatalf("unexpected run counts %v", runs)
	}
}

type captureWebhook struct {
	endpoint string
	events   []string
	bodies   []map[string]any
}

func (c *captureWebhook) Send(_ context.Context, endpoint, event string, payload any) error {
	c.endpoint = endpoint
	c.events = append(c.events, event)
	body, _ := payload.(map[string]any)
	c.bodies = append(c.bodies, body)
	return nil
}
