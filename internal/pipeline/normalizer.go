// Package pipeline normalizes a single asset: it resolves the effective
// policy, gates the asset, and runs the convert, resize, compress and commit
// stages against an image backend.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/pixelnorm/internal/asset"
	"github.com/dunamismax/pixelnorm/internal/backend"
	"github.com/dunamismax/pixelnorm/internal/diag"
	"github.com/dunamismax/pixelnorm/internal/match"
	"github.com/dunamismax/pixelnorm/internal/policy"
	"github.com/dunamismax/pixelnorm/internal/relation"
)

const DefaultArchiveDir = ".original_assets"

var ErrNoFilename = errors.New("asset has no filename")

type Config struct {
	Base      policy.Policy
	Folders   policy.Rules
	Relations policy.Rules
	// Registry maps owning records to relation rule keys. It is only
	// consulted when Relations is non-empty.
	Registry *relation.Lazy
	Provider backend.Provider

	ArchiveDir string
	TempDir    string
	DryRun     bool
	Verbose    bool
	Logger     *slog.Logger
}

// Normalizer is safe for concurrent use. Each Run works on its own session
// and never changes the configured base policy.
type Normalizer struct {
	cfg     Config
	matcher *match.Matcher
	logger  *slog.Logger
	tracer  trace.Tracer
}

func NewNormalizer(cfg Config) (*Normalizer, error) {
	if cfg.Provider == nil {
		return nil, errors.New("image backend provider is required")
	}
	if strings.TrimSpace(cfg.ArchiveDir) == "" {
		cfg.ArchiveDir = DefaultArchiveDir
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.DryRun {
		cfg.Verbose = true
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		cfg:     cfg,
		matcher: match.NewMatcher(),
		logger:  logger.With("component", "normalizer"),
		tracer:  otel.Tracer("github.com/dunamismax/pixelnorm/internal/pipeline"),
	}, nil
}

// Run normalizes h under the configured policy with adhoc applied last.
func (n *Normalizer) Run(ctx context.Context, h asset.Handle, adhoc policy.Override) Result {
	started := time.Now()
	res := Result{
		AssetID:      h.ID(),
		DryRun:       n.cfg.DryRun,
		Filename:     h.Filename(),
		Format:       h.Extension(),
		Width:        h.Width(),
		Height:       h.Height(),
		Size:         h.AbsoluteSize(),
		OriginalSize: h.AbsoluteSize(),
	}
	ctx, span := n.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("asset.id", h.ID()),
		attribute.String("asset.filename", h.Filename()),
		attribute.Bool("dry_run", n.cfg.DryRun),
	))
	defer func() {
		res.Duration = time.Since(started)
		span.SetAttributes(
			attribute.String("pipeline.state", res.State.String()),
			attribute.Bool("pipeline.mutated", res.Mutated),
		)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
		span.End()
	}()

	log := n.logger.With("asset_id", h.ID(), "filename", h.Filename())
	if strings.TrimSpace(h.Filename()) == "" {
		res.fail(diag.KindStorage, ErrNoFilename)
		return res
	}

	p, tok := n.resolve(ctx, h, adhoc, &res)
	sess := &session{
		policy:   p,
		token:    tok,
		tempDir:  n.cfg.TempDir,
		origName: h.Filename(),
		wasLive:  h.IsPublished() && !h.IsModifiedOnDraft(),
	}
	defer func() {
		if err := sess.close(); err != nil {
			res.warn(diag.New(diag.KindFilesystem, h.ID(), err))
		}
		diag.Log(log, res.Warnings)
	}()

	if reason, skip := n.gate(h, p, &res); skip {
		res.SkipReason = reason
		res.advance(StateSkipped, false, reason)
		n.logf(ctx, log, "skipping", "reason", reason)
		return res
	}

	res.Needs = Evaluate(h, p)
	if !res.Needs.Any() && !p.ForceTransform {
		res.SkipReason = "no need to resize or convert"
		res.advance(StateSkipped, false, res.SkipReason)
		n.logf(ctx, log, res.SkipReason)
		return res
	}

	n.process(ctx, log, h, sess, &res)
	res.Filename = h.Filename()
	res.Format = h.Extension()
	res.Width, res.Height = h.Width(), h.Height()
	res.Size = h.AbsoluteSize()
	if res.State == StateCommitted || res.State == StateCompressed {
		log.Info("asset normalized",
			"state", res.State.String(),
			"mutated", res.Mutated,
			"dry_run", res.DryRun,
			"size", humanize.Bytes(uint64(max(res.Size, 0))),
			"saved", humanize.Bytes(uint64(res.BytesSaved())),
		)
	}
	return res
}

// resolve derives the effective policy for h. Relation rules are only
// looked up when some are configured.
func (n *Normalizer) resolve(ctx context.Context, h asset.Handle, adhoc policy.Override, res *Result) (policy.Policy, *policy.Token) {
	var relationKey string
	if len(n.cfg.Relations) > 0 && n.cfg.Registry != nil {
		reg, warnings := n.cfg.Registry.Get()
		res.warn(warnings...)
		key, ok, warnings := relation.ResolveKey(ctx, h, reg)
		res.warn(warnings...)
		if ok {
			relationKey = key
		}
	}
	res.RelationKey = relationKey
	p, tok := policy.Resolve(n.cfg.Base, n.cfg.Folders, n.cfg.Relations, policy.FolderKey(h.Filename()), relationKey, adhoc)
	res.Policy = p.Clone()
	return p, tok
}

func (n *Normalizer) gate(h asset.Handle, p policy.Policy, res *Result) (string, bool) {
	if p.Bypass {
		return "bypass", true
	}
	if !h.IsImage() {
		return "not an image", true
	}
	pattern, skip, errs := n.matcher.Skip(h.Filename(), p.PatternsToSkip)
	for _, err := range errs {
		res.warn(diag.Config(h.ID(), "%v", err))
	}
	if skip {
		return "matches skip pattern " + pattern, true
	}
	return "", false
}

func (n *Normalizer) process(ctx context.Context, log *slog.Logger, h asset.Handle, sess *session, res *Result) {
	if err := n.stage(ctx, "load", func(ctx context.Context) error { return n.load(ctx, h, sess) }); err != nil {
		res.fail(diag.KindBackend, fmt.Errorf("cannot load backend: %w", err))
		return
	}
	res.advance(StateBackendLoaded, false, sess.backend.Format())

	steps := []struct {
		name string
		kind diag.Kind
		run  func(context.Context) (Stage, error)
	}{
		{"convert", diag.KindConversion, func(ctx context.Context) (Stage, error) { return n.convert(ctx, log, h, sess, res) }},
		{"resize", diag.KindBackend, func(ctx context.Context) (Stage, error) { return n.resize(ctx, log, h, sess) }},
		{"compress", diag.KindBackend, func(ctx context.Context) (Stage, error) { return n.compress(ctx, log, h, sess, res) }},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			n.abort(ctx, h, sess, res, diag.KindStorage, err)
			return
		}
		var st Stage
		err := n.stage(ctx, step.name, func(ctx context.Context) error {
			var err error
			st, err = step.run(ctx)
			return err
		})
		if err != nil {
			n.abort(ctx, h, sess, res, step.kind, fmt.Errorf("%s: %w", step.name, err))
			return
		}
		res.advance(st.State, st.Mutated, st.Note)
	}

	commit := res.Mutated || sess.policy.ForceTransform
	if n.cfg.DryRun {
		// report the commit a real run would have made
		commit = res.Needs.Any() || sess.policy.ForceTransform
	}
	if !commit {
		return
	}
	if n.cfg.DryRun {
		n.logf(ctx, log, "would write normalized asset")
		res.advance(StateCommitted, false, "dry run")
		return
	}
	if err := n.stage(ctx, "commit", func(ctx context.Context) error { return n.commit(ctx, h, sess) }); err != nil {
		n.abort(ctx, h, sess, res, diag.KindStorage, fmt.Errorf("commit: %w", err))
		return
	}
	res.advance(StateCommitted, true, h.Filename())
}

// abort fails the run and puts back whatever earlier stages already stored.
func (n *Normalizer) abort(ctx context.Context, h asset.Handle, sess *session, res *Result, kind diag.Kind, err error) {
	res.fail(kind, err)
	if rerr := rollback(context.WithoutCancel(ctx), h, sess); rerr != nil {
		res.warn(diag.New(diag.KindStorage, h.ID(), fmt.Errorf("restore original asset: %w", rerr)))
	}
}

// rollback stores the source bytes under the original name again and, when
// the record was already saved, saves and republishes it as it was.
func rollback(ctx context.Context, h asset.Handle, sess *session) error {
	if !sess.stored && !sess.saved {
		return nil
	}
	var errs []error
	if h.Filename() != sess.origName {
		if err := h.DeleteFile(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.SetFromBytes(ctx, sess.source, sess.origName); err != nil {
		return errors.Join(append(errs, err)...)
	}
	if sess.saved {
		if err := h.Write(ctx); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if sess.wasLive {
			if err := h.PublishSingle(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	sess.stored, sess.saved = false, false
	return errors.Join(errs...)
}

func (n *Normalizer) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := n.tracer.Start(ctx, "pipeline."+name)
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (n *Normalizer) load(ctx context.Context, h asset.Handle, sess *session) error {
	src, err := h.Bytes(ctx)
	if err != nil {
		return fmt.Errorf("read stored content: %w", err)
	}
	b, err := n.cfg.Provider.Open(src, h.Extension())
	if err != nil {
		return err
	}
	sess.backend = b
	sess.source = src

	data, err := b.ImageResource()
	if err != nil {
		return fmt.Errorf("encode image resource: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty image resource", backend.ErrNoBackend)
	}
	if err := sess.newWorkFile(h.Extension(), data); err != nil {
		return err
	}
	return b.LoadFrom(sess.workPath)
}

func (n *Normalizer) convert(ctx context.Context, log *slog.Logger, h asset.Handle, sess *session, res *Result) (Stage, error) {
	st := Stage{State: StateConverted}
	if !NeedsFormatConversion(h, sess.policy) {
		return st, nil
	}
	n.logf(ctx, log, "converting to "+TargetFormat)
	if n.cfg.DryRun {
		st.Note = "dry run"
		return st, nil
	}

	if sess.policy.KeepOriginal {
		archived, err := archiveOriginal(n.cfg.ArchiveDir, h.ParentFolder(), h.Name(), sess.source)
		if err != nil {
			res.warn(diag.New(diag.KindFilesystem, h.ID(), err))
			st.Note = "original could not be archived"
			return st, nil
		}
		res.ArchivedTo = archived
		n.logf(ctx, log, "copied original", "to", archived)
	}

	b := sess.backend
	if err := b.Convert(TargetFormat); err != nil {
		return st, err
	}
	data, err := b.ImageResource()
	if err != nil {
		return st, fmt.Errorf("encode %s: %w", TargetFormat, err)
	}

	// the old content goes only once the converted asset is saved
	oldName := h.Filename()
	if err := h.SetFromBytes(ctx, data, oldName+"."+TargetFormat); err != nil {
		return st, err
	}
	sess.stored = true
	if err := saveAndPublish(ctx, h, sess); err != nil {
		return st, err
	}
	if err := h.RemoveFile(ctx, oldName); err != nil {
		res.warn(diag.New(diag.KindStorage, h.ID(), fmt.Errorf("remove replaced content %s: %w", oldName, err)))
	}

	if err := sess.newWorkFile(TargetFormat, data); err != nil {
		return st, err
	}
	if err := b.LoadFrom(sess.workPath); err != nil {
		return st, fmt.Errorf("reload converted image: %w", err)
	}
	st.Mutated = true
	st.Note = h.Filename()
	return st, nil
}

func (n *Normalizer) resize(ctx context.Context, log *slog.Logger, h asset.Handle, sess *session) (Stage, error) {
	st := Stage{State: StateResized}
	p := sess.policy
	if !NeedsResize(h, p) {
		return st, nil
	}
	n.logf(ctx, log, "resizing", "max", bound(p.MaxWidth, "[any width]")+"x"+bound(p.MaxHeight, "[any height]"))
	if n.cfg.DryRun {
		st.Note = "dry run"
		return st, nil
	}

	b := sess.backend
	var err error
	switch {
	case p.MaxWidth > 0 && p.MaxHeight > 0:
		err = b.ResizeRatio(p.MaxWidth, p.MaxHeight)
	case p.MaxWidth > 0:
		err = b.ResizeByWidth(p.MaxWidth)
	default:
		err = b.ResizeByHeight(p.MaxHeight)
	}
	if err != nil {
		return st, err
	}
	st.Mutated = true
	st.Note = fmt.Sprintf("%dx%d", b.Width(), b.Height())
	return st, nil
}

func (n *Normalizer) compress(ctx context.Context, log *slog.Logger, h asset.Handle, sess *session, res *Result) (Stage, error) {
	st := Stage{State: StateCompressed}
	p := sess.policy
	if !NeedsCompression(h, p) || p.QualityStepDecrement <= 0 {
		return st, nil
	}
	n.logf(ctx, log, "compressing", "target", humanize.Bytes(uint64(p.MaxFileSizeBytes)))
	if n.cfg.DryRun {
		st.Note = "dry run"
		return st, nil
	}

	out, err := CompressionSearch(sess.backend, sess.workPath, p.MaxFileSizeBytes, p.Quality, p.QualityStepDecrement)
	if err != nil {
		return st, err
	}
	res.Iterations = out.Iterations
	res.Quality = out.Quality
	if !out.WithinBudget {
		res.warn(diag.Warning{
			Kind:    diag.KindBackend,
			Subject: h.ID(),
			Message: fmt.Sprintf("still %s after %d attempts", humanize.Bytes(uint64(out.Size)), out.Iterations),
		})
	}
	st.Mutated = out.Iterations > 0
	st.Note = humanize.Bytes(uint64(out.Size))
	return st, nil
}

// commit overwrites the stored content with the working image.
func (n *Normalizer) commit(ctx context.Context, h asset.Handle, sess *session) error {
	if err := sess.backend.WriteTo(sess.workPath); err != nil {
		return fmt.Errorf("write working file: %w", err)
	}
	if err := h.SetFromLocalFile(ctx, sess.workPath, h.Filename()); err != nil {
		return err
	}
	sess.stored = true
	return saveAndPublish(ctx, h, sess)
}

// saveAndPublish writes the record and republishes it when the live version
// was current before the write.
func saveAndPublish(ctx context.Context, h asset.Handle, sess *session) error {
	wasLive := h.IsPublished() && !h.IsModifiedOnDraft()
	if err := h.Write(ctx); err != nil {
		return err
	}
	sess.saved = true
	if wasLive {
		return h.PublishSingle(ctx)
	}
	return nil
}

// logf logs stage progress. Verbose runs promote it to info.
func (n *Normalizer) logf(ctx context.Context, log *slog.Logger, msg string, args ...any) {
	level := slog.LevelDebug
	if n.cfg.Verbose {
		level = slog.LevelInfo
	}
	log.Log(ctx, level, msg, args...)
}

func bound(v int, unset string) string {
	if v <= 0 {
		return unset
	}
	return strconv.Itoa(v)
}
