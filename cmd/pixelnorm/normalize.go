package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dunamismax/pixelnorm/internal/asset"
	"github.com/dunamismax/pixelnorm/internal/backend"
	"github.com/dunamismax/pixelnorm/internal/pipeline"
	"github.com/dunamismax/pixelnorm/internal/policy"
	"github.com/dunamismax/pixelnorm/internal/store"
)

var (
	normalizeRoot    string
	normalizeDryRun  bool
	normalizeVerbose bool
	normalizeSets    []string
)

var normalizeCmd = &cobra.Command{
	Use:   "normalize [path...]",
	Short: "Normalize image files below a content root",
	Long: `Normalize image files in place. Each path is a file or a directory to
walk; with no paths the whole root is processed. Filenames relative to the
root select folder rules from the policy.

Examples:
  pixelnorm normalize --root ./public uploads/
  pixelnorm normalize --dry-run --set maxWidth=1200 banner.png`,
	RunE: runNormalize,
}

func init() {
	normalizeCmd.Flags().StringVar(&normalizeRoot, "root", ".", "content root that filenames are relative to")
	normalizeCmd.Flags().BoolVarP(&normalizeDryRun, "dry-run", "n", false, "report what would change without writing")
	normalizeCmd.Flags().BoolVarP(&normalizeVerbose, "verbose", "v", false, "log every stage")
	normalizeCmd.Flags().StringArrayVar(&normalizeSets, "set", nil, "override a policy setting for this run (key=value, repeatable)")
}

func runNormalize(cmd *cobra.Command, args []string) error {
	ctx := getContext(cmd)

	adhoc, err := parseSets(normalizeSets)
	if err != nil {
		return err
	}
	lr, err := newLocalRunner(normalizeRoot, normalizeDryRun || appConfig.Normalize.DryRun, normalizeVerbose || appConfig.Normalize.Verbose)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		args = []string{lr.root}
	}
	files, err := lr.collect(args)
	if err != nil {
		return err
	}

	var sum summary
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := lr.normalizeFile(ctx, f, adhoc)
		if err != nil {
			return err
		}
		printResult(cmd.OutOrStdout(), res)
		sum.add(res)
	}
	sum.print(cmd.OutOrStdout())
	if sum.failed > 0 {
		return fmt.Errorf("%d of %d assets failed", sum.failed, sum.total)
	}
	return nil
}

// localRunner normalizes files on disk. Records live in memory for the
// duration of the command; the files themselves are the content store.
type localRunner struct {
	root       string
	normalizer *pipeline.Normalizer
	records    *store.MemoryAssetStore
	content    asset.LocalContent
	archiveDir string

	settledMu sync.Mutex
	settled   map[string]time.Time
}

func newLocalRunner(root string, dryRun, verbose bool) (*localRunner, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}

	archiveDir := appConfig.Normalize.ArchiveDir
	if archiveDir == "" {
		archiveDir = pipeline.DefaultArchiveDir
	}
	if !filepath.IsAbs(archiveDir) {
		archiveDir = filepath.Join(abs, archiveDir)
	}

	n, err := pipeline.NewNormalizer(pipeline.Config{
		Base:       appPolicy.Base,
		Folders:    appPolicy.Folders,
		Relations:  appPolicy.Relations,
		Registry:   appPolicy.Registry(),
		Provider:   backend.NewProvider(),
		ArchiveDir: archiveDir,
		TempDir:    appConfig.Normalize.TempDir,
		DryRun:     dryRun,
		Verbose:    verbose,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return &localRunner{
		root:       abs,
		normalizer: n,
		records:    store.NewMemoryAssetStore(),
		content:    asset.LocalContent{Root: abs},
		archiveDir: archiveDir,
	}, nil
}

// collect expands args into files below the root. Hidden directories, the
// archive directory among them, are not walked.
func (lr *localRunner) collect(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		p := arg
		if !filepath.IsAbs(p) {
			p = filepath.Join(lr.root, p)
		}
		err := filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != p && lr.ignored(path) {
					return filepath.SkipDir
				}
				return nil
			}
			if !lr.ignored(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", arg, err)
		}
	}
	return files, nil
}

func (lr *localRunner) ignored(path string) bool {
	if path == lr.archiveDir || strings.HasPrefix(path, lr.archiveDir+string(filepath.Separator)) {
		return true
	}
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") || strings.HasPrefix(base, "~")
}

func (lr *localRunner) normalizeFile(ctx context.Context, path string, adhoc policy.Override) (pipeline.Result, error) {
	rec, err := asset.RecordForFile(lr.root, path)
	if err != nil {
		return pipeline.Result{}, err
	}
	if err := lr.records.SaveAsset(ctx, rec); err != nil {
		return pipeline.Result{}, err
	}
	h := asset.NewStored(rec, lr.records, lr.content)
	return lr.normalizer.Run(ctx, h, adhoc), nil
}

func printResult(w io.Writer, res pipeline.Result) {
	switch res.State {
	case pipeline.StateSkipped:
		fmt.Fprintf(w, "skipped    %s (%s)\n", res.AssetID, res.SkipReason)
	case pipeline.StateFailed:
		fmt.Fprintf(w, "failed     %s: %v\n", res.AssetID, res.Err)
	default:
		label := "normalized"
		if res.DryRun {
			label = "would fix "
		}
		fmt.Fprintf(w, "%s %s -> %s %dx%d %s",
			label,
			res.AssetID,
			res.Filename,
			res.Width,
			res.Height,
			humanize.Bytes(uint64(max(res.Size, 0))),
		)
		if saved := res.BytesSaved(); saved > 0 {
			fmt.Fprintf(w, " (saved %s)", humanize.Bytes(uint64(saved)))
		}
		if res.Iterations > 0 {
			fmt.Fprintf(w, " after %d compression passes", res.Iterations)
		}
		fmt.Fprintln(w)
	}
	for _, warning := range res.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
}

type summary struct {
	total, normalized, skipped, failed int
	saved                              int64
}

func (s *summary) add(res pipeline.Result) {
	s.total++
	switch res.State {
	case pipeline.StateSkipped:
		s.skipped++
	case pipeline.StateFailed:
		s.failed++
	default:
		s.normalized++
		s.saved += res.BytesSaved()
	}
}

func (s summary) print(w io.Writer) {
	fmt.Fprintf(w, "\n%d assets: %d normalized, %d skipped, %d failed, %s saved\n",
		s.total, s.normalized, s.skipped, s.failed, humanize.Bytes(uint64(s.saved)))
}
