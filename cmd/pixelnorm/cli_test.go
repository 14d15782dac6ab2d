package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dunamismax/pixelnorm/internal/asset"
	"github.com/dunamismax/pixelnorm/internal/policy"
)

func TestCommandStructure(t *testing.T) {
	for _, name := range []string{"normalize", "watch", "policy", "enqueue"} {
		t.Run(name, func(t *testing.T) {
			cmd, _, err := rootCmd.Find([]string{name})
			require.NoError(t, err)
			require.NotNil(t, cmd)
			assert.NotEmpty(t, cmd.Short)
		})
	}
}

func TestParseSets(t *testing.T) {
	o, err := parseSets([]string{
		"maxWidth=1200",
		"useWebp=false",
		"quality=0.75",
		`patternsToSkip=\.svg$`,
		"patterns_to_skip=[^raw/, thumbs]",
		"maxWidth=800",
	})
	require.NoError(t, err)

	p := o.Apply(policy.Defaults())
	assert.Equal(t, 800, p.MaxWidth)
	assert.False(t, p.UseWebp)
	assert.Equal(t, 0.75, p.Quality)
	assert.Equal(t, []string{`\.svg$`, "^raw/", "thumbs"}, p.PatternsToSkip)
}

func TestParseSetsRejectsBadInput(t *testing.T) {
	for _, in := range []string{"maxWidth", "=3", "nope=1", "quality=2", "customFolders=x"} {
		t.Run(in, func(t *testing.T) {
			_, err := parseSets([]string{in})
			assert.Error(t, err)
		})
	}
}

func TestDebouncerCoalescesEvents(t *testing.T) {
	calls := make(chan string, 4)
	d := newDebouncer(20*time.Millisecond, func(path string) { calls <- path })
	defer d.stop()

	d.touch("a.png")
	d.touch("a.png")
	d.touch("a.png")

	assert.Equal(t, "a.png", <-calls)
	select {
	case extra := <-calls:
		t.Fatalf("unexpected second run for %s", extra)
	default:
	}
}

func TestNormalizeCommandResizesFilesBelowRoot(t *testing.T) {
	root := t.TempDir()
	writePNG(t, filepath.Join(root, "gallery", "wide.png"), 600, 400)
	writePNG(t, filepath.Join(root, ".original_assets", "old.png"), 600, 400)
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hi"), 0o644))

	out := runCLI(t,
		"normalize",
		"--policy", filepath.Join(root, "missing.yaml"),
		"--root", root,
		"--set", "maxWidth=300",
		"--set", "useWebp=false",
	)

	assert.Contains(t, out, "normalized gallery/wide.png")
	assert.Contains(t, out, "skipped    notes.txt (not an image)")
	assert.Contains(t, out, "2 assets: 1 normalized, 1 skipped, 0 failed")

	data, err := os.ReadFile(filepath.Join(root, "gallery", "wide.png"))
	require.NoError(t, err)
	w, h, err := asset.Probe(data)
	require.NoError(t, err)
	assert.Equal(t, 300, w)
	assert.Equal(t, 200, h)

	archived, err := os.ReadFile(filepath.Join(root, ".original_assets", "old.png"))
	require.NoError(t, err)
	w, _, err = asset.Probe(archived)
	require.NoError(t, err)
	assert.Equal(t, 600, w)
}

func TestPolicyCommandResolvesFolderRule(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "pixelnorm.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
maxWidth: 2000
customFolders:
  /gallery/:
    maxWidth: 100
    keepOriginal: true
`), 0o644))

	out := runCLI(t, "policy", "--policy", file, "gallery/cat.jpg")

	var doc struct {
		Folder   string         `yaml:"folder"`
		Overlaid []string       `yaml:"overlaid"`
		Policy   map[string]any `yaml:"policy"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "gallery", doc.Folder)
	assert.ElementsMatch(t, []string{"maxWidth", "keepOriginal"}, doc.Overlaid)
	assert.Equal(t, 100, doc.Policy["maxWidth"])
	assert.Equal(t, true, doc.Policy["keepOriginal"])
}

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()), errOut.String())
	return out.String()
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}
