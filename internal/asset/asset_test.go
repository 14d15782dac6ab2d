package asset

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/dunamismax/pixelnorm/internal/domain"
	"github.com/dunamismax/pixelnorm/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoredSetFromBytesRefreshesMetadata(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	records := store.NewMemoryAssetStore()
	content := LocalContent{Root: root}

	rec := domain.AssetRecord{ID: "a1", Filename: "avatars/me.png", Published: true}
	require.NoError(t, records.SaveAsset(ctx, rec))
	h := NewStored(rec, records, content)

	assert.Equal(t, "me.png", h.Name())
	assert.Equal(t, "avatars", h.ParentFolder())
	assert.True(t, h.IsImage())

	data := pngBytes(t, 30, 20)
	require.NoError(t, h.SetFromBytes(ctx, data, "avatars/me.png.webp"))
	assert.Equal(t, "avatars/me.png.webp", h.Filename())
	assert.Equal(t, "webp", h.Extension())
	assert.Equal(t, int64(len(data)), h.AbsoluteSize())
	assert.Equal(t, 30, h.Width())
	assert.Equal(t, 20, h.Height())

	stored, err := os.ReadFile(filepath.Join(root, "avatars", "me.png.webp"))
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	// not persisted until Write
	saved, _, _ := records.GetAsset(ctx, "a1")
	assert.Equal(t, "avatars/me.png", saved.Filename)

	require.NoError(t, h.Write(ctx))
	assert.True(t, h.IsModifiedOnDraft())
	require.NoError(t, h.PublishSingle(ctx))
	assert.False(t, h.IsModifiedOnDraft())

	saved, _, _ = records.GetAsset(ctx, "a1")
	assert.Equal(t, "avatars/me.png.webp", saved.Filename)
	assert.True(t, saved.Published)
}

func TestStoredDeleteFileRemovesContent(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	content := LocalContent{Root: root}
	require.NoError(t, content.WriteObject(ctx, "x.png", []byte("data"), "image/png"))

	h := NewStored(domain.AssetRecord{ID: "x", Filename: "x.png"}, store.NewMemoryAssetStore(), content)
	require.NoError(t, h.DeleteFile(ctx))
	_, err := os.Stat(filepath.Join(root, "x.png"))
	assert.True(t, os.IsNotExist(err))

	// deleting twice is fine
	require.NoError(t, h.DeleteFile(ctx))
}

func TestStoredSetFromBytesRejectsUndecodableImage(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	content := LocalContent{Root: root}
	h := NewStored(domain.AssetRecord{ID: "a1", Filename: "a.png", Width: 30, Height: 20}, store.NewMemoryAssetStore(), content)

	err := h.SetFromBytes(ctx, []byte("not an image"), "b.png")
	require.Error(t, err)
	assert.Equal(t, "a.png", h.Filename())
	assert.Equal(t, 30, h.Width())
	_, statErr := os.Stat(filepath.Join(root, "b.png"))
	assert.True(t, os.IsNotExist(statErr))

	// non-image names carry no dimensions
	require.NoError(t, h.SetFromBytes(ctx, []byte("hello"), "notes.txt"))
	assert.Equal(t, "notes.txt", h.Filename())
	assert.Zero(t, h.Width())
}

func TestStoredRemoveFileKeepsRecord(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	content := LocalContent{Root: root}
	require.NoError(t, content.WriteObject(ctx, "old.png", []byte("data"), "image/png"))

	h := NewStored(domain.AssetRecord{ID: "x", Filename: "new.png.webp"}, store.NewMemoryAssetStore(), content)
	require.NoError(t, h.RemoveFile(ctx, "old.png"))
	_, err := os.Stat(filepath.Join(root, "old.png"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, "new.png.webp", h.Filename())
}

func TestLocalContentOverwriteLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	content := LocalContent{Root: root}
	require.NoError(t, content.WriteObject(ctx, "g/a.png", []byte("one"), ""))
	require.NoError(t, content.WriteObject(ctx, "g/a.png", []byte("two"), ""))

	data, err := content.ReadObject(ctx, "g/a.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)

	entries, err := os.ReadDir(filepath.Join(root, "g"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.png", entries[0].Name())
}

func TestLocalContentRejectsEscapingKeys(t *testing.T) {
	_, err := LocalContent{Root: t.TempDir()}.ReadObject(context.Background(), "../etc/passwd")
	assert.Error(t, err)
}

func TestRecordForFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "gallery"), 0o755))
	p := filepath.Join(root, "gallery", "a.png")
	require.NoError(t, os.WriteFile(p, pngBytes(t, 12, 8), 0o644))

	rec, err := RecordForFile(root, p)
	require.NoError(t, err)
	assert.Equal(t, "gallery/a.png", rec.ID)
	assert.Equal(t, 12, rec.Width)
	assert.Equal(t, 8, rec.Height)

	_, err = RecordForFile(filepath.Join(root, "gallery"), filepath.Join(root, "other.png"))
	assert.Error(t, err)
}

func TestLoadMissingAsset(t *testing.T) {
	_, err := Load(context.Background(), store.NewMemoryAssetStore(), LocalContent{Root: t.TempDir()}, "nope")
	assert.ErrorIs(t, err, domain.ErrAssetNotFound)
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 8), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
