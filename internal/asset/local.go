package asset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/pixelnorm/internal/domain"
)

// LocalContent keeps asset content as plain files below Root.
type LocalContent struct {
	Root string
}

func (c LocalContent) path(key string) (string, error) {
	if strings.TrimSpace(c.Root) == "" {
		return "", errors.New("content root is required")
	}
	rel := filepath.FromSlash(strings.TrimPrefix(key, "/"))
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("object key %q escapes content root", key)
	}
	return filepath.Join(c.Root, rel), nil
}

func (c LocalContent) ReadObject(_ context.Context, key string) ([]byte, error) {
	p, err := c.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

func (c LocalContent) WriteObject(_ context.Context, key string, data []byte, _ string) error {
	p, err := c.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	// write beside the target and rename, so a failed write keeps the old file
	f, err := os.CreateTemp(filepath.Dir(p), ".pixelnorm-*")
	if err != nil {
		return fmt.Errorf("write object %s: %w", key, err)
	}
	tmp := f.Name()
	_, werr := f.Write(data)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write object %s: %w", key, err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write object %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write object %s: %w", key, err)
	}
	return nil
}

func (c LocalContent) RemoveObject(_ context.Context, key string) error {
	p, err := c.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

// RecordForFile builds a record for a file already present under root. The
// relative slash path serves as both id and filename.
func RecordForFile(root, localPath string) (domain.AssetRecord, error) {
	rel, err := filepath.Rel(root, localPath)
	if err != nil || !filepath.IsLocal(rel) {
		return domain.AssetRecord{}, fmt.Errorf("%s is not inside %s", localPath, root)
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return domain.AssetRecord{}, fmt.Errorf("stat %s: %w", localPath, err)
	}
	if info.IsDir() {
		return domain.AssetRecord{}, fmt.Errorf("%s is a directory", localPath)
	}

	rel = filepath.ToSlash(rel)
	rec := domain.AssetRecord{
		ID:        rel,
		Filename:  rel,
		Size:      info.Size(),
		CreatedAt: info.ModTime().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if rec.IsImage() {
		if data, err := os.ReadFile(localPath); err == nil {
			rec.Width, rec.Height, _ = Probe(data)
		}
	}
	return rec, nil
}
