package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// VersionedName returns dir/name, or dir/<base>-vN<ext> for the lowest N from
// 2 up whose path does not exist yet.
func VersionedName(dir, name string) string {
	candidate := filepath.Join(dir, name)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for v := 2; exists(candidate); v++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s-v%d%s", base, v, ext))
	}
	return candidate
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}

// archiveOriginal copies data into root/<folder>/<name> without overwriting
// an earlier copy.
func archiveOriginal(root, folder, name string, data []byte) (string, error) {
	dir := filepath.Join(root, filepath.FromSlash(folder))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive folder %s: %w", dir, err)
	}
	target := VersionedName(dir, name)
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", fmt.Errorf("copy original to %s: %w", target, err)
	}
	return target, nil
}
