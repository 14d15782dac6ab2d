package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionedName(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, filepath.Join(dir, "a.jpg"), VersionedName(dir, "a.jpg"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jpg"), nil, 0o644))
	assert.Equal(t, filepath.Join(dir, "a-v2.jpg"), VersionedName(dir, "a.jpg"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a-v2.jpg"), nil, 0o644))
	assert.Equal(t, filepath.Join(dir, "a-v3.jpg"), VersionedName(dir, "a.jpg"))
}

func TestArchiveOriginalNeverOverwrites(t *testing.T) {
	root := t.TempDir()

	first, err := archiveOriginal(root, "photos/2024", "a.jpg", []byte("one"))
	require.NoError(t, err)
	second, err := archiveOriginal(root, "photos/2024", "a.jpg", []byte("two"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "photos", "2024", "a.jpg"), first)
	assert.Equal(t, filepath.Join(root, "photos", "2024", "a-v2.jpg"), second)

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
}
