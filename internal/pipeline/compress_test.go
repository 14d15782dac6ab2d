package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressionSearchStopsWithinBudget(t *testing.T) {
	b := &fakeBackend{format: "webp", w: 2880, h: 2160, quality: 90}
	work := filepath.Join(t.TempDir(), "work.webp")

	out, err := CompressionSearch(b, work, 838860, 0.9, 0.05)
	require.NoError(t, err)

	assert.Equal(t, 2, out.Iterations)
	assert.Equal(t, 86, out.Quality)
	assert.True(t, out.WithinBudget)
	assert.LessOrEqual(t, out.Size, int64(838860))

	info, err := os.Stat(work)
	require.NoError(t, err)
	assert.Equal(t, out.Size, info.Size())
}

func TestCompressionSearchAcceptsLastAttemptWhenExhausted(t *testing.T) {
	b := &fakeBackend{format: "jpeg", w: 1000, h: 1000, quality: 90}
	work := filepath.Join(t.TempDir(), "work.jpg")

	out, err := CompressionSearch(b, work, 10, 0.9, 0.25)
	require.NoError(t, err)

	assert.Equal(t, MaxIterations(0.25), out.Iterations)
	assert.False(t, out.WithinBudget)
	assert.FileExists(t, work)
}

func TestCompressionSearchDisabledByNonPositiveDecrement(t *testing.T) {
	for _, dec := range []float64{0, -0.1} {
		b := &fakeBackend{format: "jpeg", w: 1000, h: 1000, quality: 90}
		work := filepath.Join(t.TempDir(), "work.jpg")

		out, err := CompressionSearch(b, work, 10, 0.9, dec)
		require.NoError(t, err)
		assert.Zero(t, out.Iterations)
		assert.Zero(t, b.writes)
		assert.NoFileExists(t, work)
	}
}

func TestCompressionSearchSkipsLoopWhenAlreadySmall(t *testing.T) {
	b := &fakeBackend{format: "webp", w: 10, h: 10, quality: 90}
	work := filepath.Join(t.TempDir(), "work.webp")

	out, err := CompressionSearch(b, work, 1<<20, 0.9, 0.05)
	require.NoError(t, err)
	assert.Zero(t, out.Iterations)
	assert.True(t, out.WithinBudget)
	assert.Equal(t, 1, b.writes)
}

func TestMaxIterations(t *testing.T) {
	assert.Equal(t, 20, MaxIterations(0.05))
	assert.Equal(t, 4, MaxIterations(0.25))
	assert.Equal(t, 4, MaxIterations(0.3))
	assert.Zero(t, MaxIterations(0))
}
