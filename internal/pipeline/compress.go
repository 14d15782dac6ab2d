package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"

	"github.com/dunamismax/pixelnorm/internal/backend"
)

// Steps closer to zero than this count as exhausted.
const stepEpsilon = 1e-9

type SearchResult struct {
	Iterations int
	Quality    int
	Size       int64
	// WithinBudget is false when quality ran out before the size target.
	WithinBudget bool
}

// MaxIterations bounds how many re-encodes a search with this decrement can
// perform.
func MaxIterations(decrement float64) int {
	if decrement <= 0 {
		return 0
	}
	return int(math.Ceil(1/decrement - stepEpsilon))
}

// CompressionSearch writes b to workPath and, while the file is larger than
// maxBytes, lowers quality to quality*step and re-encodes, starting at step 1
// and reducing it by decrement each round. The last attempt is kept even if
// it is still too large.
func CompressionSearch(b backend.Backend, workPath string, maxBytes int64, quality, decrement float64) (SearchResult, error) {
	var res SearchResult
	if decrement <= 0 {
		return res, nil
	}

	if err := b.WriteTo(workPath); err != nil {
		return res, fmt.Errorf("write working file: %w", err)
	}
	size, err := fileSize(workPath)
	if err != nil {
		return res, err
	}
	res.Size = size

	for i := 0; size > maxBytes; i++ {
		step := 1 - float64(i)*decrement
		if step <= stepEpsilon {
			break
		}
		if err := os.Remove(workPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return res, fmt.Errorf("discard previous attempt: %w", err)
		}
		res.Quality = max(1, int(math.Round(quality*step*100)))
		b.SetQuality(res.Quality)
		if err := b.WriteTo(workPath); err != nil {
			return res, fmt.Errorf("write working file: %w", err)
		}
		res.Iterations++
		if size, err = fileSize(workPath); err != nil {
			return res, err
		}
		res.Size = size
	}
	res.WithinBudget = res.Size <= maxBytes
	return res, nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("measure working file: %w", err)
	}
	return info.Size(), nil
}
