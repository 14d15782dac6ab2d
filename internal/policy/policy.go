// Package policy defines the normalization policy and the scoped overlay
// mechanism that lets folders, owning relations and callers adjust it.
package policy

import (
	"path"
	"slices"
	"strings"
)

const bytesPerMB = 1024 * 1024

// Policy is the resolved set of thresholds and flags for one asset. It is a
// value: overlays derive a new Policy instead of mutating a shared one.
type Policy struct {
	Bypass         bool
	PatternsToSkip []string

	// Zero means unbounded.
	MaxWidth         int
	MaxHeight        int
	MaxFileSizeBytes int64

	// Quality is the encoder quality on a 0-1 scale.
	Quality              float64
	UseWebp              bool
	KeepOriginal         bool
	QualityStepDecrement float64
	ForceTransform       bool
}

func Defaults() Policy {
	return Policy{
		MaxWidth:             3600,
		MaxHeight:            2160,
		MaxFileSizeBytes:     MBToBytes(0.8),
		Quality:              0.90,
		UseWebp:              true,
		QualityStepDecrement: 0.05,
	}
}

func MBToBytes(mb float64) int64 {
	if mb <= 0 {
		return 0
	}
	return int64(mb * bytesPerMB)
}

func (p Policy) MaxSizeInMB() float64 {
	return float64(p.MaxFileSizeBytes) / bytesPerMB
}

// Clone returns a copy that shares no slices with p.
func (p Policy) Clone() Policy {
	p.PatternsToSkip = slices.Clone(p.PatternsToSkip)
	return p
}

// FolderKey returns the folder rule key for a stored filename: its directory
// with surrounding separators removed. Files at the root have an empty key.
func FolderKey(filename string) string {
	dir := path.Dir(strings.ReplaceAll(filename, "\\", "/"))
	if dir == "." || dir == "/" {
		return ""
	}
	return strings.Trim(dir, "/")
}
