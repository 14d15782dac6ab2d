// Package backend wraps the image decode/encode engine. The pipeline only
// sequences calls to a Backend; pixel work happens here.
package backend

import (
	"errors"
	"math"
	"strings"
)

var (
	ErrNoBackend         = errors.New("no image backend for asset")
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrInvalidDimensions = errors.New("invalid image dimensions")
)

const DefaultQuality = 90

// Backend is one decoded image plus the encoder settings used when it is
// written out.
type Backend interface {
	// ImageResource returns the image encoded in its current format.
	ImageResource() ([]byte, error)
	LoadFrom(path string) error
	WriteTo(path string) error
	// SetQuality sets encoder quality on a 1-100 scale.
	SetQuality(percent int)
	ResizeByWidth(width int) error
	ResizeByHeight(height int) error
	// ResizeRatio fits the image inside width x height keeping aspect ratio.
	ResizeRatio(width, height int) error
	// Convert switches the output format used by ImageResource and WriteTo.
	Convert(format string) error
	Width() int
	Height() int
	Format() string
	Close() error
}

// Provider opens a Backend for encoded image data. ext is the asset's file
// extension and is used when the data itself does not identify a format.
type Provider interface {
	Open(data []byte, ext string) (Backend, error)
}

// NormalizeFormat maps extensions and aliases to encoder format names.
func NormalizeFormat(format string) string {
	switch f := strings.ToLower(strings.TrimSpace(format)); f {
	case "jpg", "jpeg":
		return "jpeg"
	case "png", "webp", "gif":
		return f
	default:
		return ""
	}
}

// Extension is the file extension used for a normalized format.
func Extension(format string) string {
	if format == "jpeg" {
		return "jpg"
	}
	return format
}

func clampQuality(percent int) int {
	switch {
	case percent < 1:
		return 1
	case percent > 100:
		return 100
	default:
		return percent
	}
}

// ScaleToWidth returns the dimensions of a srcW x srcH image resized to width.
func ScaleToWidth(srcW, srcH, width int) (int, int, error) {
	if srcW <= 0 || srcH <= 0 || width <= 0 {
		return 0, 0, ErrInvalidDimensions
	}
	return width, scaled(srcH, float64(width)/float64(srcW)), nil
}

func ScaleToHeight(srcW, srcH, height int) (int, int, error) {
	if srcW <= 0 || srcH <= 0 || height <= 0 {
		return 0, 0, ErrInvalidDimensions
	}
	return scaled(srcW, float64(height)/float64(srcH)), height, nil
}

// FitWithin returns the largest dimensions with the source aspect ratio that
// fit inside maxW x maxH.
func FitWithin(srcW, srcH, maxW, maxH int) (int, int, error) {
	if srcW <= 0 || srcH <= 0 || maxW <= 0 || maxH <= 0 {
		return 0, 0, ErrInvalidDimensions
	}
	scale := math.Min(float64(maxW)/float64(srcW), float64(maxH)/float64(srcH))
	w := min(maxW, scaled(srcW, scale))
	h := min(maxH, scaled(srcH, scale))
	return w, h, nil
}

func scaled(v int, scale float64) int {
	return max(1, int(math.Round(float64(v)*scale)))
}
