//go:build govips && cgo

package backend

import (
	"fmt"
	"os"

	"github.com/davidbyttow/govips/v2/vips"
)

type GovipsProvider struct{}

func (GovipsProvider) Open(data []byte, ext string) (Backend, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image data", ErrNoBackend)
	}
	img, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode source image: %v", ErrNoBackend, err)
	}
	format := formatOf(vips.DetermineImageType(data))
	if format == "" {
		format = NormalizeFormat(ext)
	}
	return &govipsBackend{img: img, format: format, quality: DefaultQuality}, nil
}

type govipsBackend struct {
	img     *vips.ImageRef
	format  string
	quality int
}

func formatOf(t vips.ImageType) string {
	switch t {
	case vips.ImageTypeJPEG:
		return "jpeg"
	case vips.ImageTypePNG:
		return "png"
	case vips.ImageTypeWEBP:
		return "webp"
	case vips.ImageTypeGIF:
		return "gif"
	default:
		return ""
	}
}

func (b *govipsBackend) ImageResource() ([]byte, error) {
	if b.img == nil {
		return nil, nil
	}
	return exportGovipsImage(b.img, b.format, b.quality)
}

func (b *govipsBackend) LoadFrom(path string) error {
	img, err := vips.NewImageFromFile(path)
	if err != nil {
		return fmt.Errorf("decode image %s: %w", path, err)
	}
	if b.img != nil {
		b.img.Close()
	}
	b.img = img
	if f := formatOf(img.Format()); f != "" {
		b.format = f
	}
	return nil
}

func (b *govipsBackend) WriteTo(path string) error {
	data, err := b.ImageResource()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write image %s: %w", path, err)
	}
	return nil
}

func (b *govipsBackend) SetQuality(percent int) {
	b.quality = clampQuality(percent)
}

func (b *govipsBackend) ResizeByWidth(width int) error {
	w, _, err := ScaleToWidth(b.Width(), b.Height(), width)
	if err != nil {
		return err
	}
	return b.resize(float64(w) / float64(b.Width()))
}

func (b *govipsBackend) ResizeByHeight(height int) error {
	_, h, err := ScaleToHeight(b.Width(), b.Height(), height)
	if err != nil {
		return err
	}
	return b.resize(float64(h) / float64(b.Height()))
}

func (b *govipsBackend) ResizeRatio(width, height int) error {
	w, _, err := FitWithin(b.Width(), b.Height(), width, height)
	if err != nil {
		return err
	}
	return b.resize(float64(w) / float64(b.Width()))
}

func (b *govipsBackend) resize(scale float64) error {
	if scale <= 0 {
		return fmt.Errorf("invalid resize scale")
	}
	if err := b.img.Resize(scale, vips.KernelLanczos3); err != nil {
		return fmt.Errorf("resize image: %w", err)
	}
	return nil
}

func (b *govipsBackend) Convert(format string) error {
	f := NormalizeFormat(format)
	if f == "" {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	b.format = f
	return nil
}

func (b *govipsBackend) Width() int {
	if b.img == nil {
		return 0
	}
	return b.img.Width()
}

func (b *govipsBackend) Height() int {
	if b.img == nil {
		return 0
	}
	return b.img.Height()
}

func (b *govipsBackend) Format() string {
	return b.format
}

func (b *govipsBackend) Close() error {
	if b.img != nil {
		b.img.Close()
		b.img = nil
	}
	return nil
}

func exportGovipsImage(img *vips.ImageRef, format string, quality int) ([]byte, error) {
	switch format {
	case "jpeg":
		params := vips.NewJpegExportParams()
		params.Quality = clampQuality(quality)
		data, _, err := img.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	case "png":
		params := vips.NewPngExportParams()
		params.Quality = clampQuality(quality)
		data, _, err := img.ExportPng(params)
		if err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return data, nil
	case "webp":
		params := vips.NewWebpExportParams()
		params.Quality = clampQuality(quality)
		data, _, err := img.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
		return data, nil
	case "gif":
		data, _, err := img.ExportGIF(vips.NewGifExportParams())
		if err != nil {
			return nil, fmt.Errorf("encode gif: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}
