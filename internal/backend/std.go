package backend

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// StdProvider decodes with the image package and golang.org/x/image. It can
// read webp but not write it; converting to webp needs the govips build.
type StdProvider struct{}

func (StdProvider) Open(data []byte, ext string) (Backend, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image data", ErrNoBackend)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode source image: %v", ErrNoBackend, err)
	}
	if f := NormalizeFormat(format); f != "" {
		format = f
	} else {
		format = NormalizeFormat(ext)
	}
	return &stdBackend{img: img, format: format, quality: DefaultQuality}, nil
}

type stdBackend struct {
	img     image.Image
	format  string
	quality int
}

func (b *stdBackend) ImageResource() ([]byte, error) {
	if b.img == nil {
		return nil, nil
	}
	return encodeImage(b.img, b.format, b.quality)
}

func (b *stdBackend) LoadFrom(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read image %s: %w", path, err)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode image %s: %w", path, err)
	}
	b.img = img
	if f := NormalizeFormat(format); f != "" {
		b.format = f
	}
	return nil
}

func (b *stdBackend) WriteTo(path string) error {
	data, err := b.ImageResource()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write image %s: %w", path, err)
	}
	return nil
}

func (b *stdBackend) SetQuality(percent int) {
	b.quality = clampQuality(percent)
}

func (b *stdBackend) ResizeByWidth(width int) error {
	w, h, err := ScaleToWidth(b.Width(), b.Height(), width)
	if err != nil {
		return err
	}
	b.img = resample(b.img, w, h)
	return nil
}

func (b *stdBackend) ResizeByHeight(height int) error {
	w, h, err := ScaleToHeight(b.Width(), b.Height(), height)
	if err != nil {
		return err
	}
	b.img = resample(b.img, w, h)
	return nil
}

func (b *stdBackend) ResizeRatio(width, height int) error {
	w, h, err := FitWithin(b.Width(), b.Height(), width, height)
	if err != nil {
		return err
	}
	b.img = resample(b.img, w, h)
	return nil
}

func (b *stdBackend) Convert(format string) error {
	f := NormalizeFormat(format)
	switch f {
	case "jpeg", "png", "gif":
		b.format = f
		return nil
	case "webp":
		return fmt.Errorf("%w: webp export requires govips build tag", ErrUnsupportedFormat)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

func (b *stdBackend) Width() int {
	if b.img == nil {
		return 0
	}
	return b.img.Bounds().Dx()
}

func (b *stdBackend) Height() int {
	if b.img == nil {
		return 0
	}
	return b.img.Bounds().Dy()
}

func (b *stdBackend) Format() string {
	return b.format
}

func (b *stdBackend) Close() error {
	b.img = nil
	return nil
}

func resample(src image.Image, width, height int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

func encodeImage(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer

	switch format {
	case "jpeg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: clampQuality(quality)}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case "png":
		encoder := png.Encoder{CompressionLevel: png.BestCompression}
		if err := encoder.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case "gif":
		if err := gif.Encode(&buf, img, nil); err != nil {
			return nil, fmt.Errorf("encode gif: %w", err)
		}
	case "webp":
		return nil, fmt.Errorf("%w: webp export requires govips build tag", ErrUnsupportedFormat)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	return buf.Bytes(), nil
}
