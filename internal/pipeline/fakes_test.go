package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/dunamismax/pixelnorm/internal/backend"
	"github.com/dunamismax/pixelnorm/internal/domain"
	"github.com/dunamismax/pixelnorm/internal/relation"
)

// Encoded size of a fake image is width*height*quality/100 bytes per pixel
// scaled by the format factor below, so quality changes are measurable.
var bytesPerPixel = map[string]float64{
	"jpeg": 0.2,
	"webp": 0.15,
	"png":  0.5,
	"gif":  0.3,
}

func fakeImage(format string, w, h, quality int) []byte {
	header := fmt.Sprintf("fake %s %d %d\n", format, w, h)
	size := int(float64(w*h) * float64(quality) / 100 * bytesPerPixel[format])
	out := make([]byte, max(size, len(header)))
	copy(out, header)
	return out
}

func parseFake(data []byte) (format string, w, h int, err error) {
	line, _, _ := strings.Cut(string(data[:min(len(data), 64)]), "\n")
	if _, err := fmt.Sscanf(line, "fake %s %d %d", &format, &w, &h); err != nil {
		return "", 0, 0, fmt.Errorf("%w: not a fake image", backend.ErrNoBackend)
	}
	return format, w, h, nil
}

type fakeProvider struct {
	failOpen    bool
	failConvert bool
	opened      []*fakeBackend
}

func (p *fakeProvider) Open(data []byte, _ string) (backend.Backend, error) {
	if p.failOpen {
		return nil, backend.ErrNoBackend
	}
	format, w, h, err := parseFake(data)
	if err != nil {
		return nil, err
	}
	b := &fakeBackend{format: format, w: w, h: h, quality: backend.DefaultQuality, failConvert: p.failConvert}
	p.opened = append(p.opened, b)
	return b, nil
}

type fakeBackend struct {
	format      string
	w, h        int
	quality     int
	failConvert bool
	closed      bool
	writes      int
}

func (b *fakeBackend) ImageResource() ([]byte, error) {
	return fakeImage(b.format, b.w, b.h, b.quality), nil
}

func (b *fakeBackend) LoadFrom(p string) error {
	data, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	b.format, b.w, b.h, err = parseFake(data)
	return err
}

func (b *fakeBackend) WriteTo(p string) error {
	b.writes++
	return os.WriteFile(p, fakeImage(b.format, b.w, b.h, b.quality), 0o644)
}

func (b *fakeBackend) SetQuality(percent int) { b.quality = percent }

func (b *fakeBackend) ResizeByWidth(width int) error {
	var err error
	b.w, b.h, err = backend.ScaleToWidth(b.w, b.h, width)
	return err
}

func (b *fakeBackend) ResizeByHeight(height int) error {
	var err error
	b.w, b.h, err = backend.ScaleToHeight(b.w, b.h, height)
	return err
}

func (b *fakeBackend) ResizeRatio(width, height int) error {
	var err error
	b.w, b.h, err = backend.FitWithin(b.w, b.h, width, height)
	return err
}

func (b *fakeBackend) Convert(format string) error {
	if b.failConvert {
		return errors.New("encoder unavailable")
	}
	f := backend.NormalizeFormat(format)
	if f == "" {
		return backend.ErrUnsupportedFormat
	}
	b.format = f
	return nil
}

func (b *fakeBackend) Width() int     { return b.w }
func (b *fakeBackend) Height() int    { return b.h }
func (b *fakeBackend) Format() string { return b.format }
func (b *fakeBackend) Close() error {
	b.closed = true
	return nil
}

type fakeHandle struct {
	id       string
	filename string
	w, h     int
	size     int64

	published       bool
	modifiedOnDraft bool

	content   map[string][]byte
	deleted   []string
	writes    int
	publishes int
	// savedName is the filename of the last record write
	savedName string

	// failSet fails every store of converted content. failStores fails
	// stores by call number, counted from 1. failWrites and failPublishes
	// fail that many of the next calls.
	failSet       bool
	failStores    map[int]bool
	stores        int
	failWrites    int
	failPublishes int

	owners    []relation.Owner
	ownersErr error
}

func newFakeHandle(id, filename string, data []byte) *fakeHandle {
	h := &fakeHandle{id: id, content: map[string][]byte{}, savedName: filename}
	h.store(filename, data)
	return h
}

func (h *fakeHandle) store(name string, data []byte) {
	h.filename = name
	h.content[name] = data
	h.size = int64(len(data))
	if _, w, ht, err := parseFake(data); err == nil {
		h.w, h.h = w, ht
	}
}

func (h *fakeHandle) ID() string          { return h.id }
func (h *fakeHandle) Filename() string    { return h.filename }
func (h *fakeHandle) Name() string        { return path.Base(h.filename) }
func (h *fakeHandle) Extension() string   { return domain.Extension(h.filename) }
func (h *fakeHandle) Width() int          { return h.w }
func (h *fakeHandle) Height() int         { return h.h }
func (h *fakeHandle) AbsoluteSize() int64 { return h.size }
func (h *fakeHandle) IsImage() bool {
	return domain.AssetRecord{Filename: h.filename}.IsImage()
}

func (h *fakeHandle) ParentFolder() string {
	dir := path.Dir(h.filename)
	if dir == "." {
		return ""
	}
	return dir
}

func (h *fakeHandle) Bytes(context.Context) ([]byte, error) {
	data, ok := h.content[h.filename]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (h *fakeHandle) SetFromLocalFile(ctx context.Context, localPath, logicalName string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	return h.SetFromBytes(ctx, data, logicalName)
}

func (h *fakeHandle) SetFromBytes(_ context.Context, data []byte, logicalName string) error {
	if h.failSet && strings.HasSuffix(logicalName, "."+TargetFormat) {
		return errors.New("store unavailable")
	}
	h.stores++
	if h.failStores[h.stores] {
		return errors.New("store unavailable")
	}
	h.store(logicalName, data)
	return nil
}

func (h *fakeHandle) DeleteFile(ctx context.Context) error {
	return h.RemoveFile(ctx, h.filename)
}

func (h *fakeHandle) RemoveFile(_ context.Context, logicalName string) error {
	delete(h.content, logicalName)
	h.deleted = append(h.deleted, logicalName)
	return nil
}

func (h *fakeHandle) Write(context.Context) error {
	if h.failWrites > 0 {
		h.failWrites--
		return errors.New("database unavailable")
	}
	h.writes++
	h.savedName = h.filename
	if h.published {
		h.modifiedOnDraft = true
	}
	return nil
}

func (h *fakeHandle) IsPublished() bool       { return h.published }
func (h *fakeHandle) IsModifiedOnDraft() bool { return h.modifiedOnDraft }

func (h *fakeHandle) PublishSingle(context.Context) error {
	if h.failPublishes > 0 {
		h.failPublishes--
		return errors.New("publish unavailable")
	}
	h.publishes++
	h.published = true
	h.modifiedOnDraft = false
	return nil
}

func (h *fakeHandle) Owners(context.Context) ([]relation.Owner, error) {
	return h.owners, h.ownersErr
}
