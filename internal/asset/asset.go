// Package asset is the store-side view of an image: its metadata, its stored
// content, and the records that own it.
package asset

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dunamismax/pixelnorm/internal/domain"
	"github.com/dunamismax/pixelnorm/internal/relation"
	_ "golang.org/x/image/webp"
)

// Handle is everything the pipeline needs from the asset store.
type Handle interface {
	ID() string
	Filename() string
	Name() string
	ParentFolder() string
	Extension() string
	Width() int
	Height() int
	AbsoluteSize() int64
	IsImage() bool

	Bytes(ctx context.Context) ([]byte, error)
	SetFromLocalFile(ctx context.Context, localPath, logicalName string) error
	SetFromBytes(ctx context.Context, data []byte, logicalName string) error
	DeleteFile(ctx context.Context) error
	RemoveFile(ctx context.Context, logicalName string) error
	Write(ctx context.Context) error
	IsPublished() bool
	IsModifiedOnDraft() bool
	PublishSingle(ctx context.Context) error

	Owners(ctx context.Context) ([]relation.Owner, error)
}

// Records persists asset records and answers ownership queries.
type Records interface {
	GetAsset(ctx context.Context, id string) (domain.AssetRecord, bool, error)
	SaveAsset(ctx context.Context, rec domain.AssetRecord) error
	PublishAsset(ctx context.Context, id string) error
	OwnersOf(ctx context.Context, assetID string) ([]domain.OwnerRecord, error)
}

// Content stores file bytes under the asset's filename.
type Content interface {
	ReadObject(ctx context.Context, key string) ([]byte, error)
	WriteObject(ctx context.Context, key string, data []byte, contentType string) error
	RemoveObject(ctx context.Context, key string) error
}

// Stored is a Handle backed by a Records store and a Content store.
type Stored struct {
	rec     domain.AssetRecord
	records Records
	content Content
}

func NewStored(rec domain.AssetRecord, records Records, content Content) *Stored {
	return &Stored{rec: rec, records: records, content: content}
}

// Load fetches the record for id.
func Load(ctx context.Context, records Records, content Content, id string) (*Stored, error) {
	rec, ok, err := records.GetAsset(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load asset %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAssetNotFound, id)
	}
	return NewStored(rec, records, content), nil
}

func (s *Stored) Record() domain.AssetRecord { return s.rec }

func (s *Stored) ID() string          { return s.rec.ID }
func (s *Stored) Filename() string    { return s.rec.Filename }
func (s *Stored) Name() string        { return path.Base(s.rec.Filename) }
func (s *Stored) Extension() string   { return s.rec.Extension() }
func (s *Stored) Width() int          { return s.rec.Width }
func (s *Stored) Height() int         { return s.rec.Height }
func (s *Stored) AbsoluteSize() int64 { return s.rec.Size }
func (s *Stored) IsImage() bool       { return s.rec.IsImage() }

func (s *Stored) ParentFolder() string {
	dir := path.Dir(s.rec.Filename)
	if dir == "." {
		return ""
	}
	return strings.Trim(dir, "/")
}

func (s *Stored) Bytes(ctx context.Context) ([]byte, error) {
	return s.content.ReadObject(ctx, s.rec.Filename)
}

func (s *Stored) SetFromLocalFile(ctx context.Context, localPath, logicalName string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read local file %s: %w", localPath, err)
	}
	return s.SetFromBytes(ctx, data, logicalName)
}

// SetFromBytes stores data under logicalName and refreshes the metadata. The
// record itself is not persisted until Write. Image names only accept data
// that decodes, so a stored image never reports 0x0.
func (s *Stored) SetFromBytes(ctx context.Context, data []byte, logicalName string) error {
	logicalName = strings.TrimPrefix(logicalName, "/")
	if logicalName == "" {
		return fmt.Errorf("asset %s: logical name is required", s.rec.ID)
	}
	var width, height int
	if domain.IsImageFilename(logicalName) {
		var err error
		if width, height, err = Probe(data); err != nil {
			return fmt.Errorf("asset %s: %s: %w", s.rec.ID, logicalName, err)
		}
	}
	if err := s.content.WriteObject(ctx, logicalName, data, ContentType(domain.Extension(logicalName))); err != nil {
		return fmt.Errorf("store content for asset %s: %w", s.rec.ID, err)
	}
	s.rec.Filename = logicalName
	s.rec.Size = int64(len(data))
	s.rec.Width, s.rec.Height = width, height
	return nil
}

// DeleteFile removes the content under the current filename.
func (s *Stored) DeleteFile(ctx context.Context) error {
	return s.RemoveFile(ctx, s.rec.Filename)
}

// RemoveFile removes the content stored under logicalName. The record is
// left alone.
func (s *Stored) RemoveFile(ctx context.Context, logicalName string) error {
	if err := s.content.RemoveObject(ctx, strings.TrimPrefix(logicalName, "/")); err != nil {
		return fmt.Errorf("delete content for asset %s: %w", s.rec.ID, err)
	}
	return nil
}

// Write persists the record. A published asset written again has a draft
// that differs from the live version until PublishSingle.
func (s *Stored) Write(ctx context.Context) error {
	if s.rec.Published {
		s.rec.ModifiedOnDraft = true
	}
	s.rec.UpdatedAt = time.Now().UTC()
	if err := s.records.SaveAsset(ctx, s.rec); err != nil {
		return fmt.Errorf("save asset %s: %w", s.rec.ID, err)
	}
	return nil
}

func (s *Stored) IsPublished() bool       { return s.rec.Published }
func (s *Stored) IsModifiedOnDraft() bool { return s.rec.ModifiedOnDraft }

func (s *Stored) PublishSingle(ctx context.Context) error {
	if err := s.records.PublishAsset(ctx, s.rec.ID); err != nil {
		return fmt.Errorf("publish asset %s: %w", s.rec.ID, err)
	}
	s.rec.Published = true
	s.rec.ModifiedOnDraft = false
	return nil
}

func (s *Stored) Owners(ctx context.Context) ([]relation.Owner, error) {
	records, err := s.records.OwnersOf(ctx, s.rec.ID)
	if err != nil {
		return nil, err
	}
	owners := make([]relation.Owner, 0, len(records))
	for _, r := range records {
		owners = append(owners, r)
	}
	return owners, nil
}

// Probe returns the pixel dimensions of encoded image data.
func Probe(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("probe image: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

func ContentType(ext string) string {
	switch strings.ToLower(ext) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
