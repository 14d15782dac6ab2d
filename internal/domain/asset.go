package domain

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

var (
	ErrAssetNotFound = errors.New("asset not found")
	ErrNoSuchField   = errors.New("no such field")
)

var imageExtensions = map[string]bool{
	"jpg":  true,
	"jpeg": true,
	"png":  true,
	"gif":  true,
	"webp": true,
}

// AssetRecord is the stored description of one file. Filename is the logical
// path inside the content store and doubles as its object key.
type AssetRecord struct {
	ID              string
	Filename        string
	Width           int
	Height          int
	Size            int64
	Published       bool
	ModifiedOnDraft bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (r AssetRecord) Extension() string {
	return Extension(r.Filename)
}

func (r AssetRecord) IsImage() bool {
	return IsImageFilename(r.Filename)
}

func (r AssetRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("asset id is required")
	}
	if strings.TrimSpace(r.Filename) == "" {
		return fmt.Errorf("asset %s: filename is required", r.ID)
	}
	return nil
}

// IsImageFilename reports whether name has an image extension the pipeline
// can read.
func IsImageFilename(name string) bool {
	return imageExtensions[Extension(name)]
}

// Extension returns the lower-cased extension of name without the dot.
func Extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
}

// Reference is what an owner's field points at: a single asset or a
// collection of them.
type Reference struct {
	Collection bool
	AssetIDs   []string
}

func Single(assetID string) Reference {
	return Reference{AssetIDs: []string{assetID}}
}

func Collection(assetIDs ...string) Reference {
	return Reference{Collection: true, AssetIDs: assetIDs}
}

// OwnerRecord is an application record that references assets through named
// fields, e.g. a Member whose Avatar field holds an image.
type OwnerRecord struct {
	Type   string
	ID     string
	Fields map[string]Reference
}

func (o OwnerRecord) Kind() string {
	return o.Type
}

func (o OwnerRecord) OwnerID() string {
	return o.ID
}

func (o OwnerRecord) Reference(field string) (Reference, error) {
	ref, ok := o.Fields[field]
	if !ok {
		return Reference{}, fmt.Errorf("%w: %s.%s", ErrNoSuchField, o.Type, field)
	}
	return ref, nil
}

func (o OwnerRecord) References(assetID string) bool {
	for _, ref := range o.Fields {
		for _, id := range ref.AssetIDs {
			if id == assetID {
				return true
			}
		}
	}
	return false
}

// NormalizationLog records the outcome of one pipeline run.
type NormalizationLog struct {
	AssetID       string
	State         string
	Format        string
	Width         int
	Height        int
	OriginalBytes int64
	FinalBytes    int64
	BytesSaved    int64
	Iterations    int
	DurationMS    int64
	CreatedAt     time.Time
}
