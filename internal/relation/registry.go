// Package relation maps an asset to the custom rule key of the single record
// that owns it.
package relation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/dunamismax/pixelnorm/internal/diag"
	"github.com/dunamismax/pixelnorm/internal/domain"
)

// Owner is a record that references assets through named fields.
type Owner interface {
	Kind() string
	OwnerID() string
	Reference(field string) (domain.Reference, error)
}

// Subject is the asset side of a lookup.
type Subject interface {
	ID() string
	Owners(ctx context.Context) ([]Owner, error)
}

// Descriptor names how one owner kind references an image: Key is the
// "Kind.field" rule key it was parsed from.
type Descriptor struct {
	Key   string
	Kind  string
	Field string
}

// Registry is the read-only set of descriptors with custom rules.
type Registry struct {
	descriptors []Descriptor
}

// NewRegistry parses rule keys of the form "Kind.field". Entries with an
// unknown kind or no field are skipped with a config warning. A nil known
// accepts every kind.
func NewRegistry(keys []string, known func(kind string) bool) (*Registry, []diag.Warning) {
	var (
		reg      = &Registry{}
		warnings []diag.Warning
	)
	for _, key := range slices.Sorted(slices.Values(keys)) {
		kind, field, _ := strings.Cut(strings.TrimSpace(key), ".")
		switch {
		case kind == "" || (known != nil && !known(kind)):
			warnings = append(warnings, diag.Config("customRelations."+key, "%q is not a known record kind", kind))
			continue
		case field == "":
			warnings = append(warnings, diag.Config("customRelations."+key, "missing field name after %q", kind))
			continue
		}
		reg.descriptors = append(reg.descriptors, Descriptor{Key: key, Kind: kind, Field: field})
	}
	return reg, warnings
}

func (r *Registry) Descriptors() []Descriptor {
	if r == nil {
		return nil
	}
	return slices.Clone(r.descriptors)
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.descriptors)
}

// Lazy builds a Registry on first use and shares it afterwards.
type Lazy struct {
	once     sync.Once
	build    func() (*Registry, []diag.Warning)
	registry *Registry
}

func NewLazy(keys []string, known func(kind string) bool) *Lazy {
	keys = slices.Clone(keys)
	return &Lazy{build: func() (*Registry, []diag.Warning) {
		return NewRegistry(keys, known)
	}}
}

// Get returns the shared registry. Build warnings are returned only to the
// caller that triggered the build.
func (l *Lazy) Get() (*Registry, []diag.Warning) {
	var warnings []diag.Warning
	l.once.Do(func() {
		l.registry, warnings = l.build()
	})
	return l.registry, warnings
}

// ResolveKey returns the rule key for subject's owner. Nothing matches when
// the subject has no owner or more than one.
func ResolveKey(ctx context.Context, subject Subject, reg *Registry) (string, bool, []diag.Warning) {
	if reg.Len() == 0 {
		return "", false, nil
	}

	owners, err := subject.Owners(ctx)
	if err != nil {
		return "", false, []diag.Warning{diag.New(diag.KindStorage, subject.ID(), fmt.Errorf("list owners: %w", err))}
	}
	if len(owners) != 1 {
		return "", false, nil
	}
	owner := owners[0]

	var warnings []diag.Warning
	for _, d := range reg.descriptors {
		if owner.Kind() != d.Kind {
			continue
		}
		ref, err := owner.Reference(d.Field)
		if err != nil {
			if errors.Is(err, domain.ErrNoSuchField) {
				warnings = append(warnings, diag.Config(d.Key, "%s is not a valid field on %s to get an image", d.Field, d.Kind))
			} else {
				warnings = append(warnings, diag.New(diag.KindStorage, d.Key, err))
			}
			continue
		}
		if refersTo(ref, subject.ID()) {
			return d.Key, true, warnings
		}
	}
	return "", false, warnings
}

func refersTo(ref domain.Reference, assetID string) bool {
	if ref.Collection {
		return slices.Contains(ref.AssetIDs, assetID)
	}
	return len(ref.AssetIDs) == 1 && ref.AssetIDs[0] == assetID
}
