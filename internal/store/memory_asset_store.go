package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dunamismax/pixelnorm/internal/domain"
)

type MemoryAssetStore struct {
	mu     sync.RWMutex
	assets map[string]domain.AssetRecord
	owners map[string]domain.OwnerRecord
	logs   []domain.NormalizationLog
}

func NewMemoryAssetStore() *MemoryAssetStore {
	return &MemoryAssetStore{
		assets: make(map[string]domain.AssetRecord),
		owners: make(map[string]domain.OwnerRecord),
	}
}

func (s *MemoryAssetStore) GetAsset(_ context.Context, id string) (domain.AssetRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.assets[id]
	return rec, ok, nil
}

func (s *MemoryAssetStore) SaveAsset(_ context.Context, rec domain.AssetRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.assets[rec.ID] = rec
	return nil
}

func (s *MemoryAssetStore) PublishAsset(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.assets[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrAssetNotFound, id)
	}
	rec.Published = true
	rec.ModifiedOnDraft = false
	rec.UpdatedAt = time.Now().UTC()
	s.assets[id] = rec
	return nil
}

func (s *MemoryAssetStore) SaveOwner(_ context.Context, owner domain.OwnerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner.Fields = maps.Clone(owner.Fields)
	s.owners[ownerKey(owner)] = owner
	return nil
}

func (s *MemoryAssetStore) OwnersOf(_ context.Context, assetID string) ([]domain.OwnerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.OwnerRecord
	for _, key := range slices.Sorted(maps.Keys(s.owners)) {
		if owner := s.owners[key]; owner.References(assetID) {
			out = append(out, owner)
		}
	}
	return out, nil
}

func (s *MemoryAssetStore) CreateNormalizationLog(_ context.Context, entry domain.NormalizationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	return nil
}

// NormalizationLogs returns the recorded runs, oldest first.
func (s *MemoryAssetStore) NormalizationLogs() []domain.NormalizationLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.logs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func ownerKey(o domain.OwnerRecord) string {
	return o.Type + "\x00" + o.ID
}
