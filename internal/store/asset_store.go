package store

import (
	"context"

	"github.com/dunamismax/pixelnorm/internal/domain"
)

type AssetStore interface {
	GetAsset(ctx context.Context, id string) (domain.AssetRecord, bool, error)
	SaveAsset(ctx context.Context, rec domain.AssetRecord) error
	PublishAsset(ctx context.Context, id string) error
	SaveOwner(ctx context.Context, owner domain.OwnerRecord) error
	OwnersOf(ctx context.Context, assetID string) ([]domain.OwnerRecord, error)
}

type LogStore interface {
	CreateNormalizationLog(ctx context.Context, entry domain.NormalizationLog) error
}
