package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/pixelnorm/internal/domain"
	_ "github.com/lib/pq"
)

const assetSchemaSQL = `
CREATE TABLE IF NOT EXISTS assets (
	id TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	width INTEGER NOT NULL DEFAULT 0,
	height INTEGER NOT NULL DEFAULT 0,
	size BIGINT NOT NULL DEFAULT 0,
	published BOOLEAN NOT NULL DEFAULT FALSE,
	modified_on_draft BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS asset_references (
	owner_kind TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	field TEXT NOT NULL,
	collection BOOLEAN NOT NULL DEFAULT FALSE,
	asset_id TEXT NOT NULL,
	position INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (owner_kind, owner_id, field, asset_id)
);

CREATE INDEX IF NOT EXISTS asset_references_asset_id_idx ON asset_references (asset_id);

CREATE TABLE IF NOT EXISTS normalization_logs (
	id BIGSERIAL PRIMARY KEY,
	asset_id TEXT NOT NULL,
	state TEXT NOT NULL,
	format TEXT NOT NULL DEFAULT '',
	width INTEGER NOT NULL DEFAULT 0,
	height INTEGER NOT NULL DEFAULT 0,
	original_bytes BIGINT NOT NULL DEFAULT 0,
	final_bytes BIGINT NOT NULL DEFAULT 0,
	bytes_saved BIGINT NOT NULL DEFAULT 0,
	iterations INTEGER NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);
`

type PostgresAssetStore struct {
	db *sql.DB
}

func NewPostgresAssetStore(ctx context.Context, dsn string) (*PostgresAssetStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresAssetStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresAssetStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, assetSchemaSQL); err != nil {
		return fmt.Errorf("ensure asset schema: %w", err)
	}
	return nil
}

func (s *PostgresAssetStore) Close() error {
	return s.db.Close()
}

func (s *PostgresAssetStore) GetAsset(ctx context.Context, id string) (domain.AssetRecord, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, filename, width, height, size, published, modified_on_draft, created_at, updated_at
		 FROM assets
		 WHERE id = $1`,
		id,
	)

	var rec domain.AssetRecord
	if err := row.Scan(
		&rec.ID,
		&rec.Filename,
		&rec.Width,
		&rec.Height,
		&rec.Size,
		&rec.Published,
		&rec.ModifiedOnDraft,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AssetRecord{}, false, nil
		}
		return domain.AssetRecord{}, false, fmt.Errorf("query asset: %w", err)
	}
	return rec, true, nil
}

func (s *PostgresAssetStore) SaveAsset(ctx context.Context, rec domain.AssetRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO assets (id, filename, width, height, size, published, modified_on_draft, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
			filename = EXCLUDED.filename,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			size = EXCLUDED.size,
			published = EXCLUDED.published,
			modified_on_draft = EXCLUDED.modified_on_draft,
			updated_at = EXCLUDED.updated_at`,
		rec.ID,
		rec.Filename,
		rec.Width,
		rec.Height,
		rec.Size,
		rec.Published,
		rec.ModifiedOnDraft,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert asset: %w", err)
	}
	return nil
}

func (s *PostgresAssetStore) PublishAsset(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE assets
		 SET published = TRUE, modified_on_draft = FALSE, updated_at = $1
		 WHERE id = $2`,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("publish asset: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrAssetNotFound, id)
	}
	return nil
}

func (s *PostgresAssetStore) SaveOwner(ctx context.Context, owner domain.OwnerRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin owner tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(
		ctx,
		`DELETE FROM asset_references WHERE owner_kind = $1 AND owner_id = $2`,
		owner.Type,
		owner.ID,
	); err != nil {
		return fmt.Errorf("clear owner references: %w", err)
	}

	for field, ref := range owner.Fields {
		for pos, assetID := range ref.AssetIDs {
			if _, err := tx.ExecContext(
				ctx,
				`INSERT INTO asset_references (owner_kind, owner_id, field, collection, asset_id, position)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				owner.Type,
				owner.ID,
				field,
				ref.Collection,
				assetID,
				pos,
			); err != nil {
				return fmt.Errorf("insert owner reference: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit owner tx: %w", err)
	}
	return nil
}

// OwnersOf loads every owner that references assetID together with all of its
// references, so accessors other than the one pointing at assetID resolve too.
func (s *PostgresAssetStore) OwnersOf(ctx context.Context, assetID string) ([]domain.OwnerRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT r.owner_kind, r.owner_id, r.field, r.collection, r.asset_id
		 FROM asset_references r
		 JOIN (SELECT DISTINCT owner_kind, owner_id FROM asset_references WHERE asset_id = $1) o
		   ON o.owner_kind = r.owner_kind AND o.owner_id = r.owner_id
		 ORDER BY r.owner_kind, r.owner_id, r.field, r.position`,
		assetID,
	)
	if err != nil {
		return nil, fmt.Errorf("query owners: %w", err)
	}
	defer rows.Close()

	var (
		owners []domain.OwnerRecord
		index  = make(map[string]int)
	)
	for rows.Next() {
		var (
			kind, ownerID, field, refID string
			collection                  bool
		)
		if err := rows.Scan(&kind, &ownerID, &field, &collection, &refID); err != nil {
			return nil, fmt.Errorf("scan owner reference: %w", err)
		}
		key := kind + "\x00" + ownerID
		i, ok := index[key]
		if !ok {
			i = len(owners)
			index[key] = i
			owners = append(owners, domain.OwnerRecord{Type: kind, ID: ownerID, Fields: make(map[string]domain.Reference)})
		}
		ref := owners[i].Fields[field]
		ref.Collection = collection
		ref.AssetIDs = append(ref.AssetIDs, refID)
		owners[i].Fields[field] = ref
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate owner references: %w", err)
	}
	return owners, nil
}

func (s *PostgresAssetStore) CreateNormalizationLog(ctx context.Context, entry domain.NormalizationLog) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO normalization_logs
		 (asset_id, state, format, width, height, original_bytes, final_bytes, bytes_saved, iterations, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.AssetID,
		entry.State,
		entry.Format,
		entry.Width,
		entry.Height,
		entry.OriginalBytes,
		entry.FinalBytes,
		entry.BytesSaved,
		entry.Iterations,
		entry.DurationMS,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert normalization log: %w", err)
	}
	return nil
}
