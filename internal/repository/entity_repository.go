package repository

import (
	"context"
	"database/sql"
	"fmt"

	"capture-sync/internal/domain"
)

type EntityRepository interface {
	Upsert(ctx context.Context, rec *domain.EntityRecord) error
	Delete(ctx context.Context, entityID string) error
	LoadAll(ctx context.Context) ([]*domain.EntityRecord, error)
}

type entityRepository struct {
	db *sql.DB
}

func NewEntityRepository(db *sql.DB) EntityRepository {
	return &entityRepository{db: db}
}

func (r *entityRepository) Upsert(ctx context.Context, rec *domain.EntityRecord) error {
	fields, err := marshalFields(rec.Fields)
	if err != nil {
		return err
	}
	remoteFields, err := marshalFields(rec.RemoteFields)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO entities
		(entity_id, entity_type, fields, remote_fields, remote_revision, local_dirty, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			entity_type = excluded.entity_type,
			fields = excluded.fields,
			remote_fields = excluded.remote_fields,
			remote_revision = excluded.remote_revision,
			local_dirty = excluded.local_dirty,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at
	`,
		rec.EntityID,
		rec.EntityType,
		fields,
		remoteFields,
		rec.RemoteRevision,
		boolToInt(rec.LocalDirty),
		boolToInt(rec.Deleted),
		toUnix(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}
	return nil
}

func (r *entityRepository) Delete(ctx context.Context, entityID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM entities WHERE entity_id = ?`, entityID); err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}
	return nil
}

func (r *entityRepository) LoadAll(ctx context.Context) ([]*domain.EntityRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT entity_id, entity_type, fields, remote_fields, remote_revision, local_dirty, deleted, updated_at
		FROM entities
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load entities: %w", err)
	}
	defer rows.Close()

	var records []*domain.EntityRecord
	for rows.Next() {
		var (
			rec                  domain.EntityRecord
			fields, remoteFields string
			dirty, deleted       int
			updatedAt            int64
		)
		if err := rows.Scan(&rec.EntityID, &rec.EntityType, &fields, &remoteFields, &rec.RemoteRevision,
			&dirty, &deleted, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		if rec.Fields, err = unmarshalFields(fields); err != nil {
			return nil, err
		}
		if rec.RemoteFields, err = unmarshalFields(remoteFields); err != nil {
			return nil, err
		}
		rec.LocalDirty = dirty == 1
		rec.Deleted = deleted == 1
		rec.UpdatedAt = fromUnix(updatedAt)
		records = append(records, &rec)
	}

	return records, rows.Err()
}
