package repository

import (
	"context"
	"database/sql"
	"fmt"

	"capture-sync/internal/domain"
)

type ConflictRepository interface {
	Create(ctx context.Context, conflict *domain.Conflict) error
	List(ctx context.Context, limit int) ([]*domain.Conflict, error)
	ListByEntity(ctx context.Context, entityID string) ([]*domain.Conflict, error)
}

type conflictRepo struct {
	db *sql.DB
}

func NewConflictRepository(db *sql.DB) ConflictRepository {
	return &conflictRepo{db: db}
}

func (r *conflictRepo) Create(ctx context.Context, conflict *domain.Conflict) error {
	remote, err := marshalFields(conflict.RemoteFields)
	if err != nil {
		return err
	}
	local, err := marshalFields(conflict.LocalFields)
	if err != nil {
		return err
	}
	merged, err := marshalFields(conflict.MergedFields)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO conflicts
		(id, operation_seq, entity_type, entity_id, user_id, type, base_revision, remote_revision,
		 remote_fields, local_fields, merged_fields, resolution, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		conflict.ID,
		conflict.OperationSeq,
		conflict.EntityType,
		conflict.EntityID,
		conflict.UserID,
		string(conflict.Type),
		conflict.BaseRevision,
		conflict.RemoteRevision,
		remote,
		local,
		merged,
		string(conflict.Resolution),
		toUnix(conflict.DetectedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create conflict: %w", err)
	}
	return nil
}

func (r *conflictRepo) List(ctx context.Context, limit int) ([]*domain.Conflict, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, `SELECT `+conflictColumns+` FROM conflicts ORDER BY detected_at DESC LIMIT ?`, limit)
}

func (r *conflictRepo) ListByEntity(ctx context.Context, entityID string) ([]*domain.Conflict, error) {
	return r.query(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE entity_id = ? ORDER BY detected_at`, entityID)
}

const conflictColumns = `id, operation_seq, entity_type, entity_id, user_id, type, base_revision, remote_revision,
	remote_fields, local_fields, merged_fields, resolution, detected_at`

func (r *conflictRepo) query(ctx context.Context, query string, args ...interface{}) ([]*domain.Conflict, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*domain.Conflict
	for rows.Next() {
		var (
			c                     domain.Conflict
			typ, resolution       string
			remote, local, merged string
			detectedAt            int64
		)
		if err := rows.Scan(&c.ID, &c.OperationSeq, &c.EntityType, &c.EntityID, &c.UserID, &typ,
			&c.BaseRevision, &c.RemoteRevision, &remote, &local, &merged, &resolution, &detectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		c.Type = domain.ConflictType(typ)
		c.Resolution = domain.ResolutionStrategy(resolution)
		c.DetectedAt = fromUnix(detectedAt)
		if c.RemoteFields, err = unmarshalFields(remote); err != nil {
			return nil, err
		}
		if c.LocalFields, err = unmarshalFields(local); err != nil {
			return nil, err
		}
		if c.MergedFields, err = unmarshalFields(merged); err != nil {
			return nil, err
		}
		conflicts = append(conflicts, &c)
	}
	return conflicts, rows.Err()
}
