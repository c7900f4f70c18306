package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"capture-sync/internal/domain"
)

type OperationRepository interface {
	Insert(ctx context.Context, op *domain.Operation) (int64, error)
	Get(ctx context.Context, seq int64) (*domain.Operation, error)
	Heads(ctx context.Context) ([]*domain.Operation, error)
	ListByEntity(ctx context.Context, entityID string) ([]*domain.Operation, error)
	ListFailed(ctx context.Context) ([]*domain.Operation, error)
	Update(ctx context.Context, op *domain.Operation) error
	Delete(ctx context.Context, seq int64) error
	DeletePending(ctx context.Context, seq int64) (bool, error)
	ResetInFlight(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (domain.QueueStats, error)
	ReferencesBlob(ctx context.Context, blobID string) (bool, error)
}

type operationRepository struct {
	db *sql.DB
}

func NewOperationRepository(db *sql.DB) OperationRepository {
	return &operationRepository{db: db}
}

const operationColumns = `seq, entity_type, entity_id, kind, payload, expected_revision, enqueued_at,
	attempt_count, status, next_attempt_at, last_error, terminal, resolved_conflict`

// Insert appends op in a single transaction together with its blob refs and
// returns the assigned sequence number.
func (r *operationRepository) Insert(ctx context.Context, op *domain.Operation) (int64, error) {
	payload, err := marshalFields(op.Payload)
	if err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin enqueue: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO operations
		(entity_type, entity_id, kind, payload, expected_revision, enqueued_at, attempt_count, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		op.EntityType,
		op.EntityID,
		string(op.Kind),
		payload,
		op.ExpectedRevision,
		toUnix(op.EnqueuedAt),
		op.AttemptCount,
		string(op.Status),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert operation: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read operation seq: %w", err)
	}

	for i, blobID := range op.BlobRefs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO operation_blobs (seq, position, blob_id) VALUES (?, ?, ?)`,
			seq, i, blobID,
		); err != nil {
			return 0, fmt.Errorf("failed to insert blob ref: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit operation: %w", err)
	}

	return seq, nil
}

func (r *operationRepository) Get(ctx context.Context, seq int64) (*domain.Operation, error) {
	ops, err := r.query(ctx, `SELECT `+operationColumns+` FROM operations WHERE seq = ?`, seq)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, domain.ErrNotFound
	}
	return ops[0], nil
}

// Heads returns the oldest remaining operation of every entity, ordered by seq.
func (r *operationRepository) Heads(ctx context.Context) ([]*domain.Operation, error) {
	return r.query(ctx, `
		SELECT `+operationColumns+` FROM operations o
		WHERE o.seq = (SELECT MIN(seq) FROM operations WHERE entity_id = o.entity_id)
		ORDER BY o.seq
	`)
}

func (r *operationRepository) ListByEntity(ctx context.Context, entityID string) ([]*domain.Operation, error) {
	return r.query(ctx, `SELECT `+operationColumns+` FROM operations WHERE entity_id = ? ORDER BY seq`, entityID)
}

func (r *operationRepository) ListFailed(ctx context.Context) ([]*domain.Operation, error) {
	return r.query(ctx, `
		SELECT `+operationColumns+` FROM operations
		WHERE status = 'failed' AND terminal = 1
		ORDER BY seq
	`)
}

func (r *operationRepository) Update(ctx context.Context, op *domain.Operation) error {
	payload, err := marshalFields(op.Payload)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE operations SET
			kind = ?, payload = ?, expected_revision = ?, attempt_count = ?, status = ?,
			next_attempt_at = ?, last_error = ?, terminal = ?, resolved_conflict = ?
		WHERE seq = ?
	`,
		string(op.Kind),
		payload,
		op.ExpectedRevision,
		op.AttemptCount,
		string(op.Status),
		toUnix(op.NextAttemptAt),
		op.LastError,
		boolToInt(op.Terminal),
		boolToInt(op.ResolvedConflict),
		op.Seq,
	)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *operationRepository) Delete(ctx context.Context, seq int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM operations WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("failed to delete operation: %w", err)
	}
	return nil
}

// DeletePending removes seq only while it is still pending and reports
// whether it did.
func (r *operationRepository) DeletePending(ctx context.Context, seq int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM operations WHERE seq = ? AND status = 'pending'`, seq)
	if err != nil {
		return false, fmt.Errorf("failed to delete operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read deleted rows: %w", err)
	}
	return n == 1, nil
}

// ResetInFlight returns operations left in flight by a crash to pending.
func (r *operationRepository) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE operations SET status = 'pending' WHERE status = 'in_flight'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-flight operations: %w", err)
	}
	return res.RowsAffected()
}

func (r *operationRepository) Stats(ctx context.Context) (domain.QueueStats, error) {
	var stats domain.QueueStats

	rows, err := r.db.QueryContext(ctx, `SELECT status, terminal, COUNT(*) FROM operations GROUP BY status, terminal`)
	if err != nil {
		return stats, fmt.Errorf("failed to count operations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status   string
			terminal int
			count    int
		)
		if err := rows.Scan(&status, &terminal, &count); err != nil {
			return stats, fmt.Errorf("failed to scan operation count: %w", err)
		}
		switch domain.OperationStatus(status) {
		case domain.StatusPending:
			stats.Pending += count
		case domain.StatusInFlight:
			stats.InFlight += count
		case domain.StatusFailed:
			if terminal == 1 {
				stats.Failed += count
			} else {
				stats.Retrying += count
			}
		}
	}

	return stats, rows.Err()
}

func (r *operationRepository) ReferencesBlob(ctx context.Context, blobID string) (bool, error) {
	var exists int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM operation_blobs WHERE blob_id = ? LIMIT 1`, blobID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check blob references: %w", err)
	}
	return true, nil
}

func (r *operationRepository) query(ctx context.Context, query string, args ...interface{}) ([]*domain.Operation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var ops []*domain.Operation
	for rows.Next() {
		var (
			op               domain.Operation
			kind, status     string
			payload          string
			enqueuedAt       int64
			nextAttemptAt    int64
			terminal         int
			resolvedConflict int
		)
		if err := rows.Scan(
			&op.Seq, &op.EntityType, &op.EntityID, &kind, &payload, &op.ExpectedRevision, &enqueuedAt,
			&op.AttemptCount, &status, &nextAttemptAt, &op.LastError, &terminal, &resolvedConflict,
		); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}

		op.Kind = domain.OperationKind(kind)
		op.Status = domain.OperationStatus(status)
		op.EnqueuedAt = fromUnix(enqueuedAt)
		op.NextAttemptAt = fromUnix(nextAttemptAt)
		op.Terminal = terminal == 1
		op.ResolvedConflict = resolvedConflict == 1
		if op.Payload, err = unmarshalFields(payload); err != nil {
			return nil, err
		}
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate operations: %w", err)
	}
	rows.Close()

	for _, op := range ops {
		if op.BlobRefs, err = r.blobRefs(ctx, op.Seq); err != nil {
			return nil, err
		}
	}

	return ops, nil
}

func (r *operationRepository) blobRefs(ctx context.Context, seq int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT blob_id FROM operation_blobs WHERE seq = ? ORDER BY position`, seq)
	if err != nil {
		return nil, fmt.Errorf("failed to query blob refs: %w", err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan blob ref: %w", err)
		}
		refs = append(refs, id)
	}
	return refs, rows.Err()
}
