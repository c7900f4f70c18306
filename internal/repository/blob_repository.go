package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"capture-sync/internal/domain"
)

type BlobRepository interface {
	// Create inserts rec unless a blob with the same id exists. It reports
	// whether a row was written.
	Create(ctx context.Context, rec *domain.BlobRecord) (bool, error)
	Get(ctx context.Context, id string) (*domain.BlobRecord, error)
	Update(ctx context.Context, rec *domain.BlobRecord) error
	ListByStatus(ctx context.Context, status domain.UploadStatus) ([]*domain.BlobRecord, error)
}

type blobRepository struct {
	db *sql.DB
}

func NewBlobRepository(db *sql.DB) BlobRepository {
	return &blobRepository{db: db}
}

func (r *blobRepository) Create(ctx context.Context, rec *domain.BlobRecord) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO blobs (id, local_path, size, content_type, upload_status, remote_url, staged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		rec.LocalPath,
		rec.Size,
		rec.ContentType,
		string(rec.UploadStatus),
		rec.RemoteURL,
		toUnix(rec.StagedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to create blob: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to create blob: %w", err)
	}
	return n == 1, nil
}

func (r *blobRepository) Get(ctx context.Context, id string) (*domain.BlobRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, local_path, size, content_type, upload_status, remote_url, staged_at
		FROM blobs WHERE id = ?
	`, id)

	rec, err := scanBlob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return rec, err
}

func (r *blobRepository) Update(ctx context.Context, rec *domain.BlobRecord) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE blobs SET local_path = ?, upload_status = ?, remote_url = ? WHERE id = ?
	`, rec.LocalPath, string(rec.UploadStatus), rec.RemoteURL, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update blob: %w", err)
	}
	return nil
}

func (r *blobRepository) ListByStatus(ctx context.Context, status domain.UploadStatus) ([]*domain.BlobRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, local_path, size, content_type, upload_status, remote_url, staged_at
		FROM blobs WHERE upload_status = ? ORDER BY staged_at
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	defer rows.Close()

	var recs []*domain.BlobRecord
	for rows.Next() {
		rec, err := scanBlob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBlob(row rowScanner) (*domain.BlobRecord, error) {
	var (
		rec      domain.BlobRecord
		status   string
		stagedAt int64
	)
	if err := row.Scan(&rec.ID, &rec.LocalPath, &rec.Size, &rec.ContentType, &status, &rec.RemoteURL, &stagedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan blob: %w", err)
	}
	rec.UploadStatus = domain.UploadStatus(status)
	rec.StagedAt = fromUnix(stagedAt)
	return &rec, nil
}
