package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	MetadataChangesSince = "changes_since"
	MetadataLastDrain    = "last_drain"
)

// SyncMetadataRepository keeps small bookkeeping values, such as the changes
// feed resume sequence, across restarts.
type SyncMetadataRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	UpdateLastDrain(ctx context.Context, at time.Time) error
	LastDrain(ctx context.Context) (time.Time, error)
}

type syncMetadataRepo struct {
	db *sql.DB
}

func NewSyncMetadataRepository(db *sql.DB) SyncMetadataRepository {
	return &syncMetadataRepo{db: db}
}

// Get returns "" when the key was never written.
func (r *syncMetadataRepo) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sync metadata %s: %w", key, err)
	}
	return value, nil
}

func (r *syncMetadataRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write sync metadata %s: %w", key, err)
	}
	return nil
}

func (r *syncMetadataRepo) UpdateLastDrain(ctx context.Context, at time.Time) error {
	return r.Set(ctx, MetadataLastDrain, at.UTC().Format(time.RFC3339Nano))
}

func (r *syncMetadataRepo) LastDrain(ctx context.Context) (time.Time, error) {
	value, err := r.Get(ctx, MetadataLastDrain)
	if err != nil || value == "" {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, value)
}
