package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"capture-sync/internal/domain"
	"capture-sync/internal/remote"
	"capture-sync/internal/repository"
	"capture-sync/pkg/hash"

	"go.uber.org/zap"
)

// BlobReferences reports whether any operation still needs a blob.
type BlobReferences interface {
	ReferencesBlob(ctx context.Context, blobID string) (bool, error)
}

type BlobService struct {
	blobRepo repository.BlobRepository
	refs     BlobReferences
	store    remote.BlobStore
	dir      string
	logger   *zap.Logger
	now      func() time.Time
}

func NewBlobService(
	blobRepo repository.BlobRepository,
	refs BlobReferences,
	store remote.BlobStore,
	dir string,
	logger *zap.Logger,
) *BlobService {
	return &BlobService{
		blobRepo: blobRepo,
		refs:     refs,
		store:    store,
		dir:      dir,
		logger:   logger,
		now:      time.Now,
	}
}

// Stage keeps a local copy of data and returns its content id. Staging the
// same bytes twice yields the same id and a single copy.
func (s *BlobService) Stage(ctx context.Context, data []byte, contentType string) (string, error) {
	id := hash.Content(data)

	if ok, err := s.staged(ctx, id); err != nil || ok {
		return id, err
	}

	path, err := s.writeAtomic(id, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return "", &domain.PersistenceError{Op: "stage blob", Err: err}
	}

	return id, s.record(ctx, id, path, int64(len(data)), contentType)
}

// StageFile stages the contents of path without holding it in memory.
func (s *BlobService) StageFile(ctx context.Context, path, contentType string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &domain.PersistenceError{Op: "stage file", Err: err}
	}
	defer f.Close()

	id, size, err := hash.Reader(f)
	if err != nil {
		return "", &domain.PersistenceError{Op: "stage file", Err: err}
	}

	if ok, err := s.staged(ctx, id); err != nil || ok {
		return id, err
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", &domain.PersistenceError{Op: "stage file", Err: err}
	}

	staged, err := s.writeAtomic(id, func(w io.Writer) error {
		_, err := io.Copy(w, f)
		return err
	})
	if err != nil {
		return "", &domain.PersistenceError{Op: "stage file", Err: err}
	}

	return id, s.record(ctx, id, staged, size, contentType)
}

func (s *BlobService) Get(ctx context.Context, id string) (*domain.BlobRecord, error) {
	return s.blobRepo.Get(ctx, id)
}

// Upload sends a staged blob to the remote store and returns its url. A blob
// that was already uploaded returns the stored url without a remote call.
func (s *BlobService) Upload(ctx context.Context, id string) (string, error) {
	rec, err := s.blobRepo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", &domain.PermanentRemoteError{Reason: fmt.Sprintf("blob %s is not staged", id)}
		}
		return "", err
	}
	if rec.UploadStatus == domain.BlobUploaded && rec.RemoteURL != "" {
		return rec.RemoteURL, nil
	}

	data, err := os.ReadFile(rec.LocalPath)
	if err != nil {
		return "", &domain.PermanentRemoteError{Reason: fmt.Sprintf("staged copy of blob %s is unreadable", id), Err: err}
	}

	rec.UploadStatus = domain.BlobUploading
	if err := s.blobRepo.Update(ctx, rec); err != nil {
		return "", err
	}

	url, err := s.store.Put(ctx, id, rec.ContentType, data)
	if err != nil {
		rec.UploadStatus = domain.BlobFailed
		if updateErr := s.blobRepo.Update(context.WithoutCancel(ctx), rec); updateErr != nil {
			s.logger.Warn("failed to record blob upload failure", zap.String("blob_id", id), zap.Error(updateErr))
		}
		return "", err
	}

	rec.UploadStatus = domain.BlobUploaded
	rec.RemoteURL = url
	if err := s.blobRepo.Update(context.WithoutCancel(ctx), rec); err != nil {
		return "", err
	}

	s.logger.Debug("blob uploaded", zap.String("blob_id", id), zap.Int64("size", rec.Size), zap.String("url", url))
	return url, nil
}

// Evict removes the staged copy of an uploaded blob. The record and its url
// are kept so later references resolve without another upload. A blob that
// is still referenced or not yet uploaded keeps its copy.
func (s *BlobService) Evict(ctx context.Context, id string) error {
	inUse, err := s.refs.ReferencesBlob(ctx, id)
	if err != nil {
		return err
	}
	if inUse {
		return ErrBlobInUse
	}

	rec, err := s.blobRepo.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.LocalPath == "" {
		return nil
	}
	if rec.UploadStatus != domain.BlobUploaded {
		return ErrBlobNotUploaded
	}

	if err := os.Remove(rec.LocalPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove staged blob: %w", err)
	}

	rec.LocalPath = ""
	if err := s.blobRepo.Update(ctx, rec); err != nil {
		return err
	}

	s.logger.Debug("staged blob evicted", zap.String("blob_id", id))
	return nil
}

// EvictUnreferenced evicts every uploaded blob no operation refers to and
// returns how many staged copies were removed.
func (s *BlobService) EvictUnreferenced(ctx context.Context) (int, error) {
	uploaded, err := s.blobRepo.ListByStatus(ctx, domain.BlobUploaded)
	if err != nil {
		return 0, err
	}

	evicted := 0
	for _, rec := range uploaded {
		if rec.LocalPath == "" {
			continue
		}
		if err := s.Evict(ctx, rec.ID); err != nil {
			if errors.Is(err, ErrBlobInUse) {
				continue
			}
			return evicted, err
		}
		evicted++
	}
	return evicted, nil
}

// staged reports whether id already has a usable record: a local copy, or a
// remote url once the copy has been evicted.
func (s *BlobService) staged(ctx context.Context, id string) (bool, error) {
	rec, err := s.blobRepo.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, &domain.PersistenceError{Op: "stage blob", Err: err}
	}

	if rec.UploadStatus == domain.BlobUploaded && rec.RemoteURL != "" {
		return true, nil
	}
	if rec.LocalPath == "" {
		return false, nil
	}
	if _, err := os.Stat(rec.LocalPath); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *BlobService) record(ctx context.Context, id, path string, size int64, contentType string) error {
	rec := &domain.BlobRecord{
		ID:           id,
		LocalPath:    path,
		Size:         size,
		ContentType:  contentType,
		UploadStatus: domain.BlobStaged,
		StagedAt:     s.now(),
	}

	created, err := s.blobRepo.Create(ctx, rec)
	if err != nil {
		return &domain.PersistenceError{Op: "stage blob", Err: err}
	}
	if !created {
		// Known blob whose staged copy was lost; point the record at the new copy.
		if err := s.blobRepo.Update(ctx, rec); err != nil {
			return &domain.PersistenceError{Op: "stage blob", Err: err}
		}
	}

	s.logger.Debug("blob staged", zap.String("blob_id", id), zap.Int64("size", size), zap.String("content_type", contentType))
	return nil
}

// writeAtomic writes a staged copy through a temp file so a crash never
// leaves a partial blob under its final name.
func (s *BlobService) writeAtomic(id string, write func(io.Writer) error) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, id+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close blob: %w", err)
	}

	path := filepath.Join(s.dir, id)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to move blob into place: %w", err)
	}
	return path, nil
}
