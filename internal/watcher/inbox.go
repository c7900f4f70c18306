// Package watcher imports files dropped into the capture inbox.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"capture-sync/internal/domain"
	"capture-sync/internal/service"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Importer stages and enqueues one inbox file.
type Importer interface {
	ImportFile(ctx context.Context, path string) (*domain.CaptureResponse, error)
}

// InboxWatcher imports files once they stop changing, then removes them from
// the inbox. Files that cannot be imported are left in place.
type InboxWatcher struct {
	dir      string
	importer Importer
	settle   time.Duration
	logger   *zap.Logger

	pending map[string]time.Time
	failed  map[string]bool
}

func NewInboxWatcher(dir string, importer Importer, logger *zap.Logger) *InboxWatcher {
	return &InboxWatcher{
		dir:      dir,
		importer: importer,
		settle:   500 * time.Millisecond,
		logger:   logger,
		pending:  make(map[string]time.Time),
		failed:   make(map[string]bool),
	}
}

// Run watches the inbox until ctx is cancelled. Files already present when it
// starts are imported first.
func (w *InboxWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create inbox %s: %w", w.dir, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch inbox %s: %w", w.dir, err)
	}

	if err := w.sweep(ctx); err != nil {
		w.logger.Warn("inbox sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(w.settle / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.observe(event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("inbox watcher error", zap.Error(err))

		case now := <-ticker.C:
			w.flush(ctx, now)
		}
	}
}

func (w *InboxWatcher) observe(event fsnotify.Event) {
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		delete(w.pending, event.Name)
		delete(w.failed, event.Name)
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if !eligible(event.Name) {
		return
	}
	delete(w.failed, event.Name)
	w.pending[event.Name] = time.Now()
}

func (w *InboxWatcher) sweep(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to list inbox: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if eligible(path) {
			w.importFile(ctx, path)
		}
	}
	return nil
}

func (w *InboxWatcher) flush(ctx context.Context, now time.Time) {
	for path, seen := range w.pending {
		if now.Sub(seen) < w.settle {
			continue
		}
		delete(w.pending, path)
		if !w.failed[path] {
			w.importFile(ctx, path)
		}
	}
}

func (w *InboxWatcher) importFile(ctx context.Context, path string) {
	resp, err := w.importer.ImportFile(ctx, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		w.failed[path] = true
		w.logger.Error("failed to import inbox file", zap.String("path", path), zap.Error(err))
		return
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("imported file could not be removed from inbox", zap.String("path", path), zap.Error(err))
	}
	w.logger.Info("inbox file imported",
		zap.String("file", filepath.Base(path)),
		zap.String("entity_id", resp.EntityID),
		zap.String("blob_id", resp.BlobID),
	)
}

// eligible skips hidden and partially written files along with anything the
// importer does not accept.
func eligible(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".part") {
		return false
	}
	return service.Importable(path)
}
