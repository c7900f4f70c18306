// Package remote adapts the CouchDB server to the document store, blob store
// and change feed the sync engine drains against.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"capture-sync/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

type DocumentStore interface {
	Get(ctx context.Context, entityType, entityID string) (map[string]interface{}, string, error)
	// Write stores fields. An empty expectedRevision means the document must
	// not exist yet.
	Write(ctx context.Context, entityType, entityID string, fields map[string]interface{}, expectedRevision string) (string, error)
	Delete(ctx context.Context, entityType, entityID, expectedRevision string) (string, error)
}

type BlobStore interface {
	// Put is idempotent: identical content ids yield the same url.
	Put(ctx context.Context, blobID, contentType string, data []byte) (string, error)
}

type ChangeFeed interface {
	Changes(ctx context.Context, since string, collections []string) (<-chan domain.RemoteChange, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

func DocID(entityType, entityID string) string {
	return fmt.Sprintf("%s:%s", entityType, entityID)
}

// SplitDocID is the inverse of DocID.
func SplitDocID(docID string) (entityType, entityID string, ok bool) {
	i := strings.IndexByte(docID, ':')
	if i <= 0 || i == len(docID)-1 {
		return "", "", false
	}
	return docID[:i], docID[i+1:], true
}

// stripReserved drops CouchDB bookkeeping keys (_id, _rev, _attachments...).
func stripReserved(doc map[string]interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		if strings.HasPrefix(k, "_") {
			continue
		}
		fields[k] = v
	}
	return fields
}

// classify maps a kivik failure onto the engine's error taxonomy.
func classify(err error, entityID, expectedRevision string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &domain.TransientRemoteError{Err: err}
	}

	switch status := kivik.HTTPStatus(err); status {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", entityID, domain.ErrNotFound)
	case http.StatusConflict, http.StatusPreconditionFailed:
		return &domain.ConflictError{EntityID: entityID, ExpectedRevision: expectedRevision, Err: err}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &domain.AuthError{Err: err}
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return &domain.PermanentRemoteError{Reason: http.StatusText(status), Err: err}
	default:
		return &domain.TransientRemoteError{Err: err}
	}
}
