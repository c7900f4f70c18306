package remote

import (
	"context"
	"time"

	"capture-sync/internal/domain"

	"github.com/go-kivik/kivik/v4"
	"go.uber.org/zap"
)

type changeFeed struct {
	client       *kivik.Client
	dbName       string
	pollTimeout  time.Duration
	retryBackoff time.Duration
	logger       *zap.Logger
}

// NewChangeFeed follows the database _changes feed in longpoll mode.
func NewChangeFeed(client *kivik.Client, dbName string, logger *zap.Logger) ChangeFeed {
	return &changeFeed{
		client:       client,
		dbName:       dbName,
		pollTimeout:  60 * time.Second,
		retryBackoff: 5 * time.Second,
		logger:       logger,
	}
}

// Changes streams changes to documents of the given collections, starting
// after since. The channel is closed when ctx is done.
func (f *changeFeed) Changes(ctx context.Context, since string, collections []string) (<-chan domain.RemoteChange, error) {
	if since == "" {
		since = "now"
	}

	out := make(chan domain.RemoteChange, 64)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			next, err := f.poll(ctx, since, collections, out)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				f.logger.Warn("changes feed poll failed", zap.Error(err), zap.String("since", since))
				select {
				case <-ctx.Done():
					return
				case <-time.After(f.retryBackoff):
				}
				continue
			}
			since = next
		}
	}()

	return out, nil
}

func (f *changeFeed) poll(ctx context.Context, since string, collections []string, out chan<- domain.RemoteChange) (string, error) {
	db := f.client.DB(f.dbName)

	changes := db.Changes(ctx, kivik.Params(map[string]interface{}{
		"feed":         "longpoll",
		"since":        since,
		"include_docs": true,
		"timeout":      f.pollTimeout.Milliseconds(),
	}))
	defer changes.Close()

	for changes.Next() {
		var doc map[string]interface{}
		if !changes.Deleted() {
			if err := changes.ScanDoc(&doc); err != nil {
				f.logger.Warn("skipping undecodable change", zap.String("id", changes.ID()), zap.Error(err))
				continue
			}
		}

		change, ok := changeFromDoc(changes.ID(), changes.Changes(), changes.Deleted(), doc, collections)
		if !ok {
			continue
		}
		change.Seq = changes.Seq()

		select {
		case out <- change:
		case <-ctx.Done():
			return since, ctx.Err()
		}
	}
	if err := changes.Err(); err != nil {
		return since, classify(err, f.dbName, "")
	}

	meta, err := changes.Metadata()
	if err != nil {
		return since, err
	}
	if meta.LastSeq == "" {
		return since, nil
	}
	return meta.LastSeq, nil
}

func changeFromDoc(docID string, revs []string, deleted bool, doc map[string]interface{}, collections []string) (domain.RemoteChange, bool) {
	entityType, entityID, ok := SplitDocID(docID)
	if !ok || !contains(collections, entityType) {
		return domain.RemoteChange{}, false
	}

	change := domain.RemoteChange{
		EntityType: entityType,
		EntityID:   entityID,
		Deleted:    deleted,
	}
	if len(revs) > 0 {
		change.Revision = revs[0]
	}
	if doc != nil {
		if rev, ok := doc["_rev"].(string); ok {
			change.Revision = rev
		}
		change.Fields = stripReserved(doc)
	}
	return change, true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
