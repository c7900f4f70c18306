package remote

import (
	"context"

	"capture-sync/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

type documentStore struct {
	client *kivik.Client
	dbName string
}

func NewDocumentStore(client *kivik.Client, dbName string) DocumentStore {
	return &documentStore{
		client: client,
		dbName: dbName,
	}
}

func (s *documentStore) Get(ctx context.Context, entityType, entityID string) (map[string]interface{}, string, error) {
	db := s.client.DB(s.dbName)

	row := db.Get(ctx, DocID(entityType, entityID))

	var doc map[string]interface{}
	if err := row.ScanDoc(&doc); err != nil {
		return nil, "", classify(err, entityID, "")
	}

	rev, _ := doc["_rev"].(string)
	return stripReserved(doc), rev, nil
}

func (s *documentStore) Write(ctx context.Context, entityType, entityID string, fields map[string]interface{}, expectedRevision string) (string, error) {
	db := s.client.DB(s.dbName)

	doc := stripReserved(fields)
	if expectedRevision != "" {
		doc["_rev"] = expectedRevision
	}

	rev, err := db.Put(ctx, DocID(entityType, entityID), doc)
	if err != nil {
		return "", classify(err, entityID, expectedRevision)
	}
	return rev, nil
}

func (s *documentStore) Delete(ctx context.Context, entityType, entityID, expectedRevision string) (string, error) {
	if expectedRevision == "" {
		// CouchDB needs the current revision to delete; without one the
		// resolver has to look the document up first.
		return "", &domain.ConflictError{EntityID: entityID}
	}

	db := s.client.DB(s.dbName)

	rev, err := db.Delete(ctx, DocID(entityType, entityID), expectedRevision)
	if err != nil {
		return "", classify(err, entityID, expectedRevision)
	}
	return rev, nil
}
