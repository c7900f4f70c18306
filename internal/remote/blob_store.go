package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/go-kivik/kivik/v4"
)

const attachmentName = "content"

type blobStore struct {
	client    *kivik.Client
	dbName    string
	publicURL string
}

// NewBlobStore stores blobs as the single attachment of a "blob:<id>"
// document, so the content id doubles as the remote address.
func NewBlobStore(client *kivik.Client, dbName, publicURL string) BlobStore {
	return &blobStore{
		client:    client,
		dbName:    dbName,
		publicURL: publicURL,
	}
}

func BlobDocID(blobID string) string {
	return "blob:" + blobID
}

func (s *blobStore) URL(blobID string) string {
	return fmt.Sprintf("%s/%s/%s", s.publicURL, url.PathEscape(BlobDocID(blobID)), attachmentName)
}

func (s *blobStore) Put(ctx context.Context, blobID, contentType string, data []byte) (string, error) {
	db := s.client.DB(s.dbName)
	docID := BlobDocID(blobID)

	_, err := db.GetAttachmentMeta(ctx, docID, attachmentName)
	if err == nil {
		return s.URL(blobID), nil
	}
	if kivik.HTTPStatus(err) != http.StatusNotFound {
		return "", classify(err, docID, "")
	}

	att := &kivik.Attachment{
		Filename:    attachmentName,
		ContentType: contentType,
		Content:     io.NopCloser(bytes.NewReader(data)),
	}

	if _, err := db.PutAttachment(ctx, docID, att); err != nil {
		// Another device uploaded the same content first.
		if kivik.HTTPStatus(err) == http.StatusConflict {
			return s.URL(blobID), nil
		}
		return "", classify(err, docID, "")
	}

	return s.URL(blobID), nil
}
