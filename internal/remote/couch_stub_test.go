package remote

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
	"github.com/stretchr/testify/require"
)

const stubDB = "capture"

type stubDoc struct {
	generation int
	deleted    bool
	body       map[string]interface{}

	attachment  []byte
	contentType string
}

func (d *stubDoc) rev() string {
	return fmt.Sprintf("%d-s", d.generation)
}

type stubFeed struct {
	results []map[string]interface{}
	lastSeq string
}

// couchStub answers the subset of the CouchDB HTTP API the adapters use.
type couchStub struct {
	mu       sync.Mutex
	docs     map[string]*stubDoc
	requests []string
	// revisions holds the _rev carried by each document PUT, "" when absent.
	revisions []string
	sinces    []string
	feeds     map[string]stubFeed

	// lostRace makes the attachment look missing on HEAD while another
	// writer already holds the document.
	lostRace bool
}

func newCouchStub(t *testing.T) (*couchStub, *kivik.Client) {
	t.Helper()

	s := &couchStub{
		docs:  make(map[string]*stubDoc),
		feeds: make(map[string]stubFeed),
	}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	client, err := kivik.New("couch", srv.URL)
	require.NoError(t, err)
	return s, client
}

func (s *couchStub) requestLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *couchStub) revisionLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.revisions...)
}

func (s *couchStub) setFeed(since string, feed stubFeed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds[since] = feed
}

func (s *couchStub) loseRace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lostRace = true
}

func (s *couchStub) sinceLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sinces...)
}

func (s *couchStub) stored(docID string) (*stubDoc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docID]
	if !ok {
		return nil, false
	}
	c := *d
	return &c, true
}

func (s *couchStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/"+stubDB+"/")

	s.mu.Lock()
	s.requests = append(s.requests, r.Method+" "+path)
	s.mu.Unlock()

	switch {
	case path == "_changes":
		s.serveChanges(w, r)
	case strings.HasSuffix(path, "/"+attachmentName):
		s.serveAttachment(w, r, strings.TrimSuffix(path, "/"+attachmentName))
	default:
		s.serveDoc(w, r, path)
	}
}

func (s *couchStub) serveChanges(w http.ResponseWriter, r *http.Request) {
	since := r.URL.Query().Get("since")

	s.mu.Lock()
	s.sinces = append(s.sinces, since)
	feed, ok := s.feeds[since]
	s.mu.Unlock()

	if !ok {
		// Longpoll with nothing new holds the request open.
		<-r.Context().Done()
		return
	}
	writeJSON(w, http.StatusOK, "", map[string]interface{}{
		"results":  feed.results,
		"last_seq": feed.lastSeq,
		"pending":  0,
	})
}

func (s *couchStub) serveAttachment(w http.ResponseWriter, r *http.Request, docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[docID]
	switch r.Method {
	case http.MethodHead:
		if !ok || d.attachment == nil || s.lostRace {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", d.contentType)
		w.Header().Set("ETag", `"md5-stub"`)
		w.Header().Set("Content-Length", fmt.Sprint(len(d.attachment)))
		w.WriteHeader(http.StatusOK)

	case http.MethodPut:
		if ok || s.lostRace {
			writeJSON(w, http.StatusConflict, "", map[string]string{"error": "conflict", "reason": "Document update conflict."})
			return
		}
		data, _ := io.ReadAll(r.Body)
		d = &stubDoc{generation: 1, attachment: data, contentType: r.Header.Get("Content-Type")}
		s.docs[docID] = d
		writeJSON(w, http.StatusCreated, d.rev(), map[string]interface{}{"ok": true, "id": docID, "rev": d.rev()})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *couchStub) serveDoc(w http.ResponseWriter, r *http.Request, docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[docID]
	live := ok && !d.deleted
	conflict := map[string]string{"error": "conflict", "reason": "Document update conflict."}

	switch r.Method {
	case http.MethodGet:
		if !live {
			writeJSON(w, http.StatusNotFound, "", map[string]string{"error": "not_found", "reason": "missing"})
			return
		}
		doc := map[string]interface{}{"_id": docID, "_rev": d.rev()}
		for k, v := range d.body {
			doc[k] = v
		}
		writeJSON(w, http.StatusOK, d.rev(), doc)

	case http.MethodPut:
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, "", map[string]string{"error": "bad_request", "reason": err.Error()})
			return
		}
		rev, _ := body["_rev"].(string)
		s.revisions = append(s.revisions, rev)

		current := ""
		if live {
			current = d.rev()
		}
		if rev != current {
			writeJSON(w, http.StatusConflict, "", conflict)
			return
		}
		if !ok {
			d = &stubDoc{}
			s.docs[docID] = d
		}
		delete(body, "_rev")
		d.body = body
		d.deleted = false
		d.generation++
		writeJSON(w, http.StatusCreated, d.rev(), map[string]interface{}{"ok": true, "id": docID, "rev": d.rev()})

	case http.MethodDelete:
		if !live {
			writeJSON(w, http.StatusNotFound, "", map[string]string{"error": "not_found", "reason": "deleted"})
			return
		}
		if r.URL.Query().Get("rev") != d.rev() {
			writeJSON(w, http.StatusConflict, "", conflict)
			return
		}
		d.deleted = true
		d.generation++
		writeJSON(w, http.StatusOK, d.rev(), map[string]interface{}{"ok": true, "id": docID, "rev": d.rev()})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, etag string, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if etag != "" {
		w.Header().Set("ETag", `"`+etag+`"`)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
