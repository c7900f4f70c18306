package service

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"capture-sync/internal/domain"
	"capture-sync/internal/repository"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDoc struct {
	fields     map[string]interface{}
	generation int
	deleted    bool
}

func (d *fakeDoc) revision() string {
	return fmt.Sprintf("%d-x", d.generation)
}

type writeCall struct {
	entityID     string
	kind         string
	fields       map[string]interface{}
	precondition string
}

// fakeDocStore mimics CouchDB revision preconditions in memory.
type fakeDocStore struct {
	mu     sync.Mutex
	docs   map[string]*fakeDoc
	writes []writeCall

	// writeErr, when set, is returned by every Write and Delete.
	writeErr error
	// beforeWrite runs before each Write and Delete outside the lock.
	beforeWrite func(entityType, entityID string)
	delay       time.Duration

	inflight    map[string]int
	maxInflight int
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{
		docs:     make(map[string]*fakeDoc),
		inflight: make(map[string]int),
	}
}

func (f *fakeDocStore) seed(entityType, entityID string, fields map[string]interface{}, generation int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[entityType+":"+entityID] = &fakeDoc{fields: domain.CloneFields(fields), generation: generation}
}

func (f *fakeDocStore) doc(entityType, entityID string) (*fakeDoc, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[entityType+":"+entityID]
	if !ok {
		return nil, false
	}
	c := *d
	c.fields = domain.CloneFields(d.fields)
	return &c, true
}

func (f *fakeDocStore) writesFor(entityID string) []writeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []writeCall
	for _, w := range f.writes {
		if w.entityID == entityID {
			out = append(out, w)
		}
	}
	return out
}

func (f *fakeDocStore) Get(ctx context.Context, entityType, entityID string) (map[string]interface{}, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.docs[entityType+":"+entityID]
	if !ok || d.deleted {
		return nil, "", fmt.Errorf("%s: %w", entityID, domain.ErrNotFound)
	}
	return domain.CloneFields(d.fields), d.revision(), nil
}

func (f *fakeDocStore) enter(entityType, entityID string) {
	if f.beforeWrite != nil {
		f.beforeWrite(entityType, entityID)
	}

	f.mu.Lock()
	f.inflight[entityID]++
	if f.inflight[entityID] > f.maxInflight {
		f.maxInflight = f.inflight[entityID]
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
}

func (f *fakeDocStore) leave(entityID string) {
	f.inflight[entityID]--
}

func (f *fakeDocStore) Write(ctx context.Context, entityType, entityID string, fields map[string]interface{}, expectedRevision string) (string, error) {
	f.enter(entityType, entityID)
	if err := ctx.Err(); err != nil {
		f.mu.Lock()
		f.leave(entityID)
		f.mu.Unlock()
		return "", &domain.TransientRemoteError{Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	defer f.leave(entityID)

	f.writes = append(f.writes, writeCall{entityID: entityID, kind: "write", fields: domain.CloneFields(fields), precondition: expectedRevision})
	if f.writeErr != nil {
		return "", f.writeErr
	}

	key := entityType + ":" + entityID
	d, ok := f.docs[key]
	current := ""
	if ok && !d.deleted {
		current = d.revision()
	}
	if expectedRevision != current {
		return "", &domain.ConflictError{EntityID: entityID, ExpectedRevision: expectedRevision}
	}

	if !ok {
		d = &fakeDoc{}
		f.docs[key] = d
	}
	d.generation++
	d.deleted = false
	d.fields = domain.CloneFields(fields)
	return d.revision(), nil
}

func (f *fakeDocStore) Delete(ctx context.Context, entityType, entityID, expectedRevision string) (string, error) {
	f.enter(entityType, entityID)

	f.mu.Lock()
	defer f.mu.Unlock()
	defer f.leave(entityID)

	f.writes = append(f.writes, writeCall{entityID: entityID, kind: "delete", precondition: expectedRevision})
	if f.writeErr != nil {
		return "", f.writeErr
	}

	d, ok := f.docs[entityType+":"+entityID]
	if !ok || d.deleted {
		return "", fmt.Errorf("%s: %w", entityID, domain.ErrNotFound)
	}
	if expectedRevision != d.revision() {
		return "", &domain.ConflictError{EntityID: entityID, ExpectedRevision: expectedRevision}
	}
	d.generation++
	d.deleted = true
	return d.revision(), nil
}

type fakeBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	err     error

	// beforePut runs before each Put outside the lock.
	beforePut func(blobID string)
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: make(map[string][]byte)}
}

func (f *fakeBlobStore) Put(ctx context.Context, blobID, contentType string, data []byte) (string, error) {
	if f.beforePut != nil {
		f.beforePut(blobID)
	}
	if err := ctx.Err(); err != nil {
		return "", &domain.TransientRemoteError{Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return "", f.err
	}
	f.puts++
	f.objects[blobID] = append([]byte(nil), data...)
	return "https://blobs.test/" + blobID, nil
}

func (f *fakeBlobStore) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

type fakeMonitor struct {
	mu           sync.Mutex
	state        domain.ConnectivityState
	authFailures int
	subscribers  []chan domain.Transition
}

func newFakeMonitor(state domain.ConnectivityState) *fakeMonitor {
	return &fakeMonitor{state: state}
}

func (m *fakeMonitor) State() domain.ConnectivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *fakeMonitor) set(to domain.ConnectivityState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := domain.Transition{From: m.state, To: to, At: time.Now()}
	m.state = to
	for _, ch := range m.subscribers {
		select {
		case ch <- t:
		default:
		}
	}
}

func (m *fakeMonitor) ReportAuthFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authFailures++
	m.state = domain.StateOnline
}

func (m *fakeMonitor) Subscribe() (<-chan domain.Transition, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan domain.Transition, 4)
	m.subscribers = append(m.subscribers, ch)
	return ch, func() {}
}

type harness struct {
	path string
	db   *sql.DB

	opRepo   repository.OperationRepository
	metadata repository.SyncMetadataRepository

	queue    *QueueService
	cache    *CacheService
	blobs    *BlobService
	resolver *ConflictService
	sync     *SyncService
	capture  *CaptureService

	docs    *fakeDocStore
	store   *fakeBlobStore
	monitor *fakeMonitor
	blobDir string
}

type harnessOption func(*SyncOptions, *domain.DeletePolicy)

func withDeletePolicy(p domain.DeletePolicy) harnessOption {
	return func(_ *SyncOptions, dp *domain.DeletePolicy) { *dp = p }
}

func withRemoteDeltaPolicy(p domain.RemoteDeltaPolicy) harnessOption {
	return func(o *SyncOptions, _ *domain.DeletePolicy) { o.RemoteDeltaPolicy = p }
}

func withConcurrency(n int) harnessOption {
	return func(o *SyncOptions, _ *domain.DeletePolicy) { o.Concurrency = n }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	return openHarness(t, filepath.Join(t.TempDir(), "capture.db"), t.TempDir(), opts...)
}

func openHarness(t *testing.T, path, blobDir string, opts ...harnessOption) *harness {
	t.Helper()

	db, err := repository.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	syncOpts := SyncOptions{
		Concurrency:       2,
		WriteTimeout:      time.Second,
		Interval:          time.Hour,
		RemoteDeltaPolicy: domain.RemoteDeltaDefer,
	}
	deletePolicy := domain.DeleteWins
	for _, opt := range opts {
		opt(&syncOpts, &deletePolicy)
	}

	logger := zap.NewNop()
	h := &harness{
		path:     path,
		db:       db,
		opRepo:   repository.NewOperationRepository(db),
		metadata: repository.NewSyncMetadataRepository(db),
		docs:     newFakeDocStore(),
		store:    newFakeBlobStore(),
		monitor:  newFakeMonitor(domain.StateAuthenticated),
		blobDir:  blobDir,
	}

	h.queue = NewQueueService(h.opRepo, logger)
	h.cache = NewCacheService(repository.NewEntityRepository(db), h.queue, logger)
	require.NoError(t, h.cache.Load(context.Background()))
	h.blobs = NewBlobService(repository.NewBlobRepository(db), h.opRepo, h.store, blobDir, logger)
	h.resolver = NewConflictService(repository.NewConflictRepository(db), h.docs, deletePolicy, logger)

	policy := NewRetryPolicy(10*time.Millisecond, time.Second, 3)
	policy.jitter = nil
	h.sync = NewSyncService(h.queue, h.cache, h.blobs, h.resolver, h.monitor, h.docs, h.metadata, policy, syncOpts, logger)
	h.capture = NewCaptureService(h.queue, h.cache, h.blobs, logger)
	return h
}

func (h *harness) enqueue(t *testing.T, entityID string, kind domain.OperationKind, payload map[string]interface{}) int64 {
	t.Helper()
	resp, err := h.capture.Enqueue(context.Background(), &domain.EnqueueRequest{
		EntityType: "workouts",
		EntityID:   entityID,
		Kind:       kind,
		Payload:    payload,
	})
	require.NoError(t, err)
	return resp.OperationSeq
}

func (h *harness) drain(t *testing.T) *DrainReport {
	t.Helper()
	report, err := h.sync.Drain(context.Background())
	require.NoError(t, err)
	return report
}

func (h *harness) stats(t *testing.T) domain.QueueStats {
	t.Helper()
	stats, err := h.queue.Stats(context.Background())
	require.NoError(t, err)
	return stats
}
