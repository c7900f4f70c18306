package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"capture-sync/internal/domain"
	"capture-sync/internal/repository"

	"go.uber.org/zap"
)

// PendingSource lists the operations of an entity that have not completed.
type PendingSource interface {
	PendingFor(ctx context.Context, entityID string) ([]*domain.Operation, error)
}

// CacheService is the local mirror collaborators read from. Every mutation
// builds a new record and swaps it in under the write lock, so readers see
// either the old or the new state of an entity.
type CacheService struct {
	entityRepo repository.EntityRepository
	pending    PendingSource
	logger     *zap.Logger
	now        func() time.Time

	mu       sync.RWMutex
	entities map[string]*domain.EntityRecord
}

func NewCacheService(entityRepo repository.EntityRepository, pending PendingSource, logger *zap.Logger) *CacheService {
	return &CacheService{
		entityRepo: entityRepo,
		pending:    pending,
		logger:     logger,
		now:        time.Now,
		entities:   make(map[string]*domain.EntityRecord),
	}
}

// Load replaces the in-memory view with the persisted one.
func (s *CacheService) Load(ctx context.Context) error {
	records, err := s.entityRepo.LoadAll(ctx)
	if err != nil {
		return &domain.PersistenceError{Op: "load cache", Err: err}
	}

	entities := make(map[string]*domain.EntityRecord, len(records))
	for _, rec := range records {
		entities[rec.EntityID] = rec
	}

	s.mu.Lock()
	s.entities = entities
	s.mu.Unlock()

	s.logger.Info("entity cache loaded", zap.Int("entities", len(entities)))
	return nil
}

// Get returns a copy of the entity. Locally deleted entities read as absent.
func (s *CacheService) Get(entityID string) (*domain.EntityRecord, bool) {
	rec, ok := s.Peek(entityID)
	if !ok || rec.Deleted {
		return nil, false
	}
	return rec, true
}

// Peek is Get including local tombstones.
func (s *CacheService) Peek(entityID string) (*domain.EntityRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.entities[entityID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// List returns the visible entities of entityType ordered by id. An empty
// type lists everything.
func (s *CacheService) List(entityType string) []*domain.EntityRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.EntityRecord
	for _, rec := range s.entities {
		if rec.Deleted || (entityType != "" && rec.EntityType != entityType) {
			continue
		}
		out = append(out, rec.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// ApplyLocal applies op optimistically and marks the entity dirty.
func (s *CacheService) ApplyLocal(ctx context.Context, op *domain.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec *domain.EntityRecord
	if cur, ok := s.entities[op.EntityID]; ok {
		rec = cur.Clone()
	} else {
		rec = &domain.EntityRecord{
			EntityID:   op.EntityID,
			EntityType: op.EntityType,
		}
	}

	switch op.Kind {
	case domain.OperationCreate:
		rec.Fields = domain.MergeFields(nil, op.Payload)
		rec.Deleted = false
	case domain.OperationUpdate:
		rec.Fields = domain.MergeFields(rec.Fields, op.Payload)
	case domain.OperationDelete:
		rec.Deleted = true
	}
	rec.LocalDirty = true
	rec.UpdatedAt = s.now()

	if err := s.entityRepo.Upsert(ctx, rec); err != nil {
		return &domain.PersistenceError{Op: "apply local", Err: err}
	}
	s.entities[rec.EntityID] = rec
	return nil
}

// ApplyRemote records fields at revision as the confirmed remote state and
// replays the entity's pending operations on top of it.
func (s *CacheService) ApplyRemote(ctx context.Context, entityType, entityID string, fields map[string]interface{}, revision string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.pending.PendingFor(ctx, entityID)
	if err != nil {
		return err
	}
	return s.swapLocked(ctx, rebase(entityType, entityID, fields, revision, pending))
}

// ApplyRemoteDelete records that the entity no longer exists remotely. The
// entry is removed unless local operations are still queued for it.
func (s *CacheService) ApplyRemoteDelete(ctx context.Context, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.pending.PendingFor(ctx, entityID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return s.removeLocked(ctx, entityID)
	}
	return s.swapLocked(ctx, rebase(pending[0].EntityType, entityID, nil, "", pending))
}

// Rebase rebuilds the optimistic view of entityID from its last confirmed
// remote state and whatever operations remain queued.
func (s *CacheService) Rebase(ctx context.Context, entityID string) error {
	cur, ok := s.Peek(entityID)
	if !ok {
		return nil
	}
	if !cur.Synced() {
		pending, err := s.pending.PendingFor(ctx, entityID)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return s.Remove(ctx, entityID)
		}
	}
	return s.ApplyRemote(ctx, cur.EntityType, entityID, cur.RemoteFields, cur.RemoteRevision)
}

func (s *CacheService) Remove(ctx context.Context, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(ctx, entityID)
}

func (s *CacheService) removeLocked(ctx context.Context, entityID string) error {
	if err := s.entityRepo.Delete(ctx, entityID); err != nil {
		return &domain.PersistenceError{Op: "remove entity", Err: err}
	}
	delete(s.entities, entityID)
	return nil
}

func (s *CacheService) swapLocked(ctx context.Context, rec *domain.EntityRecord) error {
	rec.UpdatedAt = s.now()
	if err := s.entityRepo.Upsert(ctx, rec); err != nil {
		return &domain.PersistenceError{Op: "apply remote", Err: err}
	}
	s.entities[rec.EntityID] = rec
	return nil
}

func rebase(entityType, entityID string, remote map[string]interface{}, revision string, pending []*domain.Operation) *domain.EntityRecord {
	rec := &domain.EntityRecord{
		EntityID:       entityID,
		EntityType:     entityType,
		Fields:         domain.CloneFields(remote),
		RemoteFields:   domain.CloneFields(remote),
		RemoteRevision: revision,
		LocalDirty:     len(pending) > 0,
	}

	for _, op := range pending {
		switch op.Kind {
		case domain.OperationCreate, domain.OperationUpdate:
			rec.Fields = domain.MergeFields(rec.Fields, op.Payload)
			rec.Deleted = false
		case domain.OperationDelete:
			rec.Deleted = true
		}
	}
	if rec.Fields == nil {
		rec.Fields = map[string]interface{}{}
	}
	return rec
}
