package service

import (
	"context"
	"errors"
	"time"

	"capture-sync/internal/domain"
	"capture-sync/internal/remote"
	"capture-sync/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Resolution is the outcome of a precondition rejection.
type Resolution struct {
	Strategy domain.ResolutionStrategy
	// Resubmit is the rewritten operation to submit again. Nil when the
	// operation completes without another write.
	Resubmit *domain.Operation
	// RemoteGone is set when the entity no longer exists remotely.
	RemoteGone     bool
	RemoteFields   map[string]interface{}
	RemoteRevision string
	Conflict       *domain.Conflict
}

type ConflictService struct {
	conflictRepo repository.ConflictRepository
	docs         remote.DocumentStore
	deletePolicy domain.DeletePolicy
	logger       *zap.Logger
	now          func() time.Time
}

func NewConflictService(
	conflictRepo repository.ConflictRepository,
	docs remote.DocumentStore,
	deletePolicy domain.DeletePolicy,
	logger *zap.Logger,
) *ConflictService {
	return &ConflictService{
		conflictRepo: conflictRepo,
		docs:         docs,
		deletePolicy: deletePolicy,
		logger:       logger,
		now:          time.Now,
	}
}

// Resolve fetches the current remote state of the entity op targets and
// decides how op proceeds. entity is the cached record and may be nil.
func (s *ConflictService) Resolve(ctx context.Context, op *domain.Operation, entity *domain.EntityRecord) (*Resolution, error) {
	remoteFields, revision, err := s.docs.Get(ctx, op.EntityType, op.EntityID)
	gone := errors.Is(err, domain.ErrNotFound)
	if err != nil && !gone {
		return nil, err
	}

	if !gone {
		userID := domain.UserFromContext(ctx)
		if owner, ok := remoteFields["user_id"].(string); ok && userID != "" && owner != userID {
			return nil, &domain.PermanentRemoteError{Reason: "document belongs to another user"}
		}
	}

	res := &Resolution{
		RemoteGone:     gone,
		RemoteFields:   remoteFields,
		RemoteRevision: revision,
	}

	switch op.Kind {
	case domain.OperationCreate, domain.OperationUpdate:
		switch {
		case gone && op.Kind == domain.OperationUpdate:
			res.Strategy = domain.ResolutionRemoteGone
		case gone:
			rewritten := op.Clone()
			rewritten.ExpectedRevision = ""
			rewritten.ResolvedConflict = true
			res.Strategy = domain.ResolutionMerge
			res.Resubmit = rewritten
		default:
			rewritten := op.Clone()
			rewritten.Kind = domain.OperationUpdate
			rewritten.Payload = domain.MergeFields(remoteFields, op.Payload)
			rewritten.ExpectedRevision = revision
			rewritten.ResolvedConflict = true
			res.Strategy = domain.ResolutionMerge
			res.Resubmit = rewritten
		}

	case domain.OperationDelete:
		switch {
		case gone:
			res.Strategy = domain.ResolutionDeleteWins
		case s.deletePolicy == domain.UpdateWins:
			res.Strategy = domain.ResolutionUpdateWins
		default:
			rewritten := op.Clone()
			rewritten.ExpectedRevision = revision
			rewritten.ResolvedConflict = true
			res.Strategy = domain.ResolutionDeleteWins
			res.Resubmit = rewritten
		}
	}

	res.Conflict = s.record(ctx, op, entity, res)
	return res, nil
}

func (s *ConflictService) ListConflicts(ctx context.Context, limit int) ([]*domain.Conflict, error) {
	return s.conflictRepo.List(ctx, limit)
}

func (s *ConflictService) ConflictsFor(ctx context.Context, entityID string) ([]*domain.Conflict, error) {
	return s.conflictRepo.ListByEntity(ctx, entityID)
}

func (s *ConflictService) record(ctx context.Context, op *domain.Operation, entity *domain.EntityRecord, res *Resolution) *domain.Conflict {
	base := op.ExpectedRevision
	if base == "" && entity != nil {
		base = entity.RemoteRevision
	}

	conflict := &domain.Conflict{
		ID:             uuid.New().String(),
		OperationSeq:   op.Seq,
		EntityType:     op.EntityType,
		EntityID:       op.EntityID,
		UserID:         domain.UserFromContext(ctx),
		Type:           conflictType(op.Kind),
		BaseRevision:   base,
		RemoteRevision: res.RemoteRevision,
		RemoteFields:   res.RemoteFields,
		LocalFields:    op.Payload,
		Resolution:     res.Strategy,
		DetectedAt:     s.now(),
	}
	if res.Resubmit != nil && res.Resubmit.Kind != domain.OperationDelete {
		conflict.MergedFields = res.Resubmit.Payload
	}

	if err := s.conflictRepo.Create(ctx, conflict); err != nil {
		s.logger.Warn("failed to record conflict", zap.String("entity_id", op.EntityID), zap.Error(err))
	}

	s.logger.Info("conflict resolved",
		zap.Int64("seq", op.Seq),
		zap.String("entity_id", op.EntityID),
		zap.String("kind", string(op.Kind)),
		zap.String("resolution", string(res.Strategy)),
		zap.String("remote_revision", res.RemoteRevision),
	)
	return conflict
}

func conflictType(kind domain.OperationKind) domain.ConflictType {
	switch kind {
	case domain.OperationCreate:
		return domain.ConflictTypeCreate
	case domain.OperationDelete:
		return domain.ConflictTypeDelete
	default:
		return domain.ConflictTypeUpdate
	}
}
