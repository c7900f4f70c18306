package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"capture-sync/internal/domain"
	"capture-sync/internal/repository"

	"go.uber.org/zap"
)

type QueueService struct {
	opRepo repository.OperationRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewQueueService(opRepo repository.OperationRepository, logger *zap.Logger) *QueueService {
	return &QueueService{
		opRepo: opRepo,
		logger: logger,
		now:    time.Now,
	}
}

// Enqueue durably appends op and returns its sequence number. The operation
// is on disk when Enqueue returns.
//
// Blob placeholders in the payload are recorded as references, so their
// staged copies are kept until the operation completes.
func (s *QueueService) Enqueue(ctx context.Context, op *domain.Operation) (int64, error) {
	op.BlobRefs = blobIDs(op)
	op.Status = domain.StatusPending
	op.AttemptCount = 0
	op.Terminal = false
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = s.now()
	}

	seq, err := s.opRepo.Insert(ctx, op)
	if err != nil {
		return 0, &domain.PersistenceError{Op: "enqueue", Err: err}
	}
	op.Seq = seq

	s.logger.Debug("operation enqueued",
		zap.Int64("seq", seq),
		zap.String("entity_type", op.EntityType),
		zap.String("entity_id", op.EntityID),
		zap.String("kind", string(op.Kind)),
		zap.Int("blob_refs", len(op.BlobRefs)),
	)
	return seq, nil
}

// Withdraw removes an operation that was enqueued but never picked up by a
// drain.
func (s *QueueService) Withdraw(ctx context.Context, seq int64) error {
	removed, err := s.opRepo.DeletePending(ctx, seq)
	if err != nil {
		return &domain.PersistenceError{Op: "withdraw", Err: err}
	}
	if !removed {
		return fmt.Errorf("operation %d already left pending: %w", seq, ErrNotRetryable)
	}
	return nil
}

func (s *QueueService) Get(ctx context.Context, seq int64) (*domain.Operation, error) {
	op, err := s.opRepo.Get(ctx, seq)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrOperationNotFound
	}
	return op, err
}

// PeekNextFor returns the oldest remaining operation of entityID.
func (s *QueueService) PeekNextFor(ctx context.Context, entityID string) (*domain.Operation, error) {
	ops, err := s.opRepo.ListByEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, ErrOperationNotFound
	}
	return ops[0], nil
}

// DrainReady returns the head operation of every entity whose head may be
// submitted at now. An entity whose head is backing off, in flight or
// terminally failed contributes nothing.
func (s *QueueService) DrainReady(ctx context.Context, now time.Time) ([]*domain.Operation, error) {
	heads, err := s.opRepo.Heads(ctx)
	if err != nil {
		return nil, err
	}

	ready := make([]*domain.Operation, 0, len(heads))
	for _, op := range heads {
		if op.Ready(now) {
			ready = append(ready, op)
		}
	}
	return ready, nil
}

// MarkStatus moves seq to status. Marking done prunes the operation, and
// repeating a transition is a no-op.
func (s *QueueService) MarkStatus(ctx context.Context, seq int64, status domain.OperationStatus) error {
	if status == domain.StatusDone {
		return s.opRepo.Delete(ctx, seq)
	}

	op, err := s.opRepo.Get(ctx, seq)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ErrOperationNotFound
		}
		return err
	}
	if op.Status == status {
		return nil
	}

	op.Status = status
	return s.opRepo.Update(ctx, op)
}

// ScheduleRetry records a failed attempt and the earliest time of the next.
func (s *QueueService) ScheduleRetry(ctx context.Context, op *domain.Operation, next time.Time, cause error) error {
	op.Status = domain.StatusFailed
	op.Terminal = false
	op.NextAttemptAt = next
	op.LastError = errorText(cause)
	return s.update(ctx, op)
}

// MarkTerminal fails op permanently. It stays in the queue, blocking its
// entity, until retried or discarded.
func (s *QueueService) MarkTerminal(ctx context.Context, op *domain.Operation, cause error) error {
	op.Status = domain.StatusFailed
	op.Terminal = true
	op.NextAttemptAt = time.Time{}
	op.LastError = errorText(cause)
	return s.update(ctx, op)
}

// Rewrite persists a resolved operation and returns it to pending.
func (s *QueueService) Rewrite(ctx context.Context, op *domain.Operation) error {
	op.Status = domain.StatusPending
	op.NextAttemptAt = time.Time{}
	return s.update(ctx, op)
}

// Release returns an in-flight op to pending without consuming an attempt.
func (s *QueueService) Release(ctx context.Context, op *domain.Operation) error {
	op.Status = domain.StatusPending
	return s.update(ctx, op)
}

// Recover returns operations left in flight by an interrupted drain to
// pending.
func (s *QueueService) Recover(ctx context.Context) (int64, error) {
	n, err := s.opRepo.ResetInFlight(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("recovered interrupted operations", zap.Int64("count", n))
	}
	return n, nil
}

func (s *QueueService) ListFailed(ctx context.Context) ([]*domain.Operation, error) {
	return s.opRepo.ListFailed(ctx)
}

// Retry resets a terminally failed operation so the next drain submits it
// again with a fresh attempt budget.
func (s *QueueService) Retry(ctx context.Context, seq int64) (*domain.Operation, error) {
	op, err := s.terminal(ctx, seq)
	if err != nil {
		return nil, err
	}

	op.Status = domain.StatusPending
	op.Terminal = false
	op.AttemptCount = 0
	op.NextAttemptAt = time.Time{}
	op.LastError = ""
	op.ResolvedConflict = false
	if err := s.update(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

// Discard drops a terminally failed operation and returns it.
func (s *QueueService) Discard(ctx context.Context, seq int64) (*domain.Operation, error) {
	op, err := s.terminal(ctx, seq)
	if err != nil {
		return nil, err
	}
	if err := s.opRepo.Delete(ctx, seq); err != nil {
		return nil, err
	}

	s.logger.Info("operation discarded",
		zap.Int64("seq", seq),
		zap.String("entity_id", op.EntityID),
		zap.String("last_error", op.LastError),
	)
	return op, nil
}

func (s *QueueService) HasPending(ctx context.Context, entityID string) (bool, error) {
	ops, err := s.opRepo.ListByEntity(ctx, entityID)
	if err != nil {
		return false, err
	}
	return len(ops) > 0, nil
}

// PendingFor lists the operations of entityID that have not completed, in
// enqueue order.
func (s *QueueService) PendingFor(ctx context.Context, entityID string) ([]*domain.Operation, error) {
	return s.opRepo.ListByEntity(ctx, entityID)
}

func (s *QueueService) Stats(ctx context.Context) (domain.QueueStats, error) {
	return s.opRepo.Stats(ctx)
}

func (s *QueueService) terminal(ctx context.Context, seq int64) (*domain.Operation, error) {
	op, err := s.Get(ctx, seq)
	if err != nil {
		return nil, err
	}
	if op.Status != domain.StatusFailed || !op.Terminal {
		return nil, fmt.Errorf("operation %d is %s: %w", seq, op.Status, ErrNotRetryable)
	}
	return op, nil
}

func (s *QueueService) update(ctx context.Context, op *domain.Operation) error {
	if err := s.opRepo.Update(ctx, op); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ErrOperationNotFound
		}
		return err
	}
	return nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
