package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"capture-sync/internal/domain"
	"capture-sync/internal/remote"
	"capture-sync/internal/repository"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type SyncOptions struct {
	Concurrency       int
	WriteTimeout      time.Duration
	Interval          time.Duration
	RemoteDeltaPolicy domain.RemoteDeltaPolicy
}

type DrainReport struct {
	Skipped   bool      `json:"skipped"`
	Attempted int       `json:"attempted"`
	Succeeded int       `json:"succeeded"`
	Retrying  int       `json:"retrying"`
	Failed    int       `json:"failed"`
	Conflicts int       `json:"conflicts"`
	AuthLost  bool      `json:"auth_lost"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeDone
	outcomeRetry
	outcomeFailed
	outcomeAuth
)

// SyncService is the coordinator: it drains the queue against the remote
// store behind the connectivity gate and folds remote changes into the cache.
type SyncService struct {
	queue    *QueueService
	cache    *CacheService
	blobs    *BlobService
	resolver *ConflictService
	monitor  Monitor
	docs     remote.DocumentStore
	metadata repository.SyncMetadataRepository
	policy   *RetryPolicy
	opts     SyncOptions
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
	deferred map[string]domain.RemoteChange
	// heldSeq is the newest feed position seen while deltas are deferred.
	heldSeq string

	trigger  chan struct{}
	failures chan *domain.Operation
}

func NewSyncService(
	queue *QueueService,
	cache *CacheService,
	blobs *BlobService,
	resolver *ConflictService,
	monitor Monitor,
	docs remote.DocumentStore,
	metadata repository.SyncMetadataRepository,
	policy *RetryPolicy,
	opts SyncOptions,
	logger *zap.Logger,
) *SyncService {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.RemoteDeltaPolicy == "" {
		opts.RemoteDeltaPolicy = domain.RemoteDeltaDefer
	}

	return &SyncService{
		queue:    queue,
		cache:    cache,
		blobs:    blobs,
		resolver: resolver,
		monitor:  monitor,
		docs:     docs,
		metadata: metadata,
		policy:   policy,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
		deferred: make(map[string]domain.RemoteChange),
		trigger:  make(chan struct{}, 1),
		failures: make(chan *domain.Operation, 64),
	}
}

// Failures publishes operations as they become terminally failed.
func (s *SyncService) Failures() <-chan *domain.Operation {
	return s.failures
}

// Trigger asks Run for a drain cycle as soon as possible.
func (s *SyncService) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run drains on every transition to authenticated, on Trigger and on a
// fixed interval until ctx is done.
func (s *SyncService) Run(ctx context.Context) error {
	transitions, unsubscribe := s.monitor.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.drainAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-transitions:
			if t.To == domain.StateAuthenticated {
				s.drainAndLog(ctx)
			}
		case <-s.trigger:
			s.drainAndLog(ctx)
		case <-ticker.C:
			s.drainAndLog(ctx)
		}
	}
}

func (s *SyncService) drainAndLog(ctx context.Context) {
	report, err := s.Drain(ctx)
	if err != nil {
		s.logger.Error("drain cycle failed", zap.Error(err))
		return
	}
	if report.Skipped || report.Attempted == 0 {
		return
	}
	s.logger.Info("drain cycle finished",
		zap.Int("attempted", report.Attempted),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("retrying", report.Retrying),
		zap.Int("failed", report.Failed),
		zap.Int("conflicts", report.Conflicts),
		zap.Bool("auth_lost", report.AuthLost),
		zap.String("duration", report.Duration),
	)
}

type drainRun struct {
	mu        sync.Mutex
	report    DrainReport
	conflicts atomic.Int32
	authLost  atomic.Bool
}

func (d *drainRun) tally(o outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch o {
	case outcomeSkipped:
		return
	case outcomeDone:
		d.report.Succeeded++
	case outcomeRetry:
		d.report.Retrying++
	case outcomeFailed:
		d.report.Failed++
	case outcomeAuth:
		d.authLost.Store(true)
	}
	d.report.Attempted++
}

// Drain runs one cycle: every entity with a ready head is processed in its
// own worker, at most Concurrency at a time, each entity strictly in order.
func (s *SyncService) Drain(ctx context.Context) (*DrainReport, error) {
	if s.monitor.State() != domain.StateAuthenticated {
		return &DrainReport{Skipped: true}, nil
	}

	started := s.now()
	ready, err := s.queue.DrainReady(ctx, started)
	if err != nil {
		return nil, err
	}

	run := &drainRun{}
	run.report.StartedAt = started

	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for _, head := range ready {
		if ctx.Err() != nil || run.authLost.Load() {
			break
		}
		if !s.claim(head.EntityID) {
			continue
		}

		head := head
		g.Go(func() error {
			defer s.release(ctx, head.EntityID)
			s.drainEntity(ctx, run, head)
			return nil
		})
	}
	g.Wait()

	if err := s.metadata.UpdateLastDrain(context.WithoutCancel(ctx), s.now()); err != nil {
		s.logger.Warn("failed to record drain time", zap.Error(err))
	}

	report := run.report
	report.Conflicts = int(run.conflicts.Load())
	report.AuthLost = run.authLost.Load()
	report.Duration = s.now().Sub(started).String()
	return &report, nil
}

// drainEntity submits the ready operations of one entity in seq order and
// stops at the first that does not complete.
func (s *SyncService) drainEntity(ctx context.Context, run *drainRun, head *domain.Operation) {
	op, err := s.queue.PeekNextFor(ctx, head.EntityID)
	if err != nil || op.Seq != head.Seq || !op.Ready(s.now()) {
		return
	}

	for {
		if ctx.Err() != nil || run.authLost.Load() {
			return
		}

		o := s.process(ctx, run, op)
		run.tally(o)
		if o != outcomeDone {
			return
		}

		op, err = s.queue.PeekNextFor(ctx, head.EntityID)
		if err != nil || !op.Ready(s.now()) {
			return
		}
	}
}

func (s *SyncService) process(ctx context.Context, run *drainRun, op *domain.Operation) outcome {
	// Bookkeeping after a submission must land even if the drain is cancelled.
	pctx := context.WithoutCancel(ctx)

	if err := s.queue.MarkStatus(pctx, op.Seq, domain.StatusInFlight); err != nil {
		s.logger.Error("failed to mark operation in flight", zap.Int64("seq", op.Seq), zap.Error(err))
		return outcomeSkipped
	}
	op.Status = domain.StatusInFlight

	urls, err := s.uploadBlobs(ctx, op)
	if err != nil {
		return s.fail(ctx, op, err)
	}

	entity, _ := s.cache.Peek(op.EntityID)
	fields, revision, err := s.submit(ctx, op, entity, urls)
	switch {
	case err == nil:
		return s.complete(pctx, op, fields, revision)
	case errors.Is(err, domain.ErrNotFound) && op.Kind == domain.OperationDelete:
		return s.complete(pctx, op, nil, "")
	case domain.IsConflict(err), errors.Is(err, domain.ErrNotFound) && op.Kind == domain.OperationUpdate:
		run.conflicts.Add(1)
		return s.resolve(ctx, run, op, entity, err)
	default:
		return s.fail(ctx, op, err)
	}
}

// uploadBlobs uploads every blob op needs and returns their urls by id.
func (s *SyncService) uploadBlobs(ctx context.Context, op *domain.Operation) (map[string]string, error) {
	ids := blobIDs(op)
	urls := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return urls, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			url, err := s.blobs.Upload(gctx, id)
			if err != nil {
				return fmt.Errorf("failed to upload blob %s: %w", id, err)
			}
			mu.Lock()
			urls[id] = url
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return urls, nil
}

// submit performs the remote mutation for op. The write runs detached from
// ctx cancellation, bounded by the write timeout.
func (s *SyncService) submit(ctx context.Context, op *domain.Operation, entity *domain.EntityRecord, urls map[string]string) (map[string]interface{}, string, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.WriteTimeout)
	defer cancel()

	precondition := op.ExpectedRevision
	if precondition == "" && op.Kind != domain.OperationCreate && entity != nil {
		precondition = entity.RemoteRevision
	}

	var fields map[string]interface{}
	switch op.Kind {
	case domain.OperationDelete:
		revision, err := s.docs.Delete(wctx, op.EntityType, op.EntityID, precondition)
		return nil, revision, err
	case domain.OperationCreate:
		fields = substitutePlaceholders(op.Payload, urls)
	default:
		var base map[string]interface{}
		if entity != nil {
			base = entity.RemoteFields
		}
		fields = substitutePlaceholders(domain.MergeFields(base, op.Payload), urls)
	}

	if userID := domain.UserFromContext(ctx); userID != "" {
		fields["user_id"] = userID
	}

	revision, err := s.docs.Write(wctx, op.EntityType, op.EntityID, fields, precondition)
	return fields, revision, err
}

// complete prunes an accepted operation and records the confirmed remote
// state. Nil fields mean the entity is gone remotely.
func (s *SyncService) complete(ctx context.Context, op *domain.Operation, fields map[string]interface{}, revision string) outcome {
	if err := s.queue.MarkStatus(ctx, op.Seq, domain.StatusDone); err != nil {
		s.logger.Error("failed to prune completed operation", zap.Int64("seq", op.Seq), zap.Error(err))
		return outcomeSkipped
	}

	var err error
	if op.Kind == domain.OperationDelete || fields == nil {
		err = s.cache.ApplyRemoteDelete(ctx, op.EntityID)
	} else {
		err = s.cache.ApplyRemote(ctx, op.EntityType, op.EntityID, fields, revision)
	}
	if err != nil {
		s.logger.Error("failed to apply confirmed state", zap.String("entity_id", op.EntityID), zap.Error(err))
	}

	s.evict(ctx, op)

	s.logger.Debug("operation completed",
		zap.Int64("seq", op.Seq),
		zap.String("entity_id", op.EntityID),
		zap.String("kind", string(op.Kind)),
		zap.String("revision", revision),
	)
	return outcomeDone
}

func (s *SyncService) resolve(ctx context.Context, run *drainRun, op *domain.Operation, entity *domain.EntityRecord, cause error) outcome {
	pctx := context.WithoutCancel(ctx)

	if op.ResolvedConflict {
		return s.terminal(pctx, op, fmt.Errorf("conflict persisted after resolution: %w", cause))
	}

	res, err := s.resolver.Resolve(ctx, op, entity)
	if err != nil {
		return s.fail(ctx, op, err)
	}

	if res.Resubmit == nil {
		if err := s.queue.MarkStatus(pctx, op.Seq, domain.StatusDone); err != nil {
			s.logger.Error("failed to prune resolved operation", zap.Int64("seq", op.Seq), zap.Error(err))
			return outcomeSkipped
		}

		var err error
		if res.RemoteGone {
			err = s.cache.ApplyRemoteDelete(pctx, op.EntityID)
		} else {
			err = s.cache.ApplyRemote(pctx, op.EntityType, op.EntityID, res.RemoteFields, res.RemoteRevision)
		}
		if err != nil {
			s.logger.Error("failed to apply resolved state", zap.String("entity_id", op.EntityID), zap.Error(err))
		}

		s.evict(pctx, op)
		return outcomeDone
	}

	if err := s.queue.Rewrite(pctx, res.Resubmit); err != nil {
		s.logger.Error("failed to persist resolved operation", zap.Int64("seq", op.Seq), zap.Error(err))
		return outcomeSkipped
	}
	if !res.RemoteGone {
		if err := s.cache.ApplyRemote(pctx, op.EntityType, op.EntityID, res.RemoteFields, res.RemoteRevision); err != nil {
			s.logger.Error("failed to apply remote state", zap.String("entity_id", op.EntityID), zap.Error(err))
		}
	}

	return s.process(ctx, run, res.Resubmit)
}

// fail classifies a failed attempt: auth failures hand the op back without
// consuming an attempt, permanent rejections are terminal and everything
// else is retried with backoff until the attempt budget runs out.
func (s *SyncService) fail(ctx context.Context, op *domain.Operation, cause error) outcome {
	pctx := context.WithoutCancel(ctx)

	switch {
	case ctx.Err() != nil:
		if err := s.queue.Release(pctx, op); err != nil {
			s.logger.Error("failed to release operation", zap.Int64("seq", op.Seq), zap.Error(err))
		}
		return outcomeSkipped

	case domain.IsAuth(cause):
		s.monitor.ReportAuthFailure()
		if err := s.queue.Release(pctx, op); err != nil {
			s.logger.Error("failed to release operation", zap.Int64("seq", op.Seq), zap.Error(err))
		}
		s.logger.Warn("remote rejected credentials", zap.Int64("seq", op.Seq), zap.Error(cause))
		return outcomeAuth

	case domain.IsPermanent(cause):
		return s.terminal(pctx, op, cause)
	}

	op.AttemptCount++
	if s.policy.Exhausted(op.AttemptCount) {
		return s.terminal(pctx, op, cause)
	}

	delay := s.policy.Delay(op.AttemptCount)
	if err := s.queue.ScheduleRetry(pctx, op, s.now().Add(delay), cause); err != nil {
		s.logger.Error("failed to schedule retry", zap.Int64("seq", op.Seq), zap.Error(err))
		return outcomeSkipped
	}

	s.logger.Warn("operation failed, retrying",
		zap.Int64("seq", op.Seq),
		zap.String("entity_id", op.EntityID),
		zap.Int("attempt", op.AttemptCount),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
	return outcomeRetry
}

func (s *SyncService) terminal(ctx context.Context, op *domain.Operation, cause error) outcome {
	if err := s.queue.MarkTerminal(ctx, op, cause); err != nil {
		s.logger.Error("failed to mark operation failed", zap.Int64("seq", op.Seq), zap.Error(err))
		return outcomeSkipped
	}

	s.logger.Error("operation failed permanently",
		zap.Int64("seq", op.Seq),
		zap.String("entity_type", op.EntityType),
		zap.String("entity_id", op.EntityID),
		zap.Int("attempts", op.AttemptCount),
		zap.Error(cause),
	)

	select {
	case s.failures <- op.Clone():
	default:
	}
	return outcomeFailed
}

func (s *SyncService) evict(ctx context.Context, op *domain.Operation) {
	for _, id := range blobIDs(op) {
		err := s.blobs.Evict(ctx, id)
		if err != nil && !errors.Is(err, ErrBlobInUse) && !errors.Is(err, ErrBlobNotUploaded) {
			s.logger.Warn("failed to evict staged blob", zap.String("blob_id", id), zap.Error(err))
		}
	}
}

// ApplyRemoteChange folds a remote delta into the cache. Under the defer
// policy a delta for an entity with local work queued is held back until
// that work resolves; only the latest held delta per entity is kept. The
// feed position is saved only once no delta is held, so a restart replays
// anything that was deferred.
func (s *SyncService) ApplyRemoteChange(ctx context.Context, change domain.RemoteChange) error {
	if s.opts.RemoteDeltaPolicy == domain.RemoteDeltaDefer {
		s.mu.Lock()
		_, busy := s.inFlight[change.EntityID]
		if !busy {
			pending, err := s.queue.HasPending(ctx, change.EntityID)
			if err != nil {
				s.mu.Unlock()
				return err
			}
			busy = pending
		}
		if busy {
			s.deferred[change.EntityID] = change
			if change.Seq != "" {
				s.heldSeq = change.Seq
			}
			s.mu.Unlock()
			s.logger.Debug("remote change deferred", zap.String("entity_id", change.EntityID), zap.String("revision", change.Revision))
			return nil
		}
		s.mu.Unlock()
	}

	if err := s.applyChange(ctx, change); err != nil {
		return err
	}
	s.checkpoint(ctx, change.Seq)
	return nil
}

// ConsumeChanges applies changes until the channel closes or ctx is done.
func (s *SyncService) ConsumeChanges(ctx context.Context, changes <-chan domain.RemoteChange) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			if err := s.ApplyRemoteChange(ctx, change); err != nil {
				s.logger.Warn("failed to apply remote change",
					zap.String("entity_id", change.EntityID),
					zap.String("revision", change.Revision),
					zap.Error(err),
				)
			}
		}
	}
}

// ResumeSequence returns the changes feed position saved by the last run.
func (s *SyncService) ResumeSequence(ctx context.Context) (string, error) {
	return s.metadata.Get(ctx, repository.MetadataChangesSince)
}

func (s *SyncService) applyChange(ctx context.Context, change domain.RemoteChange) error {
	if cur, ok := s.cache.Peek(change.EntityID); ok && !newerRevision(change.Revision, cur.RemoteRevision) {
		return nil
	}

	if change.Deleted {
		return s.cache.ApplyRemoteDelete(ctx, change.EntityID)
	}
	return s.cache.ApplyRemote(ctx, change.EntityType, change.EntityID, change.Fields, change.Revision)
}

// checkpoint saves seq unless a deferred delta is still held, in which case
// seq becomes the position to save once the last one is applied.
func (s *SyncService) checkpoint(ctx context.Context, seq string) {
	s.mu.Lock()
	if len(s.deferred) > 0 {
		if seq != "" {
			s.heldSeq = seq
		}
		s.mu.Unlock()
		return
	}
	s.heldSeq = ""
	s.mu.Unlock()
	s.saveSequence(ctx, seq)
}

func (s *SyncService) saveSequence(ctx context.Context, seq string) {
	if seq == "" {
		return
	}
	if err := s.metadata.Set(ctx, repository.MetadataChangesSince, seq); err != nil {
		s.logger.Warn("failed to save changes sequence", zap.Error(err))
	}
}

func (s *SyncService) claim(entityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inFlight[entityID]; ok {
		return false
	}
	s.inFlight[entityID] = struct{}{}
	return true
}

// release ends a worker's hold on entityID and applies a held remote delta
// once nothing is queued for the entity any more.
func (s *SyncService) release(ctx context.Context, entityID string) {
	s.mu.Lock()
	delete(s.inFlight, entityID)
	change, ok := s.takeDeferredLocked(context.WithoutCancel(ctx), entityID)
	s.mu.Unlock()

	if !ok {
		return
	}
	if err := s.applyChange(context.WithoutCancel(ctx), change); err != nil {
		s.logger.Warn("failed to apply deferred change", zap.String("entity_id", entityID), zap.Error(err))
		return
	}

	s.mu.Lock()
	var seq string
	if len(s.deferred) == 0 {
		seq, s.heldSeq = s.heldSeq, ""
	}
	s.mu.Unlock()
	s.saveSequence(context.WithoutCancel(ctx), seq)
}

func (s *SyncService) takeDeferredLocked(ctx context.Context, entityID string) (domain.RemoteChange, bool) {
	change, ok := s.deferred[entityID]
	if !ok {
		return change, false
	}
	pending, err := s.queue.HasPending(ctx, entityID)
	if err != nil || pending {
		return change, false
	}
	delete(s.deferred, entityID)
	return change, true
}

// Status summarizes connectivity and queue state for collaborators.
func (s *SyncService) Status(ctx context.Context) (*domain.SyncStatus, error) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	lastDrain, err := s.metadata.LastDrain(ctx)
	if err != nil {
		return nil, err
	}
	return &domain.SyncStatus{
		Connectivity: s.monitor.State(),
		Queue:        stats,
		LastDrain:    lastDrain,
	}, nil
}

func (s *SyncService) ListFailed(ctx context.Context) ([]*domain.Operation, error) {
	return s.queue.ListFailed(ctx)
}

// Retry resubmits a terminally failed operation on the next drain.
func (s *SyncService) Retry(ctx context.Context, seq int64) (*domain.Operation, error) {
	op, err := s.queue.Retry(ctx, seq)
	if err != nil {
		return nil, err
	}
	s.Trigger()
	return op, nil
}

// Discard drops a terminally failed operation, rebuilds the cached view of
// its entity without it and unblocks the entity's later operations.
func (s *SyncService) Discard(ctx context.Context, seq int64) (*domain.Operation, error) {
	op, err := s.queue.Discard(ctx, seq)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Rebase(ctx, op.EntityID); err != nil {
		return nil, err
	}
	s.evict(ctx, op)

	if s.claim(op.EntityID) {
		s.release(ctx, op.EntityID)
	}
	s.Trigger()
	return op, nil
}

func blobIDs(op *domain.Operation) []string {
	seen := make(map[string]bool, len(op.BlobRefs))
	var ids []string
	for _, id := range op.BlobRefs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, v := range op.Payload {
		if id, ok := domain.BlobIDFromPlaceholder(v); ok && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// substitutePlaceholders returns a copy of fields with blob placeholders
// replaced by uploaded urls.
func substitutePlaceholders(fields map[string]interface{}, urls map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		if id, ok := domain.BlobIDFromPlaceholder(v); ok {
			if url, found := urls[id]; found {
				out[k] = url
				continue
			}
		}
		out[k] = v
	}
	return out
}

// newerRevision reports whether incoming supersedes current. Revisions are
// "<generation>-<hash>"; unparseable revisions are compared for equality.
func newerRevision(incoming, current string) bool {
	if current == "" {
		return true
	}
	gi, okI := revisionGeneration(incoming)
	gc, okC := revisionGeneration(current)
	if !okI || !okC {
		return incoming != current
	}
	return gi > gc
}

func revisionGeneration(rev string) (int, bool) {
	prefix, _, found := strings.Cut(rev, "-")
	if !found {
		return 0, false
	}
	n, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, false
	}
	return n, true
}
