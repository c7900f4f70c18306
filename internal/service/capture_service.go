package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"capture-sync/internal/domain"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var inboxContentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".pdf":  "application/pdf",
}

var photoContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// CaptureService turns locally produced artifacts into queued operations and
// applies them to the cache so they are visible before they sync.
type CaptureService struct {
	queue     *QueueService
	cache     *CacheService
	blobs     *BlobService
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

func NewCaptureService(queue *QueueService, cache *CacheService, blobs *BlobService, logger *zap.Logger) *CaptureService {
	return &CaptureService{
		queue:     queue,
		cache:     cache,
		blobs:     blobs,
		validator: validator.New(),
		logger:    logger,
		now:       time.Now,
	}
}

// Enqueue records an arbitrary operation from a collaborator.
func (s *CaptureService) Enqueue(ctx context.Context, req *domain.EnqueueRequest) (*domain.CaptureResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}
	for key, v := range req.Payload {
		if id, ok := domain.BlobIDFromPlaceholder(v); ok {
			if err := s.validator.Var(id, "len=64,hexadecimal"); err != nil {
				return nil, fmt.Errorf("field %s references blob %q: %w", key, id, ErrInvalidCapture)
			}
		}
	}

	op := &domain.Operation{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Kind:       req.Kind,
		Payload:    req.Payload,
		BlobRefs:   req.BlobRefs,
	}
	return s.submit(ctx, op, "")
}

// RecordWorkout captures a finished workout as a new document.
func (s *CaptureService) RecordWorkout(ctx context.Context, req *domain.WorkoutRequest) (*domain.CaptureResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}

	recordedAt := req.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = s.now()
	}

	route := make([]interface{}, 0, len(req.RoutePoints))
	for _, p := range req.RoutePoints {
		route = append(route, map[string]interface{}{
			"lat": p.Lat,
			"lng": p.Lng,
			"at":  p.At.UTC().Format(time.RFC3339),
		})
	}

	op := &domain.Operation{
		EntityType: domain.CollectionWorkouts,
		EntityID:   uuid.New().String(),
		Kind:       domain.OperationCreate,
		Payload: map[string]interface{}{
			"steps":        float64(req.Steps),
			"distance_m":   req.DistanceM,
			"elapsed":      req.Elapsed,
			"route_points": route,
			"recorded_at":  recordedAt.UTC().Format(time.RFC3339),
		},
	}
	return s.submit(ctx, op, "")
}

// UpdateProfile changes the given profile fields of userID.
func (s *CaptureService) UpdateProfile(ctx context.Context, userID string, req *domain.ProfileRequest) (*domain.CaptureResponse, error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}

	payload := make(map[string]interface{})
	if req.FirstName != nil {
		payload["first_name"] = *req.FirstName
	}
	if req.LastName != nil {
		payload["last_name"] = *req.LastName
	}
	if req.Email != nil {
		payload["email"] = *req.Email
	}
	if req.Phone != nil {
		payload["phone"] = *req.Phone
	}
	if req.YearOfBirth != nil {
		payload["yob"] = float64(*req.YearOfBirth)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("no profile fields to update: %w", ErrInvalidCapture)
	}

	return s.submit(ctx, s.profileOp(userID, payload), "")
}

// SetProfilePhoto stages an image and points the profile at it. The url is
// filled in once the image is uploaded.
func (s *CaptureService) SetProfilePhoto(ctx context.Context, userID string, data []byte, contentType string) (*domain.CaptureResponse, error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	if !photoContentTypes[contentType] {
		return nil, fmt.Errorf("unsupported photo type %q: %w", contentType, ErrInvalidCapture)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty photo: %w", ErrInvalidCapture)
	}

	blobID, err := s.blobs.Stage(ctx, data, contentType)
	if err != nil {
		return nil, err
	}

	op := s.profileOp(userID, map[string]interface{}{
		"profile_image_url": domain.BlobPlaceholder(blobID),
	})
	op.BlobRefs = []string{blobID}
	return s.submit(ctx, op, blobID)
}

// RemoveProfilePhoto clears the profile image of userID. The previous image
// is evicted locally once nothing references it.
func (s *CaptureService) RemoveProfilePhoto(ctx context.Context, userID string) (*domain.CaptureResponse, error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	if _, ok := s.cache.Get(userID); !ok {
		return nil, fmt.Errorf("profile %s: %w", userID, domain.ErrNotFound)
	}

	op := s.profileOp(userID, map[string]interface{}{"profile_image_url": ""})
	return s.submit(ctx, op, "")
}

// CreateDocument stages a generated document and creates its record.
func (s *CaptureService) CreateDocument(ctx context.Context, req *domain.DocumentRequest) (*domain.CaptureResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}

	blobID, err := s.blobs.Stage(ctx, req.Data, req.ContentType)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, s.documentOp(req.Title, req.ContentType, int64(len(req.Data)), blobID), blobID)
}

// ImportFile stages a file dropped into the inbox as a document. Unknown
// extensions are rejected.
func (s *CaptureService) ImportFile(ctx context.Context, path string) (*domain.CaptureResponse, error) {
	ext := strings.ToLower(filepath.Ext(path))
	contentType, ok := inboxContentTypes[ext]
	if !ok {
		return nil, fmt.Errorf("unsupported inbox file %s: %w", filepath.Base(path), ErrInvalidCapture)
	}

	blobID, err := s.blobs.StageFile(ctx, path, contentType)
	if err != nil {
		return nil, err
	}
	rec, err := s.blobs.Get(ctx, blobID)
	if err != nil {
		return nil, err
	}

	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return s.submit(ctx, s.documentOp(title, contentType, rec.Size, blobID), blobID)
}

// Importable reports whether ImportFile accepts the file at path.
func Importable(path string) bool {
	_, ok := inboxContentTypes[strings.ToLower(filepath.Ext(path))]
	return ok
}

func (s *CaptureService) profileOp(userID string, payload map[string]interface{}) *domain.Operation {
	kind := domain.OperationUpdate
	if _, ok := s.cache.Peek(userID); !ok {
		kind = domain.OperationCreate
	}
	return &domain.Operation{
		EntityType: domain.CollectionUsers,
		EntityID:   userID,
		Kind:       kind,
		Payload:    payload,
	}
}

func (s *CaptureService) documentOp(title, contentType string, size int64, blobID string) *domain.Operation {
	return &domain.Operation{
		EntityType: domain.CollectionDocuments,
		EntityID:   uuid.New().String(),
		Kind:       domain.OperationCreate,
		Payload: map[string]interface{}{
			"title":        title,
			"content_type": contentType,
			"size":         float64(size),
			"file_url":     domain.BlobPlaceholder(blobID),
		},
		BlobRefs: []string{blobID},
	}
}

// submit makes op durable, then visible. When the cache rejects op it is
// withdrawn from the queue, so a rejected write never reaches the remote.
func (s *CaptureService) submit(ctx context.Context, op *domain.Operation, blobID string) (*domain.CaptureResponse, error) {
	seq, err := s.queue.Enqueue(ctx, op)
	if err != nil {
		return nil, err
	}
	if err := s.cache.ApplyLocal(ctx, op); err != nil {
		if werr := s.queue.Withdraw(context.WithoutCancel(ctx), seq); werr != nil {
			s.logger.Error("failed to withdraw rejected capture",
				zap.Int64("seq", seq),
				zap.String("entity_id", op.EntityID),
				zap.Error(werr),
			)
		}
		return nil, err
	}

	s.logger.Info("capture queued",
		zap.String("entity_type", op.EntityType),
		zap.String("entity_id", op.EntityID),
		zap.String("kind", string(op.Kind)),
		zap.Int64("seq", seq),
	)
	return &domain.CaptureResponse{
		EntityID:     op.EntityID,
		EntityType:   op.EntityType,
		OperationSeq: seq,
		BlobID:       blobID,
	}, nil
}
