package domain

import "time"

const (
	CollectionWorkouts  = "workouts"
	CollectionUsers     = "users"
	CollectionDocuments = "documents"
)

type RoutePoint struct {
	Lat float64   `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64   `json:"lng" validate:"gte=-180,lte=180"`
	At  time.Time `json:"at"`
}

type WorkoutRequest struct {
	Steps       int64        `json:"steps" validate:"gte=0"`
	DistanceM   float64      `json:"distance_m" validate:"gte=0"`
	Elapsed     string       `json:"elapsed" validate:"required"`
	RoutePoints []RoutePoint `json:"route_points" validate:"dive"`
	RecordedAt  time.Time    `json:"recorded_at"`
}

type ProfileRequest struct {
	FirstName   *string `json:"first_name" validate:"omitempty,max=100"`
	LastName    *string `json:"last_name" validate:"omitempty,max=100"`
	Email       *string `json:"email" validate:"omitempty,email"`
	Phone       *string `json:"phone" validate:"omitempty,len=10,numeric"`
	YearOfBirth *int    `json:"yob" validate:"omitempty,gte=1900,lte=2100"`
}

type DocumentRequest struct {
	Title       string `json:"title" validate:"required,max=256"`
	ContentType string `json:"content_type" validate:"required"`
	Data        []byte `json:"data" validate:"required"`
}

type CaptureResponse struct {
	EntityID     string `json:"entity_id"`
	EntityType   string `json:"entity_type"`
	OperationSeq int64  `json:"operation_seq"`
	BlobID       string `json:"blob_id,omitempty"`
}
