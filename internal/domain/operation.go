package domain

import (
	"strings"
	"time"
)

type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

type OperationStatus string

const (
	StatusPending  OperationStatus = "pending"
	StatusInFlight OperationStatus = "in_flight"
	StatusFailed   OperationStatus = "failed"
	StatusDone     OperationStatus = "done"
)

// BlobScheme prefixes payload values that stand in for a staged blob until
// its remote url is known.
const BlobScheme = "blob://"

type Operation struct {
	Seq              int64                  `json:"seq"`
	EntityType       string                 `json:"entity_type"`
	EntityID         string                 `json:"entity_id"`
	Kind             OperationKind          `json:"kind"`
	Payload          map[string]interface{} `json:"payload,omitempty"`
	BlobRefs         []string               `json:"blob_refs,omitempty"`
	ExpectedRevision string                 `json:"expected_revision,omitempty"`
	EnqueuedAt       time.Time              `json:"enqueued_at"`
	AttemptCount     int                    `json:"attempt_count"`
	Status           OperationStatus        `json:"status"`
	NextAttemptAt    time.Time              `json:"next_attempt_at,omitempty"`
	LastError        string                 `json:"last_error,omitempty"`
	Terminal         bool                   `json:"terminal"`
	ResolvedConflict bool                   `json:"resolved_conflict"`
}

// Ready reports whether the operation may be submitted at now.
func (o *Operation) Ready(now time.Time) bool {
	switch o.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return !o.Terminal && !o.NextAttemptAt.After(now)
	default:
		return false
	}
}

func (o *Operation) Clone() *Operation {
	c := *o
	c.Payload = CloneFields(o.Payload)
	if o.BlobRefs != nil {
		c.BlobRefs = append([]string(nil), o.BlobRefs...)
	}
	return &c
}

type EnqueueRequest struct {
	EntityType string                 `json:"entity_type" validate:"required,max=64"`
	EntityID   string                 `json:"entity_id" validate:"required,max=128"`
	Kind       OperationKind          `json:"kind" validate:"required,oneof=create update delete"`
	Payload    map[string]interface{} `json:"payload"`
	BlobRefs   []string               `json:"blob_refs" validate:"dive,len=64,hexadecimal"`
}

type QueueStats struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Retrying int `json:"retrying"`
	Failed   int `json:"failed"`
}

func BlobPlaceholder(blobID string) string {
	return BlobScheme + blobID
}

// BlobIDFromPlaceholder returns the blob id referenced by v, if v is a placeholder.
func BlobIDFromPlaceholder(v interface{}) (string, bool) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, BlobScheme) {
		return "", false
	}
	return strings.TrimPrefix(s, BlobScheme), true
}

func CloneFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// MergeFields returns base overlaid with every key in overlay.
func MergeFields(base, overlay map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
