package domain

import "time"

type ConflictType string

const (
	ConflictTypeUpdate ConflictType = "update"
	ConflictTypeCreate ConflictType = "create"
	ConflictTypeDelete ConflictType = "delete"
)

type ResolutionStrategy string

const (
	ResolutionMerge      ResolutionStrategy = "merge"
	ResolutionDeleteWins ResolutionStrategy = "delete_wins"
	ResolutionUpdateWins ResolutionStrategy = "update_wins"
	ResolutionRemoteGone ResolutionStrategy = "remote_gone"
)

// DeletePolicy decides a local delete racing a remote update.
type DeletePolicy string

const (
	DeleteWins DeletePolicy = "delete-wins"
	UpdateWins DeletePolicy = "update-wins"
)

// RemoteDeltaPolicy decides what happens to a remote delta for an entity
// that still has local operations queued.
type RemoteDeltaPolicy string

const (
	RemoteDeltaDefer   RemoteDeltaPolicy = "defer"
	RemoteDeltaPreempt RemoteDeltaPolicy = "preempt"
)

type Conflict struct {
	ID             string                 `json:"id"`
	OperationSeq   int64                  `json:"operation_seq"`
	EntityType     string                 `json:"entity_type"`
	EntityID       string                 `json:"entity_id"`
	UserID         string                 `json:"user_id,omitempty"`
	Type           ConflictType           `json:"type"`
	BaseRevision   string                 `json:"base_revision,omitempty"`
	RemoteRevision string                 `json:"remote_revision,omitempty"`
	RemoteFields   map[string]interface{} `json:"remote_fields,omitempty"`
	LocalFields    map[string]interface{} `json:"local_fields,omitempty"`
	MergedFields   map[string]interface{} `json:"merged_fields,omitempty"`
	Resolution     ResolutionStrategy     `json:"resolution"`
	DetectedAt     time.Time              `json:"detected_at"`
}
