package domain

import "time"

type EntityRecord struct {
	EntityID       string                 `json:"entity_id"`
	EntityType     string                 `json:"entity_type"`
	Fields         map[string]interface{} `json:"fields"`
	RemoteFields   map[string]interface{} `json:"-"`
	RemoteRevision string                 `json:"remote_revision,omitempty"`
	LocalDirty     bool                   `json:"local_dirty"`
	Deleted        bool                   `json:"-"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

func (e *EntityRecord) Clone() *EntityRecord {
	c := *e
	c.Fields = CloneFields(e.Fields)
	c.RemoteFields = CloneFields(e.RemoteFields)
	return &c
}

// Synced reports whether the remote store has ever accepted this entity.
func (e *EntityRecord) Synced() bool {
	return e.RemoteRevision != ""
}
