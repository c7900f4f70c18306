package domain

// RemoteChange is a delta observed on the remote document store, either from
// the changes feed or from a server push.
type RemoteChange struct {
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	Revision   string                 `json:"revision"`
	Deleted    bool                   `json:"deleted"`
	Seq        string                 `json:"seq,omitempty"`
}
