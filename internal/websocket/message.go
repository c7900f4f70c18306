package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"capture-sync/internal/domain"
)

type MessageType string

const (
	TypeSubscribe    MessageType = "subscribe"
	TypeEntityUpdate MessageType = "entity_update"
	TypeEntityDelete MessageType = "entity_delete"
	TypePing         MessageType = "ping"
	TypePong         MessageType = "pong"
)

type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type SubscribePayload struct {
	DeviceID    string   `json:"device_id"`
	Collections []string `json:"collections"`
}

type EntityUpdatePayload struct {
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Revision   string                 `json:"revision"`
	Fields     map[string]interface{} `json:"fields"`
	DeviceID   string                 `json:"device_id,omitempty"`
}

type EntityDeletePayload struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Revision   string `json:"revision"`
	DeviceID   string `json:"device_id,omitempty"`
}

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = bytes
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payloadBytes,
	}, nil
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// Change converts an entity push into a remote change. Messages that carry no
// entity change, or that originate from deviceID, report false.
func (m *Message) Change(deviceID string) (domain.RemoteChange, bool, error) {
	switch m.Type {
	case TypeEntityUpdate:
		var p EntityUpdatePayload
		if err := m.UnmarshalPayload(&p); err != nil {
			return domain.RemoteChange{}, false, fmt.Errorf("failed to decode %s: %w", m.Type, err)
		}
		if p.EntityID == "" || (deviceID != "" && p.DeviceID == deviceID) {
			return domain.RemoteChange{}, false, nil
		}
		return domain.RemoteChange{
			EntityType: p.EntityType,
			EntityID:   p.EntityID,
			Fields:     p.Fields,
			Revision:   p.Revision,
		}, true, nil

	case TypeEntityDelete:
		var p EntityDeletePayload
		if err := m.UnmarshalPayload(&p); err != nil {
			return domain.RemoteChange{}, false, fmt.Errorf("failed to decode %s: %w", m.Type, err)
		}
		if p.EntityID == "" || (deviceID != "" && p.DeviceID == deviceID) {
			return domain.RemoteChange{}, false, nil
		}
		return domain.RemoteChange{
			EntityType: p.EntityType,
			EntityID:   p.EntityID,
			Revision:   p.Revision,
			Deleted:    true,
		}, true, nil
	}
	return domain.RemoteChange{}, false, nil
}
