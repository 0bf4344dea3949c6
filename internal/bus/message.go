package bus

import (
	"encoding/json"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Message types carried over the bus. The dispatcher treats the type as an
// opaque routing key, so new types can be added without touching it.
const (
	TypeLiturgyUpdate = "liturgy_update"
	TypeStreamContent = "stream_content"
	TypeControl       = "control"
	TypeSystem        = "system"
	TypeSyncRequest   = "sync_request"
	TypeSyncResponse  = "sync_response"
)

// Envelope is the unit of transmission between processes.
//
// The id is unique per sender (role + send time + random suffix), the source
// is always the sending transport's own role, and the timestamp reflects
// send time at the origin process with no cross-process clock guarantee.
type Envelope struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    Role      `json:"source"`
	Target    Target    `json:"target,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      Payload   `json:"data,omitempty"`
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        string          `json:"id"`
		Type      string          `json:"type"`
		Source    Role            `json:"source"`
		Target    Target          `json:"target,omitempty"`
		Timestamp time.Time       `json:"timestamp"`
		Data      json.RawMessage `json:"data,omitempty"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	payload, err := decodePayload(raw.Type, raw.Data)
	if err != nil {
		return err
	}

	e.ID = raw.ID
	e.Type = raw.Type
	e.Source = raw.Source
	e.Target = raw.Target
	e.Timestamp = raw.Timestamp
	e.Data = payload

	return nil
}

// NewMessage builds a base envelope around a typed payload. It is pure and
// side-effect-free; the routing key is derived from the payload variant.
func NewMessage(source Role, target Target, payload Payload) Envelope {
	return Envelope{
		ID:        newMessageID(source),
		Type:      payload.PayloadType(),
		Source:    source,
		Target:    target,
		Timestamp: time.Now(),
		Data:      payload,
	}
}

func newMessageID(source Role) string {
	return fmt.Sprintf("%s-%d-%s", source, time.Now().UnixNano(), gonanoid.MustGenerate(idAlphabet, 8))
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func NewLiturgyUpdateMessage(source Role, target Target, payload LiturgyUpdatePayload) Envelope {
	return NewMessage(source, target, payload)
}

func NewStreamContentMessage(source Role, target Target, payload StreamContentPayload) Envelope {
	return NewMessage(source, target, payload)
}

func NewControlMessage(source Role, target Target, payload ControlPayload) Envelope {
	return NewMessage(source, target, payload)
}

func NewSystemMessage(source Role, target Target, payload SystemPayload) Envelope {
	return NewMessage(source, target, payload)
}

// NewSyncMessage builds either a sync_request or a sync_response depending
// on the payload passed in.
func NewSyncMessage(source Role, target Target, payload Payload) Envelope {
	return NewMessage(source, target, payload)
}
