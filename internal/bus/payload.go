package bus

import (
	"encoding/json"
	"fmt"
)

// Payload is the closed set of data variants an envelope carries. The
// variant tag doubles as the envelope's routing key.
type Payload interface {
	PayloadType() string
}

type LiturgyUpdatePayload struct {
	LiturgyID string         `json:"liturgyId"`
	State     string         `json:"state"`
	Changes   map[string]any `json:"changes,omitempty"`
}

func (LiturgyUpdatePayload) PayloadType() string { return TypeLiturgyUpdate }

type StreamAction string

const (
	StreamActionShow   StreamAction = "show"
	StreamActionHide   StreamAction = "hide"
	StreamActionUpdate StreamAction = "update"
)

type StreamContentPayload struct {
	Content any          `json:"content"`
	Action  StreamAction `json:"action"`
}

func (StreamContentPayload) PayloadType() string { return TypeStreamContent }

type ControlCommand string

const (
	ControlCommandPlay     ControlCommand = "play"
	ControlCommandPause    ControlCommand = "pause"
	ControlCommandStop     ControlCommand = "stop"
	ControlCommandNext     ControlCommand = "next"
	ControlCommandPrevious ControlCommand = "previous"
	ControlCommandSeek     ControlCommand = "seek"
)

type ControlPayload struct {
	Command ControlCommand `json:"command"`
	Target  Target         `json:"target,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

func (ControlPayload) PayloadType() string { return TypeControl }

type SystemEvent string

const (
	SystemEventAppReady   SystemEvent = "app_ready"
	SystemEventAppClosing SystemEvent = "app_closing"
	SystemEventModeChange SystemEvent = "mode_change"
	SystemEventError      SystemEvent = "error"
)

type SystemPayload struct {
	Event   SystemEvent    `json:"event"`
	Details map[string]any `json:"details,omitempty"`
}

func (SystemPayload) PayloadType() string { return TypeSystem }

type SyncDataType string

const (
	SyncDataLiturgy  SyncDataType = "liturgy"
	SyncDataSettings SyncDataType = "settings"
	SyncDataState    SyncDataType = "state"
	SyncDataAll      SyncDataType = "all"
)

type SyncRequestPayload struct {
	RequestID string       `json:"requestId,omitempty"`
	DataType  SyncDataType `json:"dataType"`
}

func (SyncRequestPayload) PayloadType() string { return TypeSyncRequest }

type SyncResponsePayload struct {
	RequestID string       `json:"requestId,omitempty"`
	DataType  SyncDataType `json:"dataType"`
	Content   any          `json:"content,omitempty"`
}

func (SyncResponsePayload) PayloadType() string { return TypeSyncResponse }

// RawPayload carries the data of a message type the process does not know.
// It keeps the wire bytes intact so the envelope still round-trips.
type RawPayload struct {
	TypeName string
	Raw      json.RawMessage
}

func (p RawPayload) PayloadType() string { return p.TypeName }

func (p RawPayload) MarshalJSON() ([]byte, error) {
	if p.Raw == nil {
		return []byte("null"), nil
	}

	return p.Raw, nil
}

func decodePayload(msgType string, data json.RawMessage) (Payload, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var payload Payload

	switch msgType {
	case TypeLiturgyUpdate:
		payload = &LiturgyUpdatePayload{}
	case TypeStreamContent:
		payload = &StreamContentPayload{}
	case TypeControl:
		payload = &ControlPayload{}
	case TypeSystem:
		payload = &SystemPayload{}
	case TypeSyncRequest:
		payload = &SyncRequestPayload{}
	case TypeSyncResponse:
		payload = &SyncResponsePayload{}
	default:
		return RawPayload{TypeName: msgType, Raw: append(json.RawMessage(nil), data...)}, nil
	}

	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", msgType, err)
	}

	return derefPayload(payload), nil
}

func derefPayload(p Payload) Payload {
	switch v := p.(type) {
	case *LiturgyUpdatePayload:
		return *v
	case *StreamContentPayload:
		return *v
	case *ControlPayload:
		return *v
	case *SystemPayload:
		return *v
	case *SyncRequestPayload:
		return *v
	case *SyncResponsePayload:
		return *v
	default:
		return p
	}
}
