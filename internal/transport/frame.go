package transport

import (
	"encoding/json"
	"time"

	"github.com/paulo-ssantos/house-mix-copilot-sub000/internal/bus"
)

// Control frame kinds. Control frames are distinguished from application
// envelopes by the presence of the kind field.
const (
	KindInit    = "init"
	KindInitAck = "init_ack"
	KindPing    = "ping"
	KindPong    = "pong"
)

type ControlFrame struct {
	Kind                 string    `json:"kind"`
	Role                 bus.Role  `json:"role,omitempty"`
	AssignedConnectionID string    `json:"assignedConnectionId,omitempty"`
	SentAt               time.Time `json:"sentAt"`
}

func NewInitFrame(role bus.Role) ControlFrame {
	return ControlFrame{
		Kind:   KindInit,
		Role:   role,
		SentAt: time.Now(),
	}
}

func NewInitAckFrame(connectionID string) ControlFrame {
	return ControlFrame{
		Kind:                 KindInitAck,
		AssignedConnectionID: connectionID,
		SentAt:               time.Now(),
	}
}

func NewPingFrame() ControlFrame {
	return ControlFrame{
		Kind:   KindPing,
		SentAt: time.Now(),
	}
}

func NewPongFrame() ControlFrame {
	return ControlFrame{
		Kind:   KindPong,
		SentAt: time.Now(),
	}
}

// DecodeFrame parses one wire frame. Exactly one of the returned control
// frame and envelope is non-nil on success.
func DecodeFrame(data []byte) (*ControlFrame, *bus.Envelope, error) {
	var probe struct {
		Kind string `json:"kind"`
	}

	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, nil, err
	}

	if probe.Kind != "" {
		var frame ControlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, nil, err
		}

		return &frame, nil, nil
	}

	var envelope bus.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, nil, err
	}

	return nil, &envelope, nil
}
