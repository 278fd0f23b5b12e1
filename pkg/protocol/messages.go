// Package protocol defines the wire protocol exchanged between the taskpulse
// server and dashboard clients over WebSocket.
//
// All messages are JSON-encoded and share a common envelope whose "type" field
// selects the payload structure. Each type maps to exactly one Go struct that
// implements Message, so handlers can switch over the concrete variants.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type is the closed set of envelope types.
type Type string

const (
	TypeSubscribe        Type = "SUBSCRIBE"
	TypeUnsubscribe      Type = "UNSUBSCRIBE"
	TypePing             Type = "PING"
	TypePong             Type = "PONG"
	TypeConnectionStatus Type = "CONNECTION_STATUS"
	TypeTaskStatusUpdate Type = "TASK_STATUS_UPDATE"
)

var (
	// ErrUnknownType is returned by Decode for a well-formed envelope whose
	// type is not part of the protocol.
	ErrUnknownType = errors.New("unknown message type")
	// ErrInvalidPayload is returned when the payload does not match its type.
	ErrInvalidPayload = errors.New("invalid message payload")
)

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"` // unix millis
}

// Message is implemented by every payload variant. The unexported method
// keeps the set closed to this package.
type Message interface {
	Type() Type
	isMessage()
}

// --- client → server ---

// Subscribe asks the server to deliver updates for a task.
type Subscribe struct {
	TaskID string `json:"taskId"`
}

// Unsubscribe stops delivery of updates for a task.
type Unsubscribe struct {
	TaskID string `json:"taskId"`
}

// Ping is an application-level liveness probe from the client.
type Ping struct{}

// --- server → client ---

// Pong answers Ping.
type Pong struct{}

// ConnectionStatus is sent once after a connection is accepted.
type ConnectionStatus struct {
	Connected bool `json:"connected"`
}

// TaskStatusUpdate carries the latest status of one task.
type TaskStatusUpdate struct {
	TaskID string                  `json:"taskId"`
	Status AgentTaskRealtimeStatus `json:"status"`
}

func (Subscribe) Type() Type        { return TypeSubscribe }
func (Unsubscribe) Type() Type      { return TypeUnsubscribe }
func (Ping) Type() Type             { return TypePing }
func (Pong) Type() Type             { return TypePong }
func (ConnectionStatus) Type() Type { return TypeConnectionStatus }
func (TaskStatusUpdate) Type() Type { return TypeTaskStatusUpdate }

func (Subscribe) isMessage()        {}
func (Unsubscribe) isMessage()      {}
func (Ping) isMessage()             {}
func (Pong) isMessage()             {}
func (ConnectionStatus) isMessage() {}
func (TaskStatusUpdate) isMessage() {}

// Encode wraps m in an envelope stamped with now.
func Encode(m Message, now time.Time) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", m.Type(), err)
	}
	return json.Marshal(Envelope{
		Type:      m.Type(),
		Payload:   payload,
		Timestamp: now.UnixMilli(),
	})
}

// Decode parses a raw frame into its concrete Message.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}

	var msg Message
	switch env.Type {
	case TypeSubscribe:
		var m Subscribe
		if err := unmarshalPayload(env.Payload, &m); err != nil {
			return nil, err
		}
		if m.TaskID == "" {
			return nil, fmt.Errorf("%w: %s requires taskId", ErrInvalidPayload, env.Type)
		}
		msg = m
	case TypeUnsubscribe:
		var m Unsubscribe
		if err := unmarshalPayload(env.Payload, &m); err != nil {
			return nil, err
		}
		if m.TaskID == "" {
			return nil, fmt.Errorf("%w: %s requires taskId", ErrInvalidPayload, env.Type)
		}
		msg = m
	case TypePing:
		msg = Ping{}
	case TypePong:
		msg = Pong{}
	case TypeConnectionStatus:
		var m ConnectionStatus
		if err := unmarshalPayload(env.Payload, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypeTaskStatusUpdate:
		var m TaskStatusUpdate
		if err := unmarshalPayload(env.Payload, &m); err != nil {
			return nil, err
		}
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return msg, nil
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
