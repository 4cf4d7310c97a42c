// Package v1 defines the civic realtime channel contract.
//
// It is shared by the channel manager, its transports and the smoke tool,
// and stays dependency-light so any client can vendor it.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated on the websocket upgrade.
const Subprotocol = "civic.realtime.v1"

// Endpoint paths relative to the realtime base URL.
const (
	PathWebSocket = "/realtime/ws"
	PathPoll      = "/realtime/poll"
)

// Type constants (wire-stable). Server event names keep the backend's
// spelling.
const (
	// TypeHello carries the channel credential (client -> server).
	TypeHello = "hello"
	// TypeHelloAck accepts the handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeRoomJoined confirms the server placed the connection in a room.
	TypeRoomJoined = "roomJoined"
	// TypeNewEmergency announces a new emergency message to category admins.
	TypeNewEmergency = "newEmergency"

	TypePing = "ping"
	TypePong = "pong"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Error codes carried by ErrorPayload.
const (
	CodeUnauthorized = "unauthorized"
	CodeBadEnvelope  = "bad_envelope"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitzero"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeRoomJoined,
		TypeNewEmergency,
		TypePing,
		TypePong,
		TypeError:
		return nil
	case "":
		return errors.New("missing field: type")
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// New builds an envelope with payload marshalled to JSON.
func New(typ, id string, ts time.Time, payload any) (Envelope, error) {
	env := Envelope{V: Version, Type: typ, ID: id, TS: ts}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		env.Payload = b
	}
	return env, nil
}

// Decode unmarshals the payload of env into T.
func Decode[T any](env Envelope) (T, error) {
	var out T
	if len(env.Payload) == 0 {
		return out, fmt.Errorf("%s: empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, fmt.Errorf("%s: %w", env.Type, err)
	}
	return out, nil
}

// ---- Payloads ----

// HelloPayload authenticates the channel with a short-lived channel token.
type HelloPayload struct {
	Token string `json:"token"`
}

type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

type RoomJoinedPayload struct {
	Success bool   `json:"success"`
	Room    string `json:"room"`
	Message string `json:"message"`
}

// EmergencyPayload mirrors the backend's emergency message document.
type EmergencyPayload struct {
	ID          string    `json:"_id"`
	Sender      string    `json:"sender"`
	SenderName  string    `json:"senderName,omitempty"`
	SenderEmail string    `json:"senderEmail,omitempty"`
	Message     string    `json:"message"`
	Category    string    `json:"category,omitempty"`
	Status      string    `json:"status,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitzero"`
	Read        bool      `json:"read"`
}

// PingPayload and PongPayload carry a Unix millisecond timestamp; the pong
// echoes the ping's value so the client can measure round-trip latency.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
