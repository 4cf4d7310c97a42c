package realtime

import (
	"time"

	v1 "civic/shared/contracts/realtime/v1"
)

// Kind tags an Event. The set is closed.
type Kind string

const (
	KindConnected             Kind = "connected"
	KindDisconnected          Kind = "disconnected"
	KindConnectError          Kind = "connect_error"
	KindReconnectAttempt      Kind = "reconnect_attempt"
	KindReconnected           Kind = "reconnected"
	KindReconnectFailed       Kind = "reconnect_failed"
	KindCredentialUnavailable Kind = "credential_unavailable"
	KindRoomJoined            Kind = "room_joined"
	KindEmergency             Kind = "emergency"
	KindPong                  Kind = "pong"
)

// Disconnect reasons.
const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonTransportClose   = "transport close"
)

// Event is one channel occurrence. Only the fields of its Kind are set.
type Event struct {
	Kind Kind
	At   time.Time

	Reason  string // disconnected
	Err     error  // connect_error, credential_unavailable
	Attempt int    // reconnect_attempt, reconnected

	Room    string // room_joined
	Message string // room_joined

	Emergency *v1.EmergencyPayload

	Latency time.Duration // pong
}

// Status is the coarse channel state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Snapshot is a point-in-time view of the channel.
type Snapshot struct {
	Status      Status        `json:"status"`
	Attempt     int           `json:"attempt"`
	Generation  uint64        `json:"generation"`
	IdentityID  string        `json:"identity_id,omitempty"`
	Transport   string        `json:"transport,omitempty"`
	Room        string        `json:"room,omitempty"`
	ConnectedAt time.Time     `json:"connected_at,omitzero"`
	Latency     time.Duration `json:"latency_ns,omitempty"`
}

// decodeEvent maps a server envelope to an Event. ok is false for
// envelopes the manager does not surface.
func decodeEvent(env v1.Envelope, now time.Time) (ev Event, ok bool, err error) {
	switch env.Type {
	case v1.TypeRoomJoined:
		p, err := v1.Decode[v1.RoomJoinedPayload](env)
		if err != nil {
			return Event{}, false, err
		}
		return Event{Kind: KindRoomJoined, At: now, Room: p.Room, Message: p.Message}, true, nil

	case v1.TypeNewEmergency:
		p, err := v1.Decode[v1.EmergencyPayload](env)
		if err != nil {
			return Event{}, false, err
		}
		return Event{Kind: KindEmergency, At: now, Emergency: &p}, true, nil

	case v1.TypePong:
		p, err := v1.Decode[v1.PongPayload](env)
		if err != nil {
			return Event{}, false, err
		}
		lat := now.Sub(time.UnixMilli(p.Timestamp))
		if lat < 0 {
			lat = 0
		}
		return Event{Kind: KindPong, At: now, Latency: lat}, true, nil
	}
	return Event{}, false, nil
}
