package gateway

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client-facing frame types. Server responses mirror the request's id for
// correlation.
const (
	TypeWelcome        = "welcome"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeDeviceCommand  = "device_command"
	TypeCommandSuccess = "command_success"
	TypeDeviceStatus   = "device_status"
	TypeSubscribe      = "subscribe_device"
	TypeSubscribed     = "subscription_success"
	TypeUnsubscribe    = "unsubscribe_device"
	TypeUnsubscribed   = "unsubscription_success"
	TypeListDevices    = "list_devices"
	TypeDeviceList     = "device_list"
	TypeJoinRoom       = "join_room"
	TypeRoomJoined     = "room_joined"
	TypeLeaveRoom      = "leave_room"
	TypeRoomLeft       = "room_left"
	TypeDeviceEvent    = "device_event"
	TypeError          = "error"
)

// Priority orders queued messages. Critical bypasses the queue entirely.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// MarshalJSON renders the priority as its wire name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts the wire names; absent or unknown values map to
// normal.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "low":
		*p = PriorityLow
	case "", "normal":
		*p = PriorityNormal
	case "high":
		*p = PriorityHigh
	case "critical":
		*p = PriorityCritical
	default:
		*p = PriorityNormal
	}
	return nil
}

// Message is one client-facing JSON frame.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Priority  Priority        `json:"priority,omitempty"`
}

// UnmarshalJSON applies the default priority when the field is absent.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	aux := plain{Priority: PriorityNormal}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = Message(aux)
	return nil
}

// reply builds an outbound frame answering an inbound message.
func reply(id, frameType string, payload any) ([]byte, error) {
	out := struct {
		ID        string    `json:"id,omitempty"`
		Type      string    `json:"type"`
		Payload   any       `json:"payload,omitempty"`
		Timestamp time.Time `json:"timestamp"`
	}{
		ID:        id,
		Type:      frameType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	return json.Marshal(out)
}

// errorPayload is the payload of an error frame. Code is a stable string
// clients can branch on.
type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// errorFrame builds an error frame echoing the offending message's id.
func errorFrame(id, code, message string) []byte {
	data, err := reply(id, TypeError, errorPayload{Message: message, Code: code})
	if err != nil {
		// The payload is plain strings; this cannot fail in practice.
		return []byte(`{"type":"error"}`)
	}
	return data
}

// commandPayload is the inbound device_command payload.
type commandPayload struct {
	DeviceID string          `json:"deviceId"`
	Command  json.RawMessage `json:"command"`
}

// devicePayload names a device in subscribe/unsubscribe/status payloads.
type devicePayload struct {
	DeviceID string `json:"deviceId"`
}

// roomPayload names a room in join/leave payloads.
type roomPayload struct {
	Room string `json:"room"`
}
