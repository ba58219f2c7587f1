package device

import "time"

// State is the last-known device state, an open JSON object.
type State map[string]any

// Snapshot is the externally visible view of one managed device.
type Snapshot struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Protocol  string    `json:"protocol"`
	Connected bool      `json:"connected"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
	State     State     `json:"state,omitempty"`
}

// Event is a device event stamped with its origin, as delivered to
// subscribers and persisted in the event history.
type Event struct {
	DeviceID  string    `json:"device_id"`
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
