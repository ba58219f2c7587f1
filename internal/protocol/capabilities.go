package protocol

import (
	"fmt"
	"slices"
)

// Capabilities is the static declaration of what an adapter supports.
// One value describes an adapter type, not an instance; it never changes
// after registration.
type Capabilities struct {
	// Bidirectional indicates the transport can deliver unsolicited
	// device-to-host messages (notifications, events).
	Bidirectional bool `json:"bidirectional"`

	// Binary indicates the protocol speaks raw binary frames rather than text.
	Binary bool `json:"binary"`

	// Encryption indicates the adapter can apply payload encryption.
	Encryption bool `json:"encryption"`

	// Compression indicates the adapter can apply payload compression.
	Compression bool `json:"compression"`

	// Batching indicates the adapter can flush several commands together.
	Batching bool `json:"batching"`

	// MaxPacketSize bounds a single outbound payload in bytes. 0 means
	// the transport imposes no limit.
	MaxPacketSize int `json:"max_packet_size,omitempty"`

	// MaxBatchSize bounds the number of commands per batch. 0 means
	// unbounded.
	MaxBatchSize int `json:"max_batch_size,omitempty"`

	// Features lists free-form capability tags (e.g. "rssi", "keepalive").
	Features []string `json:"features,omitempty"`
}

// Validate checks the descriptor for internal consistency. An adapter must
// not claim a capability it cannot honour; the bounds checked here are the
// part of that contract the framework can enforce mechanically.
func (c Capabilities) Validate() error {
	if c.MaxPacketSize < 0 {
		return fmt.Errorf("%w: negative max packet size %d", ErrInvalidCapabilities, c.MaxPacketSize)
	}
	if c.MaxBatchSize < 0 {
		return fmt.Errorf("%w: negative max batch size %d", ErrInvalidCapabilities, c.MaxBatchSize)
	}
	if !c.Batching && c.MaxBatchSize > 0 {
		return fmt.Errorf("%w: max batch size set without batching", ErrInvalidCapabilities)
	}
	for _, f := range c.Features {
		if f == "" {
			return fmt.Errorf("%w: empty feature tag", ErrInvalidCapabilities)
		}
	}
	return nil
}

// HasFeature reports whether the descriptor carries the given feature tag.
func (c Capabilities) HasFeature(tag string) bool {
	return slices.Contains(c.Features, tag)
}
