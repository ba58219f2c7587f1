package device

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devlink-io/devlink-core/internal/infrastructure/logging"
	"github.com/devlink-io/devlink-core/internal/infrastructure/mqtt"
	"github.com/devlink-io/devlink-core/internal/protocol"
)

// Bus is the slice of the MQTT client the mirror uses.
type Bus interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishRetained(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Mirror reflects the device fleet onto the MQTT broker: events and
// state snapshots go out, commands published by external producers come
// in. The broker is an integration surface only; the WebSocket gateway
// remains the primary client path.
type Mirror struct {
	bus     Bus
	manager *Manager
	log     *logging.Logger
	topics  mqtt.Topics
}

// NewMirror wires a mirror over a connected bus.
func NewMirror(bus Bus, manager *Manager, log *logging.Logger) *Mirror {
	return &Mirror{
		bus:     bus,
		manager: manager,
		log:     log.With("component", "mirror"),
	}
}

// Run subscribes to inbound command topics and pumps device events to
// the broker until ctx ends.
func (m *Mirror) Run(ctx context.Context) error {
	if err := m.bus.Subscribe(m.topics.AllDeviceCommands(), 1, m.handleCommand); err != nil {
		return fmt.Errorf("subscribing to command topics: %w", err)
	}

	events, cancel := m.manager.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				m.publishEvent(ctx, ev)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// connectivityPayload announces a device going on or off line, published
// retained so consumers always see the current status.
type connectivityPayload struct {
	DeviceID  string    `json:"device_id"`
	Online    bool      `json:"online"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *Mirror) publishEvent(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		m.log.Error("failed to encode device event", "device_id", ev.DeviceID, "error", err)
		return
	}
	if err := m.bus.Publish(m.topics.DeviceEvent(ev.DeviceID), data, 1, false); err != nil {
		m.log.Warn("failed to publish device event", "device_id", ev.DeviceID, "error", err)
	}

	switch ev.Type {
	case protocol.EventConnected, protocol.EventDisconnected:
		m.publishConnectivity(ev)
	}

	// Mirror the canonical state after anything that may have changed it.
	if snap, err := m.manager.Device(ctx, ev.DeviceID); err == nil {
		if state, err := json.Marshal(snap); err == nil {
			if err := m.bus.PublishRetained(m.topics.DeviceState(ev.DeviceID), state); err != nil {
				m.log.Warn("failed to publish device state", "device_id", ev.DeviceID, "error", err)
			}
		}
	}
}

func (m *Mirror) publishConnectivity(ev Event) {
	payload, err := json.Marshal(connectivityPayload{
		DeviceID:  ev.DeviceID,
		Online:    ev.Type == protocol.EventConnected,
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		return
	}
	if err := m.bus.PublishRetained(m.topics.DeviceConnectivity(ev.DeviceID), payload); err != nil {
		m.log.Warn("failed to publish connectivity", "device_id", ev.DeviceID, "error", err)
	}
}

// handleCommand routes a command published on a device command topic
// into the device layer. Results are not answered over MQTT; consumers
// that need a reply use the gateway.
func (m *Mirror) handleCommand(topic string, payload []byte) error {
	deviceID := mqtt.DeviceIDFromTopic(topic)
	if deviceID == "" {
		return fmt.Errorf("command on unrecognised topic %q", topic)
	}

	var command any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &command); err != nil {
			return fmt.Errorf("command payload on %q is not JSON: %w", topic, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := m.manager.SendCommand(ctx, deviceID, command); err != nil {
		return fmt.Errorf("command for %s failed: %w", deviceID, err)
	}
	m.log.Debug("broker command dispatched", "device_id", deviceID)
	return nil
}
