package mqtt

import "fmt"

// Topic prefixes for the Devlink MQTT hierarchy.
//
// Device topics use the flat scheme: devlink/device/{device_id}/{category}.
// This keeps per-device traffic under one subtree so external consumers can
// subscribe to a single device with devlink/device/{id}/#.
const (
	// TopicPrefix is the base for all Devlink topics.
	TopicPrefix = "devlink"

	// TopicPrefixDevice is the base for per-device topics.
	TopicPrefixDevice = "devlink/device"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "devlink/system"
)

// Topics provides builders for Devlink MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.DeviceState("meter-1")
//	// Returns: "devlink/device/meter-1/state"
type Topics struct{}

// DeviceState returns the topic for canonical device state, published
// retained so late subscribers see the last known state.
//
// Example: devlink/device/meter-1/state
func (Topics) DeviceState(deviceID string) string {
	return fmt.Sprintf("%s/%s/state", TopicPrefixDevice, deviceID)
}

// DeviceEvent returns the topic for device events (notifications,
// connects, disconnects).
//
// Example: devlink/device/meter-1/event
func (Topics) DeviceEvent(deviceID string) string {
	return fmt.Sprintf("%s/%s/event", TopicPrefixDevice, deviceID)
}

// DeviceCommand returns the topic external producers use to command a
// device.
//
// Example: devlink/device/meter-1/command
func (Topics) DeviceCommand(deviceID string) string {
	return fmt.Sprintf("%s/%s/command", TopicPrefixDevice, deviceID)
}

// DeviceConnectivity returns the topic for device online/offline status.
//
// Example: devlink/device/meter-1/connectivity
func (Topics) DeviceConnectivity(deviceID string) string {
	return fmt.Sprintf("%s/%s/connectivity", TopicPrefixDevice, deviceID)
}

// SystemStatus returns the service status topic, used for the LWT and
// for graceful online/offline announcements.
//
// Example: devlink/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// SystemHealth returns the periodic health snapshot topic.
//
// Example: devlink/system/health
func (Topics) SystemHealth() string {
	return fmt.Sprintf("%s/health", TopicPrefixSystem)
}

// AllDeviceStates returns a pattern matching every device state topic.
//
// Pattern: devlink/device/+/state
func (Topics) AllDeviceStates() string {
	return fmt.Sprintf("%s/+/state", TopicPrefixDevice)
}

// AllDeviceEvents returns a pattern matching every device event topic.
//
// Pattern: devlink/device/+/event
func (Topics) AllDeviceEvents() string {
	return fmt.Sprintf("%s/+/event", TopicPrefixDevice)
}

// AllDeviceCommands returns a pattern matching every inbound command
// topic.
//
// Pattern: devlink/device/+/command
func (Topics) AllDeviceCommands() string {
	return fmt.Sprintf("%s/+/command", TopicPrefixDevice)
}

// AllTopics returns a pattern matching all Devlink topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: devlink/#
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}

// DeviceIDFromTopic extracts the device id from a per-device topic,
// returning "" when the topic is not under the device subtree.
func DeviceIDFromTopic(topic string) string {
	const prefix = TopicPrefixDevice + "/"
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return ""
	}
	rest := topic[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i]
		}
	}
	return ""
}
