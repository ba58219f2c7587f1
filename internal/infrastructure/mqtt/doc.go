// Package mqtt provides MQTT client connectivity for Devlink Core.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// Devlink uses MQTT as an optional integration bus: device state and
// events are mirrored onto the broker so external systems (dashboards,
// historians, rule engines) can consume them without holding a
// WebSocket connection, and commands published to a device's command
// topic are routed into the device layer.
//
//	Devlink Core ↔ MQTT Broker ↔ External Consumers
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to all device state updates
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceStates(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish an event
//	topic := mqtt.Topics{}.DeviceEvent("meter-1")
//	client.Publish(topic, []byte(`{"type":"notification"}`), 1, false)
package mqtt
