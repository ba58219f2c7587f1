package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/devlink-io/devlink-core/internal/codec"
	"github.com/devlink-io/devlink-core/internal/protocol"
)

// ProtocolID is the registry identifier.
const ProtocolID = "ble"

func bleCapabilities() protocol.Capabilities {
	return protocol.Capabilities{
		Bidirectional: true,
		Binary:        true,
		MaxPacketSize: 512, // GATT attribute value limit
		Features:      []string{"gatt", "notifications", "scan"},
	}
}

// gattLink is the established GATT session: chunk writes out, close tears
// down. Carved out of the bluetooth types so the command path is testable
// without radio hardware.
type gattLink interface {
	write(chunk []byte) error
	close() error
}

// Peripheral is a BLE adapter for one GATT peripheral.
type Peripheral struct {
	*protocol.Adapter
	transport *bleTransport
}

// New builds a BLE adapter from device params; see parseSettings for the
// recognised keys.
func New(device protocol.DeviceInfo, opts protocol.Options) (protocol.Protocol, error) {
	cfg, err := parseSettings(device)
	if err != nil {
		return nil, err
	}
	t := &bleTransport{
		cfg:  cfg,
		dial: connectHardware,
	}
	adapter, err := protocol.NewAdapter(bleCapabilities(), t, opts)
	if err != nil {
		return nil, err
	}
	t.adapter = adapter
	return &Peripheral{Adapter: adapter, transport: t}, nil
}

// Register adds the BLE adapter to a registry. The matcher claims devices
// that configure GATT characteristics.
func Register(r *protocol.Registry) error {
	return r.Register(protocol.Registration{
		ID:           ProtocolID,
		Capabilities: bleCapabilities(),
		New:          New,
		Matches: func(d protocol.DeviceInfo) bool {
			return d.Params["service_uuid"] != "" && d.Params["write_uuid"] != ""
		},
	})
}

// bleTransport drives one peripheral. dial is swapped for a fake in tests.
type bleTransport struct {
	adapter *protocol.Adapter
	cfg     settings
	dial    func(t *bleTransport) (gattLink, error)
	slot    replySlot

	mu   sync.Mutex
	link gattLink
}

func (t *bleTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.link != nil {
		return nil
	}
	link, err := t.dial(t)
	if err != nil {
		return err
	}
	t.link = link
	return nil
}

func (t *bleTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	link := t.link
	t.link = nil
	t.mu.Unlock()
	if link == nil {
		return nil
	}
	return link.close()
}

// Send writes the payload in MTU-sized chunks and waits for the reply
// notification.
func (t *bleTransport) Send(ctx context.Context, payload []byte) ([]byte, error) {
	t.mu.Lock()
	link := t.link
	t.mu.Unlock()
	if link == nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrConnectionLost, ErrNotConnected)
	}

	ch, err := t.slot.arm()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrProtocol, err)
	}

	chunks, err := codec.Chunk(payload, payloadSize(t.cfg.mtu))
	if err != nil {
		t.slot.disarm()
		return nil, fmt.Errorf("%w: %w", protocol.ErrProtocol, err)
	}
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			t.slot.disarm()
			return nil, err
		}
		if err := link.write(chunk); err != nil {
			t.slot.disarm()
			t.lost(err)
			return nil, fmt.Errorf("%w: write: %w", protocol.ErrConnectionLost, err)
		}
	}

	return t.slot.await(ctx, ch)
}

// notified routes an incoming notification: a waiting command consumes it,
// otherwise it surfaces as an unsolicited device event.
func (t *bleTransport) notified(data []byte) {
	// The stack reuses the notification buffer.
	copied := make([]byte, len(data))
	copy(copied, data)
	if t.slot.deliver(copied) {
		return
	}
	t.adapter.Emit(protocol.Event{Type: protocol.EventNotification, Data: copied})
}

// lost tears the link down once and notifies the adapter.
func (t *bleTransport) lost(cause error) {
	t.mu.Lock()
	link := t.link
	t.link = nil
	t.mu.Unlock()
	if link == nil {
		return
	}
	link.close()
	go t.adapter.ConnectionLost(cause)
}

// hardwareLink is the real GATT session over the platform adapter.
type hardwareLink struct {
	device bluetooth.Device
	tx     bluetooth.DeviceCharacteristic
}

func (l *hardwareLink) write(chunk []byte) error {
	_, err := l.tx.WriteWithoutResponse(chunk)
	return err
}

func (l *hardwareLink) close() error {
	return l.device.Disconnect()
}

// connectHardware scans for a matching peripheral, connects, discovers the
// configured service and characteristics, and subscribes for notifications.
func connectHardware(t *bleTransport) (gattLink, error) {
	radio := bluetooth.DefaultAdapter
	if err := radio.Enable(); err != nil {
		return nil, fmt.Errorf("enable adapter: %w", err)
	}

	addr, err := scan(radio, t.cfg.filter)
	if err != nil {
		return nil, err
	}

	device, err := radio.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr.String(), err)
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{t.cfg.serviceUUID})
	if err != nil || len(services) == 0 {
		device.Disconnect()
		return nil, fmt.Errorf("%w: service %s: %v", ErrCharacteristicMissing, t.cfg.serviceUUID.String(), err)
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{t.cfg.writeUUID, t.cfg.notifyUUID})
	if err != nil || len(chars) < 2 {
		device.Disconnect()
		return nil, fmt.Errorf("%w: characteristics on %s: %v", ErrCharacteristicMissing, t.cfg.serviceUUID.String(), err)
	}

	var tx, rx bluetooth.DeviceCharacteristic
	for _, c := range chars {
		switch c.UUID() {
		case t.cfg.writeUUID:
			tx = c
		case t.cfg.notifyUUID:
			rx = c
		}
	}
	if err := rx.EnableNotifications(t.notified); err != nil {
		device.Disconnect()
		return nil, fmt.Errorf("enable notifications: %w", err)
	}

	return &hardwareLink{device: device, tx: tx}, nil
}

// scan runs a bounded scan and returns the address of the first
// advertisement the filter accepts.
func scan(radio *bluetooth.Adapter, f filter) (bluetooth.Address, error) {
	var (
		found bluetooth.Address
		once  sync.Once
		done  = make(chan struct{})
	)

	timer := time.AfterFunc(f.timeout, func() { radio.StopScan() })
	defer timer.Stop()

	err := radio.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
		adv := advertisement{
			address:    result.Address.String(),
			localName:  result.LocalName(),
			rssi:       result.RSSI,
			hasService: result.HasServiceUUID,
		}
		if !f.accepts(adv) {
			return
		}
		once.Do(func() {
			found = result.Address
			close(done)
			a.StopScan()
		})
	})
	if err != nil {
		return bluetooth.Address{}, fmt.Errorf("scan: %w", err)
	}

	select {
	case <-done:
		return found, nil
	default:
		return bluetooth.Address{}, fmt.Errorf("%w after %s", ErrScanTimeout, f.timeout)
	}
}
