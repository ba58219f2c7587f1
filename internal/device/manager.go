package device

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/devlink-io/devlink-core/internal/infrastructure/config"
	"github.com/devlink-io/devlink-core/internal/infrastructure/logging"
	"github.com/devlink-io/devlink-core/internal/protocol"
)

// subscriberBuffer is the default per-subscriber event channel depth.
const subscriberBuffer = 128

// managed pairs a running adapter with its configuration.
type managed struct {
	cfg     config.DeviceConfig
	adapter protocol.Protocol
	cancel  context.CancelFunc
}

// Manager owns one protocol adapter per configured device: it selects
// adapters through the registry, drives their connection lifecycle, fans
// their event streams into subscriber channels, and mirrors state and
// events into the store.
//
// Thread Safety: all exported methods are safe for concurrent use.
type Manager struct {
	registry *protocol.Registry
	store    *Store
	log      *logging.Logger
	opts     protocol.Options

	mu      sync.RWMutex
	devices map[string]*managed
	order   []string
	subs    map[int]chan Event
	nextSub int
	started bool
	closed  bool

	wg sync.WaitGroup
}

// NewManager creates a manager over a registry and store. Adapter options
// are derived once from the adapter config section and shared by every
// device.
func NewManager(registry *protocol.Registry, store *Store, cfg config.AdapterConfig, log *logging.Logger) (*Manager, error) {
	opts, err := adapterOptions(cfg, log)
	if err != nil {
		return nil, err
	}
	return &Manager{
		registry: registry,
		store:    store,
		log:      log.With("component", "device-manager"),
		opts:     opts,
		devices:  make(map[string]*managed),
		subs:     make(map[int]chan Event),
	}, nil
}

// adapterOptions maps the YAML adapter section onto protocol options.
func adapterOptions(cfg config.AdapterConfig, log *logging.Logger) (protocol.Options, error) {
	opts := protocol.Options{
		CommandTimeout: time.Duration(cfg.CommandTimeout) * time.Second,
		ConnectTimeout: time.Duration(cfg.ConnectTimeout) * time.Second,
		MaxRetries:     cfg.MaxRetries,
		BatchSize:      cfg.BatchSize,
		BatchTimeout:   time.Duration(cfg.BatchTimeoutMs) * time.Millisecond,
		Reconnect:      cfg.Reconnect,
		MaxReconnects:  cfg.MaxReconnects,
		Backoff:        protocol.Backoff{Initial: time.Duration(cfg.ReconnectDelay) * time.Second},
		CompressionMin: cfg.CompressionMin,
		Logger:         log.With("component", "adapter"),
	}
	if cfg.EncryptionKey != "" {
		key, err := hex.DecodeString(cfg.EncryptionKey)
		if err != nil {
			return protocol.Options{}, fmt.Errorf("decoding encryption key: %w", err)
		}
		opts.EncryptionKey = key
	}
	return opts, nil
}

// Start builds and connects an adapter for every configured device.
// Devices that fail to connect are kept: their adapters reconnect per
// policy, and commands queue meanwhile. A device whose protocol cannot be
// resolved at all is a configuration error and fails Start.
func (m *Manager) Start(ctx context.Context, devices []config.DeviceConfig) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	for _, cfg := range devices {
		if err := m.addDevice(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) addDevice(ctx context.Context, cfg config.DeviceConfig) error {
	info := protocol.DeviceInfo{
		ID:       cfg.ID,
		Name:     cfg.Name,
		Protocol: cfg.Protocol,
		Params:   cfg.Params,
	}
	reg, err := m.registry.FindForDevice(info)
	if err != nil {
		return fmt.Errorf("device %q: %w", cfg.ID, err)
	}
	adapter, err := reg.New(info, m.opts)
	if err != nil {
		return fmt.Errorf("device %q: building %s adapter: %w", cfg.ID, reg.ID, err)
	}

	if m.store != nil {
		if err := m.store.UpsertDevice(ctx, cfg.ID, cfg.Name, reg.ID); err != nil {
			return err
		}
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	md := &managed{cfg: cfg, adapter: adapter, cancel: cancel}

	m.mu.Lock()
	m.devices[cfg.ID] = md
	m.order = append(m.order, cfg.ID)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.pumpEvents(pumpCtx, cfg.ID, adapter)

	if err := adapter.Connect(ctx); err != nil {
		// Reconnection is the adapter's job from here; the device stays
		// managed and commands queue until it comes up.
		m.log.Warn("initial device connect failed", "device_id", cfg.ID, "error", err)
	}
	return nil
}

// pumpEvents consumes one adapter's event stream: connection transitions
// update the store, everything is stamped with the device id, persisted
// and fanned out to subscribers.
func (m *Manager) pumpEvents(ctx context.Context, deviceID string, adapter protocol.Protocol) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-adapter.Events():
			stamped := Event{
				DeviceID:  deviceID,
				Type:      ev.Type,
				Data:      ev.Data,
				Timestamp: ev.Timestamp,
			}
			if m.store != nil {
				storeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				switch ev.Type {
				case protocol.EventConnected:
					if err := m.store.SetConnected(storeCtx, deviceID, true); err != nil {
						m.log.Error("recording connect", "device_id", deviceID, "error", err)
					}
				case protocol.EventDisconnected:
					if err := m.store.SetConnected(storeCtx, deviceID, false); err != nil {
						m.log.Error("recording disconnect", "device_id", deviceID, "error", err)
					}
				}
				if err := m.store.RecordEvent(storeCtx, stamped); err != nil {
					m.log.Error("recording event", "device_id", deviceID, "error", err)
				}
				cancel()
			}
			m.fanOut(stamped)
		}
	}
}

func (m *Manager) fanOut(ev Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop rather than stall the pump.
		}
	}
}

// Subscribe registers an event consumer. The returned cancel function
// must be called to release the subscription.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// SendCommand routes one command to a device's adapter and persists the
// result as the device's last-known state when it decodes to an object.
func (m *Manager) SendCommand(ctx context.Context, deviceID string, command any) (any, error) {
	m.mu.RLock()
	md, ok := m.devices[deviceID]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}

	result, err := md.adapter.Send(ctx, command)
	if err != nil {
		return nil, err
	}

	if m.store != nil {
		if obj, ok := result.(map[string]any); ok {
			if serr := m.store.SaveState(ctx, deviceID, State(obj)); serr != nil {
				m.log.Error("saving device state", "device_id", deviceID, "error", serr)
			}
		}
	}
	return result, nil
}

// Device returns a point-in-time snapshot of one managed device.
func (m *Manager) Device(ctx context.Context, deviceID string) (Snapshot, error) {
	m.mu.RLock()
	md, ok := m.devices[deviceID]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	return m.snapshot(ctx, md), nil
}

// Devices returns snapshots of every managed device in configuration order.
func (m *Manager) Devices(ctx context.Context) []Snapshot {
	m.mu.RLock()
	ordered := make([]*managed, 0, len(m.order))
	for _, id := range m.order {
		if md, ok := m.devices[id]; ok {
			ordered = append(ordered, md)
		}
	}
	m.mu.RUnlock()

	snapshots := make([]Snapshot, len(ordered))
	for i, md := range ordered {
		snapshots[i] = m.snapshot(ctx, md)
	}
	return snapshots
}

func (m *Manager) snapshot(ctx context.Context, md *managed) Snapshot {
	snap := Snapshot{
		ID:        md.cfg.ID,
		Name:      md.cfg.Name,
		Protocol:  md.cfg.Protocol,
		Connected: md.adapter.IsConnected(),
	}
	if m.store != nil {
		if state, updated, err := m.store.LoadState(ctx, md.cfg.ID); err == nil {
			snap.State = state
			snap.LastSeen = updated
		}
	}
	return snap
}

// Connected reports how many managed devices currently hold a connection.
func (m *Manager) Connected() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, md := range m.devices {
		if md.adapter.IsConnected() {
			n++
		}
	}
	return n
}

// Close disconnects every adapter and stops the event pumps.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	devices := make([]*managed, 0, len(m.devices))
	for _, md := range m.devices {
		devices = append(devices, md)
	}
	m.mu.Unlock()

	var firstErr error
	for _, md := range devices {
		if err := md.adapter.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		md.cancel()
	}
	m.wg.Wait()
	return firstErr
}
