package protocol

import (
	"fmt"
	"sync"
)

// DeviceInfo describes a discovered or configured device for adapter
// selection. Params carries transport-specific settings interpreted by the
// selected adapter's factory.
type DeviceInfo struct {
	ID       string
	Name     string
	Protocol string
	Params   map[string]string
}

// Factory constructs an adapter instance for one device.
type Factory func(device DeviceInfo, opts Options) (Protocol, error)

// Matcher reports whether a registration can serve a device. Matchers run
// in registration order during FindForDevice; the first true wins.
type Matcher func(device DeviceInfo) bool

// Registration binds a protocol identifier to its capability descriptor,
// adapter factory, and optional device matcher.
type Registration struct {
	ID           string
	Capabilities Capabilities
	New          Factory
	Matches      Matcher // optional
}

// Registry maps protocol identifiers to adapter registrations and selects
// an adapter for a device. It is read-heavy and rarely mutated after
// startup; lookups are safe from many connection-handling goroutines while
// mutation is serialised.
//
// The registry is constructed explicitly and injected; there is no package
// global.
type Registry struct {
	mu        sync.RWMutex
	regs      map[string]Registration
	order     []string // registration order, drives matcher precedence
	defaultID string
}

// NewRegistry creates an empty protocol registry.
func NewRegistry() *Registry {
	return &Registry{
		regs: make(map[string]Registration),
	}
}

// Register adds a protocol registration. The capability descriptor is
// validated and duplicate identifiers are rejected.
func (r *Registry) Register(reg Registration) error {
	if reg.ID == "" {
		return fmt.Errorf("%w: empty protocol id", ErrInvalidCapabilities)
	}
	if reg.New == nil {
		return fmt.Errorf("%w: protocol %q has no factory", ErrInvalidCapabilities, reg.ID)
	}
	if err := reg.Capabilities.Validate(); err != nil {
		return fmt.Errorf("protocol %q: %w", reg.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.regs[reg.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateProtocol, reg.ID)
	}
	r.regs[reg.ID] = reg
	r.order = append(r.order, reg.ID)
	return nil
}

// Unregister removes a protocol registration.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.regs[id]; !exists {
		return fmt.Errorf("%w: %q", ErrProtocolNotFound, id)
	}
	delete(r.regs, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.defaultID == id {
		r.defaultID = ""
	}
	return nil
}

// SetDefault selects the protocol used when no matcher accepts a device.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.regs[id]; !exists {
		return fmt.Errorf("%w: %q", ErrProtocolNotFound, id)
	}
	r.defaultID = id
	return nil
}

// Protocol returns the registration for a protocol id.
func (r *Registry) Protocol(id string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[id]
	return reg, ok
}

// Protocols returns all registered protocol ids in registration order.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// FindForDevice selects a registration for a device. An explicit device
// protocol wins; otherwise matchers are tried in registration order, first
// true wins; otherwise the configured default applies.
func (r *Registry) FindForDevice(device DeviceInfo) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if device.Protocol != "" {
		if reg, ok := r.regs[device.Protocol]; ok {
			return reg, nil
		}
		return Registration{}, fmt.Errorf("%w: %q", ErrProtocolNotFound, device.Protocol)
	}

	for _, id := range r.order {
		reg := r.regs[id]
		if reg.Matches != nil && reg.Matches(device) {
			return reg, nil
		}
	}

	if r.defaultID != "" {
		return r.regs[r.defaultID], nil
	}
	return Registration{}, fmt.Errorf("%w: no protocol matches device %q", ErrProtocolNotFound, device.ID)
}
