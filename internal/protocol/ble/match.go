package ble

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/devlink-io/devlink-core/internal/protocol"
)

const (
	defaultScanTimeout = 30 * time.Second
	defaultMTU         = 23 // BLE 4.0 minimum; payload per write is MTU-3
	defaultRSSIMin     = -90
)

// filter is the scan acceptance criteria built from device params.
type filter struct {
	address     string // exact MAC, empty to match by advertisement
	name        string // exact advertised local name
	serviceUUID *bluetooth.UUID
	rssiMin     int16
	timeout     time.Duration
}

// settings is the full BLE configuration for one device.
type settings struct {
	filter      filter
	serviceUUID bluetooth.UUID
	writeUUID   bluetooth.UUID
	notifyUUID  bluetooth.UUID
	mtu         int
}

// parseSettings builds settings from device params. Recognised params:
// "address", "name", "service_uuid", "write_uuid", "notify_uuid",
// "rssi_min", "scan_timeout_ms", "mtu".
func parseSettings(device protocol.DeviceInfo) (settings, error) {
	s := settings{
		filter: filter{
			address: strings.ToUpper(device.Params["address"]),
			name:    device.Params["name"],
			rssiMin: defaultRSSIMin,
			timeout: defaultScanTimeout,
		},
		mtu: defaultMTU,
	}
	if s.filter.address == "" && s.filter.name == "" && device.Params["service_uuid"] == "" {
		return settings{}, fmt.Errorf("%w: device %q needs address, name or service_uuid", ErrInvalidParams, device.ID)
	}

	svc, err := requireUUID(device.Params, "service_uuid")
	if err != nil {
		return settings{}, err
	}
	s.serviceUUID = svc
	s.filter.serviceUUID = &svc

	if s.writeUUID, err = requireUUID(device.Params, "write_uuid"); err != nil {
		return settings{}, err
	}
	if s.notifyUUID, err = requireUUID(device.Params, "notify_uuid"); err != nil {
		return settings{}, err
	}

	if v := device.Params["rssi_min"]; v != "" {
		rssi, err := strconv.Atoi(v)
		if err != nil || rssi > 0 || rssi < -127 {
			return settings{}, fmt.Errorf("%w: bad rssi_min %q", ErrInvalidParams, v)
		}
		s.filter.rssiMin = int16(rssi)
	}
	if v := device.Params["scan_timeout_ms"]; v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return settings{}, fmt.Errorf("%w: bad scan_timeout_ms %q", ErrInvalidParams, v)
		}
		s.filter.timeout = time.Duration(ms) * time.Millisecond
	}
	if v := device.Params["mtu"]; v != "" {
		mtu, err := strconv.Atoi(v)
		if err != nil || mtu < 23 || mtu > 517 {
			return settings{}, fmt.Errorf("%w: bad mtu %q", ErrInvalidParams, v)
		}
		s.mtu = mtu
	}
	return s, nil
}

func requireUUID(params map[string]string, key string) (bluetooth.UUID, error) {
	v := params[key]
	if v == "" {
		return bluetooth.UUID{}, fmt.Errorf("%w: missing %s", ErrInvalidParams, key)
	}
	uuid, err := bluetooth.ParseUUID(strings.ToLower(v))
	if err != nil {
		return bluetooth.UUID{}, fmt.Errorf("%w: bad %s %q: %v", ErrInvalidParams, key, v, err)
	}
	return uuid, nil
}

// advertisement is the subset of a scan result the filter inspects.
// Decoupled from the bluetooth package so matching is testable without
// radio hardware.
type advertisement struct {
	address    string
	localName  string
	rssi       int16
	hasService func(bluetooth.UUID) bool
}

// accepts reports whether an advertisement satisfies the filter. An exact
// address match bypasses all other criteria.
func (f filter) accepts(adv advertisement) bool {
	if f.address != "" {
		return strings.EqualFold(adv.address, f.address)
	}
	if adv.rssi < f.rssiMin {
		return false
	}
	if f.name != "" && adv.localName != f.name {
		return false
	}
	if f.serviceUUID != nil && adv.hasService != nil && !adv.hasService(*f.serviceUUID) {
		return false
	}
	return true
}

// payloadSize is the usable bytes per GATT write for a negotiated MTU:
// the ATT header costs 3 bytes.
func payloadSize(mtu int) int {
	return mtu - 3
}
