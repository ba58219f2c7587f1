// Package device manages the fleet of protocol adapters.
//
// The Manager builds one adapter per configured device via the protocol
// registry, owns its connection lifecycle, and fans the per-adapter event
// streams into one subscriber feed for the gateway. The Store persists
// last-known device state and an event history in SQLite so snapshots
// survive restarts.
package device
