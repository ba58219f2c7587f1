// Package modbus implements Modbus-RTU and Modbus-TCP adapters on top of
// the base protocol framework.
//
// Frame building and parsing is shared between the two variants: PDUs are
// encoded per the standard function codes (read/write coils and registers),
// exception responses (function code with the high bit set) are mapped to
// named Modbus exceptions, and RTU frames carry a little-endian CRC16
// validated on receipt.
//
// Transport differences:
//   - RTU drives a serial line with enforced inter-frame silence and a
//     single in-flight request at a time.
//   - TCP multiplexes many concurrent transactions over one socket using
//     the MBAP transaction identifier, with independent per-transaction
//     timeouts and an idle keep-alive probe.
//
// Commands are JSON documents parsed into Request at the transport
// boundary; see Request for the accepted shape.
package modbus
