// Package serial implements a line-device adapter over a serial port.
//
// Commands are written in submission order, one exchange on the wire at a
// time, with an optional throughput throttle for devices with shallow input
// buffers. Responses are framed either by a configured delimiter or by a
// silence gap. The adapter keeps running counters (bytes, exchanges,
// errors, reconnects) for health reporting.
package serial
