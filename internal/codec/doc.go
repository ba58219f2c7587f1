// Package codec provides the low-level framing and payload primitives shared
// by the protocol adapters and the WebSocket gateway.
//
// This package contains:
//   - CRC16 (Modbus polynomial) calculation and frame verification
//   - XOR checksums for simple vendor framings
//   - Payload chunking for MTU-bounded transports
//   - gzip compression and decompression
//   - AES-256-GCM payload encryption
//   - Explicit wire-format tagging for encoded payloads
//
// Wire Format Tagging:
//
// Encoded payloads carry a single leading tag byte describing how the rest of
// the payload was produced (JSON, gzip, AES, or combinations). Tag values live
// in 0xE0-0xE7, a range that cannot collide with the first byte of JSON text,
// so untagged legacy JSON payloads remain distinguishable during decode.
//
// All functions are pure and safe for concurrent use.
package codec
