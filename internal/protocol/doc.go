// Package protocol implements the transport-agnostic adapter framework that
// puts every device protocol behind one uniform command/response contract.
//
// The centrepiece is Adapter, a base implementation owning the connection
// state machine (disconnected → connecting → connected), the command queue
// with batching and per-command retry, the encode/decode payload pipeline
// (JSON normalisation → gzip → AES-256-GCM, tagged via the codec package),
// and reconnect scheduling through a shared Backoff policy.
//
// Concrete transports (BLE, Modbus, serial) plug in by implementing the
// Transport interface; transports able to amortise round trips additionally
// implement BatchTransport. The Registry maps protocol identifiers to
// adapter factories and capability descriptors and selects an adapter for a
// discovered device.
//
// Concurrency:
//   - One Adapter instance serves one device connection. All exported
//     methods are safe for concurrent use.
//   - Commands submitted to one adapter are dispatched in enqueue order;
//     batch results are applied positionally. No ordering is guaranteed
//     across adapters.
//   - Disconnecting cancels every queued command and wakes its waiters.
//
// Error handling follows the package's closed taxonomy: every failure from
// an exported operation wraps exactly one of the Err* sentinels, and
// ErrorCode maps any error to a stable machine-readable code string.
package protocol
