package protocol

import "errors"

// Domain errors for the protocol package. These form a closed taxonomy:
// every failure surfaced by an adapter wraps exactly one of them, carrying
// the transport-level cause for diagnostics.
var (
	// ErrConnectionFailed is returned when establishing a transport
	// connection fails.
	ErrConnectionFailed = errors.New("protocol: connection failed")

	// ErrDisconnectFailed is returned when tearing down a transport
	// connection fails.
	ErrDisconnectFailed = errors.New("protocol: disconnect failed")

	// ErrCommandFailed is returned when a command fails after its retry
	// budget is exhausted.
	ErrCommandFailed = errors.New("protocol: command failed")

	// ErrEncodingFailed is returned when a command payload cannot be encoded.
	ErrEncodingFailed = errors.New("protocol: encoding failed")

	// ErrDecodingFailed is returned when a response payload cannot be decoded.
	ErrDecodingFailed = errors.New("protocol: decoding failed")

	// ErrValidationFailed is returned when a command fails validation before
	// it is enqueued.
	ErrValidationFailed = errors.New("protocol: validation failed")

	// ErrTimeout is returned when a command or connection attempt exceeds
	// its deadline.
	ErrTimeout = errors.New("protocol: operation timed out")

	// ErrInvalidState is returned when an operation is not legal in the
	// adapter's current connection state.
	ErrInvalidState = errors.New("protocol: invalid state")

	// ErrCommandCancelled is returned to waiters of commands cancelled by
	// a disconnect.
	ErrCommandCancelled = errors.New("protocol: command cancelled")

	// ErrProtocol is returned when a transport receives a malformed or
	// checksum-failing frame.
	ErrProtocol = errors.New("protocol: protocol error")

	// ErrConnectionLost is returned for requests in flight when the
	// transport connection drops.
	ErrConnectionLost = errors.New("protocol: connection lost")

	// ErrDuplicateProtocol is returned when registering a protocol id twice.
	ErrDuplicateProtocol = errors.New("protocol: duplicate protocol id")

	// ErrProtocolNotFound is returned when a protocol id is not registered
	// and no default applies.
	ErrProtocolNotFound = errors.New("protocol: not registered")

	// ErrInvalidCapabilities is returned when a capability descriptor fails
	// validation at registration.
	ErrInvalidCapabilities = errors.New("protocol: invalid capabilities")
)

// Stable error codes carried to clients. Programs branch on these, never on
// message text.
const (
	CodeConnectionFailed = "CONNECTION_FAILED"
	CodeDisconnectFailed = "DISCONNECTION_FAILED"
	CodeCommandFailed    = "COMMAND_FAILED"
	CodeEncodingFailed   = "ENCODING_FAILED"
	CodeDecodingFailed   = "DECODING_FAILED"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeTimeout          = "TIMEOUT"
	CodeInvalidState     = "INVALID_STATE"
	CodeCancelled        = "CANCELLED"
	CodeProtocolError    = "PROTOCOL_ERROR"
	CodeConnectionLost   = "CONNECTION_LOST"
	CodeUnknown          = "UNKNOWN"
)

// ErrorCode maps an adapter error to its stable code string.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrConnectionLost):
		return CodeConnectionLost
	case errors.Is(err, ErrConnectionFailed):
		return CodeConnectionFailed
	case errors.Is(err, ErrDisconnectFailed):
		return CodeDisconnectFailed
	case errors.Is(err, ErrEncodingFailed):
		return CodeEncodingFailed
	case errors.Is(err, ErrDecodingFailed):
		return CodeDecodingFailed
	case errors.Is(err, ErrValidationFailed):
		return CodeValidationFailed
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrCommandCancelled):
		return CodeCancelled
	case errors.Is(err, ErrProtocol):
		return CodeProtocolError
	case errors.Is(err, ErrCommandFailed):
		return CodeCommandFailed
	default:
		return CodeUnknown
	}
}
