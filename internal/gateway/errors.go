package gateway

import "errors"

// Stable error codes carried in error frames. Clients branch on these,
// never on message text.
const (
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeAccessDenied       = "ACCESS_DENIED"
	CodeDeviceNotFound     = "DEVICE_NOT_FOUND"
	CodeCommandFailed      = "COMMAND_FAILED"
	CodeQueueFull          = "QUEUE_FULL"
	CodeInternalError      = "INTERNAL_ERROR"
)

var (
	// ErrPoolFull indicates the global connection cap is reached.
	ErrPoolFull = errors.New("gateway: connection pool full")

	// ErrBlacklisted indicates the source IP tripped the DDoS guard.
	ErrBlacklisted = errors.New("gateway: source blacklisted")

	// ErrUnauthorized indicates a missing, malformed or expired token.
	ErrUnauthorized = errors.New("gateway: unauthorized")

	// ErrConnClosed indicates a send on a closed client connection.
	ErrConnClosed = errors.New("gateway: connection closed")
)
