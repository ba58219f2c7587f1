package serial

import "errors"

var (
	// ErrInvalidParams indicates unusable device params.
	ErrInvalidParams = errors.New("serial: invalid device params")

	// ErrNotConnected indicates an operation on a closed port.
	ErrNotConnected = errors.New("serial: port not open")

	// ErrResponseTimeout indicates no complete frame arrived in time.
	ErrResponseTimeout = errors.New("serial: response timed out")
)
