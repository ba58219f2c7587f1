package modbus

import "errors"

// Domain errors for the modbus package.
var (
	// ErrInvalidRequest is returned when a request fails validation before
	// encoding.
	ErrInvalidRequest = errors.New("modbus: invalid request")

	// ErrInvalidFrame is returned when a received frame is malformed.
	ErrInvalidFrame = errors.New("modbus: invalid frame")

	// ErrCRCMismatch is returned when an RTU frame fails CRC16 validation.
	ErrCRCMismatch = errors.New("modbus: crc mismatch")

	// ErrException is returned when the device answers with a Modbus
	// exception response.
	ErrException = errors.New("modbus: exception response")

	// ErrTransactionMismatch is returned when a TCP response carries an
	// unknown transaction id.
	ErrTransactionMismatch = errors.New("modbus: unknown transaction id")

	// ErrNotConnected is returned when an operation requires an open
	// transport connection.
	ErrNotConnected = errors.New("modbus: not connected")
)
