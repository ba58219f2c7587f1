package device

import "errors"

var (
	// ErrNotFound indicates an unknown device identifier.
	ErrNotFound = errors.New("device: not found")

	// ErrAlreadyStarted indicates a second Start on a running manager.
	ErrAlreadyStarted = errors.New("device: manager already started")

	// ErrClosed indicates an operation on a closed manager.
	ErrClosed = errors.New("device: manager closed")
)
