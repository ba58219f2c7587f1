package ble

import "errors"

var (
	// ErrInvalidParams indicates unusable device params.
	ErrInvalidParams = errors.New("ble: invalid device params")

	// ErrScanTimeout indicates no matching device advertised within the
	// scan window.
	ErrScanTimeout = errors.New("ble: scan timed out")

	// ErrNotConnected indicates an operation on a disconnected peripheral.
	ErrNotConnected = errors.New("ble: not connected")

	// ErrReplyPending indicates a second command tried to await a reply
	// while one was already outstanding.
	ErrReplyPending = errors.New("ble: reply already pending")

	// ErrCharacteristicMissing indicates the peripheral lacks a configured
	// GATT characteristic.
	ErrCharacteristicMissing = errors.New("ble: characteristic not found")
)
