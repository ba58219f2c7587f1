package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/sigurn/crc16"
)

// modbusTable is the precomputed CRC16 table for the Modbus polynomial
// (0x8005, reflected, initial value 0xFFFF).
var modbusTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// CRC16 calculates the Modbus CRC16 of data.
func CRC16(data []byte) uint16 {
	return crc16.Checksum(data, modbusTable)
}

// AppendCRC16 returns frame with its Modbus CRC16 appended in little-endian
// byte order, the transmission order mandated by the Modbus serial spec.
func AppendCRC16(frame []byte) []byte {
	out := make([]byte, len(frame)+2)
	copy(out, frame)
	binary.LittleEndian.PutUint16(out[len(frame):], CRC16(frame))
	return out
}

// VerifyCRC16 checks the trailing little-endian CRC16 of frame and returns
// the payload without the checksum bytes.
//
// Returns ErrFrameTooShort if the frame cannot carry a CRC, or
// ErrChecksumMismatch if verification fails.
func VerifyCRC16(frame []byte) ([]byte, error) {
	if len(frame) < 3 {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(frame))
	}
	payload := frame[:len(frame)-2]
	got := binary.LittleEndian.Uint16(frame[len(frame)-2:])
	if want := CRC16(payload); got != want {
		return nil, fmt.Errorf("%w: got 0x%04X, want 0x%04X", ErrChecksumMismatch, got, want)
	}
	return payload, nil
}

// XORChecksum calculates a single-byte XOR checksum over data.
// Used by simple vendor framings that do not carry a CRC.
func XORChecksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum ^= b
	}
	return sum
}

// Chunk splits data into slices of at most size bytes, preserving order.
// The returned slices alias data; callers must not retain them past the
// lifetime of the input.
func Chunk(data []byte, size int) ([][]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, size)
	}
	if len(data) == 0 {
		return nil, nil
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > size {
		chunks = append(chunks, data[:size])
		data = data[size:]
	}
	return append(chunks, data), nil
}
