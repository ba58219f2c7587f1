package modbus

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/devlink-io/devlink-core/internal/codec"
)

// Standard Modbus function codes.
const (
	FuncReadCoils              = 0x01
	FuncReadDiscreteInputs     = 0x02
	FuncReadHoldingRegisters   = 0x03
	FuncReadInputRegisters     = 0x04
	FuncWriteSingleCoil        = 0x05
	FuncWriteSingleRegister    = 0x06
	FuncWriteMultipleCoils     = 0x0F
	FuncWriteMultipleRegisters = 0x10
)

// exceptionFlag marks an exception response: the echoed function code with
// the high bit set.
const exceptionFlag = 0x80

// Protocol limits from the Modbus application protocol spec.
const (
	maxReadRegisters  = 125
	maxWriteRegisters = 123
	maxReadBits       = 2000
	maxWriteBits      = 1968

	// mbapHeaderLen is transaction id (2) + protocol id (2) + length (2) + unit (1).
	mbapHeaderLen = 7

	// coilOn is the "on" value for write-single-coil requests.
	coilOn = 0xFF00
)

// Request is one Modbus operation. It is the JSON shape accepted as a
// device command by both the RTU and TCP adapters.
type Request struct {
	SlaveID  uint8    `json:"slave_id"`
	Function uint8    `json:"function"`
	Address  uint16   `json:"address"`
	Quantity uint16   `json:"quantity,omitempty"`
	Values   []uint16 `json:"values,omitempty"`
	Bits     []bool   `json:"bits,omitempty"`
}

// Response is the parsed reply for one Request.
type Response struct {
	Function  uint8    `json:"function"`
	Address   uint16   `json:"address,omitempty"`
	Quantity  uint16   `json:"quantity,omitempty"`
	Registers []uint16 `json:"registers,omitempty"`
	Bits      []bool   `json:"bits,omitempty"`
}

// Validate checks a request against the protocol limits.
func (r Request) Validate() error {
	switch r.Function {
	case FuncReadCoils, FuncReadDiscreteInputs:
		if r.Quantity < 1 || r.Quantity > maxReadBits {
			return fmt.Errorf("%w: bit quantity %d out of range", ErrInvalidRequest, r.Quantity)
		}
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		if r.Quantity < 1 || r.Quantity > maxReadRegisters {
			return fmt.Errorf("%w: register quantity %d out of range", ErrInvalidRequest, r.Quantity)
		}
	case FuncWriteSingleCoil:
		if len(r.Bits) != 1 {
			return fmt.Errorf("%w: write single coil needs exactly one bit", ErrInvalidRequest)
		}
	case FuncWriteSingleRegister:
		if len(r.Values) != 1 {
			return fmt.Errorf("%w: write single register needs exactly one value", ErrInvalidRequest)
		}
	case FuncWriteMultipleCoils:
		if len(r.Bits) < 1 || len(r.Bits) > maxWriteBits {
			return fmt.Errorf("%w: %d bits out of range", ErrInvalidRequest, len(r.Bits))
		}
	case FuncWriteMultipleRegisters:
		if len(r.Values) < 1 || len(r.Values) > maxWriteRegisters {
			return fmt.Errorf("%w: %d values out of range", ErrInvalidRequest, len(r.Values))
		}
	default:
		return fmt.Errorf("%w: unsupported function 0x%02X", ErrInvalidRequest, r.Function)
	}
	return nil
}

// EncodePDU builds the protocol data unit (function code + payload) for a
// request.
func EncodePDU(req Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	switch req.Function {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters:
		pdu := make([]byte, 5)
		pdu[0] = req.Function
		binary.BigEndian.PutUint16(pdu[1:], req.Address)
		binary.BigEndian.PutUint16(pdu[3:], req.Quantity)
		return pdu, nil

	case FuncWriteSingleCoil:
		pdu := make([]byte, 5)
		pdu[0] = req.Function
		binary.BigEndian.PutUint16(pdu[1:], req.Address)
		if req.Bits[0] {
			binary.BigEndian.PutUint16(pdu[3:], coilOn)
		}
		return pdu, nil

	case FuncWriteSingleRegister:
		pdu := make([]byte, 5)
		pdu[0] = req.Function
		binary.BigEndian.PutUint16(pdu[1:], req.Address)
		binary.BigEndian.PutUint16(pdu[3:], req.Values[0])
		return pdu, nil

	case FuncWriteMultipleCoils:
		byteCount := (len(req.Bits) + 7) / 8
		pdu := make([]byte, 6+byteCount)
		pdu[0] = req.Function
		binary.BigEndian.PutUint16(pdu[1:], req.Address)
		binary.BigEndian.PutUint16(pdu[3:], uint16(len(req.Bits)))
		pdu[5] = byte(byteCount)
		for i, bit := range req.Bits {
			if bit {
				pdu[6+i/8] |= 1 << (i % 8)
			}
		}
		return pdu, nil

	case FuncWriteMultipleRegisters:
		byteCount := len(req.Values) * 2
		pdu := make([]byte, 6+byteCount)
		pdu[0] = req.Function
		binary.BigEndian.PutUint16(pdu[1:], req.Address)
		binary.BigEndian.PutUint16(pdu[3:], uint16(len(req.Values)))
		pdu[5] = byte(byteCount)
		for i, v := range req.Values {
			binary.BigEndian.PutUint16(pdu[6+i*2:], v)
		}
		return pdu, nil
	}

	return nil, fmt.Errorf("%w: unsupported function 0x%02X", ErrInvalidRequest, req.Function)
}

// EncodeRTUFrame builds a complete RTU frame: slave address, PDU, and the
// trailing little-endian CRC16.
func EncodeRTUFrame(req Request) ([]byte, error) {
	pdu, err := EncodePDU(req)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, 1+len(pdu)+2)
	frame = append(frame, req.SlaveID)
	frame = append(frame, pdu...)
	return codec.AppendCRC16(frame), nil
}

// DecodeRTUFrame validates the CRC16 of an RTU frame and splits it into
// slave address and PDU.
func DecodeRTUFrame(frame []byte) (slave uint8, pdu []byte, err error) {
	payload, err := codec.VerifyCRC16(frame)
	if err != nil {
		if errors.Is(err, codec.ErrChecksumMismatch) {
			return 0, nil, fmt.Errorf("%w: %w", ErrCRCMismatch, err)
		}
		return 0, nil, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	if len(payload) < 2 {
		return 0, nil, fmt.Errorf("%w: %d bytes after crc", ErrInvalidFrame, len(payload))
	}
	return payload[0], payload[1:], nil
}

// EncodeMBAP wraps a PDU in a Modbus-TCP MBAP header.
func EncodeMBAP(txID uint16, unit uint8, pdu []byte) []byte {
	frame := make([]byte, mbapHeaderLen+len(pdu))
	binary.BigEndian.PutUint16(frame[0:], txID)
	// Protocol identifier is always zero for Modbus.
	binary.BigEndian.PutUint16(frame[4:], uint16(len(pdu)+1))
	frame[6] = unit
	copy(frame[7:], pdu)
	return frame
}

// DecodeMBAP splits a Modbus-TCP frame into its transaction id, unit id
// and PDU.
func DecodeMBAP(frame []byte) (txID uint16, unit uint8, pdu []byte, err error) {
	if len(frame) < mbapHeaderLen+1 {
		return 0, 0, nil, fmt.Errorf("%w: %d bytes", ErrInvalidFrame, len(frame))
	}
	if proto := binary.BigEndian.Uint16(frame[2:4]); proto != 0 {
		return 0, 0, nil, fmt.Errorf("%w: protocol id 0x%04X", ErrInvalidFrame, proto)
	}
	length := binary.BigEndian.Uint16(frame[4:6])
	if int(length) != len(frame)-6 {
		return 0, 0, nil, fmt.Errorf("%w: length field %d for %d trailing bytes", ErrInvalidFrame, length, len(frame)-6)
	}
	return binary.BigEndian.Uint16(frame[0:2]), frame[6], frame[7:], nil
}

// exceptionMessage maps a Modbus exception code to its standard name.
func exceptionMessage(code byte) string {
	switch code {
	case 0x01:
		return "illegal function"
	case 0x02:
		return "illegal data address"
	case 0x03:
		return "illegal data value"
	case 0x04:
		return "server device failure"
	case 0x05:
		return "acknowledge"
	case 0x06:
		return "server device busy"
	case 0x08:
		return "memory parity error"
	case 0x0A:
		return "gateway path unavailable"
	case 0x0B:
		return "gateway target device failed to respond"
	default:
		return fmt.Sprintf("unknown exception 0x%02X", code)
	}
}

// ParseResponse interprets a response PDU for the request that produced it.
// Exception responses yield ErrException with the decoded exception name.
func ParseResponse(req Request, pdu []byte) (*Response, error) {
	if len(pdu) < 2 {
		return nil, fmt.Errorf("%w: pdu of %d bytes", ErrInvalidFrame, len(pdu))
	}

	function := pdu[0]
	if function == req.Function|exceptionFlag {
		return nil, fmt.Errorf("%w: function 0x%02X: %s", ErrException, req.Function, exceptionMessage(pdu[1]))
	}
	if function != req.Function {
		return nil, fmt.Errorf("%w: function 0x%02X answers request 0x%02X", ErrInvalidFrame, function, req.Function)
	}

	resp := &Response{Function: function}
	switch function {
	case FuncReadCoils, FuncReadDiscreteInputs:
		byteCount := int(pdu[1])
		if len(pdu) != 2+byteCount {
			return nil, fmt.Errorf("%w: byte count %d for %d data bytes", ErrInvalidFrame, byteCount, len(pdu)-2)
		}
		resp.Bits = make([]bool, req.Quantity)
		for i := range resp.Bits {
			resp.Bits[i] = pdu[2+i/8]&(1<<(i%8)) != 0
		}

	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		byteCount := int(pdu[1])
		if byteCount%2 != 0 || len(pdu) != 2+byteCount {
			return nil, fmt.Errorf("%w: byte count %d for %d data bytes", ErrInvalidFrame, byteCount, len(pdu)-2)
		}
		resp.Registers = make([]uint16, byteCount/2)
		for i := range resp.Registers {
			resp.Registers[i] = binary.BigEndian.Uint16(pdu[2+i*2:])
		}

	case FuncWriteSingleCoil, FuncWriteSingleRegister, FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		if len(pdu) != 5 {
			return nil, fmt.Errorf("%w: write echo of %d bytes", ErrInvalidFrame, len(pdu))
		}
		resp.Address = binary.BigEndian.Uint16(pdu[1:3])
		resp.Quantity = binary.BigEndian.Uint16(pdu[3:5])

	default:
		return nil, fmt.Errorf("%w: unsupported function 0x%02X", ErrInvalidFrame, function)
	}

	return resp, nil
}

// decodeRequest unwraps an encoded command payload into a Request. The base
// adapter hands transports tagged JSON; anything else is a caller bug.
func decodeRequest(payload []byte) (Request, error) {
	format, body, tagged := codec.SplitTag(payload)
	if tagged && format&codec.FormatJSON != 0 {
		payload = body
	} else if !codec.LooksLikeJSON(payload) {
		return Request{}, fmt.Errorf("%w: command payload is not JSON", ErrInvalidRequest)
	}
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return req, nil
}

// encodeResponse renders a parsed response as the plain JSON bytes the base
// adapter's decode path consumes.
func encodeResponse(resp *Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	return data, nil
}

// responseLength returns the expected RTU response frame length for a
// request, including slave address and CRC. Used by the RTU reader to know
// when a frame is complete.
func responseLength(req Request, header []byte) (int, error) {
	// header holds at least slave + function (+ count for reads).
	if len(header) >= 2 && header[1] == req.Function|exceptionFlag {
		return 5, nil // slave + func + code + crc
	}
	switch req.Function {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters:
		if len(header) < 3 {
			return 0, fmt.Errorf("%w: header too short", ErrInvalidFrame)
		}
		return 3 + int(header[2]) + 2, nil
	case FuncWriteSingleCoil, FuncWriteSingleRegister, FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		return 8, nil
	}
	return 0, fmt.Errorf("%w: unsupported function 0x%02X", ErrInvalidRequest, req.Function)
}
