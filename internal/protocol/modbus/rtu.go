package modbus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/devlink-io/devlink-core/internal/protocol"
)

// ProtocolRTU is the registry identifier for the serial-line variant.
const ProtocolRTU = "modbus-rtu"

const (
	defaultBaudRate = 9600
	defaultSlaveID  = 1

	// readSlice is the polling interval of the serial read loop. Short so
	// context cancellation is noticed quickly.
	readSlice = 20 * time.Millisecond
)

// rtuCapabilities describes the serial-line variant: binary framing,
// strictly request/response, one request on the wire at a time.
func rtuCapabilities() protocol.Capabilities {
	return protocol.Capabilities{
		Binary:        true,
		MaxPacketSize: 256,
		Features:      []string{"crc16", "rs485"},
	}
}

// RTU is a Modbus adapter over an RS-485 or RS-232 serial line.
type RTU struct {
	*protocol.Adapter
	transport *rtuTransport
}

// NewRTU builds an RTU adapter from device params. Recognised params:
// "port" (required), "baud", "data_bits", "parity" (none/even/odd),
// "stop_bits" (1/2), "slave_id".
func NewRTU(device protocol.DeviceInfo, opts protocol.Options) (protocol.Protocol, error) {
	port := device.Params["port"]
	if port == "" {
		return nil, fmt.Errorf("%w: device %q has no serial port param", ErrInvalidRequest, device.ID)
	}

	mode := serial.Mode{
		BaudRate: defaultBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if v := device.Params["baud"]; v != "" {
		baud, err := strconv.Atoi(v)
		if err != nil || baud <= 0 {
			return nil, fmt.Errorf("%w: bad baud rate %q", ErrInvalidRequest, v)
		}
		mode.BaudRate = baud
	}
	if v := device.Params["data_bits"]; v != "" {
		bits, err := strconv.Atoi(v)
		if err != nil || bits < 5 || bits > 8 {
			return nil, fmt.Errorf("%w: bad data bits %q", ErrInvalidRequest, v)
		}
		mode.DataBits = bits
	}
	switch device.Params["parity"] {
	case "", "none":
	case "even":
		mode.Parity = serial.EvenParity
	case "odd":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("%w: bad parity %q", ErrInvalidRequest, device.Params["parity"])
	}
	switch device.Params["stop_bits"] {
	case "", "1":
	case "2":
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("%w: bad stop bits %q", ErrInvalidRequest, device.Params["stop_bits"])
	}

	slaveID := defaultSlaveID
	if v := device.Params["slave_id"]; v != "" {
		id, err := strconv.Atoi(v)
		if err != nil || id < 1 || id > 247 {
			return nil, fmt.Errorf("%w: bad slave id %q", ErrInvalidRequest, v)
		}
		slaveID = id
	}

	t := &rtuTransport{
		portName: port,
		mode:     mode,
		slaveID:  uint8(slaveID),
		frameGap: frameGap(mode.BaudRate),
	}
	adapter, err := protocol.NewAdapter(rtuCapabilities(), t, opts)
	if err != nil {
		return nil, err
	}
	t.adapter = adapter
	return &RTU{Adapter: adapter, transport: t}, nil
}

// RegisterRTU adds the RTU adapter to a registry. The matcher claims
// devices that carry a serial port param but no TCP host.
func RegisterRTU(r *protocol.Registry) error {
	return r.Register(protocol.Registration{
		ID:           ProtocolRTU,
		Capabilities: rtuCapabilities(),
		New:          NewRTU,
		Matches: func(d protocol.DeviceInfo) bool {
			return d.Params["port"] != "" && d.Params["host"] == ""
		},
	})
}

// frameGap is the mandatory 3.5-character silent interval between frames.
// Above 19200 baud the spec fixes it at 1.75ms.
func frameGap(baud int) time.Duration {
	if baud > 19200 {
		return 1750 * time.Microsecond
	}
	// 11 bits per character: start + 8 data + parity + stop.
	return time.Duration(3.5 * 11 * float64(time.Second) / float64(baud))
}

// rtuTransport drives one serial port. The bus is half-duplex so exactly
// one request may be on the wire at a time; mu serialises callers.
type rtuTransport struct {
	adapter  *protocol.Adapter
	portName string
	mode     serial.Mode
	slaveID  uint8
	frameGap time.Duration

	mu     sync.Mutex
	port   serial.Port
	lastIO time.Time
}

func (t *rtuTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		return nil
	}
	port, err := serial.Open(t.portName, &t.mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", t.portName, err)
	}
	t.port = port
	return nil
}

func (t *rtuTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

func (t *rtuTransport) Send(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := decodeRequest(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrProtocol, err)
	}
	if req.SlaveID == 0 {
		req.SlaveID = t.slaveID
	}
	frame, err := EncodeRTUFrame(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrProtocol, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	port := t.port
	if port == nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrConnectionLost, ErrNotConnected)
	}

	// Honour the inter-frame silence since the previous exchange.
	if wait := t.frameGap - time.Since(t.lastIO); wait > 0 {
		time.Sleep(wait)
	}

	if _, err := port.Write(frame); err != nil {
		t.lostLocked(err)
		return nil, fmt.Errorf("%w: write: %w", protocol.ErrConnectionLost, err)
	}

	raw, err := t.readFrame(ctx, port, req)
	t.lastIO = time.Now()
	if err != nil {
		return nil, err
	}

	slave, pdu, err := DecodeRTUFrame(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrProtocol, err)
	}
	if slave != req.SlaveID {
		return nil, fmt.Errorf("%w: response from slave %d to request for %d",
			protocol.ErrProtocol, slave, req.SlaveID)
	}
	resp, err := ParseResponse(req, pdu)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrProtocol, err)
	}
	return encodeResponse(resp)
}

// readFrame accumulates the response, using the expected length derived from
// the request once the frame header is in.
func (t *rtuTransport) readFrame(ctx context.Context, port serial.Port, req Request) ([]byte, error) {
	if err := port.SetReadTimeout(readSlice); err != nil {
		return nil, fmt.Errorf("%w: set read timeout: %w", protocol.ErrConnectionLost, err)
	}

	buf := make([]byte, 0, 256)
	chunk := make([]byte, 256)
	expected := -1
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := port.Read(chunk)
		if err != nil {
			t.lostLocked(err)
			return nil, fmt.Errorf("%w: read: %w", protocol.ErrConnectionLost, err)
		}
		if n == 0 {
			continue // read timeout slice elapsed, poll again
		}
		buf = append(buf, chunk[:n]...)

		if expected < 0 && len(buf) >= 3 {
			length, lerr := responseLength(req, buf)
			if lerr != nil {
				return nil, fmt.Errorf("%w: %w", protocol.ErrProtocol, lerr)
			}
			expected = length
		}
		if expected > 0 && len(buf) >= expected {
			return buf[:expected], nil
		}
	}
}

// lostLocked tears the port down after an I/O failure and notifies the
// adapter. Caller holds t.mu.
func (t *rtuTransport) lostLocked(cause error) {
	if t.port != nil {
		t.port.Close()
		t.port = nil
	}
	if t.adapter != nil {
		go t.adapter.ConnectionLost(cause)
	}
}
