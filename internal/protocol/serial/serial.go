package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/devlink-io/devlink-core/internal/protocol"
)

// ProtocolID is the registry identifier.
const ProtocolID = "serial"

const (
	defaultBaudRate     = 115200
	defaultFrameTimeout = 100 * time.Millisecond

	// readSlice is the polling interval of the read loop, short enough
	// that context cancellation and silence gaps are noticed promptly.
	readSlice = 10 * time.Millisecond
)

func serialCapabilities() protocol.Capabilities {
	return protocol.Capabilities{
		Bidirectional: true,
		Binary:        true,
		MaxPacketSize: 4096,
		Features:      []string{"delimiter-framing", "throttle"},
	}
}

// Stats is a snapshot of the adapter's running counters.
type Stats struct {
	BytesSent     uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_received"`
	Exchanges     uint64 `json:"exchanges"`
	Errors        uint64 `json:"errors"`
	Reconnects    uint64 `json:"reconnects"`
}

// settings is the parsed device configuration.
type settings struct {
	portName     string
	mode         serial.Mode
	delimiter    []byte        // empty means silence-gap framing
	frameTimeout time.Duration // silence gap, and overall floor for reads
	throttleBPS  int           // 0 disables the write throttle
}

// parseSettings builds settings from device params. Recognised params:
// "port" (required), "baud", "delimiter", "frame_timeout_ms",
// "throttle_bps".
func parseSettings(device protocol.DeviceInfo) (settings, error) {
	s := settings{
		mode:         serial.Mode{BaudRate: defaultBaudRate, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit},
		frameTimeout: defaultFrameTimeout,
	}
	s.portName = device.Params["port"]
	if s.portName == "" {
		return settings{}, fmt.Errorf("%w: device %q has no serial port param", ErrInvalidParams, device.ID)
	}
	if v := device.Params["baud"]; v != "" {
		baud, err := strconv.Atoi(v)
		if err != nil || baud <= 0 {
			return settings{}, fmt.Errorf("%w: bad baud rate %q", ErrInvalidParams, v)
		}
		s.mode.BaudRate = baud
	}
	s.delimiter = []byte(device.Params["delimiter"])
	if v := device.Params["frame_timeout_ms"]; v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return settings{}, fmt.Errorf("%w: bad frame_timeout_ms %q", ErrInvalidParams, v)
		}
		s.frameTimeout = time.Duration(ms) * time.Millisecond
	}
	if v := device.Params["throttle_bps"]; v != "" {
		bps, err := strconv.Atoi(v)
		if err != nil || bps <= 0 {
			return settings{}, fmt.Errorf("%w: bad throttle_bps %q", ErrInvalidParams, v)
		}
		s.throttleBPS = bps
	}
	return s, nil
}

// linePort is the serial port surface the transport needs; serial.Port
// satisfies it and tests substitute a fake.
type linePort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	Close() error
}

// Device is a serial adapter for one line device.
type Device struct {
	*protocol.Adapter
	transport *lineTransport
}

// Stats returns a snapshot of the running counters.
func (d *Device) Stats() Stats {
	return d.transport.snapshot()
}

// New builds a serial adapter from device params; see parseSettings for the
// recognised keys.
func New(device protocol.DeviceInfo, opts protocol.Options) (protocol.Protocol, error) {
	cfg, err := parseSettings(device)
	if err != nil {
		return nil, err
	}
	t := &lineTransport{
		cfg: cfg,
		open: func(name string, mode *serial.Mode) (linePort, error) {
			return serial.Open(name, mode)
		},
	}
	adapter, err := protocol.NewAdapter(serialCapabilities(), t, opts)
	if err != nil {
		return nil, err
	}
	t.adapter = adapter
	return &Device{Adapter: adapter, transport: t}, nil
}

// Register adds the serial adapter to a registry. It carries no matcher:
// plain serial devices claim it by explicit protocol id so it never
// shadows the Modbus-RTU matcher, but it serves as a sensible default.
func Register(r *protocol.Registry) error {
	if err := r.Register(protocol.Registration{
		ID:           ProtocolID,
		Capabilities: serialCapabilities(),
		New:          New,
	}); err != nil {
		return err
	}
	return r.SetDefault(ProtocolID)
}

// lineTransport drives one serial port. mu keeps exchanges ordered and
// one-at-a-time; the port is half-duplex from the adapter's point of view.
type lineTransport struct {
	adapter *protocol.Adapter
	cfg     settings
	open    func(name string, mode *serial.Mode) (linePort, error)

	mu        sync.Mutex
	port      linePort
	lastWrite time.Time

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	exchanges     atomic.Uint64
	errors        atomic.Uint64
	reconnects    atomic.Uint64
}

func (t *lineTransport) snapshot() Stats {
	return Stats{
		BytesSent:     t.bytesSent.Load(),
		BytesReceived: t.bytesReceived.Load(),
		Exchanges:     t.exchanges.Load(),
		Errors:        t.errors.Load(),
		Reconnects:    t.reconnects.Load(),
	}
}

func (t *lineTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		return nil
	}
	port, err := t.open(t.cfg.portName, &t.cfg.mode)
	if err != nil {
		t.errors.Add(1)
		return fmt.Errorf("open %s: %w", t.cfg.portName, err)
	}
	if t.exchanges.Load() > 0 {
		t.reconnects.Add(1)
	}
	t.port = port
	return nil
}

func (t *lineTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

func (t *lineTransport) Send(ctx context.Context, payload []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	port := t.port
	if port == nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrConnectionLost, ErrNotConnected)
	}

	t.throttleLocked(len(payload))

	if _, err := port.Write(payload); err != nil {
		t.errors.Add(1)
		t.lostLocked(err)
		return nil, fmt.Errorf("%w: write: %w", protocol.ErrConnectionLost, err)
	}
	t.bytesSent.Add(uint64(len(payload)))
	t.lastWrite = time.Now()

	frame, err := readFrame(ctx, port, t.cfg.delimiter, t.cfg.frameTimeout)
	if err != nil {
		t.errors.Add(1)
		if isPortError(err) {
			t.lostLocked(err)
			return nil, fmt.Errorf("%w: read: %w", protocol.ErrConnectionLost, err)
		}
		return nil, err
	}

	t.bytesReceived.Add(uint64(len(frame)))
	t.exchanges.Add(1)
	return frame, nil
}

// throttleLocked paces writes so sustained throughput stays under the
// configured bytes-per-second cap. Caller holds t.mu.
func (t *lineTransport) throttleLocked(n int) {
	if t.cfg.throttleBPS <= 0 || t.lastWrite.IsZero() {
		return
	}
	// Time this write is allowed to start, given the previous one's size.
	budget := time.Duration(float64(n) / float64(t.cfg.throttleBPS) * float64(time.Second))
	if wait := budget - time.Since(t.lastWrite); wait > 0 {
		time.Sleep(wait)
	}
}

// lostLocked tears the port down after an I/O failure and notifies the
// adapter. Caller holds t.mu.
func (t *lineTransport) lostLocked(cause error) {
	if t.port != nil {
		t.port.Close()
		t.port = nil
	}
	if t.adapter != nil {
		go t.adapter.ConnectionLost(cause)
	}
}

// isPortError distinguishes hardware failures from framing timeouts and
// context cancellation, which leave the port usable.
func isPortError(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, ErrResponseTimeout),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// readFrame accumulates a response. With a delimiter the frame ends at its
// first occurrence (delimiter stripped). Without one, the frame ends at the
// first silence gap of frameTimeout after at least one byte; a frameTimeout
// with nothing received at all is ErrResponseTimeout.
func readFrame(ctx context.Context, port linePort, delimiter []byte, frameTimeout time.Duration) ([]byte, error) {
	if err := port.SetReadTimeout(readSlice); err != nil {
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	var (
		buf      []byte
		lastData = time.Now()
		chunk    = make([]byte, 256)
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := port.Read(chunk)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			lastData = time.Now()
			if len(delimiter) > 0 {
				if i := bytes.Index(buf, delimiter); i >= 0 {
					return buf[:i], nil
				}
			}
			continue
		}

		// Read slice elapsed with no data.
		if time.Since(lastData) < frameTimeout {
			continue
		}
		if len(delimiter) == 0 && len(buf) > 0 {
			return buf, nil
		}
		return nil, fmt.Errorf("%w after %s", ErrResponseTimeout, frameTimeout)
	}
}
