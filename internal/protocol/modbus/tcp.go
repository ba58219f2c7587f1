package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/devlink-io/devlink-core/internal/protocol"
)

// ProtocolTCP is the registry identifier for the Modbus-TCP variant.
const ProtocolTCP = "modbus-tcp"

const (
	defaultTCPPort = 502

	// keepaliveIdle is the idle interval after which a probe read of one
	// input register is issued to detect dead connections.
	keepaliveIdle = 30 * time.Second

	// maxTCPFrame bounds one MBAP frame: 7-byte header + 253-byte PDU.
	maxTCPFrame = 260
)

// tcpCapabilities: binary framing, concurrent outstanding transactions.
func tcpCapabilities() protocol.Capabilities {
	return protocol.Capabilities{
		Binary:        true,
		Batching:      true,
		MaxPacketSize: 256,
		MaxBatchSize:  16,
		Features:      []string{"mbap", "keepalive"},
	}
}

// TCP is a Modbus adapter over a TCP connection using MBAP framing.
// Multiple transactions may be outstanding at once; responses are matched
// to requests by transaction identifier.
type TCP struct {
	*protocol.Adapter
	transport *tcpTransport
}

// NewTCP builds a Modbus-TCP adapter from device params. Recognised params:
// "host" (required), "tcp_port", "unit_id".
func NewTCP(device protocol.DeviceInfo, opts protocol.Options) (protocol.Protocol, error) {
	host := device.Params["host"]
	if host == "" {
		return nil, fmt.Errorf("%w: device %q has no host param", ErrInvalidRequest, device.ID)
	}
	port := defaultTCPPort
	if v := device.Params["tcp_port"]; v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("%w: bad tcp port %q", ErrInvalidRequest, v)
		}
		port = p
	}
	unitID := defaultSlaveID
	if v := device.Params["unit_id"]; v != "" {
		id, err := strconv.Atoi(v)
		if err != nil || id < 0 || id > 255 {
			return nil, fmt.Errorf("%w: bad unit id %q", ErrInvalidRequest, v)
		}
		unitID = id
	}

	t := &tcpTransport{
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		unitID:  uint8(unitID),
		pending: make(map[uint16]chan []byte),
	}
	adapter, err := protocol.NewAdapter(tcpCapabilities(), t, opts)
	if err != nil {
		return nil, err
	}
	t.adapter = adapter
	return &TCP{Adapter: adapter, transport: t}, nil
}

// RegisterTCP adds the Modbus-TCP adapter to a registry. The matcher claims
// devices that carry a host param.
func RegisterTCP(r *protocol.Registry) error {
	return r.Register(protocol.Registration{
		ID:           ProtocolTCP,
		Capabilities: tcpCapabilities(),
		New:          NewTCP,
		Matches: func(d protocol.DeviceInfo) bool {
			return d.Params["host"] != ""
		},
	})
}

// tcpTransport drives one Modbus-TCP connection. A single reader goroutine
// demultiplexes responses into per-transaction channels.
type tcpTransport struct {
	adapter *protocol.Adapter
	addr    string
	unitID  uint8

	mu       sync.Mutex
	conn     net.Conn
	nextTx   uint16
	pending  map[uint16]chan []byte
	lastIO   time.Time
	stopIdle chan struct{}
}

func (t *tcpTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.addr, err)
	}
	t.conn = conn
	t.lastIO = time.Now()
	t.stopIdle = make(chan struct{})
	go t.readLoop(conn)
	go t.idleLoop(t.stopIdle)
	return nil
}

func (t *tcpTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.teardownLocked()
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// teardownLocked clears connection state and wakes every pending waiter by
// closing its channel. Caller holds t.mu.
func (t *tcpTransport) teardownLocked() {
	t.conn = nil
	if t.stopIdle != nil {
		close(t.stopIdle)
		t.stopIdle = nil
	}
	for tx, ch := range t.pending {
		close(ch)
		delete(t.pending, tx)
	}
}

func (t *tcpTransport) Send(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := decodeRequest(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrProtocol, err)
	}
	if req.SlaveID == 0 {
		req.SlaveID = t.unitID
	}
	resp, err := t.exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	return encodeResponse(resp)
}

// SendBatch pipelines all requests before collecting responses; the
// transaction table keeps positional pairing intact regardless of the
// order replies arrive in.
func (t *tcpTransport) SendBatch(ctx context.Context, payloads [][]byte) ([][]byte, error) {
	waits := make([]func(context.Context) (*Response, error), len(payloads))
	for i, payload := range payloads {
		req, err := decodeRequest(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", protocol.ErrProtocol, err)
		}
		if req.SlaveID == 0 {
			req.SlaveID = t.unitID
		}
		wait, err := t.issue(req)
		if err != nil {
			return nil, err
		}
		waits[i] = wait
	}

	out := make([][]byte, len(payloads))
	for i, wait := range waits {
		resp, err := wait(ctx)
		if err != nil {
			return nil, err
		}
		encoded, err := encodeResponse(resp)
		if err != nil {
			return nil, err
		}
		out[i] = encoded
	}
	return out, nil
}

// exchange issues one request and waits for its response.
func (t *tcpTransport) exchange(ctx context.Context, req Request) (*Response, error) {
	wait, err := t.issue(req)
	if err != nil {
		return nil, err
	}
	return wait(ctx)
}

// issue allocates a transaction id, registers its response channel and
// writes the frame, returning a wait function for the reply.
func (t *tcpTransport) issue(req Request) (func(context.Context) (*Response, error), error) {
	pdu, err := EncodePDU(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrProtocol, err)
	}

	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", protocol.ErrConnectionLost, ErrNotConnected)
	}
	t.nextTx++
	txID := t.nextTx
	ch := make(chan []byte, 1)
	t.pending[txID] = ch
	t.lastIO = time.Now()
	t.mu.Unlock()

	frame := EncodeMBAP(txID, req.SlaveID, pdu)
	if _, err := conn.Write(frame); err != nil {
		t.lost(err)
		return nil, fmt.Errorf("%w: write: %w", protocol.ErrConnectionLost, err)
	}

	wait := func(ctx context.Context) (*Response, error) {
		select {
		case pdu, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("%w: connection closed awaiting transaction %d",
					protocol.ErrConnectionLost, txID)
			}
			resp, perr := ParseResponse(req, pdu)
			if perr != nil {
				return nil, fmt.Errorf("%w: %w", protocol.ErrProtocol, perr)
			}
			return resp, nil
		case <-ctx.Done():
			t.mu.Lock()
			delete(t.pending, txID)
			t.mu.Unlock()
			return nil, ctx.Err()
		}
	}
	return wait, nil
}

// readLoop owns the connection's read side, routing each MBAP frame to its
// transaction's waiter. Responses for unknown transactions (late replies
// after a timeout) are dropped.
func (t *tcpTransport) readLoop(conn net.Conn) {
	header := make([]byte, mbapHeaderLen)
	for {
		if _, err := io.ReadFull(conn, header[:6]); err != nil {
			t.lost(err)
			return
		}
		length := binary.BigEndian.Uint16(header[4:6])
		if length < 2 || int(length) > maxTCPFrame-6 {
			t.lost(fmt.Errorf("%w: mbap length %d", ErrInvalidFrame, length))
			return
		}
		rest := make([]byte, length)
		if _, err := io.ReadFull(conn, rest); err != nil {
			t.lost(err)
			return
		}

		txID := binary.BigEndian.Uint16(header[0:2])
		pdu := rest[1:] // skip unit id

		t.mu.Lock()
		t.lastIO = time.Now()
		ch, ok := t.pending[txID]
		if ok {
			delete(t.pending, txID)
		}
		t.mu.Unlock()
		if ok {
			ch <- pdu
		}
	}
}

// idleLoop issues a cheap probe read when the connection has been silent
// for the keepalive interval, so dead peers are noticed without traffic.
func (t *tcpTransport) idleLoop(stop chan struct{}) {
	ticker := time.NewTicker(keepaliveIdle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		idle := time.Since(t.lastIO)
		connected := t.conn != nil
		t.mu.Unlock()
		if !connected {
			return
		}
		if idle < keepaliveIdle {
			continue
		}

		probe := Request{SlaveID: t.unitID, Function: FuncReadInputRegisters, Address: 0, Quantity: 1}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		// A Modbus exception still proves the peer is alive; only
		// transport failures matter here, and those tear down via lost.
		_, _ = t.exchange(ctx, probe)
		cancel()
	}
}

// lost tears the connection down once and notifies the adapter.
func (t *tcpTransport) lost(cause error) {
	t.mu.Lock()
	conn := t.conn
	t.teardownLocked()
	t.mu.Unlock()
	if conn == nil {
		return // already torn down
	}
	conn.Close()
	if t.adapter != nil {
		go t.adapter.ConnectionLost(cause)
	}
}
