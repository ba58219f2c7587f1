package serial

import (
	"context"
	"errors"
	"testing"
	"time"

	gserial "go.bug.st/serial"

	"github.com/devlink-io/devlink-core/internal/protocol"
)

// fakePort scripts reads: each Send consumes one response script, delivered
// in pieces with a zero-length read between them to mimic slow arrival.
type fakePort struct {
	responses [][]byte // consumed front to back, nil entry means silence
	cursor    int
	writes    [][]byte
	writeErr  error
	readErr   error
	closed    bool
}

func (p *fakePort) Read(buf []byte) (int, error) {
	if p.readErr != nil {
		return 0, p.readErr
	}
	if p.cursor >= len(p.responses) || p.responses[p.cursor] == nil {
		return 0, nil // timeout slice, no data
	}
	n := copy(buf, p.responses[p.cursor])
	if n == len(p.responses[p.cursor]) {
		p.cursor++
	} else {
		p.responses[p.cursor] = p.responses[p.cursor][n:]
	}
	return n, nil
}

func (p *fakePort) Write(buf []byte) (int, error) {
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.writes = append(p.writes, append([]byte(nil), buf...))
	return len(buf), nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }
func (p *fakePort) Close() error                       { p.closed = true; return nil }

func newFakeTransport(t *testing.T, params map[string]string, port *fakePort) *lineTransport {
	t.Helper()
	if params == nil {
		params = map[string]string{}
	}
	if params["port"] == "" {
		params["port"] = "/dev/ttyUSB1"
	}
	cfg, err := parseSettings(protocol.DeviceInfo{ID: "d", Params: params})
	if err != nil {
		t.Fatalf("parseSettings: %v", err)
	}
	tr := &lineTransport{
		cfg:  cfg,
		open: func(string, *gserial.Mode) (linePort, error) { return port, nil },
	}
	adapter, err := protocol.NewAdapter(serialCapabilities(), tr, protocol.Options{})
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	tr.adapter = adapter
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return tr
}

func TestSend_DelimiterFraming(t *testing.T) {
	port := &fakePort{responses: [][]byte{[]byte("OK 42"), []byte("\r\nnext")}}
	tr := newFakeTransport(t, map[string]string{"delimiter": "\r\n"}, port)

	got, err := tr.Send(context.Background(), []byte("READ?\r\n"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(got) != "OK 42" {
		t.Errorf("frame = %q, want %q", got, "OK 42")
	}
	if len(port.writes) != 1 || string(port.writes[0]) != "READ?\r\n" {
		t.Errorf("writes = %q, want the command verbatim", port.writes)
	}
}

func TestSend_SilenceGapFraming(t *testing.T) {
	// Data arrives in two bursts, then silence ends the frame.
	port := &fakePort{responses: [][]byte{[]byte("par"), []byte("tial")}}
	tr := newFakeTransport(t, map[string]string{"frame_timeout_ms": "30"}, port)

	got, err := tr.Send(context.Background(), []byte("poll"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(got) != "partial" {
		t.Errorf("frame = %q, want %q", got, "partial")
	}
}

func TestSend_NoResponseTimesOut(t *testing.T) {
	port := &fakePort{}
	tr := newFakeTransport(t, map[string]string{"frame_timeout_ms": "20"}, port)

	_, err := tr.Send(context.Background(), []byte("poll"))
	if !errors.Is(err, ErrResponseTimeout) {
		t.Fatalf("err = %v, want ErrResponseTimeout", err)
	}
	// A framing timeout is not a connection loss; the port stays open.
	if port.closed {
		t.Error("port should remain open after a response timeout")
	}
	if tr.snapshot().Errors != 1 {
		t.Errorf("errors = %d, want 1", tr.snapshot().Errors)
	}
}

func TestSend_ReadFailureIsConnectionLoss(t *testing.T) {
	port := &fakePort{readErr: errors.New("device unplugged")}
	tr := newFakeTransport(t, nil, port)

	_, err := tr.Send(context.Background(), []byte("poll"))
	if !errors.Is(err, protocol.ErrConnectionLost) {
		t.Fatalf("err = %v, want ErrConnectionLost", err)
	}
	if !port.closed {
		t.Error("port should be closed after a read failure")
	}
}

func TestSend_WriteOrderPreserved(t *testing.T) {
	port := &fakePort{responses: [][]byte{[]byte("a\n"), []byte("b\n"), []byte("c\n")}}
	tr := newFakeTransport(t, map[string]string{"delimiter": "\n"}, port)

	for _, cmd := range []string{"first", "second", "third"} {
		if _, err := tr.Send(context.Background(), []byte(cmd)); err != nil {
			t.Fatalf("Send(%q): %v", cmd, err)
		}
	}
	want := []string{"first", "second", "third"}
	for i, w := range want {
		if string(port.writes[i]) != w {
			t.Errorf("write %d = %q, want %q", i, port.writes[i], w)
		}
	}
}

func TestThrottle_PacesWrites(t *testing.T) {
	port := &fakePort{responses: [][]byte{[]byte("1\n"), []byte("2\n")}}
	// 1000 bytes/s: a 100-byte write must wait ~100ms after the previous.
	tr := newFakeTransport(t, map[string]string{"delimiter": "\n", "throttle_bps": "1000"}, port)

	payload := make([]byte, 100)
	if _, err := tr.Send(context.Background(), payload); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	start := time.Now()
	if _, err := tr.Send(context.Background(), payload); err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("second write after %v, want >= ~100ms of pacing", elapsed)
	}
}

func TestStats(t *testing.T) {
	port := &fakePort{responses: [][]byte{[]byte("pong\n")}}
	tr := newFakeTransport(t, map[string]string{"delimiter": "\n"}, port)

	if _, err := tr.Send(context.Background(), []byte("ping\n")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	s := tr.snapshot()
	if s.Exchanges != 1 {
		t.Errorf("exchanges = %d, want 1", s.Exchanges)
	}
	if s.BytesSent != 5 {
		t.Errorf("bytes sent = %d, want 5", s.BytesSent)
	}
	if s.BytesReceived != 4 {
		t.Errorf("bytes received = %d, want 4", s.BytesReceived)
	}
}

func TestParseSettings(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]string
		wantErr bool
	}{
		{"valid minimal", map[string]string{"port": "/dev/ttyS0"}, false},
		{"missing port", map[string]string{}, true},
		{"bad baud", map[string]string{"port": "/dev/ttyS0", "baud": "-1"}, true},
		{"bad frame timeout", map[string]string{"port": "/dev/ttyS0", "frame_timeout_ms": "zero"}, true},
		{"bad throttle", map[string]string{"port": "/dev/ttyS0", "throttle_bps": "0"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseSettings(protocol.DeviceInfo{ID: "d", Params: tt.params})
			if (err != nil) != tt.wantErr {
				t.Errorf("parseSettings() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegister_IsDefault(t *testing.T) {
	r := protocol.NewRegistry()
	if err := Register(r); err != nil {
		t.Fatalf("Register: %v", err)
	}
	reg, err := r.FindForDevice(protocol.DeviceInfo{ID: "mystery", Params: map[string]string{}})
	if err != nil || reg.ID != ProtocolID {
		t.Errorf("default = %q (%v), want %q", reg.ID, err, ProtocolID)
	}
}
