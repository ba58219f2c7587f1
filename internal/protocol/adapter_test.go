package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeTransport is an in-memory Transport for adapter tests.
type fakeTransport struct {
	mu           sync.Mutex
	connectDelay time.Duration
	connectErr   error
	sendFn       func(ctx context.Context, payload []byte) ([]byte, error)
	connects     int
	disconnects  int
	sent         [][]byte
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	delay := f.connectDelay
	err := f.connectErr
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeTransport) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, payload []byte) ([]byte, error) {
	f.mu.Lock()
	f.sent = append(f.sent, payload)
	fn := f.sendFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, payload)
	}
	return payload, nil // echo
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeBatchTransport adds a batch-capable send primitive.
type fakeBatchTransport struct {
	fakeTransport
	batchErr     error
	batchCalls   atomic.Int32
	batchedSizes []int
}

func (f *fakeBatchTransport) SendBatch(_ context.Context, payloads [][]byte) ([][]byte, error) {
	f.batchCalls.Add(1)
	f.mu.Lock()
	f.batchedSizes = append(f.batchedSizes, len(payloads))
	f.mu.Unlock()
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	return payloads, nil // positional echo
}

func newTestAdapter(t *testing.T, caps Capabilities, tr Transport, opts Options) *Adapter {
	t.Helper()
	a, err := NewAdapter(caps, tr, opts)
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	return a
}

func TestAdapter_ConnectWhileConnecting(t *testing.T) {
	tr := &fakeTransport{connectDelay: 200 * time.Millisecond}
	a := newTestAdapter(t, Capabilities{}, tr, Options{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Connect(context.Background())
	}()

	// Give the first attempt time to enter the connecting state.
	time.Sleep(50 * time.Millisecond)

	if err := a.Connect(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Connect() error = %v, want ErrInvalidState", err)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("first Connect() error = %v", err)
	}

	// The second call must never reach the transport.
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.connects != 1 {
		t.Errorf("transport connects = %d, want 1", tr.connects)
	}
}

func TestAdapter_ConnectWhileConnected(t *testing.T) {
	a := newTestAdapter(t, Capabilities{}, &fakeTransport{}, Options{})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := a.Connect(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Connect() while connected error = %v, want ErrInvalidState", err)
	}
}

func TestAdapter_ConnectFailure_NoReconnect(t *testing.T) {
	tr := &fakeTransport{connectErr: errors.New("refused")}
	a := newTestAdapter(t, Capabilities{}, tr, Options{})

	err := a.Connect(context.Background())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
	if a.IsConnected() {
		t.Error("IsConnected() = true after failed connect")
	}
}

func TestAdapter_ConnectFailure_SchedulesReconnect(t *testing.T) {
	tr := &fakeTransport{connectErr: errors.New("refused")}
	a := newTestAdapter(t, Capabilities{}, tr, Options{
		Reconnect:     true,
		MaxReconnects: 3,
		Backoff:       Backoff{Initial: 20 * time.Millisecond, Multiplier: 1},
	})

	// Clear the failure before the scheduled retry fires.
	err := a.Connect(context.Background())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
	tr.mu.Lock()
	tr.connectErr = nil
	tr.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for !a.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("adapter never reconnected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAdapter_SendWhileDisconnected_QueuesUntilConnect(t *testing.T) {
	tr := &fakeTransport{}
	a := newTestAdapter(t, Capabilities{}, tr, Options{
		BatchSize:    1, // immediate flush once connected
		BatchTimeout: 10 * time.Millisecond,
	})

	cc, err := a.Submit(map[string]any{"op": "status"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// No silent drop, no resolution while disconnected.
	select {
	case <-cc.Done():
		t.Fatal("command resolved while disconnected")
	case <-time.After(100 * time.Millisecond):
	}
	if got := cc.Status(); got != StatusPending {
		t.Fatalf("Status() = %v, want pending", got)
	}
	if tr.sentCount() != 0 {
		t.Fatal("transport saw traffic while disconnected")
	}

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := cc.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got := cc.Status(); got != StatusSucceeded {
		t.Errorf("Status() = %v, want succeeded", got)
	}
}

func TestAdapter_Send_NilCommand(t *testing.T) {
	a := newTestAdapter(t, Capabilities{}, &fakeTransport{}, Options{})
	if _, err := a.Send(context.Background(), nil); !errors.Is(err, ErrValidationFailed) {
		t.Errorf("Send(nil) error = %v, want ErrValidationFailed", err)
	}
}

func TestAdapter_DisconnectIdempotent(t *testing.T) {
	a := newTestAdapter(t, Capabilities{}, &fakeTransport{}, Options{})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	cc, err := a.Submit([]byte{0x01})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// A short batch timeout could flush before we disconnect; submit with a
	// long timeout so the command is still queued.
	if err := a.Disconnect(context.Background()); err != nil {
		t.Fatalf("first Disconnect() error = %v", err)
	}
	if cc.Status() != StatusCancelled && cc.Status() != StatusSucceeded {
		t.Errorf("queued command status = %v, want cancelled or succeeded", cc.Status())
	}
	firstStatus := cc.Status()

	if err := a.Disconnect(context.Background()); err != nil {
		t.Fatalf("second Disconnect() error = %v", err)
	}
	if cc.Status() != firstStatus {
		t.Error("second Disconnect() re-cancelled an already terminal command")
	}
}

func TestAdapter_DisconnectCancelsQueued(t *testing.T) {
	tr := &fakeTransport{}
	a := newTestAdapter(t, Capabilities{}, tr, Options{
		BatchSize:    100,
		BatchTimeout: time.Hour, // never flush on its own
	})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	var contexts []*CommandContext
	for i := 0; i < 5; i++ {
		cc, err := a.Submit([]byte{byte(i)})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		contexts = append(contexts, cc)
	}

	if err := a.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	for i, cc := range contexts {
		if got := cc.Status(); got != StatusCancelled {
			t.Errorf("command %d status = %v, want cancelled", i, got)
		}
		if _, err := cc.Wait(context.Background()); !errors.Is(err, ErrCommandCancelled) {
			t.Errorf("command %d Wait() error = %v, want ErrCommandCancelled", i, err)
		}
	}
}

func TestAdapter_BatchFailureAtomicity(t *testing.T) {
	tr := &fakeBatchTransport{batchErr: errors.New("bus fault")}
	a := newTestAdapter(t, Capabilities{Batching: true}, tr, Options{
		BatchSize:    10,
		BatchTimeout: time.Hour,
	})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	results, err := a.SendBatch(ctx, []any{
		map[string]any{"op": "a"},
		map[string]any{"op": "b"},
		map[string]any{"op": "c"},
	})
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}

	// Every command fails with the same error; none remain pending.
	var first error
	for i, res := range results {
		if res.Err == nil {
			t.Fatalf("result %d succeeded, want failure", i)
		}
		if !errors.Is(res.Err, ErrCommandFailed) {
			t.Errorf("result %d error = %v, want ErrCommandFailed", i, res.Err)
		}
		if first == nil {
			first = res.Err
		} else if !errors.Is(res.Err, first) && res.Err.Error() != first.Error() {
			t.Errorf("result %d error differs from batch error: %v vs %v", i, res.Err, first)
		}
	}
	if tr.batchCalls.Load() != 1 {
		t.Errorf("batch calls = %d, want 1", tr.batchCalls.Load())
	}
}

func TestAdapter_BatchWithCancelledCommand_AllTerminal(t *testing.T) {
	tr := &fakeBatchTransport{}
	a := newTestAdapter(t, Capabilities{Batching: true}, tr, Options{
		BatchSize:    10,
		BatchTimeout: time.Hour,
	})

	contexts := []*CommandContext{
		newCommandContext([]byte{1}),
		newCommandContext([]byte{2}),
		newCommandContext([]byte{3}),
	}
	// Cancelled after being popped but before the batch goes out. The
	// commands around it must still reach a terminal state.
	contexts[1].cancel()

	a.dispatchBatch(tr, contexts, [][]byte{{1}, {2}, {3}})

	for i, cc := range contexts {
		select {
		case <-cc.Done():
		default:
			t.Fatalf("command %d never reached a terminal state", i)
		}
		if got := cc.Status(); got != StatusCancelled {
			t.Errorf("command %d status = %v, want cancelled", i, got)
		}
		if _, err := cc.Wait(context.Background()); !errors.Is(err, ErrCommandCancelled) {
			t.Errorf("command %d Wait() error = %v, want ErrCommandCancelled", i, err)
		}
	}
	if tr.batchCalls.Load() != 0 {
		t.Errorf("batch calls = %d, want 0", tr.batchCalls.Load())
	}
}

func TestAdapter_SendBatch_PreservesOrder(t *testing.T) {
	tr := &fakeBatchTransport{}
	a := newTestAdapter(t, Capabilities{Batching: true}, tr, Options{
		BatchSize:    10,
		BatchTimeout: time.Hour,
	})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	commands := []any{
		map[string]any{"seq": "first"},
		map[string]any{"seq": "second"},
		map[string]any{"seq": "third"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	results, err := a.SendBatch(ctx, commands)
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}

	for i, res := range results {
		if res.Err != nil {
			t.Fatalf("result %d error = %v", i, res.Err)
		}
		got, ok := res.Value.(map[string]any)
		if !ok {
			t.Fatalf("result %d type = %T, want map", i, res.Value)
		}
		want := commands[i].(map[string]any)["seq"]
		if got["seq"] != want {
			t.Errorf("result %d seq = %v, want %v", i, got["seq"], want)
		}
	}
}

func TestAdapter_SendBatch_RequiresCapability(t *testing.T) {
	a := newTestAdapter(t, Capabilities{}, &fakeTransport{}, Options{})
	if _, err := a.SendBatch(context.Background(), []any{[]byte{1}}); !errors.Is(err, ErrValidationFailed) {
		t.Errorf("SendBatch() error = %v, want ErrValidationFailed", err)
	}
}

func TestAdapter_CommandRetryThenFail(t *testing.T) {
	var attempts atomic.Int32
	tr := &fakeTransport{
		sendFn: func(context.Context, []byte) ([]byte, error) {
			attempts.Add(1)
			return nil, errors.New("device busy")
		},
	}
	a := newTestAdapter(t, Capabilities{}, tr, Options{
		BatchSize:    1,
		MaxRetries:   2,
		BatchTimeout: 10 * time.Millisecond,
		Backoff:      Backoff{Initial: time.Millisecond, Multiplier: 1},
	})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := a.Send(ctx, []byte{0xAA})
	if !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("Send() error = %v, want ErrCommandFailed", err)
	}
	// First attempt plus two retries.
	if got := attempts.Load(); got != 3 {
		t.Errorf("transport attempts = %d, want 3", got)
	}
}

func TestAdapter_CommandTimeout(t *testing.T) {
	tr := &fakeTransport{
		sendFn: func(ctx context.Context, _ []byte) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	a := newTestAdapter(t, Capabilities{}, tr, Options{
		BatchSize:      1,
		CommandTimeout: 30 * time.Millisecond,
		BatchTimeout:   5 * time.Millisecond,
		Backoff:        Backoff{Initial: time.Millisecond, Multiplier: 1},
	})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := a.Send(ctx, []byte{0x01})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Send() error = %v, want ErrTimeout", err)
	}
}

func TestAdapter_EncodeDecode_RoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x24}, 32)
	value := map[string]any{
		"type":      "vibrate",
		"intensity": float64(50),
		"channels":  []any{"a", "b"},
	}

	tests := []struct {
		name string
		caps Capabilities
		opts Options
	}{
		{name: "plain json", caps: Capabilities{}},
		{
			name: "compressed",
			caps: Capabilities{Compression: true},
			opts: Options{CompressionMin: 1},
		},
		{
			name: "encrypted",
			caps: Capabilities{Encryption: true},
			opts: Options{EncryptionKey: key},
		},
		{
			name: "compressed and encrypted",
			caps: Capabilities{Compression: true, Encryption: true},
			opts: Options{CompressionMin: 1, EncryptionKey: key},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, tt.caps, &fakeTransport{}, tt.opts)

			encoded, err := a.Encode(value)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			decoded, err := a.Decode(encoded)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !reflect.DeepEqual(decoded, value) {
				t.Errorf("round trip:\n got  %#v\n want %#v", decoded, value)
			}
		})
	}
}

func TestAdapter_Decode_LegacyUntagged(t *testing.T) {
	a := newTestAdapter(t, Capabilities{}, &fakeTransport{}, Options{})

	decoded, err := a.Decode([]byte(`{"ok":true}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	m, ok := decoded.(map[string]any)
	if !ok || m["ok"] != true {
		t.Errorf("Decode(legacy json) = %#v", decoded)
	}

	raw := []byte{0x01, 0x02, 0x03}
	decoded, err = a.Decode(raw)
	if err != nil {
		t.Fatalf("Decode(raw) error = %v", err)
	}
	if !bytes.Equal(decoded.([]byte), raw) {
		t.Errorf("Decode(raw) = %v, want %v", decoded, raw)
	}
}

func TestAdapter_Encode_MaxPacketSize(t *testing.T) {
	a := newTestAdapter(t, Capabilities{MaxPacketSize: 8}, &fakeTransport{}, Options{})
	_, err := a.Encode(bytes.Repeat([]byte{0xFF}, 64))
	if !errors.Is(err, ErrEncodingFailed) {
		t.Errorf("Encode() error = %v, want ErrEncodingFailed", err)
	}
}

func TestAdapter_ConnectionLost_KeepsQueued(t *testing.T) {
	tr := &fakeTransport{}
	a := newTestAdapter(t, Capabilities{}, tr, Options{
		BatchSize:    100,
		BatchTimeout: time.Hour,
	})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	cc, err := a.Submit([]byte{0x01})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	a.ConnectionLost(fmt.Errorf("cable pulled"))

	if a.IsConnected() {
		t.Error("IsConnected() = true after ConnectionLost")
	}
	// Queued commands survive an unexpected drop and flush after reconnect.
	if got := cc.Status(); got != StatusPending {
		t.Errorf("queued command status = %v, want pending", got)
	}
	if a.QueueDepth() != 1 {
		t.Errorf("QueueDepth() = %d, want 1", a.QueueDepth())
	}
}

func TestAdapter_OrderPreservedWithoutBatching(t *testing.T) {
	var order []byte
	var mu sync.Mutex
	tr := &fakeTransport{
		sendFn: func(_ context.Context, payload []byte) ([]byte, error) {
			mu.Lock()
			order = append(order, payload[len(payload)-1])
			mu.Unlock()
			return payload, nil
		},
	}
	// BatchSize 1 dispatches in strict enqueue order.
	a := newTestAdapter(t, Capabilities{}, tr, Options{
		BatchSize:    1,
		BatchTimeout: 5 * time.Millisecond,
	})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	var contexts []*CommandContext
	for i := byte(0); i < 5; i++ {
		cc, err := a.Submit([]byte{i})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		contexts = append(contexts, cc)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, cc := range contexts {
		if _, err := cc.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(order); i++ {
		if order[i] < order[i-1] {
			t.Fatalf("commands dispatched out of order: %v", order)
		}
	}
}
