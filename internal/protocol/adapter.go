package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/devlink-io/devlink-core/internal/codec"
)

// Adapter defaults, applied when Options leaves a field zero.
const (
	defaultCommandTimeout = 5 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultBatchSize      = 10
	defaultBatchTimeout   = 100 * time.Millisecond
	defaultMaxReconnects  = 5

	// eventBufferSize bounds the unsolicited-event channel. Events are
	// dropped, not blocked on, when no consumer keeps up.
	eventBufferSize = 64
)

// Logger is the minimal structured logging interface the adapter needs.
// Satisfied by logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// noopLogger discards everything.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Transport moves bytes for one device connection. Implementations own the
// protocol-specific framing; the base adapter owns everything above it.
//
// Send must respect ctx cancellation: the per-command timeout races the
// transport response through it. A transport that loses its connection
// should return an error wrapping ErrConnectionLost for in-flight requests
// and call Adapter.ConnectionLost exactly once.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Send(ctx context.Context, payload []byte) ([]byte, error)
}

// BatchTransport is implemented by transports that can exchange a whole
// batch in one round trip. Results must be positional: response i answers
// payload i.
type BatchTransport interface {
	SendBatch(ctx context.Context, payloads [][]byte) ([][]byte, error)
}

// Event is an unsolicited device-to-host message surfaced by a transport
// (BLE notification, serial line, Modbus exception broadcast).
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event types emitted by the base adapter itself.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventReconnecting = "reconnecting"
	EventNotification = "notification"
)

// Options configures an adapter instance. The zero value gets usable
// defaults; see the package constants.
type Options struct {
	// CommandTimeout races each dispatched command against the transport.
	CommandTimeout time.Duration

	// ConnectTimeout bounds one transport connection attempt.
	ConnectTimeout time.Duration

	// MaxRetries is the per-command retry budget after the first attempt.
	MaxRetries int

	// BatchSize is the queue depth that triggers an immediate flush.
	BatchSize int

	// BatchTimeout is the delay before a partial queue is flushed.
	BatchTimeout time.Duration

	// Reconnect enables automatic reconnection after connection failures.
	Reconnect bool

	// MaxReconnects bounds consecutive reconnection attempts.
	MaxReconnects int

	// Backoff is the delay policy shared by connection retries, command
	// retries and reconnect scheduling.
	Backoff Backoff

	// CompressionMin is the payload size in bytes from which compression
	// is applied, when the capabilities allow it. 0 disables compression.
	CompressionMin int

	// EncryptionKey is the AES-256 key for payload encryption. Empty
	// disables encryption.
	EncryptionKey []byte

	// Logger receives adapter diagnostics. Defaults to a no-op logger.
	Logger Logger
}

func (o Options) withDefaults() Options {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = defaultCommandTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = defaultBatchTimeout
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = defaultMaxReconnects
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	return o
}

// Protocol is the uniform contract consumed by the device layer. *Adapter
// implements it; concrete adapters embed *Adapter.
type Protocol interface {
	Capabilities() Capabilities
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	Send(ctx context.Context, command any) (any, error)
	Events() <-chan Event
}

// Adapter is the transport-agnostic command lifecycle engine. It owns the
// connection state machine, the command queue with batching, retry and
// reconnect scheduling, and the encode/decode payload pipeline.
//
// Thread Safety: all exported methods are safe for concurrent use.
type Adapter struct {
	caps      Capabilities
	opts      Options
	transport Transport
	log       Logger

	mu              sync.Mutex
	connected       bool
	connecting      bool
	closed          bool
	connectAttempts int
	queue           []*CommandContext
	processing      bool
	batchTimer      *time.Timer
	reconnectTimer  *time.Timer

	events chan Event
}

// Compile-time check: the base adapter satisfies the Protocol contract.
var _ Protocol = (*Adapter)(nil)

// NewAdapter creates a base adapter over the given transport.
func NewAdapter(caps Capabilities, transport Transport, opts Options) (*Adapter, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrValidationFailed)
	}
	if err := caps.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	return &Adapter{
		caps:      caps,
		opts:      opts,
		transport: transport,
		log:       opts.Logger,
		events:    make(chan Event, eventBufferSize),
	}, nil
}

// Capabilities returns the adapter's static capability descriptor.
func (a *Adapter) Capabilities() Capabilities {
	return a.caps
}

// IsConnected reports whether the transport connection is established.
func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Events returns the unsolicited device event stream. The channel is never
// closed while the adapter lives; consumers select on it alongside their
// own shutdown signal.
func (a *Adapter) Events() <-chan Event {
	return a.events
}

// Emit publishes an unsolicited device event. Called by transports for
// notifications; drops the event when no consumer keeps up rather than
// blocking the transport's read path.
func (a *Adapter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case a.events <- ev:
	default:
		a.log.Warn("device event dropped, consumer too slow", "event_type", ev.Type)
	}
}

// Connect establishes the transport connection.
//
// Fails immediately with ErrInvalidState when a connection is already
// established or in progress; there is never more than one transport
// attempt per adapter instance at a time. On failure, when reconnection is
// enabled and attempts remain, a delayed retry is scheduled and the
// returned error notes it.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.connected || a.connecting {
		a.mu.Unlock()
		return fmt.Errorf("%w: already connected or connecting", ErrInvalidState)
	}
	a.connecting = true
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
		a.reconnectTimer = nil
	}
	a.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
	err := a.transport.Connect(connectCtx)
	cancel()

	a.mu.Lock()
	a.connecting = false
	if err != nil {
		a.connectAttempts++
		if errors.Is(connectCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		if a.shouldReconnectLocked() {
			a.scheduleReconnectLocked()
			attempts := a.connectAttempts
			a.mu.Unlock()
			return fmt.Errorf("%w (will retry, attempt %d): %w", ErrConnectionFailed, attempts, err)
		}
		a.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	a.connected = true
	a.connectAttempts = 0
	flush := len(a.queue) > 0
	a.mu.Unlock()

	a.log.Info("adapter connected")
	a.Emit(Event{Type: EventConnected})

	if flush {
		go a.processQueue()
	}
	return nil
}

// Disconnect tears down the transport connection. Calling it while already
// disconnected is a no-op; already-cancelled commands are not re-cancelled.
//
// Every queued command transitions to Cancelled and its waiters are woken.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	if !a.connected && !a.connecting {
		a.mu.Unlock()
		return nil
	}
	a.connected = false
	a.connecting = false
	a.stopTimersLocked()
	pending := a.queue
	a.queue = nil
	a.mu.Unlock()

	err := a.transport.Disconnect(ctx)

	for _, cc := range pending {
		cc.cancel()
	}

	a.log.Info("adapter disconnected", "cancelled_commands", len(pending))
	a.Emit(Event{Type: EventDisconnected})

	if err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnectFailed, err)
	}
	return nil
}

// ConnectionLost is called by transports when the connection drops
// unexpectedly. In-flight requests are rejected by the transport itself
// (wrapping ErrConnectionLost); queued commands stay queued and flush after
// the next successful connect. Reconnection is scheduled when enabled.
func (a *Adapter) ConnectionLost(cause error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return
	}
	a.connected = false
	a.stopTimersLocked()
	reconnect := false
	if a.shouldReconnectLocked() {
		a.connectAttempts++
		a.scheduleReconnectLocked()
		reconnect = true
	}
	a.mu.Unlock()

	a.log.Warn("transport connection lost", "error", cause, "reconnect", reconnect)
	a.Emit(Event{Type: EventDisconnected, Data: map[string]any{"unexpected": true}})
}

// Send submits one command and waits for its terminal state.
// It is shorthand for Submit followed by CommandContext.Wait.
func (a *Adapter) Send(ctx context.Context, command any) (any, error) {
	cc, err := a.Submit(command)
	if err != nil {
		return nil, err
	}
	return cc.Wait(ctx)
}

// Submit validates and enqueues one command, returning its context for
// correlation. The command is dispatched when the queue reaches the batch
// threshold (and the adapter is connected) or when the batch timeout fires;
// commands submitted while disconnected stay queued until a connect flush.
func (a *Adapter) Submit(command any) (*CommandContext, error) {
	if command == nil {
		return nil, fmt.Errorf("%w: nil command", ErrValidationFailed)
	}

	cc := newCommandContext(command)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: adapter closed", ErrInvalidState)
	}
	a.queue = append(a.queue, cc)
	full := len(a.queue) >= a.opts.BatchSize
	connected := a.connected
	if !full {
		a.armBatchTimerLocked()
	}
	a.mu.Unlock()

	if full && connected {
		go a.processQueue()
	}
	return cc, nil
}

// BatchResult pairs one command of a batch with its outcome, preserving
// input order.
type BatchResult struct {
	Value any
	Err   error
}

// SendBatch validates and enqueues all commands, flushes immediately, and
// returns results preserving input order. Requires the batching capability.
func (a *Adapter) SendBatch(ctx context.Context, commands []any) ([]BatchResult, error) {
	if !a.caps.Batching {
		return nil, fmt.Errorf("%w: adapter does not support batching", ErrValidationFailed)
	}
	if len(commands) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrValidationFailed)
	}
	if a.caps.MaxBatchSize > 0 && len(commands) > a.caps.MaxBatchSize {
		return nil, fmt.Errorf("%w: batch of %d exceeds max %d", ErrValidationFailed, len(commands), a.caps.MaxBatchSize)
	}
	for i, cmd := range commands {
		if cmd == nil {
			return nil, fmt.Errorf("%w: nil command at index %d", ErrValidationFailed, i)
		}
	}

	contexts := make([]*CommandContext, len(commands))
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: adapter closed", ErrInvalidState)
	}
	for i, cmd := range commands {
		contexts[i] = newCommandContext(cmd)
		a.queue = append(a.queue, contexts[i])
	}
	a.mu.Unlock()

	go a.processQueue()

	results := make([]BatchResult, len(contexts))
	for i, cc := range contexts {
		v, err := cc.Wait(ctx)
		results[i] = BatchResult{Value: v, Err: err}
	}
	return results, nil
}

// Close releases the adapter: disconnects if needed and rejects further
// submissions. The event channel stays open so late consumers never panic.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return a.Disconnect(ctx)
}

// Encode runs the outbound payload pipeline: JSON-or-buffer normalisation,
// then compression when the capability is declared and the payload meets the
// size threshold, then encryption when a key is configured. The resulting
// payload carries an explicit format tag (see the codec package).
func (a *Adapter) Encode(v any) ([]byte, error) {
	var payload []byte
	format := codec.FormatRaw

	switch data := v.(type) {
	case []byte:
		payload = data
	default:
		marshalled, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEncodingFailed, err)
		}
		payload = marshalled
		format |= codec.FormatJSON
	}

	if a.caps.MaxPacketSize > 0 && len(payload) > a.caps.MaxPacketSize {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds max packet size %d",
			ErrEncodingFailed, len(payload), a.caps.MaxPacketSize)
	}

	if a.caps.Compression && a.opts.CompressionMin > 0 && len(payload) >= a.opts.CompressionMin {
		compressed, err := codec.Compress(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEncodingFailed, err)
		}
		payload = compressed
		format |= codec.FormatGzip
	}

	if a.caps.Encryption && len(a.opts.EncryptionKey) > 0 {
		encrypted, err := codec.Encrypt(a.opts.EncryptionKey, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEncodingFailed, err)
		}
		payload = encrypted
		format |= codec.FormatAES
	}

	return codec.TagPayload(format, payload), nil
}

// Decode reverses the Encode pipeline. Tagged payloads are unwrapped per
// their format byte; untagged data falls back to the legacy convention
// (leading '{' or '[' means plain JSON, anything else is raw bytes).
func (a *Adapter) Decode(data []byte) (any, error) {
	format, payload, tagged := codec.SplitTag(data)
	if !tagged {
		if codec.LooksLikeJSON(data) {
			var v any
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrDecodingFailed, err)
			}
			return v, nil
		}
		return data, nil
	}

	if format&codec.FormatAES != 0 {
		if len(a.opts.EncryptionKey) == 0 {
			return nil, fmt.Errorf("%w: encrypted payload but no key configured", ErrDecodingFailed)
		}
		decrypted, err := codec.Decrypt(a.opts.EncryptionKey, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecodingFailed, err)
		}
		payload = decrypted
	}

	if format&codec.FormatGzip != 0 {
		decompressed, err := codec.Decompress(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecodingFailed, err)
		}
		payload = decompressed
	}

	if format&codec.FormatJSON != 0 {
		var v any
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecodingFailed, err)
		}
		return v, nil
	}
	return payload, nil
}

// QueueDepth returns the number of commands waiting for dispatch.
func (a *Adapter) QueueDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// armBatchTimerLocked schedules a flush after the batch timeout. Caller
// holds a.mu.
func (a *Adapter) armBatchTimerLocked() {
	if a.batchTimer != nil {
		return
	}
	a.batchTimer = time.AfterFunc(a.opts.BatchTimeout, func() {
		a.mu.Lock()
		a.batchTimer = nil
		a.mu.Unlock()
		a.processQueue()
	})
}

// stopTimersLocked stops batch and reconnect timers. Caller holds a.mu.
func (a *Adapter) stopTimersLocked() {
	if a.batchTimer != nil {
		a.batchTimer.Stop()
		a.batchTimer = nil
	}
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
		a.reconnectTimer = nil
	}
}

// shouldReconnectLocked reports whether a reconnect should be scheduled.
// Caller holds a.mu.
func (a *Adapter) shouldReconnectLocked() bool {
	return a.opts.Reconnect && !a.closed && a.connectAttempts < a.opts.MaxReconnects
}

// scheduleReconnectLocked arms the reconnect timer using the shared backoff
// policy. Caller holds a.mu.
func (a *Adapter) scheduleReconnectLocked() {
	delay := a.opts.Backoff.Delay(a.connectAttempts - 1)
	a.log.Info("scheduling reconnect", "attempt", a.connectAttempts, "delay", delay)
	a.reconnectTimer = time.AfterFunc(delay, func() {
		a.mu.Lock()
		a.reconnectTimer = nil
		closed := a.closed
		a.mu.Unlock()
		if closed {
			return
		}
		a.Emit(Event{Type: EventReconnecting})
		if err := a.Connect(context.Background()); err != nil {
			a.log.Warn("reconnect attempt failed", "error", err)
		}
	})
}

// processQueue drains up to BatchSize queued commands and dispatches them.
// After processing, when the threshold is met again it continues
// immediately; otherwise the timeout-based flush is rescheduled.
func (a *Adapter) processQueue() {
	a.mu.Lock()
	if a.processing || !a.connected || len(a.queue) == 0 {
		a.mu.Unlock()
		return
	}
	a.processing = true
	n := min(a.opts.BatchSize, len(a.queue))
	batch := a.queue[:n:n]
	a.queue = a.queue[n:]
	a.mu.Unlock()

	a.processBatch(batch)

	a.mu.Lock()
	a.processing = false
	again := a.connected && len(a.queue) >= a.opts.BatchSize
	rearm := a.connected && len(a.queue) > 0 && !again
	if rearm {
		a.armBatchTimerLocked()
	}
	a.mu.Unlock()

	if again {
		a.processQueue()
	}
}

// processBatch encodes and dispatches one popped batch. When the transport
// is batch-capable the whole batch goes out in one call and a failure fails
// every context with the same error; otherwise commands are dispatched
// concurrently and results applied per command.
func (a *Adapter) processBatch(batch []*CommandContext) {
	payloads := make([][]byte, 0, len(batch))
	live := make([]*CommandContext, 0, len(batch))
	for _, cc := range batch {
		payload, err := a.Encode(cc.Command)
		if err != nil {
			cc.fail(err)
			continue
		}
		payloads = append(payloads, payload)
		live = append(live, cc)
	}
	if len(live) == 0 {
		return
	}

	if bt, ok := a.transport.(BatchTransport); ok && a.caps.Batching && len(live) > 1 {
		a.dispatchBatch(bt, live, payloads)
		return
	}

	var wg sync.WaitGroup
	for i, cc := range live {
		wg.Add(1)
		go func(cc *CommandContext, payload []byte) {
			defer wg.Done()
			a.dispatch(cc, payload)
		}(cc, payloads[i])
	}
	wg.Wait()
}

// dispatchBatch sends a whole batch through a batch-capable transport.
// No partial credit: a transport error fails every context identically.
func (a *Adapter) dispatchBatch(bt BatchTransport, batch []*CommandContext, payloads [][]byte) {
	for _, cc := range batch {
		if !cc.markSent() {
			// One command was cancelled underneath us. The batch is
			// all-or-nothing, so cancel the rest too; leaving contexts
			// already marked Sent with no terminal state would hang
			// their waiters.
			for _, other := range batch {
				other.cancel()
			}
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.opts.CommandTimeout)
	defer cancel()

	responses, err := bt.SendBatch(ctx, payloads)
	if err != nil {
		batchErr := a.classify(ctx, err)
		for _, cc := range batch {
			cc.fail(batchErr)
		}
		return
	}
	if len(responses) != len(batch) {
		batchErr := fmt.Errorf("%w: batch returned %d responses for %d commands",
			ErrProtocol, len(responses), len(batch))
		for _, cc := range batch {
			cc.fail(batchErr)
		}
		return
	}

	// Positional application preserves the logical command order.
	for i, cc := range batch {
		decoded, derr := a.Decode(responses[i])
		if derr != nil {
			cc.fail(derr)
			continue
		}
		cc.succeed(decoded)
	}
}

// dispatch sends one command, retrying per the configured budget with
// backoff between attempts.
func (a *Adapter) dispatch(cc *CommandContext, payload []byte) {
	for {
		if !cc.markSent() {
			return // already cancelled
		}

		ctx, cancel := context.WithTimeout(context.Background(), a.opts.CommandTimeout)
		response, err := a.transport.Send(ctx, payload)
		cancel()

		if err == nil {
			decoded, derr := a.Decode(response)
			if derr != nil {
				cc.fail(derr)
				return
			}
			cc.succeed(decoded)
			return
		}

		sendErr := a.classify(ctx, err)
		if cc.Attempts() > a.opts.MaxRetries || !a.retryable(sendErr) {
			cc.fail(sendErr)
			return
		}
		if !cc.markRetrying() {
			return
		}

		a.log.Debug("retrying command", "command_id", cc.ID, "attempt", cc.Attempts(), "error", err)
		time.Sleep(a.opts.Backoff.Delay(cc.Attempts() - 1))

		if !a.IsConnected() {
			cc.fail(fmt.Errorf("%w: connection dropped during retry", ErrConnectionLost))
			return
		}
	}
}

// classify wraps a transport error into the package taxonomy.
func (a *Adapter) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrConnectionLost), errors.Is(err, ErrProtocol):
		return err // already classified by the transport
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrCommandFailed, err)
	}
}

// retryable reports whether an error is worth another attempt. Protocol
// violations are deterministic and connection loss is handled by the
// reconnect path, so neither is retried at the command level.
func (a *Adapter) retryable(err error) bool {
	return !errors.Is(err, ErrProtocol) && !errors.Is(err, ErrConnectionLost)
}
