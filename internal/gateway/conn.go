package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// sendBufferSize is the per-client outbound channel depth.
const sendBufferSize = 256

// ClientConn is one authenticated client socket. The pool holds the sole
// strong reference; indices hold its id only.
type ClientConn struct {
	ID     string
	claims *Claims
	conn   *websocket.Conn
	send   chan []byte

	limiter *rateLimiter

	mu            sync.Mutex
	queue         *messageQueue
	subscriptions map[string]struct{}
	rooms         map[string]struct{}

	closeOnce sync.Once
	closedCh  chan struct{}

	// Set while a drained batch is being dispatched; the batch loop
	// skips the connection until the previous batch finishes so
	// messages stay in order.
	dispatching atomic.Bool

	// Performance counters, read by the metrics snapshot.
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	commandCount     atomic.Uint64
	latencySumMicros atomic.Uint64

	lastPong atomic.Int64 // unix nanos
}

func newClientConn(conn *websocket.Conn, claims *Claims, queueSize int, limiter *rateLimiter) *ClientConn {
	c := &ClientConn{
		ID:            uuid.NewString(),
		claims:        claims,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		limiter:       limiter,
		queue:         newMessageQueue(queueSize),
		subscriptions: make(map[string]struct{}),
		rooms:         make(map[string]struct{}),
		closedCh:      make(chan struct{}),
	}
	c.lastPong.Store(time.Now().UnixNano())
	return c
}

// UserID returns the authenticated user id.
func (c *ClientConn) UserID() string { return c.claims.UserID }

// Region returns the claim's region, possibly empty.
func (c *ClientConn) Region() string { return c.claims.Region }

// scopedDevice returns the device id this connection is restricted to,
// empty when unscoped.
func (c *ClientConn) scopedDevice() string { return c.claims.DeviceID }

// trySend queues an outbound frame, dropping it when the client cannot
// keep up or has gone away.
func (c *ClientConn) trySend(data []byte) {
	// The pool may close the send channel concurrently with a broadcast;
	// a send that loses that race is simply dropped.
	defer func() { _ = recover() }()
	select {
	case c.send <- data:
		c.messagesSent.Add(1)
	default:
		// Client buffer full, skip.
	}
}

// markClosed flips the connection to closed exactly once.
func (c *ClientConn) markClosed() {
	c.closeOnce.Do(func() { close(c.closedCh) })
}

// isClosed reports whether teardown has begun.
func (c *ClientConn) isClosed() bool {
	select {
	case <-c.closedCh:
		return true
	default:
		return false
	}
}

func (c *ClientConn) subscribe(deviceID string) {
	c.mu.Lock()
	c.subscriptions[deviceID] = struct{}{}
	c.mu.Unlock()
}

func (c *ClientConn) unsubscribe(deviceID string) {
	c.mu.Lock()
	delete(c.subscriptions, deviceID)
	c.mu.Unlock()
}

func (c *ClientConn) subscribedTo(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[deviceID]
	return ok
}

func (c *ClientConn) joinRoom(room string) {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (c *ClientConn) leaveRoom(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

// enqueue adds an inbound message to the batch queue, reporting any
// evicted message.
func (c *ClientConn) enqueue(msg Message) *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.push(msg)
}

// drainQueue pops up to n queued messages for batch processing.
func (c *ClientConn) drainQueue(n int) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.drain(n)
}

// recordLatency accumulates one command round-trip for the metrics
// average.
func (c *ClientConn) recordLatency(d time.Duration) {
	c.commandCount.Add(1)
	c.latencySumMicros.Add(uint64(d.Microseconds()))
}

// heartbeat drives the adaptive ping scheduler for one connection.
// Consecutive missed pongs tighten the interval toward min; sustained
// health relaxes it back toward max.
type heartbeat struct {
	interval time.Duration
	min      time.Duration
	max      time.Duration
	pongWait time.Duration

	missed  int
	healthy int
}

// healthyStreak is how many on-time pongs relax the ping interval.
const healthyStreak = 3

// observe adjusts the interval given when the last pong arrived, and
// reports whether the peer has missed too many pongs to keep the
// connection.
func (h *heartbeat) observe(lastPong, now time.Time) (alive bool) {
	if now.Sub(lastPong) > h.interval+h.pongWait {
		h.missed++
		h.healthy = 0
		h.interval = maxDuration(h.min, h.interval/2)
		return h.missed < 3
	}
	h.missed = 0
	h.healthy++
	if h.healthy >= healthyStreak {
		h.healthy = 0
		h.interval = minDuration(h.max, h.interval*2)
	}
	return true
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
