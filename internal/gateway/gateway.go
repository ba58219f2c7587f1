package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devlink-io/devlink-core/internal/audit"
	"github.com/devlink-io/devlink-core/internal/device"
	"github.com/devlink-io/devlink-core/internal/infrastructure/config"
	"github.com/devlink-io/devlink-core/internal/infrastructure/logging"
)

// DeviceManager is the slice of the device layer the gateway drives.
type DeviceManager interface {
	SendCommand(ctx context.Context, deviceID string, command any) (any, error)
	Device(ctx context.Context, deviceID string) (device.Snapshot, error)
	Devices(ctx context.Context) []device.Snapshot
	Subscribe() (<-chan device.Event, func())
}

// Gateway owns the connection pool and the background loops that keep it
// fed: the batch processor and the device event fan-out.
type Gateway struct {
	cfg      config.GatewayConfig
	security config.SecurityConfig
	auth     *Authenticator
	guard    *ddosGuard
	pool     *Pool
	devices  DeviceManager
	audit    audit.Recorder
	log      *logging.Logger
	upgrader websocket.Upgrader

	startedAt           time.Time
	totalConnections    atomic.Uint64
	rejectedConnections atomic.Uint64

	runOnce   sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New wires a gateway from configuration. Call Run before serving
// traffic so queued messages get drained.
func New(cfg config.GatewayConfig, security config.SecurityConfig, devices DeviceManager, log *logging.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg,
		security: security,
		auth:     NewAuthenticator(security.JWT.Secret),
		guard:    newDDoSGuard(security.DDoS),
		pool:     NewPool(cfg.MaxConnections),
		devices:  devices,
		log:      log.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Pool exposes the connection pool for broadcast use by other layers.
func (g *Gateway) Pool() *Pool { return g.pool }

// Authenticator exposes token issuance for the API layer.
func (g *Gateway) Authenticator() *Authenticator { return g.auth }

// SetAudit installs a command trail recorder. Commands are recorded
// best-effort; a nil recorder disables the trail.
func (g *Gateway) SetAudit(rec audit.Recorder) { g.audit = rec }

// Run starts the batch processor and the device event fan-out. It
// returns immediately; loops stop when Close is called.
func (g *Gateway) Run(ctx context.Context) {
	g.runOnce.Do(func() {
		g.wg.Add(2)
		go g.batchLoop(ctx)
		go g.eventLoop(ctx)
	})
}

// Close stops the background loops and disconnects every client.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() { close(g.done) })
	g.wg.Wait()
	for _, c := range g.pool.snapshot() {
		g.pool.Remove(c)
		c.conn.Close()
	}
}

// HandleWS upgrades an authenticated request into a pooled connection.
// Rejections happen before the upgrade so unauthenticated clients never
// hold a socket.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	ip := sourceIP(r.RemoteAddr)
	if !g.guard.admit(ip, time.Now()) {
		g.rejectedConnections.Add(1)
		g.log.Warn("connection attempt rejected", "remote", ip)
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	claims, err := g.auth.Verify(bearerToken(r))
	if err != nil {
		g.rejectedConnections.Add(1)
		g.log.Warn("handshake authentication failed", "remote", ip, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if g.cfg.MaxConnections > 0 && g.pool.Len() >= g.cfg.MaxConnections {
		g.rejectedConnections.Add(1)
		g.log.Warn("connection pool full", "remote", ip)
		http.Error(w, "connection pool full", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Error("websocket upgrade failed", "remote", ip, "error", err)
		return
	}

	c := newClientConn(conn, claims, g.cfg.QueueSize, newRateLimiter(g.security.RateLimit))
	if err := g.pool.Add(c); err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "pool full"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	g.totalConnections.Add(1)
	g.log.Info("client connected",
		"connection_id", c.ID,
		"user_id", c.UserID(),
		"region", c.Region(),
		"pool_size", g.pool.Len())

	c.trySend(g.welcomeFrame(c))

	go g.writePump(c)
	go g.readPump(c)
}

type welcomePayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Region       string `json:"region,omitempty"`
	PingInterval int    `json:"pingInterval"`
}

func (g *Gateway) welcomeFrame(c *ClientConn) []byte {
	return mustReply("", TypeWelcome, welcomePayload{
		ConnectionID: c.ID,
		UserID:       c.UserID(),
		Region:       c.Region(),
		PingInterval: g.cfg.PingInterval,
	})
}

// readPump consumes frames from one client until the socket dies.
// Malformed or over-limit messages produce error frames, never a close.
func (g *Gateway) readPump(c *ClientConn) {
	defer func() {
		g.pool.Remove(c)
		c.conn.Close()
		g.log.Info("client disconnected", "connection_id", c.ID, "pool_size", g.pool.Len())
	}()

	if g.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(g.cfg.MaxMessageSize))
	}
	wait := g.readWait()
	c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		c.conn.SetReadDeadline(time.Now().Add(wait))
		return nil
	})

	ctx := context.Background()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(wait))
		c.messagesReceived.Add(1)

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.trySend(errorFrame("", CodeInvalidMessage, "message is not valid JSON"))
			continue
		}

		if c.limiter != nil && !c.limiter.allow(time.Now()) {
			c.trySend(errorFrame(msg.ID, CodeRateLimitExceeded, "rate limit exceeded"))
			continue
		}

		// Pings and critical commands bypass the batch queue.
		if msg.Type == TypePing || msg.Priority == PriorityCritical {
			g.dispatch(ctx, c, msg)
			continue
		}
		if evicted := c.enqueue(msg); evicted != nil {
			c.trySend(errorFrame(evicted.ID, CodeQueueFull, "message dropped: queue full"))
		}
	}
}

// readWait is the longest silence tolerated before the read deadline
// fires: the widest ping interval plus the pong grace.
func (g *Gateway) readWait() time.Duration {
	interval := g.cfg.PingIntervalMax
	if interval <= 0 {
		interval = g.cfg.PingInterval
	}
	return time.Duration(interval+g.cfg.PongTimeout+1) * time.Second
}

// writePump drains the send channel and runs the adaptive heartbeat for
// one connection.
func (g *Gateway) writePump(c *ClientConn) {
	hb := &heartbeat{
		interval: time.Duration(g.cfg.PingInterval) * time.Second,
		min:      time.Duration(g.cfg.PingIntervalMin) * time.Second,
		max:      time.Duration(g.cfg.PingIntervalMax) * time.Second,
		pongWait: time.Duration(g.cfg.PongTimeout) * time.Second,
	}
	timer := time.NewTimer(hb.interval)
	defer func() {
		timer.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-timer.C:
			lastPong := time.Unix(0, c.lastPong.Load())
			if !hb.observe(lastPong, time.Now()) {
				g.log.Warn("client unresponsive, closing", "connection_id", c.ID)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			timer.Reset(hb.interval)

		case <-c.closedCh:
			return
		case <-g.done:
			return
		}
	}
}

// batchLoop drains each connection's queue on a fixed tick, a bounded
// number of messages per connection so one chatty client cannot starve
// the rest. Each connection's batch is dispatched on its own goroutine:
// a command held up by a slow device delays only that connection, not
// the tick loop or anyone else's traffic. Messages within a connection
// keep their order because at most one batch per connection is in
// flight at a time.
func (g *Gateway) batchLoop(ctx context.Context) {
	defer g.wg.Done()

	tick := g.cfg.BatchTick()
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	perTick := g.cfg.BatchPerTick
	if perTick <= 0 {
		perTick = 10
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, c := range g.pool.snapshot() {
				if !c.dispatching.CompareAndSwap(false, true) {
					// Previous batch still running; the queue
					// holds its messages until next tick.
					continue
				}
				batch := c.drainQueue(perTick)
				if len(batch) == 0 {
					c.dispatching.Store(false)
					continue
				}
				g.wg.Add(1)
				go func(c *ClientConn, batch []Message) {
					defer g.wg.Done()
					defer c.dispatching.Store(false)
					for _, msg := range batch {
						g.dispatch(ctx, c, msg)
					}
				}(c, batch)
			}
		case <-g.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

type eventPayload struct {
	DeviceID  string    `json:"deviceId"`
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// eventLoop forwards device events to their subscribers.
func (g *Gateway) eventLoop(ctx context.Context) {
	defer g.wg.Done()

	events, cancel := g.devices.Subscribe()
	defer cancel()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			frame, err := reply("", TypeDeviceEvent, eventPayload{
				DeviceID:  ev.DeviceID,
				Type:      ev.Type,
				Data:      ev.Data,
				Timestamp: ev.Timestamp,
			})
			if err != nil {
				g.log.Error("failed to encode device event", "device_id", ev.DeviceID, "error", err)
				continue
			}
			g.pool.BroadcastDevice(ev.DeviceID, frame)
		case <-g.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
