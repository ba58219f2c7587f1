package gateway

import "sync"

// Pool tracks live connections together with the lookup indices used for
// targeted broadcasts. All index mutations happen under one lock so an
// index entry never outlives its pool entry.
type Pool struct {
	limit int

	mu       sync.RWMutex
	conns    map[string]*ClientConn            // connection id -> conn
	byUser   map[string]map[string]*ClientConn // user id -> conns
	byDevice map[string]map[string]*ClientConn // claim device scope -> conns
	byRegion map[string]map[string]*ClientConn // region -> conns
	rooms    map[string]map[string]*ClientConn // room -> conns
	subs     map[string]map[string]*ClientConn // subscribed device id -> conns
}

// NewPool creates a pool holding at most limit connections. A limit of
// zero means unbounded.
func NewPool(limit int) *Pool {
	return &Pool{
		limit:    limit,
		conns:    make(map[string]*ClientConn),
		byUser:   make(map[string]map[string]*ClientConn),
		byDevice: make(map[string]map[string]*ClientConn),
		byRegion: make(map[string]map[string]*ClientConn),
		rooms:    make(map[string]map[string]*ClientConn),
		subs:     make(map[string]map[string]*ClientConn),
	}
}

// Add registers a connection and populates the identity indices from its
// claims. Returns ErrPoolFull at capacity.
func (p *Pool) Add(c *ClientConn) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.limit > 0 && len(p.conns) >= p.limit {
		return ErrPoolFull
	}

	p.conns[c.ID] = c
	indexAdd(p.byUser, c.UserID(), c)
	if dev := c.scopedDevice(); dev != "" {
		indexAdd(p.byDevice, dev, c)
	}
	if region := c.Region(); region != "" {
		indexAdd(p.byRegion, region, c)
	}
	return nil
}

// Remove drops a connection from the pool and every index, closing its
// send channel. Safe to call more than once.
func (p *Pool) Remove(c *ClientConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.conns[c.ID]; !ok {
		return
	}
	delete(p.conns, c.ID)

	indexRemove(p.byUser, c.UserID(), c.ID)
	if dev := c.scopedDevice(); dev != "" {
		indexRemove(p.byDevice, dev, c.ID)
	}
	if region := c.Region(); region != "" {
		indexRemove(p.byRegion, region, c.ID)
	}
	c.mu.Lock()
	for room := range c.rooms {
		indexRemove(p.rooms, room, c.ID)
	}
	for dev := range c.subscriptions {
		indexRemove(p.subs, dev, c.ID)
	}
	c.mu.Unlock()

	c.markClosed()
	close(c.send)
}

// Subscribe records a device subscription for both the connection and
// the device index.
func (p *Pool) Subscribe(c *ClientConn, deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.conns[c.ID]; !ok {
		return
	}
	c.subscribe(deviceID)
	indexAdd(p.subs, deviceID, c)
}

// Unsubscribe removes a device subscription.
func (p *Pool) Unsubscribe(c *ClientConn, deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c.unsubscribe(deviceID)
	indexRemove(p.subs, deviceID, c.ID)
}

// JoinRoom adds the connection to a named room.
func (p *Pool) JoinRoom(c *ClientConn, room string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.conns[c.ID]; !ok {
		return
	}
	c.joinRoom(room)
	indexAdd(p.rooms, room, c)
}

// LeaveRoom removes the connection from a named room.
func (p *Pool) LeaveRoom(c *ClientConn, room string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c.leaveRoom(room)
	indexRemove(p.rooms, room, c.ID)
}

// Len returns the number of live connections.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// snapshot copies the current connection set so message delivery never
// happens under the pool lock.
func (p *Pool) snapshot() []*ClientConn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*ClientConn, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

func (p *Pool) snapshotIndex(idx map[string]map[string]*ClientConn, key string) []*ClientConn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	bucket := idx[key]
	out := make([]*ClientConn, 0, len(bucket))
	for _, c := range bucket {
		out = append(out, c)
	}
	return out
}

// Broadcast sends a frame to every live connection.
func (p *Pool) Broadcast(data []byte) {
	for _, c := range p.snapshot() {
		c.trySend(data)
	}
}

// BroadcastRegion sends a frame to every connection in a region.
func (p *Pool) BroadcastRegion(region string, data []byte) {
	for _, c := range p.snapshotIndex(p.byRegion, region) {
		c.trySend(data)
	}
}

// BroadcastUser sends a frame to every connection held by a user.
func (p *Pool) BroadcastUser(userID string, data []byte) {
	for _, c := range p.snapshotIndex(p.byUser, userID) {
		c.trySend(data)
	}
}

// BroadcastRoom sends a frame to every member of a room.
func (p *Pool) BroadcastRoom(room string, data []byte) {
	for _, c := range p.snapshotIndex(p.rooms, room) {
		c.trySend(data)
	}
}

// BroadcastDevice sends a frame to every connection subscribed to a
// device.
func (p *Pool) BroadcastDevice(deviceID string, data []byte) {
	for _, c := range p.snapshotIndex(p.subs, deviceID) {
		c.trySend(data)
	}
}

func indexAdd(idx map[string]map[string]*ClientConn, key string, c *ClientConn) {
	bucket, ok := idx[key]
	if !ok {
		bucket = make(map[string]*ClientConn)
		idx[key] = bucket
	}
	bucket[c.ID] = c
}

func indexRemove(idx map[string]map[string]*ClientConn, key, connID string) {
	bucket, ok := idx[key]
	if !ok {
		return
	}
	delete(bucket, connID)
	if len(bucket) == 0 {
		delete(idx, key)
	}
}
