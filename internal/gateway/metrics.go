package gateway

import "time"

// PerformanceMetrics is a point-in-time summary of gateway throughput,
// served by the HTTP metrics endpoint.
type PerformanceMetrics struct {
	ActiveConnections    int     `json:"active_connections"`
	TotalConnections     uint64  `json:"total_connections"`
	RejectedConnections  uint64  `json:"rejected_connections"`
	MessagesSent         uint64  `json:"messages_sent"`
	MessagesReceived     uint64  `json:"messages_received"`
	CommandsProcessed    uint64  `json:"commands_processed"`
	AverageLatencyMs     float64 `json:"average_latency_ms"`
	QueuedMessages       int     `json:"queued_messages"`
	DroppedMessages      uint64  `json:"dropped_messages"`
	BlacklistedAddresses int     `json:"blacklisted_addresses"`
}

// HealthStatus is the coarse service health view.
type HealthStatus struct {
	Status        string    `json:"status"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Connections   int       `json:"connections"`
	MaxConns      int       `json:"max_connections"`
	CheckedAt     time.Time `json:"checked_at"`
}

// Metrics aggregates the per-connection counters into one snapshot.
func (g *Gateway) Metrics() PerformanceMetrics {
	m := PerformanceMetrics{
		TotalConnections:     g.totalConnections.Load(),
		RejectedConnections:  g.rejectedConnections.Load(),
		BlacklistedAddresses: g.guard.blacklistLen(),
	}
	var commands, latencySum uint64
	for _, c := range g.pool.snapshot() {
		m.ActiveConnections++
		m.MessagesSent += c.messagesSent.Load()
		m.MessagesReceived += c.messagesReceived.Load()
		commands += c.commandCount.Load()
		latencySum += c.latencySumMicros.Load()

		c.mu.Lock()
		m.QueuedMessages += c.queue.depth()
		m.DroppedMessages += c.queue.droppedCount()
		c.mu.Unlock()
	}
	m.CommandsProcessed = commands
	if commands > 0 {
		m.AverageLatencyMs = float64(latencySum) / float64(commands) / 1000.0
	}
	return m
}

// Health reports whether the gateway is accepting connections.
func (g *Gateway) Health() HealthStatus {
	active := g.pool.Len()
	status := "ok"
	if g.cfg.MaxConnections > 0 && active >= g.cfg.MaxConnections {
		status = "saturated"
	}
	return HealthStatus{
		Status:        status,
		UptimeSeconds: time.Since(g.startedAt).Seconds(),
		Connections:   active,
		MaxConns:      g.cfg.MaxConnections,
		CheckedAt:     time.Now(),
	}
}
