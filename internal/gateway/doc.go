// Package gateway implements the WebSocket client gateway.
//
// It accepts and authenticates client sockets, indexes them by user,
// device, region and room for targeted broadcast, rate-limits inbound
// frames with a DDoS guard on the accept path, queues messages per
// connection with priority-ordered batch draining, and routes commands to
// the device layer while streaming device events back to subscribers.
package gateway
