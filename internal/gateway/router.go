package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/devlink-io/devlink-core/internal/audit"
	"github.com/devlink-io/devlink-core/internal/device"
)

// commandResult is the payload of a command_success frame.
type commandResult struct {
	DeviceID  string  `json:"deviceId"`
	Result    any     `json:"result,omitempty"`
	LatencyMs float64 `json:"latencyMs"`
}

type statusPayload struct {
	DeviceID  string       `json:"deviceId"`
	Name      string       `json:"name"`
	Protocol  string       `json:"protocol"`
	Connected bool         `json:"connected"`
	LastSeen  time.Time    `json:"lastSeen"`
	State     device.State `json:"state,omitempty"`
}

// dispatch routes one parsed inbound message. Every failure becomes an
// error frame on the connection; nothing here closes the socket.
func (g *Gateway) dispatch(ctx context.Context, c *ClientConn, msg Message) {
	switch msg.Type {
	case TypePing:
		c.trySend(mustReply(msg.ID, TypePong, nil))

	case TypeDeviceCommand:
		g.handleCommand(ctx, c, msg)

	case TypeDeviceStatus:
		g.handleStatus(ctx, c, msg)

	case TypeSubscribe:
		g.handleSubscribe(c, msg, true)

	case TypeUnsubscribe:
		g.handleSubscribe(c, msg, false)

	case TypeListDevices:
		g.handleListDevices(ctx, c, msg)

	case TypeJoinRoom:
		g.handleRoom(c, msg, true)

	case TypeLeaveRoom:
		g.handleRoom(c, msg, false)

	default:
		c.trySend(errorFrame(msg.ID, CodeUnknownMessageType, "unknown message type: "+msg.Type))
	}
}

func (g *Gateway) handleCommand(ctx context.Context, c *ClientConn, msg Message) {
	var cmd commandPayload
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil || cmd.DeviceID == "" {
		c.trySend(errorFrame(msg.ID, CodeInvalidMessage, "device_command requires a deviceId"))
		return
	}
	if !c.canAccess(cmd.DeviceID) {
		c.trySend(errorFrame(msg.ID, CodeAccessDenied, "connection is not scoped to device "+cmd.DeviceID))
		return
	}

	var command any
	if len(cmd.Command) > 0 {
		if err := json.Unmarshal(cmd.Command, &command); err != nil {
			c.trySend(errorFrame(msg.ID, CodeInvalidMessage, "command payload is not valid JSON"))
			return
		}
	}

	start := time.Now()
	result, err := g.devices.SendCommand(ctx, cmd.DeviceID, command)
	elapsed := time.Since(start)
	g.recordCommand(ctx, c, cmd.DeviceID, command, elapsed, err)
	if err != nil {
		code := CodeCommandFailed
		if errors.Is(err, device.ErrNotFound) {
			code = CodeDeviceNotFound
		}
		c.trySend(errorFrame(msg.ID, code, err.Error()))
		return
	}
	c.recordLatency(elapsed)

	frame, err := reply(msg.ID, TypeCommandSuccess, commandResult{
		DeviceID:  cmd.DeviceID,
		Result:    result,
		LatencyMs: float64(elapsed.Microseconds()) / 1000.0,
	})
	if err != nil {
		c.trySend(errorFrame(msg.ID, CodeInternalError, "failed to encode result"))
		return
	}
	c.trySend(frame)
}

// recordCommand appends one entry to the command trail. Failures are
// logged, never surfaced to the client.
func (g *Gateway) recordCommand(ctx context.Context, c *ClientConn, deviceID string, command any, elapsed time.Duration, cmdErr error) {
	if g.audit == nil {
		return
	}
	rec := audit.CommandRecord{
		DeviceID:  deviceID,
		UserID:    c.UserID(),
		Source:    audit.SourceGateway,
		Status:    "success",
		LatencyMs: float64(elapsed.Microseconds()) / 1000.0,
	}
	if m, ok := command.(map[string]any); ok {
		rec.Command = m
	}
	if cmdErr != nil {
		rec.Status = "error"
		rec.Error = cmdErr.Error()
	}
	if err := g.audit.Record(ctx, &rec); err != nil {
		g.log.Warn("failed to record command", "device_id", deviceID, "error", err)
	}
}

func (g *Gateway) handleStatus(ctx context.Context, c *ClientConn, msg Message) {
	var req devicePayload
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.DeviceID == "" {
		c.trySend(errorFrame(msg.ID, CodeInvalidMessage, "device_status requires a deviceId"))
		return
	}
	if !c.canAccess(req.DeviceID) {
		c.trySend(errorFrame(msg.ID, CodeAccessDenied, "connection is not scoped to device "+req.DeviceID))
		return
	}

	snap, err := g.devices.Device(ctx, req.DeviceID)
	if err != nil {
		code := CodeInternalError
		if errors.Is(err, device.ErrNotFound) {
			code = CodeDeviceNotFound
		}
		c.trySend(errorFrame(msg.ID, code, err.Error()))
		return
	}
	frame, err := reply(msg.ID, TypeDeviceStatus, snapshotPayload(snap))
	if err != nil {
		c.trySend(errorFrame(msg.ID, CodeInternalError, "failed to encode status"))
		return
	}
	c.trySend(frame)
}

func (g *Gateway) handleSubscribe(c *ClientConn, msg Message, subscribe bool) {
	var req devicePayload
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.DeviceID == "" {
		c.trySend(errorFrame(msg.ID, CodeInvalidMessage, "subscription requires a deviceId"))
		return
	}
	if !c.canAccess(req.DeviceID) {
		c.trySend(errorFrame(msg.ID, CodeAccessDenied, "connection is not scoped to device "+req.DeviceID))
		return
	}

	frameType := TypeSubscribed
	if subscribe {
		g.pool.Subscribe(c, req.DeviceID)
	} else {
		g.pool.Unsubscribe(c, req.DeviceID)
		frameType = TypeUnsubscribed
	}
	frame, err := reply(msg.ID, frameType, devicePayload{DeviceID: req.DeviceID})
	if err != nil {
		c.trySend(errorFrame(msg.ID, CodeInternalError, "failed to encode subscription reply"))
		return
	}
	c.trySend(frame)
}

func (g *Gateway) handleListDevices(ctx context.Context, c *ClientConn, msg Message) {
	snaps := g.devices.Devices(ctx)
	list := make([]statusPayload, 0, len(snaps))
	for _, snap := range snaps {
		if !c.canAccess(snap.ID) {
			continue
		}
		list = append(list, snapshotPayload(snap))
	}
	frame, err := reply(msg.ID, TypeDeviceList, map[string]any{"devices": list})
	if err != nil {
		c.trySend(errorFrame(msg.ID, CodeInternalError, "failed to encode device list"))
		return
	}
	c.trySend(frame)
}

func (g *Gateway) handleRoom(c *ClientConn, msg Message, join bool) {
	var req roomPayload
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.Room == "" {
		c.trySend(errorFrame(msg.ID, CodeInvalidMessage, "room operation requires a room name"))
		return
	}

	frameType := TypeRoomJoined
	if join {
		g.pool.JoinRoom(c, req.Room)
	} else {
		g.pool.LeaveRoom(c, req.Room)
		frameType = TypeRoomLeft
	}
	frame, err := reply(msg.ID, frameType, roomPayload{Room: req.Room})
	if err != nil {
		c.trySend(errorFrame(msg.ID, CodeInternalError, "failed to encode room reply"))
		return
	}
	c.trySend(frame)
}

// canAccess enforces the device scope carried in the token: an empty
// scope grants access to every device.
func (c *ClientConn) canAccess(deviceID string) bool {
	scope := c.scopedDevice()
	return scope == "" || scope == deviceID
}

func snapshotPayload(snap device.Snapshot) statusPayload {
	return statusPayload{
		DeviceID:  snap.ID,
		Name:      snap.Name,
		Protocol:  snap.Protocol,
		Connected: snap.Connected,
		LastSeen:  snap.LastSeen,
		State:     snap.State,
	}
}

// mustReply builds a frame whose payload is known to marshal.
func mustReply(id, frameType string, payload any) []byte {
	frame, err := reply(id, frameType, payload)
	if err != nil {
		return errorFrame(id, CodeInternalError, "failed to encode frame")
	}
	return frame
}
