// Package router performs local room fanout on top of the connection registry.
package router

import (
	"go.uber.org/zap"

	"github.com/nmxmxh/ultrachat-gateway/internal/registry"
	"github.com/nmxmxh/ultrachat-gateway/pkg/metrics"
	"github.com/nmxmxh/ultrachat-gateway/pkg/ws"
)

// Router maps room keys to live local connections and delivers events to them.
// A frame is encoded once per broadcast; a connection whose queue is full is
// dropped instead of blocking the broadcaster.
type Router struct {
	reg     *registry.Registry
	channel string
	log     *zap.Logger
}

// New creates a router for one client channel.
func New(reg *registry.Registry, channel string, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		reg:     reg,
		channel: channel,
		log:     log.With(zap.String("module", "router"), zap.String("channel", channel)),
	}
}

// Registry returns the registry the router fans out over.
func (r *Router) Registry() *registry.Registry {
	return r.reg
}

// Join adds connID to room. Joining twice is a no-op.
func (r *Router) Join(connID, room string) error {
	_, err := r.reg.AddRoomMembership(connID, room)
	return err
}

// Leave removes connID from room. Leaving a room not joined is a no-op.
func (r *Router) Leave(connID, room string) {
	r.reg.RemoveRoomMembership(connID, room)
}

// IsMember reports whether connID joined room.
func (r *Router) IsMember(connID, room string) bool {
	return r.reg.IsMember(connID, room)
}

// CloseRoom removes every local member of room.
func (r *Router) CloseRoom(room string) int {
	return len(r.reg.RemoveRoom(room))
}

// BroadcastToRoom delivers event to every member of room except excludeConnID.
// It returns the number of connections the frame was queued for.
func (r *Router) BroadcastToRoom(room, event string, payload any, excludeConnID string) int {
	return r.BroadcastToRooms([]string{room}, event, payload, excludeConnID)
}

// BroadcastToRooms delivers event once to every connection in the union of rooms.
func (r *Router) BroadcastToRooms(rooms []string, event string, payload any, excludeConnID string) int {
	sinks := r.reg.Sinks(rooms...)
	delete(sinks, excludeConnID)
	return r.deliver(sinks, event, payload)
}

// BroadcastToAll delivers event to every local connection.
func (r *Router) BroadcastToAll(event string, payload any) int {
	return r.deliver(r.reg.AllSinks(), event, payload)
}

// SendFrame queues an already encoded frame (acks, errors) for one connection.
func (r *Router) SendFrame(connID string, frame []byte) bool {
	_, sink, ok := r.reg.Lookup(connID)
	if !ok {
		return false
	}
	return r.enqueue(connID, sink, frame)
}

func (r *Router) deliver(sinks map[string]registry.Sink, event string, payload any) int {
	if len(sinks) == 0 {
		return 0
	}
	frame, err := ws.EncodeEvent(event, payload)
	if err != nil {
		r.log.Error("Failed to encode event", zap.String("event", event), zap.Error(err))
		return 0
	}

	delivered := 0
	for connID, sink := range sinks {
		if r.enqueue(connID, sink, frame) {
			delivered++
		}
	}
	return delivered
}

func (r *Router) enqueue(connID string, sink registry.Sink, frame []byte) bool {
	if sink.Enqueue(frame) {
		metrics.FanoutDeliveries.WithLabelValues(r.channel).Inc()
		return true
	}
	metrics.DroppedConnections.WithLabelValues(r.channel, "queue_full").Inc()
	r.log.Warn("Outbound queue full, dropping connection", zap.String("connection_id", connID))
	sink.Drop("outbound queue full")
	return false
}
