package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cwrk-planet/canvas-sync/internal/fanout"
	"github.com/cwrk-planet/canvas-sync/internal/metrics"
	"github.com/cwrk-planet/canvas-sync/pkg/hubproto"
)

// Relay pushes events to sessions of the local hub and mirrors room
// broadcasts onto the fan-out bus. It never looks inside payloads.
type Relay struct {
	hub     *Hub
	bus     fanout.Bus
	metrics *metrics.Collector
}

func NewRelay(hub *Hub, bus fanout.Bus, m *metrics.Collector) *Relay {
	if bus == nil {
		bus = fanout.Local{}
	}
	return &Relay{hub: hub, bus: bus, metrics: m}
}

// SendTo delivers an event to one connection. Closed or saturated
// connections drop it.
func (r *Relay) SendTo(c Conn, event string, args ...any) {
	f, err := hubproto.NewEvent(event, args...)
	if err != nil {
		slog.Error("relay: encode event", "event", event, "err", err)
		return
	}
	if r.deliver(c, f) {
		r.metrics.Relayed(event, 0, 1)
	}
}

// SendToRoomExcept delivers an event to every member of roomID except the
// sender, on this instance and on peers reachable through the bus.
func (r *Relay) SendToRoomExcept(roomID, except, event string, args ...any) int {
	f, err := hubproto.NewEvent(event, args...)
	if err != nil {
		slog.Error("relay: encode event", "event", event, "err", err)
		return 0
	}
	n := r.broadcastLocal(roomID, except, f)
	r.publish(roomID, except, f)
	return n
}

// SendToRoom delivers to every member, sender included.
func (r *Relay) SendToRoom(roomID, event string, args ...any) int {
	return r.SendToRoomExcept(roomID, "", event, args...)
}

// Run consumes broadcasts from other instances until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	return r.bus.Subscribe(ctx, r.handleRemote)
}

func (r *Relay) handleRemote(msg fanout.Message) {
	var f hubproto.Frame
	if err := json.Unmarshal(msg.Frame, &f); err != nil {
		slog.Warn("relay: bad remote frame", "room", msg.Room, "err", err)
		return
	}
	// keep late joiners here in step with updates made elsewhere
	if f.Target == hubproto.EventReceiveSyncMessage {
		var b64 string
		if err := f.Arg(0, &b64); err == nil {
			if update, err := hubproto.DecodeUpdate(b64, 0); err == nil {
				r.hub.AppendBacklog(msg.Room, update)
			}
		}
	}
	r.broadcastLocal(msg.Room, msg.Except, f)
}

func (r *Relay) broadcastLocal(roomID, except string, f hubproto.Frame) int {
	data, err := json.Marshal(f)
	if err != nil {
		slog.Error("relay: encode frame", "event", f.Target, "err", err)
		return 0
	}
	delivered := 0
	for _, c := range r.hub.Recipients(roomID, except) {
		if r.deliverRaw(c, f, data) {
			delivered++
		}
	}
	r.metrics.Relayed(f.Target, payloadSize(f), delivered)
	return delivered
}

func (r *Relay) publish(roomID, except string, f hubproto.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.bus.Publish(ctx, fanout.Message{Room: roomID, Except: except, Frame: data}); err != nil {
		r.metrics.Drop("bus")
		slog.Warn("relay: publish to bus", "room", roomID, "err", err)
	}
}

func (r *Relay) deliver(c Conn, f hubproto.Frame) bool {
	return r.classify(c, c.Send(f))
}

// deliverRaw skips re-encoding for sessions created by this package.
func (r *Relay) deliverRaw(c Conn, f hubproto.Frame, data []byte) bool {
	if s, ok := c.(*session); ok {
		return r.classify(c, s.enqueue(data))
	}
	return r.deliver(c, f)
}

func (r *Relay) classify(c Conn, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrSessionClosed):
		r.metrics.Drop("closed")
	case errors.Is(err, ErrSendQueueFull):
		r.metrics.Drop("queue_full")
		slog.Warn("relay: send queue full", "conn", c.ID())
	default:
		r.metrics.Drop("send_error")
		slog.Debug("relay: send failed", "conn", c.ID(), "err", err)
	}
	return false
}

func payloadSize(f hubproto.Frame) int {
	n := 0
	for _, a := range f.Args {
		n += len(a)
	}
	return n
}
