package realtime

import (
	"context"
	"log/slog"
	"time"

	"shopsync/cmd/internal/lists"
	v1 "shopsync/shared/contracts/realtime/v1"
)

var _ lists.Broadcaster = (*Emitter)(nil)

// Emitter turns list events into envelopes and fans them out through the hub.
// Delivery is at-most-once to the connections present at emit time; nothing is stored.
type Emitter struct {
	log *slog.Logger
	hub *Hub
	now func() time.Time
}

// NewEmitter constructs an Emitter over hub.
func NewEmitter(log *slog.Logger, hub *Hub) *Emitter {
	if log == nil {
		log = slog.Default()
	}
	return &Emitter{log: log, hub: hub, now: time.Now}
}

func (e *Emitter) ToList(ctx context.Context, listID string, ev v1.Event) {
	e.emit(ctx, ListRoom(listID), ev)
}

func (e *Emitter) ToUser(ctx context.Context, userID string, ev v1.Event) {
	e.emit(ctx, UserRoom(userID), ev)
}

func (e *Emitter) EvictFromList(ctx context.Context, listID, userID string) {
	n, err := e.hub.EvictUser(context.WithoutCancel(ctx), ListRoom(listID), userID)
	if err != nil {
		e.log.Warn("room.evict.fail", "list_id", listID, "user_id", userID, "err", err)
		return
	}
	if n > 0 {
		e.log.Info("room.evict", "list_id", listID, "user_id", userID, "connections", n)
	}
}

func (e *Emitter) CloseList(ctx context.Context, listID string) {
	if _, err := e.hub.CloseRoom(context.WithoutCancel(ctx), ListRoom(listID)); err != nil {
		e.log.Warn("room.close.fail", "list_id", listID, "err", err)
	}
}

// emit runs after the write has been persisted, so a cancelled request still announces it.
func (e *Emitter) emit(ctx context.Context, room string, ev v1.Event) {
	now := e.now().UTC()
	id, err := NewEnvelopeID(now)
	if err != nil {
		e.log.Error("emit.id.fail", "room", room, "err", err)
		return
	}
	env, err := v1.EncodeEvent(ev, id, now)
	if err != nil {
		e.log.Error("emit.encode.fail", "room", room, "type", ev.EventType(), "err", err)
		return
	}
	delivered, dropped, err := e.hub.Broadcast(context.WithoutCancel(ctx), room, env)
	if err != nil {
		e.log.Warn("emit.fail", "room", room, "type", env.Type, "err", err)
		return
	}
	if dropped > 0 {
		e.log.Warn("emit.dropped", "room", room, "type", env.Type, "delivered", delivered, "dropped", dropped)
		return
	}
	e.log.Debug("emit.ok", "room", room, "type", env.Type, "delivered", delivered)
}
