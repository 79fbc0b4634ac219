package notify

import (
	"context"
	"log/slog"

	"quickcommerce/internal/domain"
	"quickcommerce/internal/session"
)

// Hub delivers events to the connections of a session registry.
type Hub struct {
	registry *session.Registry
	logger   *slog.Logger

	// OnDeliver, if set, is called with the number of connections reached
	// per event. Used for metrics.
	OnDeliver func(kind Kind, n int)
}

// NewHub creates a Hub over registry.
func NewHub(registry *session.Registry, logger *slog.Logger) *Hub {
	return &Hub{registry: registry, logger: logger}
}

// Emit implements Emitter.
func (h *Hub) Emit(_ context.Context, ev Event, to ...Audience) {
	seen := make(map[string]struct{})
	if ev.except != "" {
		seen[ev.except] = struct{}{}
	}
	for _, a := range to {
		for _, rcpt := range h.registry.Recipients(a.room()) {
			if _, dup := seen[rcpt.ConnID]; dup {
				continue
			}
			seen[rcpt.ConnID] = struct{}{}
			if err := rcpt.Sink.Send(ev); err != nil {
				h.logger.Debug("event delivery failed", "conn", rcpt.ConnID, "kind", ev.Kind, "error", err)
			}
		}
	}
	if ev.except != "" {
		delete(seen, ev.except)
	}
	if h.OnDeliver != nil {
		h.OnDeliver(ev.Kind, len(seen))
	}
}

// ToSubject emits to every connection of one subject.
func (h *Hub) ToSubject(ctx context.Context, subjectID string, ev Event) {
	h.Emit(ctx, ev, Subject(subjectID))
}

// ToRoom emits to every connection in room.
func (h *Hub) ToRoom(ctx context.Context, room string, ev Event) {
	h.Emit(ctx, ev, Room(room))
}

// ToRole emits to every connection of one role.
func (h *Hub) ToRole(ctx context.Context, role domain.Role, ev Event) {
	h.Emit(ctx, ev, Role(role))
}
