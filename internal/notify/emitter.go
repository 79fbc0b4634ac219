package notify

import (
	"context"
	"sync"

	"quickcommerce/internal/domain"
	"quickcommerce/internal/session"
)

// AudienceKind selects an addressing primitive.
type AudienceKind string

const (
	AudienceSubject AudienceKind = "subject"
	AudienceRole    AudienceKind = "role"
	AudienceRoom    AudienceKind = "room"
)

// Audience is one addressing target.
type Audience struct {
	Kind   AudienceKind `json:"kind"`
	Target string       `json:"target"`
}

// Subject addresses every connection of one subject.
func Subject(id string) Audience { return Audience{Kind: AudienceSubject, Target: id} }

// Role addresses every connection whose session role matches.
func Role(r domain.Role) Audience { return Audience{Kind: AudienceRole, Target: r.String()} }

// Room addresses every connection that joined the room.
func Room(name string) Audience { return Audience{Kind: AudienceRoom, Target: name} }

// OrderRoom addresses observers of one order.
func OrderRoom(orderID string) Audience { return Room(session.OrderRoom(orderID)) }

// room returns the registry room behind the audience.
func (a Audience) room() string {
	switch a.Kind {
	case AudienceSubject:
		return session.UserRoom(a.Target)
	case AudienceRole:
		return "role:" + a.Target
	default:
		return a.Target
	}
}

// Emitter delivers an event to the union of the given audiences. A
// connection that belongs to several of them receives the event once.
// Delivery is fire-and-forget.
type Emitter interface {
	Emit(ctx context.Context, ev Event, to ...Audience)
}

// Multi emits to every emitter in order.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(ctx context.Context, ev Event, to ...Audience) {
	for _, e := range m {
		e.Emit(ctx, ev, to...)
	}
}

// Nop drops every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(context.Context, Event, ...Audience) {}

// Delivery is one Emit call captured by a Recorder.
type Delivery struct {
	Event Event
	To    []Audience
}

// Recorder captures emitted events. Safe for concurrent use.
type Recorder struct {
	mu         sync.Mutex
	deliveries []Delivery
}

// Emit implements Emitter.
func (r *Recorder) Emit(_ context.Context, ev Event, to ...Audience) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, Delivery{Event: ev, To: append([]Audience(nil), to...)})
}

// Deliveries returns a copy of everything recorded so far.
func (r *Recorder) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.deliveries...)
}

// Kinds returns the recorded event kinds in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.deliveries))
	for i, d := range r.deliveries {
		out[i] = d.Event.Kind
	}
	return out
}

// Find returns the first delivery of kind.
func (r *Recorder) Find(kind Kind) (Delivery, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.deliveries {
		if d.Event.Kind == kind {
			return d, true
		}
	}
	return Delivery{}, false
}

// Reset forgets recorded deliveries.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.deliveries = nil
	r.mu.Unlock()
}
