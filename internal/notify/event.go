// Package notify fans events out to connected clients. An event is addressed
// to any combination of three audiences: one subject (all of that subject's
// connections), one role, or one named room such as an order room.
package notify

import (
	"time"

	"github.com/google/uuid"

	"quickcommerce/internal/domain"
)

// Kind is the event name clients switch on.
type Kind string

const (
	KindOrderCreated       Kind = "order:created"
	KindOrderAccepted      Kind = "order:accepted"
	KindOrderUnavailable   Kind = "order:unavailable"
	KindOrderStatusUpdated Kind = "order:status-updated"
	KindOrderCancelled     Kind = "order:cancelled"
	KindOrderReassigned    Kind = "order:reassigned"
	KindDeliveryConfirmed  Kind = "order:delivery-confirmed"
	KindReceiptConfirmed   Kind = "order:receipt-confirmed"
	KindStockRestored      Kind = "order:stock-restored"
	KindOrderMessage       Kind = "order:message"
	KindUserJoined         Kind = "order:user-joined"
	KindUserLeft           Kind = "order:user-left"
	KindUserTyping         Kind = "order:user-typing"
	KindUserStoppedTyping  Kind = "order:user-stopped-typing"

	KindLocationUpdated     Kind = "delivery:location-updated"
	KindTrackingStarted     Kind = "delivery:tracking-started"
	KindTrackingStopped     Kind = "delivery:tracking-stopped"
	KindAvailabilityChanged Kind = "delivery:availability-changed"
	KindVerificationChanged Kind = "delivery:verification-changed"

	KindUserOnline  Kind = "user:online"
	KindUserOffline Kind = "user:offline"
)

// Actor is the public identity of whoever caused an event.
type Actor struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	Role domain.Role `json:"role"`
}

// ActorOf returns the public fields of id.
func ActorOf(id domain.Identity) *Actor {
	return &Actor{ID: id.ID, Name: id.Name, Role: id.Role}
}

// Event is one notification.
type Event struct {
	ID      string             `json:"id"`
	Kind    Kind               `json:"kind"`
	OrderID string             `json:"orderId,omitempty"`
	Status  domain.OrderStatus `json:"status,omitempty"`
	At      time.Time          `json:"at"`
	Actor   *Actor             `json:"actor,omitempty"`
	Data    any                `json:"data,omitempty"`

	// except is a connection that must not receive the event. Connection
	// ids are local, so it is not serialized.
	except string
}

// NewEvent stamps a new event with an id and the current time.
func NewEvent(kind Kind, orderID string, actor domain.Identity) Event {
	ev := Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		OrderID: orderID,
		At:      time.Now().UTC(),
	}
	if actor.ID != "" {
		ev.Actor = ActorOf(actor)
	}
	return ev
}

// WithStatus returns ev carrying status.
func (ev Event) WithStatus(status domain.OrderStatus) Event {
	ev.Status = status
	return ev
}

// Except returns ev skipping the connection connID.
func (ev Event) Except(connID string) Event {
	ev.except = connID
	return ev
}

// WithData returns ev carrying data.
func (ev Event) WithData(data any) Event {
	ev.Data = data
	return ev
}
