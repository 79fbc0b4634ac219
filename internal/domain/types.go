// Package domain defines the core types shared across the quickcommerce
// dispatch service: orders, delivery partners, subjects and their roles.
package domain

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// MaxActiveOrders is the default number of orders a delivery partner may
// hold at the same time.
const MaxActiveOrders = 3

// OrderStatus is the lifecycle state of an order. The string values are the
// wire contract with every client.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusAccepted  OrderStatus = "accepted"
	OrderStatusPickedUp  OrderStatus = "picked_up"
	OrderStatusOnTheWay  OrderStatus = "on_the_way"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderStatuses lists every status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusAccepted,
	OrderStatusPickedUp,
	OrderStatusOnTheWay,
	OrderStatusDelivered,
	OrderStatusCancelled,
}

// Valid reports whether s is one of the known statuses.
func (s OrderStatus) Valid() bool {
	return slices.Contains(OrderStatuses, s)
}

// Terminal reports whether no further transitions leave s.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// PaymentStatus tracks settlement of an order.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// OrderItem is one line of an order.
type OrderItem struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// Address is the delivery destination.
type Address struct {
	Street  string  `json:"street"`
	City    string  `json:"city"`
	State   string  `json:"state"`
	ZipCode string  `json:"zipCode"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

// StatusEntry is one line of an order's status history.
type StatusEntry struct {
	Status OrderStatus `json:"status"`
	At     time.Time   `json:"at"`
	Actor  string      `json:"actor"`
	Note   string      `json:"note,omitempty"`
}

// DeliveryConfirmation records the two-sided delivery handshake. The
// partner side is written only when the assigned partner confirms; an admin
// who forces delivery is recorded in OverriddenBy instead. The customer side
// is recorded afterwards and never changes status.
type DeliveryConfirmation struct {
	PartnerID           string     `json:"partnerId"`
	PartnerConfirmedAt  *time.Time `json:"partnerConfirmedAt,omitempty"`
	Code                string     `json:"code,omitempty"`
	OverriddenBy        string     `json:"overriddenBy,omitempty"`
	CustomerConfirmed   bool       `json:"customerConfirmed"`
	CustomerConfirmedAt *time.Time `json:"customerConfirmedAt,omitempty"`
	CustomerSignature   string     `json:"customerSignature,omitempty"`
}

// Order is a customer order. PartnerID is set exactly when the order has
// left pending through a claim (or was reassigned by an admin).
type Order struct {
	ID                 string                `json:"id"`
	CustomerID         string                `json:"customerId"`
	PartnerID          string                `json:"partnerId,omitempty"`
	Status             OrderStatus           `json:"status"`
	Total              decimal.Decimal       `json:"total"`
	Items              []OrderItem           `json:"items"`
	Address            Address               `json:"address"`
	History            []StatusEntry         `json:"history"`
	Confirmation       *DeliveryConfirmation `json:"confirmation,omitempty"`
	PaymentStatus      PaymentStatus         `json:"paymentStatus"`
	CancellationReason string                `json:"cancellationReason,omitempty"`
	DeliveredAt        *time.Time            `json:"deliveredAt,omitempty"`
	CreatedAt          time.Time             `json:"createdAt"`
	UpdatedAt          time.Time             `json:"updatedAt"`

	// Version is the optimistic concurrency token maintained by the store.
	Version int64 `json:"version"`
}

// Assigned reports whether a partner holds the order.
func (o *Order) Assigned() bool {
	return o.PartnerID != ""
}

// AppendHistory records a status change.
func (o *Order) AppendHistory(status OrderStatus, at time.Time, actor, note string) {
	o.History = append(o.History, StatusEntry{Status: status, At: at, Actor: actor, Note: note})
	o.UpdatedAt = at
}

// Clone returns a deep copy of o.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = slices.Clone(o.Items)
	c.History = slices.Clone(o.History)
	if o.Confirmation != nil {
		conf := *o.Confirmation
		if o.Confirmation.PartnerConfirmedAt != nil {
			at := *o.Confirmation.PartnerConfirmedAt
			conf.PartnerConfirmedAt = &at
		}
		if o.Confirmation.CustomerConfirmedAt != nil {
			at := *o.Confirmation.CustomerConfirmedAt
			conf.CustomerConfirmedAt = &at
		}
		c.Confirmation = &conf
	}
	if o.DeliveredAt != nil {
		at := *o.DeliveredAt
		c.DeliveredAt = &at
	}
	return &c
}

// Location is a reported position.
type Location struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PartnerStats accumulates a partner's lifetime figures.
type PartnerStats struct {
	Completed int             `json:"completed"`
	Cancelled int             `json:"cancelled"`
	Earnings  decimal.Decimal `json:"earnings"`
	Rating    float64         `json:"rating"`
	Ratings   int             `json:"ratings"`
}

// Partner is a delivery partner profile.
type Partner struct {
	ID           string       `json:"id"`
	Verified     bool         `json:"verified"`
	Available    bool         `json:"available"`
	ActiveOrders []string     `json:"activeOrders"`
	Stats        PartnerStats `json:"stats"`
	Location     Location     `json:"location"`

	// Version is the optimistic concurrency token maintained by the store.
	Version int64 `json:"version"`
}

// HasOrder reports whether orderID is in the partner's active set.
func (p *Partner) HasOrder(orderID string) bool {
	return slices.Contains(p.ActiveOrders, orderID)
}

// AddActiveOrder adds orderID to the active set and marks the partner
// unavailable once limit is reached.
func (p *Partner) AddActiveOrder(orderID string, limit int) {
	if !p.HasOrder(orderID) {
		p.ActiveOrders = append(p.ActiveOrders, orderID)
	}
	if len(p.ActiveOrders) >= limit {
		p.Available = false
	}
}

// RemoveActiveOrder drops orderID from the active set and marks the partner
// available again while under limit.
func (p *Partner) RemoveActiveOrder(orderID string, limit int) {
	p.ActiveOrders = slices.DeleteFunc(p.ActiveOrders, func(id string) bool {
		return id == orderID
	})
	if len(p.ActiveOrders) < limit {
		p.Available = true
	}
}

// Clone returns a deep copy of p.
func (p *Partner) Clone() *Partner {
	if p == nil {
		return nil
	}
	c := *p
	c.ActiveOrders = slices.Clone(p.ActiveOrders)
	return &c
}

// Subject is an account known to the identity directory.
type Subject struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
	Active bool   `json:"active"`
}

// Identity is the authenticated principal behind a connection or request.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// Product is a catalog entry with available stock.
type Product struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Stock int    `json:"stock"`
}
