package live

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"quickcommerce/internal/apperr"
	"quickcommerce/internal/domain"
	"quickcommerce/internal/notify"
	"quickcommerce/internal/session"
	"quickcommerce/internal/store"
)

// Archive receives every accepted position for history.
type Archive interface {
	Append(rec store.PositionRecord)
}

// Tracker handles position reports and the advisory tracking markers.
type Tracker struct {
	store    store.Store
	registry *session.Registry
	emitter  notify.Emitter
	model    *LiveModel
	archive  Archive
	now      func() time.Time
	logger   *slog.Logger
}

// NewTracker creates a Tracker. archive may be nil.
func NewTracker(
	st store.Store,
	registry *session.Registry,
	emitter notify.Emitter,
	model *LiveModel,
	archive Archive,
	logger *slog.Logger,
) *Tracker {
	if emitter == nil {
		emitter = notify.Nop{}
	}
	return &Tracker{
		store:    st,
		registry: registry,
		emitter:  emitter,
		model:    model,
		archive:  archive,
		now:      time.Now,
		logger:   logger,
	}
}

// ValidCoordinates reports whether lat and lng are on the globe.
func ValidCoordinates(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// ReportPosition records a partner's position on its profile. When orderID
// is given the reporter must be that order's assignee, and the position is
// fanned out to the order room, the customer and admins. The profile is
// updated before the assignment check.
func (t *Tracker) ReportPosition(ctx context.Context, reporter domain.Identity, lat, lng float64, orderID string) (Position, error) {
	if reporter.Role != domain.RolePartner {
		return Position{}, apperr.Authorization(apperr.ReasonRoleMismatch, "only delivery partners report positions")
	}
	if !ValidCoordinates(lat, lng) {
		return Position{}, apperr.Validation(apperr.ReasonInvalidCoordinates,
			"latitude must be within [-90, 90] and longitude within [-180, 180]")
	}

	now := t.now().UTC()
	pos := Position{PartnerID: reporter.ID, Lat: lat, Lng: lng, At: now}
	loc := domain.Location{Lat: lat, Lng: lng, UpdatedAt: now}
	if err := t.store.UpdatePartnerLocation(ctx, reporter.ID, loc); err != nil {
		return Position{}, storeErr(err, apperr.ReasonPartnerNotFound, "delivery partner profile not found")
	}

	var order *domain.Order
	if orderID != "" {
		o, err := t.store.GetOrder(ctx, orderID)
		if err != nil {
			return Position{}, storeErr(err, apperr.ReasonOrderNotFound, "order not found")
		}
		if o.PartnerID != reporter.ID {
			return Position{}, apperr.Authorization(apperr.ReasonNotAssigned, "order is not assigned to you")
		}
		order = o
		pos.OrderID = orderID
	}

	t.model.Update(pos)
	if t.archive != nil {
		t.archive.Append(store.PositionRecord{
			PartnerID: pos.PartnerID,
			OrderID:   pos.OrderID,
			Timestamp: now.UnixMilli(),
			Lat:       lat,
			Lng:       lng,
		})
	}

	if order != nil {
		t.emitter.Emit(ctx,
			notify.NewEvent(notify.KindLocationUpdated, order.ID, reporter).WithStatus(order.Status).WithData(pos),
			notify.OrderRoom(order.ID), notify.Subject(order.CustomerID), notify.Role(domain.RoleAdmin))
	}
	return pos, nil
}

// StartTracking attaches an advisory tracking marker to the connection. No
// timer runs server-side; the client drives the reporting cadence.
func (t *Tracker) StartTracking(ctx context.Context, connID string, reporter domain.Identity, orderID string, interval time.Duration) error {
	if reporter.Role != domain.RolePartner {
		return apperr.Authorization(apperr.ReasonRoleMismatch, "only delivery partners can start tracking")
	}
	if orderID == "" {
		return apperr.Validation(apperr.ReasonMissingField, "orderId is required")
	}
	if interval < 0 {
		return apperr.Validation(apperr.ReasonInvalidField, "interval must not be negative")
	}
	o, err := t.store.GetOrder(ctx, orderID)
	if err != nil {
		return storeErr(err, apperr.ReasonOrderNotFound, "order not found")
	}
	if o.PartnerID != reporter.ID {
		return apperr.Authorization(apperr.ReasonNotAssigned, "order is not assigned to you")
	}
	if err := t.registry.SetTracking(connID, orderID, interval); err != nil {
		return apperr.Internal("connection is gone", err)
	}

	t.logger.Debug("tracking started", "partner", reporter.ID, "order", orderID, "interval", interval)
	t.emitter.Emit(ctx,
		notify.NewEvent(notify.KindTrackingStarted, orderID, reporter).WithStatus(o.Status).WithData(map[string]any{
			"partnerId":  reporter.ID,
			"intervalMs": interval.Milliseconds(),
		}),
		notify.OrderRoom(orderID), notify.Subject(o.CustomerID))
	return nil
}

// StopTracking clears the connection's marker. Stopping when nothing is
// tracked succeeds and returns nil.
func (t *Tracker) StopTracking(ctx context.Context, connID string, reporter domain.Identity) *session.Tracking {
	prev := t.registry.ClearTracking(connID)
	if prev == nil {
		return nil
	}
	t.logger.Debug("tracking stopped", "partner", reporter.ID, "order", prev.OrderID)
	t.TrackingEnded(ctx, reporter, prev.OrderID, "")
	return prev
}

// TrackingEnded announces that reporter stopped tracking orderID. It reaches
// the same audience as the start announcement. reason is attached when set.
func (t *Tracker) TrackingEnded(ctx context.Context, reporter domain.Identity, orderID, reason string) {
	data := map[string]any{"partnerId": reporter.ID}
	if reason != "" {
		data["reason"] = reason
	}
	ev := notify.NewEvent(notify.KindTrackingStopped, orderID, reporter)
	to := []notify.Audience{notify.OrderRoom(orderID)}
	o, err := t.store.GetOrder(ctx, orderID)
	switch {
	case err == nil:
		ev = ev.WithStatus(o.Status)
		to = append(to, notify.Subject(o.CustomerID))
	case !errors.Is(err, store.ErrNotFound):
		t.logger.Warn("tracking stop lookup failed", "order", orderID, "error", err)
	}
	t.emitter.Emit(ctx, ev.WithData(data), to...)
}

// Model returns the live position model.
func (t *Tracker) Model() *LiveModel { return t.model }

func storeErr(err error, notFound apperr.Reason, message string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(notFound, message)
	}
	return apperr.Transient(apperr.ReasonStoreUnavailable, "store unavailable", err)
}
