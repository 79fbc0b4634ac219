package engine

import (
	"context"
	"slices"
	"strings"

	"quickcommerce/internal/apperr"
	"quickcommerce/internal/domain"
	"quickcommerce/internal/notify"
	"quickcommerce/internal/store"
)

// transitions is the fulfillment table. pending -> accepted is absent on
// purpose: only ClaimOrder produces it.
var transitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:  {domain.OrderStatusCancelled},
	domain.OrderStatusAccepted: {domain.OrderStatusPickedUp, domain.OrderStatusCancelled},
	domain.OrderStatusPickedUp: {domain.OrderStatusOnTheWay},
	domain.OrderStatusOnTheWay: {domain.OrderStatusDelivered},
}

// AllowedNext returns the statuses reachable from s through Transition.
func AllowedNext(s domain.OrderStatus) []domain.OrderStatus {
	return slices.Clone(transitions[s])
}

func canTransition(from, to domain.OrderStatus) bool {
	return slices.Contains(transitions[from], to)
}

func invalidTransition(from, to domain.OrderStatus) error {
	next := transitions[from]
	names := make([]string, len(next))
	for i, s := range next {
		names[i] = string(s)
	}
	msg := "cannot move order from " + string(from) + " to " + string(to)
	if len(names) == 0 {
		msg += "; no transitions allowed"
	} else {
		msg += "; allowed: " + strings.Join(names, ", ")
	}
	return apperr.Conflict(apperr.ReasonInvalidTransition, msg).
		WithMetadata("current", string(from)).
		WithMetadata("allowed", strings.Join(names, ","))
}

// RestockLine is the outcome of restoring one product.
type RestockLine struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	Applied   bool   `json:"applied"`
	Error     string `json:"error,omitempty"`
}

// RestockReport summarizes stock restoration for a cancelled order.
type RestockReport struct {
	OrderID string        `json:"orderId"`
	Lines   []RestockLine `json:"lines"`
}

// Failed reports whether any line could not be restored.
func (r RestockReport) Failed() bool {
	for _, l := range r.Lines {
		if l.Error != "" {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

// Transition moves an order to target. Partners must be the assignee;
// admins bypass ownership but not adjacency. Cancellation is delegated to
// Cancel and delivery carries the same side effects as ConfirmDelivery.
func (e *Engine) Transition(ctx context.Context, orderID string, actor domain.Identity, target domain.OrderStatus, note string) (*domain.Order, error) {
	if !target.Valid() {
		return nil, apperr.Validation(apperr.ReasonInvalidField, "unknown status "+string(target))
	}
	if target == domain.OrderStatusCancelled {
		o, _, err := e.Cancel(ctx, orderID, actor, note)
		return o, err
	}
	switch actor.Role {
	case domain.RolePartner, domain.RoleAdmin:
	case domain.RoleCustomer:
		return nil, apperr.Authorization(apperr.ReasonRoleMismatch, "customers can only cancel orders")
	default:
		return nil, apperr.Authorization(apperr.ReasonRoleMismatch, "unknown role")
	}
	return e.advance(ctx, orderID, actor, target, note, "")
}

// ConfirmDelivery is the assigned partner's side of the delivery handshake.
// It performs on_the_way -> delivered and records the partner confirmation.
func (e *Engine) ConfirmDelivery(ctx context.Context, orderID string, actor domain.Identity, code string) (*domain.Order, error) {
	if err := requireRole(actor, domain.RolePartner); err != nil {
		return nil, err
	}
	return e.advance(ctx, orderID, actor, domain.OrderStatusDelivered, "delivery confirmed by partner", code)
}

// advance performs a forward transition under the order and assignee locks.
func (e *Engine) advance(ctx context.Context, orderID string, actor domain.Identity, target domain.OrderStatus, note, code string) (*domain.Order, error) {
	unlockOrder, err := e.lock(ctx, orderKey(orderID))
	if err != nil {
		return nil, err
	}
	defer unlockOrder()

	// The assignment only changes under the order lock, so it is stable here.
	current, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, e.storeErr(err, apperr.ReasonOrderNotFound, "order not found")
	}
	if current.Assigned() {
		unlockPartner, err := e.lock(ctx, partnerKey(current.PartnerID))
		if err != nil {
			return nil, err
		}
		defer unlockPartner()
	}

	var (
		result *domain.Order
		from   domain.OrderStatus
	)
	err = e.update(ctx, func(tx store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return e.storeErr(err, apperr.ReasonOrderNotFound, "order not found")
		}
		if actor.Role == domain.RolePartner && o.PartnerID != actor.ID {
			return apperr.Authorization(apperr.ReasonNotAssigned, "order is not assigned to you")
		}
		if !canTransition(o.Status, target) {
			return invalidTransition(o.Status, target)
		}
		from = o.Status

		now := e.cfg.Now().UTC()
		o.Status = target
		o.AppendHistory(target, now, actor.ID, note)

		if target == domain.OrderStatusDelivered {
			o.DeliveredAt = &now
			o.PaymentStatus = domain.PaymentCompleted
			conf := &domain.DeliveryConfirmation{PartnerID: o.PartnerID, Code: code}
			if actor.Role == domain.RoleAdmin {
				conf.OverriddenBy = actor.ID
			} else {
				conf.PartnerConfirmedAt = &now
			}
			o.Confirmation = conf
			if o.Assigned() {
				p, err := tx.GetPartner(ctx, o.PartnerID)
				if err != nil {
					return e.storeErr(err, apperr.ReasonPartnerNotFound, "assigned partner profile not found")
				}
				p.Stats.Completed++
				p.Stats.Earnings = p.Stats.Earnings.Add(e.policy.Earnings(o.Total))
				p.RemoveActiveOrder(o.ID, e.policy.MaxActiveOrders())
				if err := tx.SavePartner(ctx, p); err != nil {
					return err
				}
			}
		}

		if err := tx.SaveOrder(ctx, o); err != nil {
			return err
		}
		result = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("order status updated",
		"order", orderID, "from", from, "to", target, "actor", actor.ID, "role", actor.Role)
	e.emitOrder(ctx, notify.KindOrderStatusUpdated, result, actor)
	if target == domain.OrderStatusDelivered {
		e.emitOrder(ctx, notify.KindDeliveryConfirmed, result, actor)
	}
	return result, nil
}

// AcknowledgeReceipt records the customer's side of the delivery handshake.
// It never changes status. Repeating it is a no-op.
func (e *Engine) AcknowledgeReceipt(ctx context.Context, orderID string, actor domain.Identity, signature string) (*domain.Order, error) {
	if err := requireRole(actor, domain.RoleCustomer); err != nil {
		return nil, err
	}

	unlock, err := e.lock(ctx, orderKey(orderID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		result  *domain.Order
		changed bool
	)
	err = e.update(ctx, func(tx store.Tx) error {
		changed = false
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return e.storeErr(err, apperr.ReasonOrderNotFound, "order not found")
		}
		if o.CustomerID != actor.ID {
			return apperr.Authorization(apperr.ReasonNotOwner, "order belongs to another customer")
		}
		if o.Status != domain.OrderStatusDelivered {
			return apperr.Conflict(apperr.ReasonNotDelivered, "order has not been delivered")
		}
		result = o
		if o.Confirmation != nil && o.Confirmation.CustomerConfirmed {
			return nil
		}

		now := e.cfg.Now().UTC()
		if o.Confirmation == nil {
			o.Confirmation = &domain.DeliveryConfirmation{PartnerID: o.PartnerID}
		}
		o.Confirmation.CustomerConfirmed = true
		o.Confirmation.CustomerConfirmedAt = &now
		o.Confirmation.CustomerSignature = signature
		o.UpdatedAt = now
		if err := tx.SaveOrder(ctx, o); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		e.logger.Info("receipt confirmed", "order", orderID, "customer", actor.ID)
		e.emitOrder(ctx, notify.KindReceiptConfirmed, result, actor)
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

// Cancel moves a pending or accepted order to cancelled. Customers may
// cancel their own orders, admins any order. Stock is restored after the
// state commits; restoration failures are reported, not returned.
func (e *Engine) Cancel(ctx context.Context, orderID string, actor domain.Identity, reason string) (*domain.Order, RestockReport, error) {
	switch actor.Role {
	case domain.RoleCustomer:
		if reason == "" {
			reason = "Cancelled by customer"
		}
	case domain.RoleAdmin:
		if reason == "" {
			reason = "Cancelled by admin"
		}
	case domain.RolePartner:
		return nil, RestockReport{}, apperr.Authorization(apperr.ReasonRoleMismatch, "delivery partners cannot cancel orders")
	default:
		return nil, RestockReport{}, apperr.Authorization(apperr.ReasonRoleMismatch, "unknown role")
	}

	result, from, err := e.cancelLocked(ctx, orderID, actor, reason)
	if err != nil {
		return nil, RestockReport{}, err
	}

	e.logger.Info("order cancelled", "order", orderID, "from", from, "actor", actor.ID, "reason", reason)
	e.emitOrder(ctx, notify.KindOrderCancelled, result, actor)
	if from == domain.OrderStatusPending {
		e.emitter.Emit(ctx,
			notify.NewEvent(notify.KindOrderUnavailable, result.ID, actor).WithStatus(result.Status),
			notify.Role(domain.RolePartner))
	}

	report := e.restock(ctx, result, actor)
	return result, report, nil
}

// cancelLocked commits the cancellation under the order and assignee locks.
// The locks are released before stock restoration runs.
func (e *Engine) cancelLocked(ctx context.Context, orderID string, actor domain.Identity, reason string) (*domain.Order, domain.OrderStatus, error) {
	unlockOrder, err := e.lock(ctx, orderKey(orderID))
	if err != nil {
		return nil, "", err
	}
	defer unlockOrder()

	current, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, "", e.storeErr(err, apperr.ReasonOrderNotFound, "order not found")
	}
	if current.Assigned() {
		unlockPartner, err := e.lock(ctx, partnerKey(current.PartnerID))
		if err != nil {
			return nil, "", err
		}
		defer unlockPartner()
	}

	var (
		result *domain.Order
		from   domain.OrderStatus
	)
	err = e.update(ctx, func(tx store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return e.storeErr(err, apperr.ReasonOrderNotFound, "order not found")
		}
		if actor.Role == domain.RoleCustomer && o.CustomerID != actor.ID {
			return apperr.Authorization(apperr.ReasonNotOwner, "order belongs to another customer")
		}
		if !canTransition(o.Status, domain.OrderStatusCancelled) {
			return invalidTransition(o.Status, domain.OrderStatusCancelled)
		}
		from = o.Status

		now := e.cfg.Now().UTC()
		o.Status = domain.OrderStatusCancelled
		o.CancellationReason = reason
		o.AppendHistory(domain.OrderStatusCancelled, now, actor.ID, reason)

		if o.Assigned() {
			p, err := tx.GetPartner(ctx, o.PartnerID)
			if err != nil {
				return e.storeErr(err, apperr.ReasonPartnerNotFound, "assigned partner profile not found")
			}
			p.Stats.Cancelled++
			p.RemoveActiveOrder(o.ID, e.policy.MaxActiveOrders())
			if err := tx.SavePartner(ctx, p); err != nil {
				return err
			}
		}
		if err := tx.SaveOrder(ctx, o); err != nil {
			return err
		}
		result = o
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return result, from, nil
}

// Restock re-runs stock restoration for a cancelled order. Lines already
// restored are skipped by the catalog ledger. Admin only.
func (e *Engine) Restock(ctx context.Context, orderID string, actor domain.Identity) (RestockReport, error) {
	if err := requireRole(actor, domain.RoleAdmin); err != nil {
		return RestockReport{}, err
	}
	o, err := e.GetOrder(ctx, orderID)
	if err != nil {
		return RestockReport{}, err
	}
	if o.Status != domain.OrderStatusCancelled {
		return RestockReport{}, apperr.Conflict(apperr.ReasonNotCancelled, "only cancelled orders can be restocked")
	}
	return e.restock(ctx, o, actor), nil
}

// restock returns each line item's quantity to the catalog. Quantities of
// repeated products are summed so the ledger sees one entry per product.
func (e *Engine) restock(ctx context.Context, o *domain.Order, actor domain.Identity) RestockReport {
	report := RestockReport{OrderID: o.ID}
	if e.catalog == nil {
		return report
	}

	var ids []string
	qty := make(map[string]int)
	for _, item := range o.Items {
		if item.ProductID == "" || item.Quantity <= 0 {
			continue
		}
		if _, seen := qty[item.ProductID]; !seen {
			ids = append(ids, item.ProductID)
		}
		qty[item.ProductID] += item.Quantity
	}

	restored := 0
	for _, id := range ids {
		line := RestockLine{ProductID: id, Quantity: qty[id]}
		applied, err := e.catalog.RestoreStock(ctx, o.ID, id, qty[id])
		if err != nil {
			line.Error = err.Error()
			e.logger.Warn("stock restoration failed",
				"order", o.ID, "product", id, "quantity", qty[id], "error", err)
		} else {
			line.Applied = applied
			if applied {
				restored++
			}
		}
		report.Lines = append(report.Lines, line)
	}

	if restored > 0 {
		e.logger.Info("stock restored", "order", o.ID, "products", restored)
		e.emitter.Emit(ctx,
			notify.NewEvent(notify.KindStockRestored, o.ID, actor).WithStatus(o.Status).WithData(report),
			notify.Role(domain.RoleAdmin))
	}
	return report
}

// ---------------------------------------------------------------------------
// Reassignment
// ---------------------------------------------------------------------------

// Reassign moves an in-flight order to another partner. It is the only path
// that replaces an existing assignment. Admin only.
func (e *Engine) Reassign(ctx context.Context, orderID string, actor domain.Identity, newPartnerID string) (*domain.Order, error) {
	if err := requireRole(actor, domain.RoleAdmin); err != nil {
		return nil, err
	}
	if newPartnerID == "" {
		return nil, apperr.Validation(apperr.ReasonMissingField, "partner id is required")
	}

	unlockOrder, err := e.lock(ctx, orderKey(orderID))
	if err != nil {
		return nil, err
	}
	defer unlockOrder()

	current, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, e.storeErr(err, apperr.ReasonOrderNotFound, "order not found")
	}
	partnerIDs := []string{newPartnerID}
	if current.Assigned() && current.PartnerID != newPartnerID {
		partnerIDs = append(partnerIDs, current.PartnerID)
	}
	slices.Sort(partnerIDs)
	keys := make([]string, len(partnerIDs))
	for i, id := range partnerIDs {
		keys[i] = partnerKey(id)
	}
	unlockPartners, err := e.lock(ctx, keys...)
	if err != nil {
		return nil, err
	}
	defer unlockPartners()

	var (
		result     *domain.Order
		previous   string
		reassigned bool
	)
	err = e.update(ctx, func(tx store.Tx) error {
		reassigned = false
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return e.storeErr(err, apperr.ReasonOrderNotFound, "order not found")
		}
		switch o.Status {
		case domain.OrderStatusAccepted, domain.OrderStatusPickedUp, domain.OrderStatusOnTheWay:
		default:
			return apperr.Conflict(apperr.ReasonNotReassignable, "only in-flight orders can be reassigned")
		}
		result = o
		if o.PartnerID == newPartnerID {
			return nil
		}

		next, err := tx.GetPartner(ctx, newPartnerID)
		if err != nil {
			return e.storeErr(err, apperr.ReasonPartnerNotFound, "delivery partner profile not found")
		}
		if !next.Verified {
			return apperr.Conflict(apperr.ReasonNotVerified, "partner is not verified")
		}
		if !e.policy.HasCapacity(next) {
			return apperr.Conflict(apperr.ReasonCapacityExceeded, "partner is at capacity")
		}

		previous = o.PartnerID
		if previous != "" {
			prev, err := tx.GetPartner(ctx, previous)
			if err != nil {
				return e.storeErr(err, apperr.ReasonPartnerNotFound, "assigned partner profile not found")
			}
			prev.RemoveActiveOrder(o.ID, e.policy.MaxActiveOrders())
			if err := tx.SavePartner(ctx, prev); err != nil {
				return err
			}
		}
		next.AddActiveOrder(o.ID, e.policy.MaxActiveOrders())
		if err := tx.SavePartner(ctx, next); err != nil {
			return err
		}

		o.PartnerID = newPartnerID
		o.UpdatedAt = e.cfg.Now().UTC()
		if err := tx.SaveOrder(ctx, o); err != nil {
			return err
		}
		reassigned = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if reassigned {
		e.logger.Info("order reassigned", "order", orderID, "from", previous, "to", newPartnerID, "admin", actor.ID)
		ev := notify.NewEvent(notify.KindOrderReassigned, result.ID, actor).
			WithStatus(result.Status).
			WithData(map[string]any{"order": result, "previousPartnerId": previous})
		to := []notify.Audience{
			notify.Subject(result.CustomerID), notify.Subject(newPartnerID),
			notify.Role(domain.RoleAdmin), notify.OrderRoom(result.ID),
		}
		if previous != "" {
			to = append(to, notify.Subject(previous))
		}
		e.emitter.Emit(ctx, ev, to...)
	}
	return result, nil
}

// emitOrder fans an order event out to everyone with a stake in it.
func (e *Engine) emitOrder(ctx context.Context, kind notify.Kind, o *domain.Order, actor domain.Identity) {
	to := []notify.Audience{
		notify.Subject(o.CustomerID), notify.Role(domain.RoleAdmin), notify.OrderRoom(o.ID),
	}
	if o.Assigned() {
		to = append(to, notify.Subject(o.PartnerID))
	}
	e.emitter.Emit(ctx, notify.NewEvent(kind, o.ID, actor).WithStatus(o.Status).WithData(o), to...)
}
