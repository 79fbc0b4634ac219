// Package engine is the dispatch core: it serializes competing claims on
// pending orders and drives claimed orders through their fulfillment states.
// Every mutation runs under per-order and per-partner locks and commits as
// one store transaction; fan-out happens after commit through the injected
// emitter.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"quickcommerce/internal/apperr"
	"quickcommerce/internal/domain"
	"quickcommerce/internal/notify"
	"quickcommerce/internal/store"
	"quickcommerce/internal/util"
)

// Config holds the engine's tunables.
type Config struct {
	MaxActiveOrders int
	EarningsRate    decimal.Decimal
	LockTimeout     time.Duration
	Retries         int
	Now             func() time.Time
}

// DefaultConfig returns the stock dispatch policy.
func DefaultConfig() Config {
	return Config{
		MaxActiveOrders: domain.MaxActiveOrders,
		EarningsRate:    decimal.NewFromFloat(0.10),
		LockTimeout:     2 * time.Second,
		Retries:         3,
		Now:             time.Now,
	}
}

// Engine coordinates claims and fulfillment.
type Engine struct {
	store   store.Store
	catalog store.Catalog
	emitter notify.Emitter
	policy  Policy
	locks   *keyedLocks
	cfg     Config
	logger  *slog.Logger
}

// NewEngine creates a new Engine wired with the given dependencies.
func NewEngine(
	st store.Store,
	catalog store.Catalog,
	emitter notify.Emitter,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 2 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if emitter == nil {
		emitter = notify.Nop{}
	}
	return &Engine{
		store:   st,
		catalog: catalog,
		emitter: emitter,
		policy:  NewPolicy(cfg.MaxActiveOrders, cfg.EarningsRate),
		locks:   newKeyedLocks(),
		cfg:     cfg,
		logger:  logger,
	}
}

// Policy returns the dispatch policy in force.
func (e *Engine) Policy() Policy { return e.policy }

// ClaimOutcome is the result of a claim. A lost claim is an ordinary
// outcome, not an error.
type ClaimOutcome struct {
	Won    bool          `json:"won"`
	Reason apperr.Reason `json:"reason,omitempty"`
	Order  *domain.Order `json:"order,omitempty"`
}

// ---------------------------------------------------------------------------
// Claims
// ---------------------------------------------------------------------------

// ClaimOrder lets a delivery partner take a pending order. Concurrent claims
// on the same order are serialized; exactly one can win. Errors are reserved
// for unknown ids, role mismatches and transient failures.
func (e *Engine) ClaimOrder(ctx context.Context, orderID string, claimant domain.Identity) (ClaimOutcome, error) {
	if err := requireRole(claimant, domain.RolePartner); err != nil {
		return ClaimOutcome{}, err
	}

	unlock, err := e.lock(ctx, orderKey(orderID), partnerKey(claimant.ID))
	if err != nil {
		return ClaimOutcome{}, err
	}
	defer unlock()

	var outcome ClaimOutcome
	err = e.update(ctx, func(tx store.Tx) error {
		outcome = ClaimOutcome{}

		p, err := tx.GetPartner(ctx, claimant.ID)
		if err != nil {
			return e.storeErr(err, apperr.ReasonPartnerNotFound, "delivery partner profile not found")
		}
		if !p.Verified {
			outcome.Reason = apperr.ReasonNotVerified
			return nil
		}
		if !e.policy.HasCapacity(p) {
			outcome.Reason = apperr.ReasonCapacityExceeded
			return nil
		}
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return e.storeErr(err, apperr.ReasonOrderNotFound, "order not found")
		}
		if reason := e.policy.CheckClaim(p, o); reason != "" {
			outcome.Reason = reason
			return nil
		}

		now := e.cfg.Now().UTC()
		o.PartnerID = p.ID
		o.Status = domain.OrderStatusAccepted
		o.AppendHistory(domain.OrderStatusAccepted, now, claimant.ID, "claimed by delivery partner")
		p.AddActiveOrder(o.ID, e.policy.MaxActiveOrders())

		if err := tx.SaveOrder(ctx, o); err != nil {
			return err
		}
		if err := tx.SavePartner(ctx, p); err != nil {
			return err
		}
		outcome = ClaimOutcome{Won: true, Order: o}
		return nil
	})
	if err != nil {
		return ClaimOutcome{}, err
	}

	if !outcome.Won {
		e.logger.Debug("claim lost", "order", orderID, "partner", claimant.ID, "reason", outcome.Reason)
		return outcome, nil
	}

	o := outcome.Order
	e.logger.Info("order claimed", "order", o.ID, "partner", claimant.ID)
	e.emitter.Emit(ctx,
		notify.NewEvent(notify.KindOrderAccepted, o.ID, claimant).WithStatus(o.Status).WithData(o),
		notify.Subject(o.CustomerID), notify.Subject(claimant.ID), notify.Role(domain.RoleAdmin), notify.OrderRoom(o.ID))
	e.emitter.Emit(ctx,
		notify.NewEvent(notify.KindOrderUnavailable, o.ID, claimant).WithStatus(o.Status),
		notify.Role(domain.RolePartner))
	return outcome, nil
}

// Announce tells partners and admins that a pending order is available. The
// ordering flow calls it after checkout; only the order's customer or an
// admin may announce.
func (e *Engine) Announce(ctx context.Context, orderID string, actor domain.Identity) (*domain.Order, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, e.storeErr(err, apperr.ReasonOrderNotFound, "order not found")
	}

	switch actor.Role {
	case domain.RoleAdmin:
	case domain.RoleCustomer:
		if o.CustomerID != actor.ID {
			return nil, apperr.Authorization(apperr.ReasonNotOwner, "order belongs to another customer")
		}
	case domain.RolePartner:
		return nil, apperr.Authorization(apperr.ReasonRoleMismatch, "delivery partners cannot announce orders")
	default:
		return nil, apperr.Authorization(apperr.ReasonRoleMismatch, "unknown role")
	}
	if o.Status != domain.OrderStatusPending {
		return nil, apperr.Conflict(apperr.ReasonNotPending, "only pending orders can be announced")
	}

	e.emitter.Emit(ctx,
		notify.NewEvent(notify.KindOrderCreated, o.ID, actor).WithStatus(o.Status).WithData(o),
		notify.Role(domain.RolePartner), notify.Role(domain.RoleAdmin), notify.Subject(o.CustomerID))
	return o, nil
}

// ---------------------------------------------------------------------------
// Partner profile
// ---------------------------------------------------------------------------

// SetAvailability toggles whether a partner wants new orders. Re-asserting
// the current value is a no-op. Turning availability on while at capacity
// is refused.
func (e *Engine) SetAvailability(ctx context.Context, actor domain.Identity, available bool) (*domain.Partner, error) {
	if err := requireRole(actor, domain.RolePartner); err != nil {
		return nil, err
	}

	unlock, err := e.lock(ctx, partnerKey(actor.ID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		result  *domain.Partner
		changed bool
	)
	err = e.update(ctx, func(tx store.Tx) error {
		p, err := tx.GetPartner(ctx, actor.ID)
		if err != nil {
			return e.storeErr(err, apperr.ReasonPartnerNotFound, "delivery partner profile not found")
		}
		result, changed = p, false
		if p.Available == available {
			return nil
		}
		if available && !e.policy.HasCapacity(p) {
			return apperr.Conflict(apperr.ReasonCapacityExceeded, "cannot become available while holding the maximum number of active orders")
		}
		p.Available = available
		if err := tx.SavePartner(ctx, p); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		e.logger.Info("partner availability changed", "partner", actor.ID, "available", available)
		e.emitter.Emit(ctx,
			notify.NewEvent(notify.KindAvailabilityChanged, "", actor).WithData(map[string]any{
				"partnerId": actor.ID,
				"available": available,
			}),
			notify.Role(domain.RoleAdmin), notify.Subject(actor.ID))
	}
	return result, nil
}

// VerifyPartner sets a partner's verified flag. Admin only.
func (e *Engine) VerifyPartner(ctx context.Context, actor domain.Identity, partnerID string, verified bool) (*domain.Partner, error) {
	if err := requireRole(actor, domain.RoleAdmin); err != nil {
		return nil, err
	}

	unlock, err := e.lock(ctx, partnerKey(partnerID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var result *domain.Partner
	err = e.update(ctx, func(tx store.Tx) error {
		p, err := tx.GetPartner(ctx, partnerID)
		if err != nil {
			return e.storeErr(err, apperr.ReasonPartnerNotFound, "delivery partner profile not found")
		}
		result = p
		if p.Verified == verified {
			return nil
		}
		p.Verified = verified
		return tx.SavePartner(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("partner verification set", "partner", partnerID, "verified", verified, "admin", actor.ID)
	e.emitter.Emit(ctx,
		notify.NewEvent(notify.KindVerificationChanged, "", actor).WithData(map[string]any{
			"partnerId": partnerID,
			"verified":  verified,
		}),
		notify.Subject(partnerID), notify.Role(domain.RoleAdmin))
	return result, nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// GetOrder returns an order. Any authenticated subject may observe.
func (e *Engine) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, e.storeErr(err, apperr.ReasonOrderNotFound, "order not found")
	}
	return o, nil
}

// GetPartner returns a partner profile.
func (e *Engine) GetPartner(ctx context.Context, partnerID string) (*domain.Partner, error) {
	p, err := e.store.GetPartner(ctx, partnerID)
	if err != nil {
		return nil, e.storeErr(err, apperr.ReasonPartnerNotFound, "delivery partner profile not found")
	}
	return p, nil
}

// ListOrders lists orders visible to actor. Customers see their own orders.
// Partners see pending orders (the available pool) or, for any other
// status filter, the orders assigned to them. Admins see everything.
func (e *Engine) ListOrders(ctx context.Context, actor domain.Identity, filter store.OrderFilter) ([]domain.Order, error) {
	switch actor.Role {
	case domain.RoleAdmin:
	case domain.RoleCustomer:
		filter.CustomerID = actor.ID
	case domain.RolePartner:
		if filter.Status != domain.OrderStatusPending {
			filter.PartnerID = actor.ID
		}
	default:
		return nil, apperr.Authorization(apperr.ReasonRoleMismatch, "unknown role")
	}
	orders, err := e.store.ListOrders(ctx, filter)
	if err != nil {
		return nil, e.storeErr(err, "", "")
	}
	return orders, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// lock acquires keys in order within the configured timeout.
func (e *Engine) lock(ctx context.Context, keys ...string) (func(), error) {
	unlock, err := e.locks.lockAll(ctx, e.cfg.LockTimeout, keys...)
	if err != nil {
		if errors.Is(err, errLockTimeout) {
			return nil, apperr.Transient(apperr.ReasonLockTimeout, "order is busy, retry shortly", err)
		}
		return nil, apperr.Transient(apperr.ReasonLockTimeout, "lock acquisition cancelled", err)
	}
	return unlock, nil
}

// update runs fn in a store transaction, retrying the whole unit when the
// store reports a version conflict.
func (e *Engine) update(ctx context.Context, fn func(tx store.Tx) error) error {
	err := util.RetryIf(ctx, e.cfg.Retries, 5*time.Millisecond, func(err error) bool {
		return errors.Is(err, store.ErrConflict)
	}, func() error {
		return e.store.Update(ctx, fn)
	})
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	if errors.Is(err, store.ErrConflict) {
		return apperr.Transient(apperr.ReasonVersionConflict, "concurrent update, retry", err)
	}
	e.logger.Error("store update failed", "error", err)
	return apperr.Transient(apperr.ReasonStoreUnavailable, "store unavailable", err)
}

// storeErr converts a store error. ErrNotFound becomes a NotFound error
// with the given reason.
func (e *Engine) storeErr(err error, notFound apperr.Reason, message string) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	if errors.Is(err, store.ErrNotFound) && notFound != "" {
		return apperr.NotFound(notFound, message)
	}
	if errors.Is(err, store.ErrConflict) {
		return err
	}
	e.logger.Error("store read failed", "error", err)
	return apperr.Transient(apperr.ReasonStoreUnavailable, "store unavailable", err)
}

// requireRole refuses actors whose role differs from want.
func requireRole(actor domain.Identity, want domain.Role) error {
	if actor.Role != want {
		return apperr.Authorization(apperr.ReasonRoleMismatch, "requires role "+want.String())
	}
	return nil
}
