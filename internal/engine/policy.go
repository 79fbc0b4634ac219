package engine

import (
	"github.com/shopspring/decimal"

	"quickcommerce/internal/apperr"
	"quickcommerce/internal/domain"
)

// Policy enforces the dispatch rules: partner verification, the per-partner
// capacity limit and the earnings rate applied on delivery.
type Policy struct {
	maxActiveOrders int
	earningsRate    decimal.Decimal
}

// NewPolicy creates a Policy with the specified thresholds.
//
//   - maxActiveOrders: orders a partner may hold at once (3 by default).
//   - earningsRate: fraction of the order total credited to the partner on
//     delivery (e.g. 0.10 for 10%).
func NewPolicy(maxActiveOrders int, earningsRate decimal.Decimal) Policy {
	if maxActiveOrders <= 0 {
		maxActiveOrders = domain.MaxActiveOrders
	}
	return Policy{maxActiveOrders: maxActiveOrders, earningsRate: earningsRate}
}

// MaxActiveOrders returns the capacity limit.
func (p Policy) MaxActiveOrders() int { return p.maxActiveOrders }

// CheckClaim evaluates the claim preconditions in order: verification,
// capacity, then order state. It returns the reason of the first failing
// precondition, or "" when the claim may proceed.
func (p Policy) CheckClaim(partner *domain.Partner, order *domain.Order) apperr.Reason {
	if !partner.Verified {
		return apperr.ReasonNotVerified
	}
	if len(partner.ActiveOrders) >= p.maxActiveOrders {
		return apperr.ReasonCapacityExceeded
	}
	return claimStateReason(order, partner.ID)
}

// claimStateReason maps the order's state to a loss reason. A terminal order
// is not-pending. An order that left pending is already-assigned when
// another partner holds it, and already-accepted otherwise. A pending order
// with an assignee is already-assigned.
func claimStateReason(o *domain.Order, claimantID string) apperr.Reason {
	switch {
	case o.Status.Terminal():
		return apperr.ReasonNotPending
	case o.Status != domain.OrderStatusPending:
		if o.Assigned() && o.PartnerID != claimantID {
			return apperr.ReasonAlreadyAssigned
		}
		return apperr.ReasonAlreadyAccepted
	case o.Assigned():
		return apperr.ReasonAlreadyAssigned
	default:
		return ""
	}
}

// HasCapacity reports whether the partner can take one more order.
func (p Policy) HasCapacity(partner *domain.Partner) bool {
	return len(partner.ActiveOrders) < p.maxActiveOrders
}

// Earnings returns the partner's share of total.
func (p Policy) Earnings(total decimal.Decimal) decimal.Decimal {
	return total.Mul(p.earningsRate)
}
