// Package store defines the transactional storage the dispatch engine runs
// against: orders and partner profiles with optimistic version checks, the
// subject directory, and the product catalog.
package store

import (
	"context"
	"errors"

	"quickcommerce/internal/domain"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a versioned write lost to a concurrent
	// writer, or a serializable transaction was aborted. The caller may
	// retry the whole unit.
	ErrConflict = errors.New("store: version conflict")
)

// OrderFilter narrows ListOrders. Zero fields match everything.
type OrderFilter struct {
	Status     domain.OrderStatus
	PartnerID  string
	CustomerID string
	Limit      int
}

// Store is the order and partner store.
type Store interface {
	// GetOrder returns a copy of the order, or ErrNotFound.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// ListOrders returns orders matching filter, oldest first.
	ListOrders(ctx context.Context, filter OrderFilter) ([]domain.Order, error)

	// GetPartner returns a copy of the partner profile, or ErrNotFound.
	GetPartner(ctx context.Context, id string) (*domain.Partner, error)

	// Update runs fn inside one atomic unit. Either every write made
	// through tx is committed or none is. A version mismatch surfaces as
	// ErrConflict.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// UpdatePartnerLocation stores a position without touching the
	// partner's version. Position reports never contend with claims.
	UpdatePartnerLocation(ctx context.Context, partnerID string, loc domain.Location) error

	// Close releases the underlying resources.
	Close() error
}

// Tx is the view of the store inside Update.
type Tx interface {
	// GetOrder reads an order, observing writes made earlier in this tx.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// GetPartner reads a partner profile, observing earlier writes.
	GetPartner(ctx context.Context, id string) (*domain.Partner, error)

	// SaveOrder writes the order if its Version still matches the stored
	// one, and advances o.Version.
	SaveOrder(ctx context.Context, o *domain.Order) error

	// SavePartner writes the partner if its Version still matches, and
	// advances p.Version. The stored location is left untouched.
	SavePartner(ctx context.Context, p *domain.Partner) error
}

// Catalog is the product stock the order flow reserved from.
type Catalog interface {
	// GetProduct returns the product, or ErrNotFound.
	GetProduct(ctx context.Context, id string) (*domain.Product, error)

	// RestoreStock adds qty units of productID back on behalf of orderID.
	// The (orderID, productID) pair is recorded in a restoration ledger, so
	// a replay returns applied=false and leaves stock unchanged.
	RestoreStock(ctx context.Context, orderID, productID string, qty int) (applied bool, err error)
}

// Directory resolves subjects for the identity gate.
type Directory interface {
	// GetSubject returns the subject, or ErrNotFound.
	GetSubject(ctx context.Context, id string) (*domain.Subject, error)
}

// Seeder inserts records created outside the dispatch core: subjects from
// sign-up, products from the catalog, orders from checkout.
type Seeder interface {
	PutSubject(ctx context.Context, s *domain.Subject) error
	PutProduct(ctx context.Context, p *domain.Product) error
	PutPartner(ctx context.Context, p *domain.Partner) error
	CreateOrder(ctx context.Context, o *domain.Order) error
}

// Backend is everything a concrete store provides.
type Backend interface {
	Store
	Catalog
	Directory
	Seeder
}
