package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"quickcommerce/internal/domain"
)

// Compile-time interface checks.
var _ Backend = (*MemoryStore)(nil)

// MemoryStore is an in-process Backend. Reads return copies; writes made in
// Update are buffered and applied under a short internal lock at commit.
type MemoryStore struct {
	mu           sync.RWMutex
	orders       map[string]*domain.Order
	partners     map[string]*domain.Partner
	subjects     map[string]*domain.Subject
	products     map[string]*domain.Product
	restorations map[restorationKey]struct{}
}

type restorationKey struct {
	orderID   string
	productID string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:       make(map[string]*domain.Order),
		partners:     make(map[string]*domain.Partner),
		subjects:     make(map[string]*domain.Subject),
		products:     make(map[string]*domain.Product),
		restorations: make(map[restorationKey]struct{}),
	}
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// ---------------------------------------------------------------------------
// Store implementation
// ---------------------------------------------------------------------------

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]domain.Order, error) {
	m.mu.RLock()
	var out []domain.Order
	for _, o := range m.orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.PartnerID != "" && o.PartnerID != f.PartnerID {
			continue
		}
		if f.CustomerID != "" && o.CustomerID != f.CustomerID {
			continue
		}
		out = append(out, *o.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) GetPartner(_ context.Context, id string) (*domain.Partner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.partners[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) UpdatePartnerLocation(_ context.Context, partnerID string, loc domain.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partners[partnerID]
	if !ok {
		return ErrNotFound
	}
	p.Location = loc
	return nil
}

// Update buffers fn's writes and applies them atomically. Every written
// record must still carry the version it was read at.
func (m *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{
		store:       m,
		orders:      make(map[string]*domain.Order),
		partners:    make(map[string]*domain.Partner),
		orderBase:   make(map[string]int64),
		partnerBase: make(map[string]int64),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

type memoryTx struct {
	store       *MemoryStore
	orders      map[string]*domain.Order
	partners    map[string]*domain.Partner
	orderBase   map[string]int64
	partnerBase map[string]int64
}

func (tx *memoryTx) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	if o, ok := tx.orders[id]; ok {
		return o.Clone(), nil
	}
	return tx.store.GetOrder(ctx, id)
}

func (tx *memoryTx) GetPartner(ctx context.Context, id string) (*domain.Partner, error) {
	if p, ok := tx.partners[id]; ok {
		return p.Clone(), nil
	}
	return tx.store.GetPartner(ctx, id)
}

// SaveOrder buffers o. The version check against the stored record happens
// at commit; a committed unit advances the version by exactly one.
func (tx *memoryTx) SaveOrder(_ context.Context, o *domain.Order) error {
	if prev, ok := tx.orders[o.ID]; ok {
		if prev.Version != o.Version {
			return ErrConflict
		}
	} else {
		tx.orderBase[o.ID] = o.Version
		o.Version++
	}
	tx.orders[o.ID] = o.Clone()
	return nil
}

func (tx *memoryTx) SavePartner(_ context.Context, p *domain.Partner) error {
	if prev, ok := tx.partners[p.ID]; ok {
		if prev.Version != p.Version {
			return ErrConflict
		}
	} else {
		tx.partnerBase[p.ID] = p.Version
		p.Version++
	}
	tx.partners[p.ID] = p.Clone()
	return nil
}

func (tx *memoryTx) commit() error {
	m := tx.store
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, base := range tx.orderBase {
		cur, ok := m.orders[id]
		if !ok {
			return ErrNotFound
		}
		if cur.Version != base {
			return ErrConflict
		}
	}
	for id, base := range tx.partnerBase {
		cur, ok := m.partners[id]
		if !ok {
			return ErrNotFound
		}
		if cur.Version != base {
			return ErrConflict
		}
	}

	for id, o := range tx.orders {
		m.orders[id] = o
	}
	for id, p := range tx.partners {
		p.Location = m.partners[id].Location
		m.partners[id] = p
	}
	return nil
}

// ---------------------------------------------------------------------------
// Catalog implementation
// ---------------------------------------------------------------------------

func (m *MemoryStore) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (m *MemoryStore) RestoreStock(_ context.Context, orderID, productID string, qty int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return false, ErrNotFound
	}
	key := restorationKey{orderID: orderID, productID: productID}
	if _, done := m.restorations[key]; done {
		return false, nil
	}
	m.restorations[key] = struct{}{}
	p.Stock += qty
	return true, nil
}

// ---------------------------------------------------------------------------
// Directory and Seeder implementation
// ---------------------------------------------------------------------------

func (m *MemoryStore) GetSubject(_ context.Context, id string) (*domain.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subjects[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s
	return &c, nil
}

func (m *MemoryStore) PutSubject(_ context.Context, s *domain.Subject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.subjects[s.ID] = &c
	return nil
}

func (m *MemoryStore) PutProduct(_ context.Context, p *domain.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *p
	m.products[p.ID] = &c
	return nil
}

// PutPartner inserts or replaces a partner profile and bumps its version.
func (m *MemoryStore) PutPartner(_ context.Context, p *domain.Partner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := p.Clone()
	if cur, ok := m.partners[p.ID]; ok {
		c.Version = cur.Version + 1
	} else {
		c.Version = 1
	}
	p.Version = c.Version
	m.partners[p.ID] = c
	return nil
}

// CreateOrder inserts a new order. An existing id is ErrConflict.
func (m *MemoryStore) CreateOrder(_ context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return ErrConflict
	}
	c := o.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	c.Version = 1
	o.Version = 1
	o.CreatedAt, o.UpdatedAt = c.CreatedAt, c.UpdatedAt
	m.orders[o.ID] = c
	return nil
}
