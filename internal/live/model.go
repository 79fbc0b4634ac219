// Package live is the live tracking stream: partners report positions, the
// tracker validates and fans them out, and a shared in-memory model of the
// latest position per partner feeds gRPC watchers.
package live

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Position is one reported location.
type Position struct {
	PartnerID string    `json:"partnerId"`
	OrderID   string    `json:"orderId,omitempty"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	At        time.Time `json:"at"`
}

// LiveModel holds the latest position of every partner, with pub/sub for
// streaming to gRPC clients.
type LiveModel struct {
	mu     sync.RWMutex
	latest map[string]Position

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan Position

	dropped atomic.Int64
}

// NewLiveModel creates an empty model.
func NewLiveModel() *LiveModel {
	return &LiveModel{
		latest: make(map[string]Position),
		subs:   make(map[int]chan Position),
	}
}

// Update records pos as the partner's latest position and notifies
// subscribers. A report older than the one already held is ignored and
// Update returns false.
func (m *LiveModel) Update(pos Position) bool {
	m.mu.Lock()
	if cur, ok := m.latest[pos.PartnerID]; ok && pos.At.Before(cur.At) {
		m.mu.Unlock()
		return false
	}
	m.latest[pos.PartnerID] = pos
	m.mu.Unlock()

	// Non-blocking send; slow subscribers lose updates.
	m.subsMu.Lock()
	for _, ch := range m.subs {
		select {
		case ch <- pos:
		default:
			m.dropped.Add(1)
		}
	}
	m.subsMu.Unlock()

	return true
}

// Latest returns the partner's most recent position.
func (m *LiveModel) Latest(partnerID string) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.latest[partnerID]
	return pos, ok
}

// Snapshot returns the latest positions sorted by partner id. A non-empty
// orderID keeps only positions reported for that order.
func (m *LiveModel) Snapshot(orderID string) []Position {
	m.mu.RLock()
	out := make([]Position, 0, len(m.latest))
	for _, pos := range m.latest {
		if orderID != "" && pos.OrderID != orderID {
			continue
		}
		out = append(out, pos)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PartnerID < out[j].PartnerID })
	return out
}

// Forget drops a partner's position.
func (m *LiveModel) Forget(partnerID string) {
	m.mu.Lock()
	delete(m.latest, partnerID)
	m.mu.Unlock()
}

// Count returns the number of partners with a known position.
func (m *LiveModel) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.latest)
}

// Dropped returns how many updates were discarded for slow subscribers.
func (m *LiveModel) Dropped() int64 {
	return m.dropped.Load()
}

// Subscribe creates a new subscription channel for position updates.
func (m *LiveModel) Subscribe(bufSize int) (id int, ch <-chan Position) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	id = m.nextSubID
	m.nextSubID++
	c := make(chan Position, bufSize)
	m.subs[id] = c
	return id, c
}

// Unsubscribe removes a subscription and closes its channel.
func (m *LiveModel) Unsubscribe(id int) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if ch, ok := m.subs[id]; ok {
		close(ch)
		delete(m.subs, id)
	}
}
