// Package session tracks live connections. Sessions live in a table keyed by
// connection id; room membership is a reverse index from room name to the
// set of connection ids in it.
package session

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"quickcommerce/internal/domain"
)

// ErrUnknownConnection is returned for a connection id that is not
// registered (or already disconnected).
var ErrUnknownConnection = errors.New("session: unknown connection")

// Sink delivers an encoded message to one connection. Send must not block
// for long; transports buffer or drop.
type Sink interface {
	Send(msg any) error
}

// UserRoom is the room holding every connection of one subject.
func UserRoom(subjectID string) string { return "user:" + subjectID }

// RoleRoom is the room holding every connection of one role.
func RoleRoom(r domain.Role) string { return "role:" + r.String() }

// OrderRoom is the observation room of one order.
func OrderRoom(orderID string) string { return "order:" + orderID }

// OrderIDFromRoom returns the order id of an order room.
func OrderIDFromRoom(room string) (string, bool) {
	id, ok := strings.CutPrefix(room, "order:")
	return id, ok && id != ""
}

// Tracking is the advisory marker a partner sets while reporting positions
// for an order. The server runs no timer for it.
type Tracking struct {
	OrderID  string        `json:"orderId"`
	Interval time.Duration `json:"interval"`
	Since    time.Time     `json:"since"`
}

// Info is a snapshot of one session.
type Info struct {
	ConnID      string          `json:"connId"`
	Identity    domain.Identity `json:"identity"`
	ConnectedAt time.Time       `json:"connectedAt"`
	Rooms       []string        `json:"rooms"`
	Tracking    *Tracking       `json:"tracking,omitempty"`
}

// Recipient is a connection selected for delivery.
type Recipient struct {
	ConnID   string
	Identity domain.Identity
	Sink     Sink
}

type record struct {
	identity    domain.Identity
	sink        Sink
	connectedAt time.Time
	rooms       map[string]struct{}
	tracking    *Tracking
}

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*record
	rooms    map[string]map[string]struct{}
	now      func() time.Time
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*record),
		rooms:    make(map[string]map[string]struct{}),
		now:      time.Now,
	}
}

// Register admits an authenticated connection and joins it to its subject
// room and role room. It returns the new connection id.
func (r *Registry) Register(id domain.Identity, sink Sink) string {
	connID := uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[connID] = &record{
		identity:    id,
		sink:        sink,
		connectedAt: r.now(),
		rooms:       make(map[string]struct{}),
	}
	r.joinLocked(connID, UserRoom(id.ID))
	r.joinLocked(connID, RoleRoom(id.Role))
	return connID
}

// Unregister removes the connection, its room memberships and its tracking
// marker. lastForSubject reports whether no other connection of the same
// subject remains.
func (r *Registry) Unregister(connID string) (info Info, lastForSubject bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, found := r.sessions[connID]
	if !found {
		return Info{}, false, false
	}
	info = r.infoLocked(connID, rec)
	for room := range rec.rooms {
		r.leaveLocked(connID, room)
	}
	delete(r.sessions, connID)

	_, others := r.rooms[UserRoom(rec.identity.ID)]
	return info, !others, true
}

// Join adds the connection to room. Joining twice is a no-op.
func (r *Registry) Join(connID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[connID]; !ok {
		return ErrUnknownConnection
	}
	r.joinLocked(connID, room)
	return nil
}

// Leave removes the connection from room and reports whether it was a member.
func (r *Registry) Leave(connID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[connID]
	if !ok {
		return false
	}
	if _, member := rec.rooms[room]; !member {
		return false
	}
	r.leaveLocked(connID, room)
	return true
}

func (r *Registry) joinLocked(connID, room string) {
	r.sessions[connID].rooms[room] = struct{}{}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[connID] = struct{}{}
}

func (r *Registry) leaveLocked(connID, room string) {
	delete(r.sessions[connID].rooms, room)
	members := r.rooms[room]
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// InRoom reports whether the connection is a member of room.
func (r *Registry) InRoom(connID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][connID]
	return ok
}

// Recipients returns every connection in room.
func (r *Registry) Recipients(room string) []Recipient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]Recipient, 0, len(members))
	for connID := range members {
		rec := r.sessions[connID]
		out = append(out, Recipient{ConnID: connID, Identity: rec.identity, Sink: rec.sink})
	}
	return out
}

// Members returns snapshots of every connection in room, ordered by
// connection time.
func (r *Registry) Members(room string) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.rooms[room]))
	for connID := range r.rooms[room] {
		out = append(out, r.infoLocked(connID, r.sessions[connID]))
	}
	sortInfos(out)
	return out
}

// Online returns snapshots of every connection, ordered by connection time.
func (r *Registry) Online() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.sessions))
	for connID, rec := range r.sessions {
		out = append(out, r.infoLocked(connID, rec))
	}
	sortInfos(out)
	return out
}

// Get returns a snapshot of one connection.
func (r *Registry) Get(connID string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[connID]
	if !ok {
		return Info{}, false
	}
	return r.infoLocked(connID, rec), true
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SetTracking attaches an advisory tracking marker to the connection,
// replacing any previous one.
func (r *Registry) SetTracking(connID, orderID string, interval time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[connID]
	if !ok {
		return ErrUnknownConnection
	}
	rec.tracking = &Tracking{OrderID: orderID, Interval: interval, Since: r.now()}
	return nil
}

// ClearTracking removes the marker. Clearing an absent marker is a no-op.
func (r *Registry) ClearTracking(connID string) *Tracking {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[connID]
	if !ok || rec.tracking == nil {
		return nil
	}
	prev := rec.tracking
	rec.tracking = nil
	return prev
}

func (r *Registry) infoLocked(connID string, rec *record) Info {
	rooms := make([]string, 0, len(rec.rooms))
	for room := range rec.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	info := Info{
		ConnID:      connID,
		Identity:    rec.identity,
		ConnectedAt: rec.connectedAt,
		Rooms:       rooms,
	}
	if rec.tracking != nil {
		t := *rec.tracking
		info.Tracking = &t
	}
	return info
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ConnID < infos[j].ConnID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
}
