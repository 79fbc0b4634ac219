package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"quickcommerce/internal/domain"
)

type nopSink struct{}

func (nopSink) Send(any) error { return nil }

var (
	customer = domain.Identity{ID: "c1", Name: "Chen", Role: domain.RoleCustomer}
	partner  = domain.Identity{ID: "p1", Name: "Priya", Role: domain.RolePartner}
	admin    = domain.Identity{ID: "a1", Name: "Ada", Role: domain.RoleAdmin}
)

func TestRegisterJoinsSubjectAndRoleRooms(t *testing.T) {
	r := NewRegistry()
	conn := r.Register(partner, nopSink{})

	if !r.InRoom(conn, "user:p1") {
		t.Error("connection should be in its subject room")
	}
	if !r.InRoom(conn, "role:delivery") {
		t.Error("connection should be in its role room")
	}
	info, ok := r.Get(conn)
	if !ok {
		t.Fatal("Get returned false for a registered connection")
	}
	if len(info.Rooms) != 2 {
		t.Errorf("Rooms = %v, want 2 rooms", info.Rooms)
	}
}

func TestJoinLeaveOrderRoom(t *testing.T) {
	r := NewRegistry()
	c := r.Register(customer, nopSink{})
	p := r.Register(partner, nopSink{})
	room := OrderRoom("o1")

	if err := r.Join(c, room); err != nil {
		t.Fatalf("Join returned error: %v", err)
	}
	if err := r.Join(c, room); err != nil {
		t.Fatalf("second Join returned error: %v", err)
	}
	if err := r.Join(p, room); err != nil {
		t.Fatalf("Join returned error: %v", err)
	}
	if got := len(r.Recipients(room)); got != 2 {
		t.Errorf("Recipients = %d, want 2", got)
	}

	if !r.Leave(c, room) {
		t.Error("Leave should report membership")
	}
	if r.Leave(c, room) {
		t.Error("second Leave should report no membership")
	}
	members := r.Members(room)
	if len(members) != 1 || members[0].Identity.ID != "p1" {
		t.Errorf("Members = %+v", members)
	}

	if err := r.Join("ghost", room); err != ErrUnknownConnection {
		t.Errorf("Join(ghost) = %v, want ErrUnknownConnection", err)
	}
}

func TestUnregisterReleasesEverything(t *testing.T) {
	r := NewRegistry()
	p1 := r.Register(partner, nopSink{})
	p2 := r.Register(partner, nopSink{})
	_ = r.Join(p1, OrderRoom("o1"))
	_ = r.SetTracking(p1, "o1", 5*time.Second)

	info, last, ok := r.Unregister(p1)
	if !ok {
		t.Fatal("Unregister returned ok=false")
	}
	if last {
		t.Error("subject still has another connection")
	}
	if info.Tracking == nil || info.Tracking.OrderID != "o1" {
		t.Errorf("snapshot tracking = %+v", info.Tracking)
	}
	if len(r.Recipients(OrderRoom("o1"))) != 0 {
		t.Error("order room should be empty after disconnect")
	}
	if _, ok := r.Get(p1); ok {
		t.Error("session should be gone")
	}

	_, last, _ = r.Unregister(p2)
	if !last {
		t.Error("last connection of subject should report lastForSubject")
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0", r.Count())
	}
	if _, _, ok := r.Unregister(p2); ok {
		t.Error("double Unregister should report ok=false")
	}
}

func TestTrackingMarker(t *testing.T) {
	r := NewRegistry()
	p := r.Register(partner, nopSink{})

	if prev := r.ClearTracking(p); prev != nil {
		t.Error("clearing absent marker should return nil")
	}
	if err := r.SetTracking(p, "o1", 3*time.Second); err != nil {
		t.Fatalf("SetTracking returned error: %v", err)
	}
	info, _ := r.Get(p)
	if info.Tracking == nil || info.Tracking.Interval != 3*time.Second {
		t.Errorf("Tracking = %+v", info.Tracking)
	}
	if prev := r.ClearTracking(p); prev == nil || prev.OrderID != "o1" {
		t.Errorf("ClearTracking = %+v", prev)
	}
	if prev := r.ClearTracking(p); prev != nil {
		t.Error("ClearTracking should be idempotent")
	}
}

func TestOnlineListsAllRoles(t *testing.T) {
	r := NewRegistry()
	r.Register(customer, nopSink{})
	r.Register(partner, nopSink{})
	r.Register(admin, nopSink{})

	if got := len(r.Online()); got != 3 {
		t.Errorf("Online = %d sessions, want 3", got)
	}
	if got := len(r.Recipients(RoleRoom(domain.RoleAdmin))); got != 1 {
		t.Errorf("admin role room = %d, want 1", got)
	}
}

func TestOrderIDFromRoom(t *testing.T) {
	if id, ok := OrderIDFromRoom("order:o42"); !ok || id != "o42" {
		t.Errorf("OrderIDFromRoom = %q, %v", id, ok)
	}
	if _, ok := OrderIDFromRoom("user:c1"); ok {
		t.Error("user room is not an order room")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := domain.Identity{ID: fmt.Sprintf("c%d", i), Role: domain.RoleCustomer}
			conn := r.Register(id, nopSink{})
			_ = r.Join(conn, OrderRoom("shared"))
			_ = r.Recipients(OrderRoom("shared"))
			r.Unregister(conn)
		}(i)
	}
	wg.Wait()
	if r.Count() != 0 {
		t.Errorf("Count = %d after all disconnects, want 0", r.Count())
	}
	if len(r.Recipients(OrderRoom("shared"))) != 0 {
		t.Error("shared room should be empty")
	}
}
