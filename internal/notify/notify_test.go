package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"quickcommerce/internal/domain"
	"quickcommerce/internal/session"
	"quickcommerce/internal/util"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *captureSink) Send(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, msg.(Event))
	return s.err
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

var (
	customer = domain.Identity{ID: "c1", Name: "Chen", Role: domain.RoleCustomer}
	partner  = domain.Identity{ID: "p1", Name: "Priya", Role: domain.RolePartner}
	admin    = domain.Identity{ID: "a1", Name: "Ada", Role: domain.RoleAdmin}
)

func TestHubAddressing(t *testing.T) {
	reg := session.NewRegistry()
	hub := NewHub(reg, util.Discard())
	ctx := context.Background()

	cSink, pSink, aSink, watcher := &captureSink{}, &captureSink{}, &captureSink{}, &captureSink{}
	reg.Register(customer, cSink)
	reg.Register(partner, pSink)
	reg.Register(admin, aSink)
	wConn := reg.Register(domain.Identity{ID: "c2", Role: domain.RoleCustomer}, watcher)
	_ = reg.Join(wConn, session.OrderRoom("o1"))

	hub.ToSubject(ctx, "c1", NewEvent(KindOrderAccepted, "o1", partner))
	if cSink.count() != 1 || pSink.count() != 0 {
		t.Errorf("ToSubject reached customer=%d partner=%d", cSink.count(), pSink.count())
	}

	hub.ToRole(ctx, domain.RolePartner, NewEvent(KindOrderCreated, "o1", customer))
	if pSink.count() != 1 || aSink.count() != 0 {
		t.Errorf("ToRole reached partner=%d admin=%d", pSink.count(), aSink.count())
	}

	hub.ToRoom(ctx, session.OrderRoom("o1"), NewEvent(KindOrderStatusUpdated, "o1", partner))
	if watcher.count() != 1 || cSink.count() != 1 {
		t.Errorf("ToRoom reached watcher=%d customer=%d", watcher.count(), cSink.count())
	}
}

func TestHubDeduplicatesAcrossAudiences(t *testing.T) {
	reg := session.NewRegistry()
	hub := NewHub(reg, util.Discard())

	sink := &captureSink{}
	conn := reg.Register(admin, sink)
	_ = reg.Join(conn, session.OrderRoom("o1"))

	var reached int
	hub.OnDeliver = func(_ Kind, n int) { reached = n }
	hub.Emit(context.Background(), NewEvent(KindOrderCancelled, "o1", admin),
		Subject("a1"), Role(domain.RoleAdmin), OrderRoom("o1"))

	if sink.count() != 1 {
		t.Errorf("admin received %d copies, want 1", sink.count())
	}
	if reached != 1 {
		t.Errorf("OnDeliver n = %d, want 1", reached)
	}
}

func TestHubSkipsExceptedConnection(t *testing.T) {
	reg := session.NewRegistry()
	hub := NewHub(reg, util.Discard())

	typist, watcher := &captureSink{}, &captureSink{}
	from := reg.Register(customer, typist)
	to := reg.Register(partner, watcher)
	_ = reg.Join(from, session.OrderRoom("o1"))
	_ = reg.Join(to, session.OrderRoom("o1"))

	var reached int
	hub.OnDeliver = func(_ Kind, n int) { reached = n }
	hub.Emit(context.Background(), NewEvent(KindUserTyping, "o1", customer).Except(from), OrderRoom("o1"))

	if typist.count() != 0 {
		t.Errorf("sender received %d copies", typist.count())
	}
	if watcher.count() != 1 || reached != 1 {
		t.Errorf("watcher = %d, reached = %d, want 1 and 1", watcher.count(), reached)
	}
}

func TestHubSurvivesSinkErrors(t *testing.T) {
	reg := session.NewRegistry()
	hub := NewHub(reg, util.Discard())
	bad := &captureSink{err: errors.New("closed")}
	good := &captureSink{}
	reg.Register(partner, bad)
	reg.Register(domain.Identity{ID: "p2", Role: domain.RolePartner}, good)

	hub.Emit(context.Background(), NewEvent(KindOrderCreated, "o1", customer), Role(domain.RolePartner))
	if good.count() != 1 {
		t.Error("a failing sink must not stop delivery to others")
	}
}

func TestRecorderAndMulti(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	m := Multi{a, b, Nop{}}
	ev := NewEvent(KindOrderAccepted, "o1", partner).WithStatus(domain.OrderStatusAccepted)
	m.Emit(context.Background(), ev, Subject("c1"), Role(domain.RoleAdmin))

	for _, r := range []*Recorder{a, b} {
		d, ok := r.Find(KindOrderAccepted)
		if !ok {
			t.Fatal("Recorder did not capture the event")
		}
		if len(d.To) != 2 || d.Event.Status != domain.OrderStatusAccepted {
			t.Errorf("delivery = %+v", d)
		}
	}
	a.Reset()
	if len(a.Kinds()) != 0 {
		t.Error("Reset should clear deliveries")
	}
}

func TestEventCarriesRequiredFields(t *testing.T) {
	ev := NewEvent(KindOrderStatusUpdated, "o1", partner).WithStatus(domain.OrderStatusPickedUp)
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	for _, key := range []string{"id", "kind", "orderId", "status", "at", "actor"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("event JSON missing %q: %s", key, data)
		}
	}
	actor := decoded["actor"].(map[string]any)
	if actor["role"] != "delivery" {
		t.Errorf("actor role = %v, want delivery", actor["role"])
	}
}

// fakeChannel loops published messages back to consumers.
type fakeChannel struct {
	mu        sync.Mutex
	published []amqp.Publishing
	out       chan amqp.Delivery
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{out: make(chan amqp.Delivery, 16)}
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	f.published = append(f.published, msg)
	f.mu.Unlock()
	f.out <- amqp.Delivery{Headers: msg.Headers, Body: msg.Body, MessageId: msg.MessageId}
	return nil
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.out, nil
}

func TestRelayForwardsBetweenInstances(t *testing.T) {
	ch := newFakeChannel()
	localA, localB := &Recorder{}, &Recorder{}
	relayA := NewRelay(ch, "qc", "qa", localA, util.Discard())
	relayB := NewRelay(ch, "qc", "qb", localB, util.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- relayB.Consume(ctx) }()

	relayA.Emit(ctx, NewEvent(KindOrderCreated, "o1", customer), Role(domain.RolePartner))

	if len(localA.Kinds()) != 1 {
		t.Fatalf("origin instance should deliver locally once, got %v", localA.Kinds())
	}
	deadline := time.After(2 * time.Second)
	for len(localB.Kinds()) == 0 {
		select {
		case <-deadline:
			t.Fatal("event was not relayed to the second instance")
		case <-time.After(5 * time.Millisecond):
		}
	}
	d, _ := localB.Find(KindOrderCreated)
	if len(d.To) != 1 || d.To[0] != Role(domain.RolePartner) {
		t.Errorf("relayed audiences = %+v", d.To)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Consume returned %v", err)
	}
}

func TestRelaySkipsOwnMessages(t *testing.T) {
	ch := newFakeChannel()
	local := &Recorder{}
	relay := NewRelay(ch, "qc", "q", local, util.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Consume(ctx) }()

	relay.Emit(ctx, NewEvent(KindOrderCreated, "o1", customer), Role(domain.RoleAdmin))
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if n := len(local.Kinds()); n != 1 {
		t.Errorf("local deliveries = %d, want 1 (own relay echo skipped)", n)
	}
}
