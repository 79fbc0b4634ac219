package live

import (
	"context"
	"errors"
	"math"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"quickcommerce/internal/apperr"
	"quickcommerce/internal/domain"
	"quickcommerce/internal/notify"
	"quickcommerce/internal/session"
	"quickcommerce/internal/store"
	"quickcommerce/internal/util"
)

var (
	rider = domain.Identity{ID: "p1", Name: "Rider", Role: domain.RolePartner}
	other = domain.Identity{ID: "p2", Name: "Other", Role: domain.RolePartner}
)

type archiveRecorder struct{ records []store.PositionRecord }

func (a *archiveRecorder) Append(rec store.PositionRecord) { a.records = append(a.records, rec) }

type nopSink struct{}

func (nopSink) Send(any) error { return nil }

func newTestTracker(t *testing.T) (*Tracker, *store.MemoryStore, *session.Registry, *notify.Recorder, *archiveRecorder) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	for _, id := range []string{"p1", "p2"} {
		if err := st.PutPartner(ctx, &domain.Partner{ID: id, Verified: true, Available: true}); err != nil {
			t.Fatal(err)
		}
	}
	o := &domain.Order{ID: "o1", CustomerID: "c1", PartnerID: "p1", Status: domain.OrderStatusOnTheWay}
	if err := st.CreateOrder(ctx, o); err != nil {
		t.Fatal(err)
	}
	reg := session.NewRegistry()
	rec := &notify.Recorder{}
	arc := &archiveRecorder{}
	tr := NewTracker(st, reg, rec, NewLiveModel(), arc, util.Discard())
	return tr, st, reg, rec, arc
}

func TestReportPositionFansOut(t *testing.T) {
	tr, st, _, rec, arc := newTestTracker(t)
	ctx := context.Background()

	pos, err := tr.ReportPosition(ctx, rider, 12.97, 77.59, "o1")
	if err != nil {
		t.Fatalf("ReportPosition: %v", err)
	}
	if pos.OrderID != "o1" {
		t.Errorf("OrderID = %q", pos.OrderID)
	}

	p, _ := st.GetPartner(ctx, "p1")
	if p.Location.Lat != 12.97 || p.Location.Lng != 77.59 {
		t.Errorf("profile location = %+v", p.Location)
	}
	d, ok := rec.Find(notify.KindLocationUpdated)
	if !ok {
		t.Fatal("no location event")
	}
	want := []notify.Audience{notify.OrderRoom("o1"), notify.Subject("c1"), notify.Role(domain.RoleAdmin)}
	if len(d.To) != len(want) {
		t.Fatalf("audiences = %v", d.To)
	}
	for i := range want {
		if d.To[i] != want[i] {
			t.Errorf("audience[%d] = %v, want %v", i, d.To[i], want[i])
		}
	}
	if len(arc.records) != 1 || arc.records[0].OrderID != "o1" {
		t.Errorf("archive = %+v", arc.records)
	}
	if latest, ok := tr.Model().Latest("p1"); !ok || latest.Lat != 12.97 {
		t.Errorf("model latest = %+v, %v", latest, ok)
	}
}

func TestReportPositionWithoutOrder(t *testing.T) {
	tr, _, _, rec, _ := newTestTracker(t)

	if _, err := tr.ReportPosition(context.Background(), other, -33.86, 151.2, ""); err != nil {
		t.Fatalf("ReportPosition: %v", err)
	}
	if len(rec.Deliveries()) != 0 {
		t.Errorf("orderless report emitted %v", rec.Kinds())
	}
}

func TestReportPositionValidation(t *testing.T) {
	tr, st, _, _, _ := newTestTracker(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		reporter domain.Identity
		lat, lng float64
		orderID  string
		kind     apperr.Kind
		reason   apperr.Reason
	}{
		{"customer", domain.Identity{ID: "c1", Role: domain.RoleCustomer}, 0, 0, "", apperr.KindAuthorization, apperr.ReasonRoleMismatch},
		{"lat too high", rider, 90.5, 0, "", apperr.KindValidation, apperr.ReasonInvalidCoordinates},
		{"lng too low", rider, 0, -180.01, "", apperr.KindValidation, apperr.ReasonInvalidCoordinates},
		{"nan", rider, math.NaN(), 0, "", apperr.KindValidation, apperr.ReasonInvalidCoordinates},
		{"not assignee", other, 1, 1, "o1", apperr.KindAuthorization, apperr.ReasonNotAssigned},
		{"unknown order", rider, 1, 1, "nope", apperr.KindNotFound, apperr.ReasonOrderNotFound},
		{"no profile", domain.Identity{ID: "p9", Role: domain.RolePartner}, 1, 1, "", apperr.KindNotFound, apperr.ReasonPartnerNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.ReportPosition(ctx, tt.reporter, tt.lat, tt.lng, tt.orderID)
			if !errors.Is(err, &apperr.Error{Kind: tt.kind, Reason: tt.reason}) {
				t.Fatalf("err = %v, want %s/%s", err, tt.kind, tt.reason)
			}
		})
	}

	// The profile is updated even when the assignment check fails.
	p, _ := st.GetPartner(ctx, "p2")
	if p.Location.Lat != 1 || p.Location.Lng != 1 {
		t.Errorf("p2 location = %+v, want persisted", p.Location)
	}
}

func TestBoundaryCoordinatesAccepted(t *testing.T) {
	for _, c := range [][2]float64{{90, 180}, {-90, -180}, {0, 0}} {
		if !ValidCoordinates(c[0], c[1]) {
			t.Errorf("ValidCoordinates(%v, %v) = false", c[0], c[1])
		}
	}
}

func TestTrackingMarkers(t *testing.T) {
	tr, _, reg, rec, _ := newTestTracker(t)
	ctx := context.Background()
	conn := reg.Register(rider, nopSink{})

	if err := tr.StartTracking(ctx, conn, other, "o1", time.Second); !errors.Is(err, &apperr.Error{Reason: apperr.ReasonNotAssigned}) {
		t.Fatalf("StartTracking by non-assignee = %v", err)
	}
	if err := tr.StartTracking(ctx, conn, rider, "o1", 5*time.Second); err != nil {
		t.Fatalf("StartTracking: %v", err)
	}
	info, _ := reg.Get(conn)
	if info.Tracking == nil || info.Tracking.OrderID != "o1" || info.Tracking.Interval != 5*time.Second {
		t.Errorf("tracking = %+v", info.Tracking)
	}
	if _, ok := rec.Find(notify.KindTrackingStarted); !ok {
		t.Error("no tracking-started event")
	}

	if prev := tr.StopTracking(ctx, conn, rider); prev == nil || prev.OrderID != "o1" {
		t.Errorf("StopTracking = %+v", prev)
	}
	start, _ := rec.Find(notify.KindTrackingStarted)
	stop, ok := rec.Find(notify.KindTrackingStopped)
	if !ok {
		t.Fatal("no tracking-stopped event")
	}
	if !sameAudience(start.To, stop.To) {
		t.Errorf("stop audience = %v, start audience = %v", stop.To, start.To)
	}
	// Stopping again is a no-op.
	rec.Reset()
	if prev := tr.StopTracking(ctx, conn, rider); prev != nil {
		t.Errorf("second StopTracking = %+v", prev)
	}
	if len(rec.Deliveries()) != 0 {
		t.Errorf("idempotent stop emitted %v", rec.Kinds())
	}
}

func TestTrackingEndedReachesCustomer(t *testing.T) {
	tr, _, _, rec, _ := newTestTracker(t)

	tr.TrackingEnded(context.Background(), rider, "o1", "disconnected")
	d, ok := rec.Find(notify.KindTrackingStopped)
	if !ok {
		t.Fatal("no tracking-stopped event")
	}
	if !sameAudience(d.To, []notify.Audience{notify.OrderRoom("o1"), notify.Subject("c1")}) {
		t.Errorf("audience = %v", d.To)
	}
	if data, _ := d.Event.Data.(map[string]any); data["reason"] != "disconnected" {
		t.Errorf("data = %v", d.Event.Data)
	}

	// An order that vanished still reaches its room.
	rec.Reset()
	tr.TrackingEnded(context.Background(), rider, "gone", "")
	if d, _ := rec.Find(notify.KindTrackingStopped); len(d.To) != 1 || d.To[0] != notify.OrderRoom("gone") {
		t.Errorf("audience for missing order = %v", d.To)
	}
}

func sameAudience(a, b []notify.Audience) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLiveModel(t *testing.T) {
	m := NewLiveModel()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	id, ch := m.Subscribe(1)
	if !m.Update(Position{PartnerID: "p1", OrderID: "o1", Lat: 1, At: base}) {
		t.Fatal("first update rejected")
	}
	if m.Update(Position{PartnerID: "p1", Lat: 9, At: base.Add(-time.Second)}) {
		t.Error("stale update accepted")
	}
	m.Update(Position{PartnerID: "p2", Lat: 2, At: base})

	if got := <-ch; got.PartnerID != "p1" {
		t.Errorf("first event = %+v", got)
	}
	if m.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1 (buffer of one)", m.Dropped())
	}

	if snap := m.Snapshot(""); len(snap) != 2 || snap[0].PartnerID != "p1" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap := m.Snapshot("o1"); len(snap) != 1 {
		t.Errorf("order snapshot = %+v", snap)
	}

	m.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Error("channel still open after Unsubscribe")
	}
	m.Forget("p2")
	if m.Count() != 1 {
		t.Errorf("count = %d", m.Count())
	}
}

// ---------------------------------------------------------------------------
// gRPC feed
// ---------------------------------------------------------------------------

type staticAuth map[string]domain.Identity

func (a staticAuth) Authenticate(_ context.Context, token string) (domain.Identity, error) {
	id, ok := a[token]
	if !ok {
		return domain.Identity{}, apperr.Authentication(apperr.ReasonInvalidCredential, "bad token")
	}
	return id, nil
}

func startFeed(t *testing.T, model *LiveModel, auth Authenticator) grpc.DialOption {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	NewServer(model, auth, 16, util.Discard()).RegisterGRPC(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func TestFeedSnapshotThenUpdates(t *testing.T) {
	serverModel := NewLiveModel()
	now := time.Now().UTC()
	serverModel.Update(Position{PartnerID: "p1", OrderID: "o1", Lat: 1, Lng: 1, At: now})
	serverModel.Update(Position{PartnerID: "p2", OrderID: "o2", Lat: 2, Lng: 2, At: now})
	dialer := startFeed(t, serverModel, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mirror := NewLiveModel()
	got := make(chan Position, 8)
	client := NewClient("passthrough:///bufnet", "", mirror, util.Discard(), dialer)
	done := make(chan error, 1)
	go func() {
		done <- client.Sync(ctx, WatchRequest{OrderID: "o1"}, func(p Position) { got <- p })
	}()

	select {
	case p := <-got:
		if p.PartnerID != "p1" {
			t.Fatalf("snapshot position = %+v", p)
		}
	case <-ctx.Done():
		t.Fatal("no snapshot received")
	}

	// Live updates flow after the snapshot; other orders are filtered.
	deadline := time.After(3 * time.Second)
	for {
		serverModel.Update(Position{PartnerID: "p2", OrderID: "o2", Lat: 3, At: time.Now().UTC()})
		serverModel.Update(Position{PartnerID: "p1", OrderID: "o1", Lat: 4, At: time.Now().UTC()})
		select {
		case p := <-got:
			if p.OrderID != "o1" {
				t.Fatalf("filtered feed delivered %+v", p)
			}
			if p.Lat == 4 {
				if latest, _ := mirror.Latest("p1"); latest.Lat != 4 {
					t.Errorf("mirror = %+v", latest)
				}
				cancel()
				<-done
				return
			}
		case <-deadline:
			t.Fatal("no live update received")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestFeedRequiresAdmin(t *testing.T) {
	auth := staticAuth{
		"admin-token":   {ID: "a1", Role: domain.RoleAdmin},
		"partner-token": {ID: "p1", Role: domain.RolePartner},
	}
	dialer := startFeed(t, NewLiveModel(), auth)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tests := []struct {
		token string
		want  codes.Code
	}{
		{"", codes.Unauthenticated},
		{"partner-token", codes.PermissionDenied},
	}
	for _, tt := range tests {
		err := NewClient("passthrough:///bufnet", tt.token, NewLiveModel(), util.Discard(), dialer).
			Sync(ctx, WatchRequest{}, nil)
		if status.Code(errors.Unwrap(err)) != tt.want && status.Code(err) != tt.want {
			t.Errorf("token %q: err = %v, want %s", tt.token, err, tt.want)
		}
	}
}
