package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"quickcommerce/internal/domain"
)

// backends returns every Backend the contract tests run against.
func backends(t *testing.T) map[string]Backend {
	t.Helper()
	ctx := context.Background()

	sqlite, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "qc.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore returned error: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	out := map[string]Backend{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}

	if dsn := os.Getenv("QC_TEST_POSTGRES_DSN"); dsn != "" {
		pg, err := NewPostgresStore(ctx, dsn)
		if err != nil {
			t.Fatalf("NewPostgresStore returned error: %v", err)
		}
		t.Cleanup(func() { pg.Close() })
		out["postgres"] = pg
	}
	return out
}

func seedOrder(t *testing.T, s Seeder, id string) *domain.Order {
	t.Helper()
	o := &domain.Order{
		ID:            id,
		CustomerID:    "c1",
		Status:        domain.OrderStatusPending,
		Total:         decimal.RequireFromString("42.50"),
		Items:         []domain.OrderItem{{ProductID: "milk", Name: "Milk", Quantity: 2, Price: decimal.RequireFromString("21.25")}},
		Address:       domain.Address{Street: "1 Main St", City: "Pune", Lat: 18.5, Lng: 73.8},
		PaymentStatus: domain.PaymentPending,
		CreatedAt:     time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	o.AppendHistory(domain.OrderStatusPending, o.CreatedAt, "c1", "")
	if err := s.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("CreateOrder returned error: %v", err)
	}
	return o
}

func TestOrderRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := "rt-" + name
			seedOrder(t, s, id)

			got, err := s.GetOrder(ctx, id)
			if err != nil {
				t.Fatalf("GetOrder returned error: %v", err)
			}
			if got.Version != 1 {
				t.Errorf("Version = %d, want 1", got.Version)
			}
			if !got.Total.Equal(decimal.RequireFromString("42.5")) {
				t.Errorf("Total = %s, want 42.5", got.Total)
			}
			if len(got.Items) != 1 || got.Items[0].Quantity != 2 {
				t.Errorf("Items = %+v", got.Items)
			}
			if got.Address.City != "Pune" {
				t.Errorf("Address.City = %q", got.Address.City)
			}
			if len(got.History) != 1 || got.History[0].Status != domain.OrderStatusPending {
				t.Errorf("History = %+v", got.History)
			}
			if got.Confirmation != nil {
				t.Errorf("Confirmation = %+v, want nil", got.Confirmation)
			}

			if err := s.CreateOrder(ctx, &domain.Order{ID: id, Status: domain.OrderStatusPending}); !errors.Is(err, ErrConflict) {
				t.Errorf("duplicate CreateOrder = %v, want ErrConflict", err)
			}
			if _, err := s.GetOrder(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("GetOrder(missing) = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestUpdateVersionCheck(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := "cas-" + name
			seedOrder(t, s, id)

			stale, _ := s.GetOrder(ctx, id)

			err := s.Update(ctx, func(tx Tx) error {
				o, err := tx.GetOrder(ctx, id)
				if err != nil {
					return err
				}
				o.Status = domain.OrderStatusAccepted
				o.PartnerID = "p1"
				return tx.SaveOrder(ctx, o)
			})
			if err != nil {
				t.Fatalf("Update returned error: %v", err)
			}

			err = s.Update(ctx, func(tx Tx) error {
				stale.PartnerID = "p2"
				return tx.SaveOrder(ctx, stale)
			})
			if !errors.Is(err, ErrConflict) {
				t.Fatalf("stale write = %v, want ErrConflict", err)
			}

			got, _ := s.GetOrder(ctx, id)
			if got.PartnerID != "p1" || got.Version != 2 {
				t.Errorf("order = partner %q version %d, want p1 / 2", got.PartnerID, got.Version)
			}
		})
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := "rb-" + name
			seedOrder(t, s, id)
			if err := s.PutPartner(ctx, &domain.Partner{ID: "rb-p", Verified: true, Available: true}); err != nil {
				t.Fatalf("PutPartner returned error: %v", err)
			}

			boom := errors.New("boom")
			err := s.Update(ctx, func(tx Tx) error {
				o, _ := tx.GetOrder(ctx, id)
				o.Status = domain.OrderStatusAccepted
				if err := tx.SaveOrder(ctx, o); err != nil {
					return err
				}
				p, _ := tx.GetPartner(ctx, "rb-p")
				p.AddActiveOrder(id, domain.MaxActiveOrders)
				if err := tx.SavePartner(ctx, p); err != nil {
					return err
				}
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("Update = %v, want boom", err)
			}

			o, _ := s.GetOrder(ctx, id)
			if o.Status != domain.OrderStatusPending {
				t.Errorf("Status = %q after rollback, want pending", o.Status)
			}
			p, _ := s.GetPartner(ctx, "rb-p")
			if len(p.ActiveOrders) != 0 {
				t.Errorf("ActiveOrders = %v after rollback, want empty", p.ActiveOrders)
			}
		})
	}
}

func TestPartnerLocationDoesNotBumpVersion(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := &domain.Partner{ID: "loc-p", Verified: true, Stats: domain.PartnerStats{Earnings: decimal.RequireFromString("1.5")}}
			if err := s.PutPartner(ctx, p); err != nil {
				t.Fatalf("PutPartner returned error: %v", err)
			}

			loc := domain.Location{Lat: 12.97, Lng: 77.59, UpdatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
			if err := s.UpdatePartnerLocation(ctx, "loc-p", loc); err != nil {
				t.Fatalf("UpdatePartnerLocation returned error: %v", err)
			}

			got, _ := s.GetPartner(ctx, "loc-p")
			if got.Version != p.Version {
				t.Errorf("Version = %d, want %d", got.Version, p.Version)
			}
			if got.Location.Lat != 12.97 || !got.Location.UpdatedAt.Equal(loc.UpdatedAt) {
				t.Errorf("Location = %+v", got.Location)
			}
			if !got.Stats.Earnings.Equal(decimal.RequireFromString("1.5")) {
				t.Errorf("Earnings = %s", got.Stats.Earnings)
			}

			// A versioned save must keep the reported location.
			err := s.Update(ctx, func(tx Tx) error {
				cur, _ := tx.GetPartner(ctx, "loc-p")
				cur.Available = true
				return tx.SavePartner(ctx, cur)
			})
			if err != nil {
				t.Fatalf("Update returned error: %v", err)
			}
			got, _ = s.GetPartner(ctx, "loc-p")
			if got.Location.Lat != 12.97 {
				t.Errorf("Location lost after SavePartner: %+v", got.Location)
			}

			if err := s.UpdatePartnerLocation(ctx, "ghost", loc); !errors.Is(err, ErrNotFound) {
				t.Errorf("UpdatePartnerLocation(ghost) = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestRestoreStockLedger(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.PutProduct(ctx, &domain.Product{ID: "milk", Name: "Milk", Stock: 5}); err != nil {
				t.Fatalf("PutProduct returned error: %v", err)
			}

			applied, err := s.RestoreStock(ctx, "o1", "milk", 2)
			if err != nil || !applied {
				t.Fatalf("RestoreStock = %v, %v; want applied", applied, err)
			}
			applied, err = s.RestoreStock(ctx, "o1", "milk", 2)
			if err != nil || applied {
				t.Fatalf("replayed RestoreStock = %v, %v; want not applied", applied, err)
			}

			p, _ := s.GetProduct(ctx, "milk")
			if p.Stock != 7 {
				t.Errorf("Stock = %d, want 7", p.Stock)
			}

			if _, err := s.RestoreStock(ctx, "o1", "bread", 1); !errors.Is(err, ErrNotFound) {
				t.Errorf("RestoreStock(unknown product) = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestListOrdersFilter(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedOrder(t, s, name+"-a")
			seedOrder(t, s, name+"-b")
			err := s.Update(ctx, func(tx Tx) error {
				o, _ := tx.GetOrder(ctx, name+"-b")
				o.Status = domain.OrderStatusAccepted
				o.PartnerID = "p9"
				return tx.SaveOrder(ctx, o)
			})
			if err != nil {
				t.Fatalf("Update returned error: %v", err)
			}

			pending, err := s.ListOrders(ctx, OrderFilter{Status: domain.OrderStatusPending})
			if err != nil {
				t.Fatalf("ListOrders returned error: %v", err)
			}
			for _, o := range pending {
				if o.Status != domain.OrderStatusPending {
					t.Errorf("ListOrders(pending) returned %s in %s", o.ID, o.Status)
				}
			}

			mine, _ := s.ListOrders(ctx, OrderFilter{PartnerID: "p9"})
			if len(mine) != 1 || mine[0].ID != name+"-b" {
				t.Errorf("ListOrders(partner p9) = %v", mine)
			}
		})
	}
}

func TestSubjectDirectory(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			subj := &domain.Subject{ID: "u1", Name: "Asha", Role: domain.RolePartner, Active: true}
			if err := s.PutSubject(ctx, subj); err != nil {
				t.Fatalf("PutSubject returned error: %v", err)
			}
			got, err := s.GetSubject(ctx, "u1")
			if err != nil {
				t.Fatalf("GetSubject returned error: %v", err)
			}
			if *got != *subj {
				t.Errorf("GetSubject = %+v, want %+v", got, subj)
			}
			if _, err := s.GetSubject(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
				t.Errorf("GetSubject(nobody) = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestMemoryStoreConcurrentCAS(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedOrder(t, s, "race")

	const writers = 16
	var (
		wg      sync.WaitGroup
		ready   sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		ready.Add(1)
		go func() {
			defer wg.Done()
			// Every writer holds the same version before any of them writes.
			o, _ := s.GetOrder(ctx, "race")
			ready.Done()
			<-start
			err := s.Update(ctx, func(tx Tx) error {
				o.Status = domain.OrderStatusAccepted
				return tx.SaveOrder(ctx, o)
			})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !errors.Is(err, ErrConflict) {
				t.Errorf("Update returned %v", err)
			}
		}()
	}
	ready.Wait()
	close(start)
	wg.Wait()

	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestRebind(t *testing.T) {
	d := dialect{numbered: true}
	got := d.rebind("UPDATE t SET a = ? WHERE id = ? AND version = ?")
	want := "UPDATE t SET a = $1 WHERE id = $2 AND version = $3"
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}
	if (dialect{}).rebind("a = ?") != "a = ?" {
		t.Error("sqlite dialect should keep ? placeholders")
	}
}

func TestExtractUpMigration(t *testing.T) {
	content := "-- +migrate Up\nCREATE TABLE a (id TEXT);\n-- +migrate Down\nDROP TABLE a;\n"
	up := extractUpMigration(content)
	if up != "\nCREATE TABLE a (id TEXT);\n" {
		t.Errorf("extractUpMigration = %q", up)
	}
}
