package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"quickcommerce/internal/domain"
)

// Compile-time interface checks.
var _ Backend = (*SQLStore)(nil)

// dialect captures what differs between the SQL engines.
type dialect struct {
	name      string
	numbered  bool // $1-style placeholders
	txOptions *sql.TxOptions

	// conflict reports whether err is the engine aborting a transaction
	// that lost to a concurrent one.
	conflict func(error) bool
}

// rebind rewrites ? placeholders for engines that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements Backend over database/sql. Orders and partners carry a
// version column; every update is a compare-and-set on it.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Dialect returns the engine name, "sqlite" or "postgres".
func (s *SQLStore) Dialect() string {
	return s.d.name
}

// execer is the subset of *sql.DB and *sql.Tx the row helpers need.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if s.d.conflict != nil && s.d.conflict(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// ---------------------------------------------------------------------------
// Column encoding
// ---------------------------------------------------------------------------

const orderColumns = `id, customer_id, partner_id, status, total, items, address, history,
	confirmation, payment_status, cancellation_reason, delivered_at, created_at, updated_at, version`

const partnerColumns = `id, verified, available, active_orders, completed, cancelled, earnings,
	rating, ratings, lat, lng, location_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func jsonText(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o                                 domain.Order
		status, total, payment            string
		items, address, history, confirm  string
		deliveredAt, createdAt, updatedAt string
	)
	err := row.Scan(&o.ID, &o.CustomerID, &o.PartnerID, &status, &total, &items, &address, &history,
		&confirm, &payment, &o.CancellationReason, &deliveredAt, &createdAt, &updatedAt, &o.Version)
	if err != nil {
		return nil, err
	}

	o.Status = domain.OrderStatus(status)
	o.PaymentStatus = domain.PaymentStatus(payment)
	if o.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("order %s total: %w", o.ID, err)
	}
	if err := json.Unmarshal([]byte(items), &o.Items); err != nil {
		return nil, fmt.Errorf("order %s items: %w", o.ID, err)
	}
	if err := json.Unmarshal([]byte(address), &o.Address); err != nil {
		return nil, fmt.Errorf("order %s address: %w", o.ID, err)
	}
	if err := json.Unmarshal([]byte(history), &o.History); err != nil {
		return nil, fmt.Errorf("order %s history: %w", o.ID, err)
	}
	if err := json.Unmarshal([]byte(confirm), &o.Confirmation); err != nil {
		return nil, fmt.Errorf("order %s confirmation: %w", o.ID, err)
	}
	if deliveredAt != "" {
		at, err := parseTime(deliveredAt)
		if err != nil {
			return nil, fmt.Errorf("order %s delivered_at: %w", o.ID, err)
		}
		o.DeliveredAt = &at
	}
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("order %s created_at: %w", o.ID, err)
	}
	if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("order %s updated_at: %w", o.ID, err)
	}
	return &o, nil
}

// orderArgs returns the mutable order columns in orderColumns order,
// starting at customer_id and ending at updated_at.
func orderArgs(o *domain.Order) ([]any, error) {
	items, err := jsonText(o.Items)
	if err != nil {
		return nil, err
	}
	address, err := jsonText(o.Address)
	if err != nil {
		return nil, err
	}
	history, err := jsonText(o.History)
	if err != nil {
		return nil, err
	}
	confirm, err := jsonText(o.Confirmation)
	if err != nil {
		return nil, err
	}
	var deliveredAt string
	if o.DeliveredAt != nil {
		deliveredAt = formatTime(*o.DeliveredAt)
	}
	return []any{
		o.CustomerID, o.PartnerID, string(o.Status), o.Total.String(), items, address, history,
		confirm, string(o.PaymentStatus), o.CancellationReason, deliveredAt,
		formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
	}, nil
}

func scanPartner(row rowScanner) (*domain.Partner, error) {
	var (
		p                   domain.Partner
		verified, available int64
		active, earnings    string
		locationAt          string
	)
	err := row.Scan(&p.ID, &verified, &available, &active, &p.Stats.Completed, &p.Stats.Cancelled,
		&earnings, &p.Stats.Rating, &p.Stats.Ratings, &p.Location.Lat, &p.Location.Lng, &locationAt, &p.Version)
	if err != nil {
		return nil, err
	}
	p.Verified = verified != 0
	p.Available = available != 0
	if err := json.Unmarshal([]byte(active), &p.ActiveOrders); err != nil {
		return nil, fmt.Errorf("partner %s active_orders: %w", p.ID, err)
	}
	if p.Stats.Earnings, err = decimal.NewFromString(earnings); err != nil {
		return nil, fmt.Errorf("partner %s earnings: %w", p.ID, err)
	}
	if p.Location.UpdatedAt, err = parseTime(locationAt); err != nil {
		return nil, fmt.Errorf("partner %s location_at: %w", p.ID, err)
	}
	return &p, nil
}

func activeOrdersText(p *domain.Partner) (string, error) {
	if p.ActiveOrders == nil {
		return "[]", nil
	}
	return jsonText(p.ActiveOrders)
}

// ---------------------------------------------------------------------------
// Shared row operations (used on *sql.DB and *sql.Tx)
// ---------------------------------------------------------------------------

func (s *SQLStore) getOrder(ctx context.Context, q execer, id string) (*domain.Order, error) {
	row := q.QueryRowContext(ctx, s.d.rebind("SELECT "+orderColumns+" FROM orders WHERE id = ?"), id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, s.mapErr(err)
	}
	return o, nil
}

func (s *SQLStore) getPartner(ctx context.Context, q execer, id string) (*domain.Partner, error) {
	row := q.QueryRowContext(ctx, s.d.rebind("SELECT "+partnerColumns+" FROM partners WHERE id = ?"), id)
	p, err := scanPartner(row)
	if err != nil {
		return nil, s.mapErr(err)
	}
	return p, nil
}

// casFailure distinguishes a lost compare-and-set from a missing row.
func (s *SQLStore) casFailure(ctx context.Context, q execer, table, id string) error {
	var found int
	err := q.QueryRowContext(ctx, s.d.rebind("SELECT 1 FROM "+table+" WHERE id = ?"), id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return s.mapErr(err)
	}
	return ErrConflict
}

func (s *SQLStore) saveOrder(ctx context.Context, q execer, o *domain.Order) error {
	args, err := orderArgs(o)
	if err != nil {
		return fmt.Errorf("encoding order %s: %w", o.ID, err)
	}
	args = append(args, o.ID, o.Version)
	res, err := q.ExecContext(ctx, s.d.rebind(`UPDATE orders SET
		customer_id = ?, partner_id = ?, status = ?, total = ?, items = ?, address = ?, history = ?,
		confirmation = ?, payment_status = ?, cancellation_reason = ?, delivered_at = ?,
		created_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`), args...)
	if err != nil {
		return s.mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.casFailure(ctx, q, "orders", o.ID)
	}
	o.Version++
	return nil
}

func (s *SQLStore) savePartner(ctx context.Context, q execer, p *domain.Partner) error {
	active, err := activeOrdersText(p)
	if err != nil {
		return fmt.Errorf("encoding partner %s: %w", p.ID, err)
	}
	res, err := q.ExecContext(ctx, s.d.rebind(`UPDATE partners SET
		verified = ?, available = ?, active_orders = ?, completed = ?, cancelled = ?, earnings = ?,
		rating = ?, ratings = ?, version = version + 1
		WHERE id = ? AND version = ?`),
		boolInt(p.Verified), boolInt(p.Available), active, p.Stats.Completed, p.Stats.Cancelled,
		p.Stats.Earnings.String(), p.Stats.Rating, p.Stats.Ratings, p.ID, p.Version)
	if err != nil {
		return s.mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.casFailure(ctx, q, "partners", p.ID)
	}
	p.Version++
	return nil
}

// ---------------------------------------------------------------------------
// Store implementation
// ---------------------------------------------------------------------------

func (s *SQLStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.getOrder(ctx, s.db, id)
}

func (s *SQLStore) GetPartner(ctx context.Context, id string) (*domain.Partner, error) {
	return s.getPartner(ctx, s.db, id)
}

func (s *SQLStore) ListOrders(ctx context.Context, f OrderFilter) ([]domain.Order, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.PartnerID != "" {
		where = append(where, "partner_id = ?")
		args = append(args, f.PartnerID)
	}
	if f.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, f.CustomerID)
	}

	query := "SELECT " + orderColumns + " FROM orders"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, s.mapErr(err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdatePartnerLocation(ctx context.Context, partnerID string, loc domain.Location) error {
	res, err := s.db.ExecContext(ctx, s.d.rebind("UPDATE partners SET lat = ?, lng = ?, location_at = ? WHERE id = ?"),
		loc.Lat, loc.Lng, formatTime(loc.UpdatedAt), partnerID)
	if err != nil {
		return s.mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Update runs fn inside a database transaction using the dialect's isolation
// level. Any error rolls the transaction back.
func (s *SQLStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, s.d.txOptions)
	if err != nil {
		return s.mapErr(err)
	}
	if err := fn(&sqlTx{s: s, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.mapErr(err)
	}
	return nil
}

type sqlTx struct {
	s  *SQLStore
	tx *sql.Tx
}

func (t *sqlTx) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return t.s.getOrder(ctx, t.tx, id)
}

func (t *sqlTx) GetPartner(ctx context.Context, id string) (*domain.Partner, error) {
	return t.s.getPartner(ctx, t.tx, id)
}

func (t *sqlTx) SaveOrder(ctx context.Context, o *domain.Order) error {
	return t.s.saveOrder(ctx, t.tx, o)
}

func (t *sqlTx) SavePartner(ctx context.Context, p *domain.Partner) error {
	return t.s.savePartner(ctx, t.tx, p)
}

// ---------------------------------------------------------------------------
// Catalog implementation
// ---------------------------------------------------------------------------

func (s *SQLStore) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, s.d.rebind("SELECT id, name, stock FROM products WHERE id = ?"), id).
		Scan(&p.ID, &p.Name, &p.Stock)
	if err != nil {
		return nil, s.mapErr(err)
	}
	return &p, nil
}

// RestoreStock increments stock and records the ledger row in one
// transaction. A ledger hit rolls the increment back.
func (s *SQLStore) RestoreStock(ctx context.Context, orderID, productID string, qty int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, s.mapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.d.rebind("UPDATE products SET stock = stock + ? WHERE id = ?"), qty, productID)
	if err != nil {
		return false, s.mapErr(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 0 {
		return false, ErrNotFound
	}

	res, err = tx.ExecContext(ctx, s.d.rebind(`INSERT INTO stock_restorations (order_id, product_id, quantity, restored_at)
		VALUES (?, ?, ?, ?) ON CONFLICT (order_id, product_id) DO NOTHING`),
		orderID, productID, qty, formatTime(time.Now()))
	if err != nil {
		return false, s.mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, s.mapErr(err)
	}
	return true, nil
}

// ---------------------------------------------------------------------------
// Directory and Seeder implementation
// ---------------------------------------------------------------------------

func (s *SQLStore) GetSubject(ctx context.Context, id string) (*domain.Subject, error) {
	var (
		subj   domain.Subject
		role   string
		active int64
	)
	err := s.db.QueryRowContext(ctx, s.d.rebind("SELECT id, name, role, active FROM subjects WHERE id = ?"), id).
		Scan(&subj.ID, &subj.Name, &role, &active)
	if err != nil {
		return nil, s.mapErr(err)
	}
	if subj.Role, err = domain.ParseRole(role); err != nil {
		return nil, fmt.Errorf("subject %s: %w", id, err)
	}
	subj.Active = active != 0
	return &subj, nil
}

func (s *SQLStore) PutSubject(ctx context.Context, subj *domain.Subject) error {
	_, err := s.db.ExecContext(ctx, s.d.rebind(`INSERT INTO subjects (id, name, role, active) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, role = excluded.role, active = excluded.active`),
		subj.ID, subj.Name, subj.Role.String(), boolInt(subj.Active))
	return s.mapErr(err)
}

func (s *SQLStore) PutProduct(ctx context.Context, p *domain.Product) error {
	_, err := s.db.ExecContext(ctx, s.d.rebind(`INSERT INTO products (id, name, stock) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, stock = excluded.stock`),
		p.ID, p.Name, p.Stock)
	return s.mapErr(err)
}

// PutPartner inserts or replaces a partner profile, bumping its version.
func (s *SQLStore) PutPartner(ctx context.Context, p *domain.Partner) error {
	active, err := activeOrdersText(p)
	if err != nil {
		return fmt.Errorf("encoding partner %s: %w", p.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.d.rebind(`INSERT INTO partners
		(id, verified, available, active_orders, completed, cancelled, earnings, rating, ratings, lat, lng, location_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (id) DO UPDATE SET verified = excluded.verified, available = excluded.available,
			active_orders = excluded.active_orders, completed = excluded.completed, cancelled = excluded.cancelled,
			earnings = excluded.earnings, rating = excluded.rating, ratings = excluded.ratings,
			lat = excluded.lat, lng = excluded.lng, location_at = excluded.location_at,
			version = partners.version + 1`),
		p.ID, boolInt(p.Verified), boolInt(p.Available), active, p.Stats.Completed, p.Stats.Cancelled,
		p.Stats.Earnings.String(), p.Stats.Rating, p.Stats.Ratings,
		p.Location.Lat, p.Location.Lng, formatTime(p.Location.UpdatedAt))
	if err != nil {
		return s.mapErr(err)
	}
	return s.mapErr(s.db.QueryRowContext(ctx, s.d.rebind("SELECT version FROM partners WHERE id = ?"), p.ID).Scan(&p.Version))
}

// CreateOrder inserts a new order at version 1. An existing id is
// ErrConflict.
func (s *SQLStore) CreateOrder(ctx context.Context, o *domain.Order) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	args, err := orderArgs(o)
	if err != nil {
		return fmt.Errorf("encoding order %s: %w", o.ID, err)
	}
	args = append([]any{o.ID}, args...)
	res, err := s.db.ExecContext(ctx, s.d.rebind(`INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (id) DO NOTHING`), args...)
	if err != nil {
		return s.mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	o.Version = 1
	return nil
}
