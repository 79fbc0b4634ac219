package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"quickcommerce/internal/config"
	"quickcommerce/internal/domain"
	"quickcommerce/internal/identity"
	"quickcommerce/internal/live"
	"quickcommerce/internal/store"
	"quickcommerce/internal/util"
	"quickcommerce/pkg/quickcommerce"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: quickcommerce-cli <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version    Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  token      Issue a signed token for a subject\n")
	fmt.Fprintf(os.Stderr, "  seed       Load subjects, partners, products and orders from YAML\n")
	fmt.Fprintf(os.Stderr, "  claim      Claim an order as a delivery partner\n")
	fmt.Fprintf(os.Stderr, "  status     Advance an order's status\n")
	fmt.Fprintf(os.Stderr, "  orders     List orders visible to the token's subject\n")
	fmt.Fprintf(os.Stderr, "  watch      Stream live partner positions over gRPC\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "version":
		fmt.Printf("quickcommerce-cli %s\n", version)
	case "token":
		err = runToken(args)
	case "seed":
		err = runSeed(ctx, args)
	case "claim":
		err = runClaim(ctx, args)
	case "status":
		err = runStatus(ctx, args)
	case "orders":
		err = runOrders(ctx, args)
	case "watch":
		err = runWatch(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads --config. Without one, defaults plus QC_* variables
// apply.
func loadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ---------------------------------------------------------------------------
// token
// ---------------------------------------------------------------------------

func runToken(args []string) error {
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file (auth.jwt_secret and issuer)")
	subject := fs.String("subject", "", "subject id")
	role := fs.String("role", "customer", "subject role: customer, delivery or admin")
	name := fs.String("name", "", "display name")
	email := fs.String("email", "", "email claim")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("--subject is required")
	}
	r, err := domain.ParseRole(*role)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}

	gate, err := identity.NewGate(identity.Config{
		Secret: []byte(cfg.Auth.JWTSecret),
		Issuer: cfg.Auth.Issuer,
		TTL:    *ttl,
	}, nil, util.Discard())
	if err != nil {
		return err
	}
	tok, err := gate.Issue(domain.Subject{ID: *subject, Name: *name, Role: r}, *email)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

// ---------------------------------------------------------------------------
// seed
// ---------------------------------------------------------------------------

type seedFile struct {
	Subjects []struct {
		ID     string      `yaml:"id"`
		Name   string      `yaml:"name"`
		Role   domain.Role `yaml:"role"`
		Active *bool       `yaml:"active"`
	} `yaml:"subjects"`
	Partners []struct {
		ID        string `yaml:"id"`
		Verified  bool   `yaml:"verified"`
		Available bool   `yaml:"available"`
	} `yaml:"partners"`
	Products []struct {
		ID    string `yaml:"id"`
		Name  string `yaml:"name"`
		Stock int    `yaml:"stock"`
	} `yaml:"products"`
	Orders []struct {
		ID         string `yaml:"id"`
		CustomerID string `yaml:"customer_id"`
		Items      []struct {
			ProductID string `yaml:"product_id"`
			Name      string `yaml:"name"`
			Quantity  int    `yaml:"quantity"`
			Price     string `yaml:"price"`
		} `yaml:"items"`
		Address domain.Address `yaml:"address"`
	} `yaml:"orders"`
}

func runSeed(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("seed", pflag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file selecting the store")
	file := fs.StringP("file", "f", "seed.yaml", "seed file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parsing %s: %w", *file, err)
	}

	var backend store.Backend
	switch cfg.Storage.Driver {
	case "sqlite":
		backend, err = store.NewSQLiteStore(ctx, cfg.Storage.SQLitePath)
	case "postgres":
		backend, err = store.NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
	default:
		return fmt.Errorf("cannot seed storage driver %q", cfg.Storage.Driver)
	}
	if err != nil {
		return err
	}
	defer backend.Close()

	for _, s := range seed.Subjects {
		if !s.Role.Valid() {
			return fmt.Errorf("subject %s: role is required", s.ID)
		}
		active := s.Active == nil || *s.Active
		if err := backend.PutSubject(ctx, &domain.Subject{ID: s.ID, Name: s.Name, Role: s.Role, Active: active}); err != nil {
			return fmt.Errorf("subject %s: %w", s.ID, err)
		}
	}
	for _, p := range seed.Partners {
		if err := backend.PutPartner(ctx, &domain.Partner{ID: p.ID, Verified: p.Verified, Available: p.Available}); err != nil {
			return fmt.Errorf("partner %s: %w", p.ID, err)
		}
	}
	for _, p := range seed.Products {
		if err := backend.PutProduct(ctx, &domain.Product{ID: p.ID, Name: p.Name, Stock: p.Stock}); err != nil {
			return fmt.Errorf("product %s: %w", p.ID, err)
		}
	}
	for _, o := range seed.Orders {
		order := &domain.Order{
			ID:            o.ID,
			CustomerID:    o.CustomerID,
			Status:        domain.OrderStatusPending,
			Address:       o.Address,
			PaymentStatus: domain.PaymentPending,
			Total:         decimal.Zero,
		}
		for _, it := range o.Items {
			price, err := decimal.NewFromString(it.Price)
			if err != nil {
				return fmt.Errorf("order %s: price %q: %w", o.ID, it.Price, err)
			}
			order.Items = append(order.Items, domain.OrderItem{
				ProductID: it.ProductID, Name: it.Name, Quantity: it.Quantity, Price: price,
			})
			order.Total = order.Total.Add(price.Mul(decimal.NewFromInt(int64(it.Quantity))))
		}
		if err := backend.CreateOrder(ctx, order); err != nil {
			return fmt.Errorf("order %s: %w", o.ID, err)
		}
	}

	fmt.Printf("seeded %d subjects, %d partners, %d products, %d orders\n",
		len(seed.Subjects), len(seed.Partners), len(seed.Products), len(seed.Orders))
	return nil
}

// ---------------------------------------------------------------------------
// REST commands
// ---------------------------------------------------------------------------

type restFlags struct {
	server  string
	token   string
	retries int
}

func (f *restFlags) add(fs *pflag.FlagSet) {
	fs.StringVar(&f.server, "server", "http://localhost:8080", "server base URL")
	fs.StringVar(&f.token, "token", os.Getenv("QC_TOKEN"), "bearer token (default $QC_TOKEN)")
	fs.IntVar(&f.retries, "retries", 3, "attempts for retryable failures")
}

func (f *restFlags) client() *quickcommerce.Client {
	return quickcommerce.NewClient(f.server, f.token, quickcommerce.WithRetries(f.retries))
}

func runClaim(ctx context.Context, args []string) error {
	var rf restFlags
	fs := pflag.NewFlagSet("claim", pflag.ContinueOnError)
	rf.add(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: claim [flags] <order-id>")
	}
	out, err := rf.client().Claim(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return printJSON(out)
}

func runStatus(ctx context.Context, args []string) error {
	var rf restFlags
	fs := pflag.NewFlagSet("status", pflag.ContinueOnError)
	rf.add(fs)
	note := fs.String("note", "", "note recorded in the status history")
	code := fs.String("code", "", "delivery code, used when the status is delivered")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: status [flags] <order-id> <status>")
	}

	c := rf.client()
	orderID, status := fs.Arg(0), domain.OrderStatus(fs.Arg(1))
	var (
		o   *quickcommerce.Order
		err error
	)
	switch status {
	case domain.OrderStatusDelivered:
		o, err = c.ConfirmDelivery(ctx, orderID, *code)
	case domain.OrderStatusCancelled:
		var report quickcommerce.RestockReport
		o, report, err = c.Cancel(ctx, orderID, *note)
		if err == nil && report.Failed() {
			fmt.Fprintln(os.Stderr, "warning: some stock could not be restored")
		}
	default:
		o, err = c.UpdateStatus(ctx, orderID, status, *note)
	}
	if err != nil {
		return err
	}
	return printJSON(o)
}

func runOrders(ctx context.Context, args []string) error {
	var rf restFlags
	fs := pflag.NewFlagSet("orders", pflag.ContinueOnError)
	rf.add(fs)
	status := fs.String("status", "", "only orders in this status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	orders, err := rf.client().ListOrders(ctx, domain.OrderStatus(*status))
	if err != nil {
		return err
	}
	for _, o := range orders {
		fmt.Printf("%-24s %-11s customer=%s partner=%s total=%s\n",
			o.ID, o.Status, o.CustomerID, o.PartnerID, o.Total.StringFixed(2))
	}
	return nil
}

// ---------------------------------------------------------------------------
// watch
// ---------------------------------------------------------------------------

func runWatch(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	addr := fs.String("addr", "localhost:9090", "gRPC feed address")
	token := fs.String("token", os.Getenv("QC_TOKEN"), "admin bearer token (default $QC_TOKEN)")
	orderID := fs.String("order", "", "only positions reported for this order")
	reconnect := fs.Bool("reconnect", false, "reconnect when the stream ends")
	perMinute := fs.Int("reconnects-per-minute", 6, "reconnect attempts allowed per minute")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := util.NewLoggerTo(os.Stderr, "warn", "text")
	client := live.NewClient(*addr, *token, live.NewLiveModel(), logger)
	show := func(p live.Position) {
		fmt.Printf("%s partner=%s order=%s lat=%.6f lng=%.6f\n",
			p.At.Format(time.RFC3339), p.PartnerID, p.OrderID, p.Lat, p.Lng)
	}
	if !*reconnect {
		return client.Sync(ctx, live.WatchRequest{OrderID: *orderID}, show)
	}

	limiter := util.NewRateLimiter(*perMinute)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		if err := client.Sync(ctx, live.WatchRequest{OrderID: *orderID}, show); err != nil {
			logger.Warn("feed disconnected", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
