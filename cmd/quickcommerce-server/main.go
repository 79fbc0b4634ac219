package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"

	"quickcommerce/internal/api"
	"quickcommerce/internal/config"
	"quickcommerce/internal/engine"
	"quickcommerce/internal/identity"
	"quickcommerce/internal/live"
	"quickcommerce/internal/notify"
	"quickcommerce/internal/session"
	"quickcommerce/internal/store"
	"quickcommerce/internal/util"
)

func main() {
	defaultPath := "config/quickcommerce.yaml"
	if p := os.Getenv("QC_CONFIG"); p != "" {
		defaultPath = p
	}
	flags := pflag.NewFlagSet("quickcommerce-server", pflag.ExitOnError)
	cfgPath := flags.StringP("config", "c", defaultPath, "config file; defaults and QC_* variables apply when it does not exist")
	_ = flags.Parse(os.Args[1:])

	path := *cfgPath
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = ""
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level)
	if strings.EqualFold(cfg.Logging.Format, "text") {
		logger = util.NewLoggerTo(os.Stdout, cfg.Logging.Level, "text")
	}
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	backend, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer backend.Close()

	gate, err := identity.NewGate(identity.Config{
		Secret: []byte(cfg.Auth.JWTSecret),
		Issuer: cfg.Auth.Issuer,
		TTL:    cfg.Auth.TokenTTL,
	}, backend, logger.With("component", "identity"))
	if err != nil {
		return err
	}

	metrics := api.NewMetrics()
	registry := session.NewRegistry()
	hub := notify.NewHub(registry, logger.With("component", "hub"))
	hub.OnDeliver = metrics.ObserveDelivery

	var emitter notify.Emitter = hub
	var relay *notify.Relay
	if cfg.Relay.AMQPURL != "" {
		// The broker often starts alongside the server.
		err = util.Retry(ctx, 5, time.Second, func() error {
			relay, err = notify.DialRelay(cfg.Relay.AMQPURL, cfg.Relay.Exchange, cfg.Relay.Queue, hub, logger.With("component", "relay"))
			if err != nil {
				logger.Warn("notification relay unavailable", "error", err)
			}
			return err
		})
		if err != nil {
			return err
		}
		defer relay.Close()
		emitter = relay
		logger.Info("notification relay connected", "exchange", cfg.Relay.Exchange, "origin", relay.Origin())
	}

	eng := engine.NewEngine(backend, backend, emitter, engine.Config{
		MaxActiveOrders: cfg.Dispatch.MaxActiveOrders,
		EarningsRate:    decimal.NewFromFloat(cfg.Dispatch.EarningsRate),
		LockTimeout:     cfg.Dispatch.ClaimLockTimeout,
		Retries:         cfg.Dispatch.ClaimRetries,
	}, logger.With("component", "engine"))

	var archive *store.PositionArchive
	var trackerArchive live.Archive
	if cfg.Storage.ArchiveDir != "" {
		archive = store.NewPositionArchive(cfg.Storage.ArchiveDir)
		trackerArchive = archive
	}
	tracker := live.NewTracker(backend, registry, emitter, live.NewLiveModel(), trackerArchive, logger.With("component", "tracker"))

	srv := api.NewServer(cfg, api.Deps{
		Engine:   eng,
		Tracker:  tracker,
		Registry: registry,
		Emitter:  emitter,
		Auth:     gate,
		Metrics:  metrics,
		Archive:  archive,
		Relay:    relay,
	}, logger.With("component", "api"))

	logger.Info("quickcommerce-server starting",
		"host", cfg.Server.Host, "port", cfg.Server.Port, "grpc_port", cfg.Server.GRPCPort,
		"storage", cfg.Storage.Driver)
	return srv.ListenAndServe(ctx)
}

func openStore(ctx context.Context, cfg config.Storage) (store.Backend, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(ctx, cfg.SQLitePath)
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
