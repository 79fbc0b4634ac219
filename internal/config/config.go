package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the quickcommerce dispatch
// service.
type Config struct {
	Server    Server    `yaml:"server"`
	Storage   Storage   `yaml:"storage"`
	Logging   Logging   `yaml:"logging"`
	Auth      Auth      `yaml:"auth"`
	Dispatch  Dispatch  `yaml:"dispatch"`
	Tracking  Tracking  `yaml:"tracking"`
	WebSocket WebSocket `yaml:"websocket"`
	Relay     Relay     `yaml:"relay"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host" env:"QC_HOST"`
	Port     int    `yaml:"port" env:"QC_PORT"`
	GRPCPort int    `yaml:"grpc_port" env:"QC_GRPC_PORT"`
}

// Storage selects and configures the order/partner store.
type Storage struct {
	Driver      string `yaml:"driver" env:"QC_STORAGE_DRIVER"` // memory, sqlite or postgres
	SQLitePath  string `yaml:"sqlite_path" env:"QC_SQLITE_PATH"`
	PostgresDSN string `yaml:"postgres_dsn" env:"QC_POSTGRES_DSN"`
	ArchiveDir  string `yaml:"archive_dir" env:"QC_ARCHIVE_DIR"` // empty disables the position archive
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level" env:"QC_LOG_LEVEL"`
	Format string `yaml:"format" env:"QC_LOG_FORMAT"`
}

// Auth configures credential verification.
type Auth struct {
	JWTSecret string        `yaml:"jwt_secret" env:"QC_JWT_SECRET"`
	Issuer    string        `yaml:"issuer" env:"QC_JWT_ISSUER"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"QC_TOKEN_TTL"`
}

// Dispatch holds the claim and fulfillment policy.
type Dispatch struct {
	MaxActiveOrders  int           `yaml:"max_active_orders" env:"QC_MAX_ACTIVE_ORDERS"`
	EarningsRate     float64       `yaml:"earnings_rate" env:"QC_EARNINGS_RATE"`
	ClaimLockTimeout time.Duration `yaml:"claim_lock_timeout" env:"QC_CLAIM_LOCK_TIMEOUT"`
	ClaimRetries     int           `yaml:"claim_retries" env:"QC_CLAIM_RETRIES"`
}

// Tracking configures the live position feed and archive.
type Tracking struct {
	ArchiveFlushInterval time.Duration `yaml:"archive_flush_interval" env:"QC_ARCHIVE_FLUSH_INTERVAL"`
	FeedBuffer           int           `yaml:"feed_buffer" env:"QC_FEED_BUFFER"`
}

// WebSocket bounds per-connection inbound traffic.
type WebSocket struct {
	MaxFramesPerSecond int `yaml:"max_frames_per_second" env:"QC_WS_MAX_FRAMES_PER_SECOND"`
	MaxFrameBytes      int `yaml:"max_frame_bytes" env:"QC_WS_MAX_FRAME_BYTES"`
}

// Relay configures the AMQP notification relay between server instances.
type Relay struct {
	AMQPURL  string `yaml:"amqp_url" env:"QC_AMQP_URL"` // empty disables the relay
	Exchange string `yaml:"exchange" env:"QC_AMQP_EXCHANGE"`
	Queue    string `yaml:"queue" env:"QC_AMQP_QUEUE"`
}

// ---------------------------------------------------------------------------
// Defaults and validation
// ---------------------------------------------------------------------------

// Default returns the configuration used when a key is absent from the file.
func Default() *Config {
	return &Config{
		Server: Server{
			Host:     "0.0.0.0",
			Port:     8080,
			GRPCPort: 9090,
		},
		Storage: Storage{
			Driver:     "sqlite",
			SQLitePath: "data/quickcommerce.db",
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Auth: Auth{
			Issuer:   "quickcommerce",
			TokenTTL: 7 * 24 * time.Hour,
		},
		Dispatch: Dispatch{
			MaxActiveOrders:  3,
			EarningsRate:     0.10,
			ClaimLockTimeout: 2 * time.Second,
			ClaimRetries:     3,
		},
		Tracking: Tracking{
			ArchiveFlushInterval: 30 * time.Second,
			FeedBuffer:           256,
		},
		WebSocket: WebSocket{
			MaxFramesPerSecond: 40,
			MaxFrameBytes:      16 * 1024,
		},
		Relay: Relay{
			Exchange: "quickcommerce.events",
		},
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite driver"))
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of memory, sqlite, postgres", c.Storage.Driver))
	}
	if c.Dispatch.MaxActiveOrders <= 0 {
		errs = append(errs, errors.New("dispatch.max_active_orders must be positive"))
	}
	if c.Dispatch.EarningsRate < 0 || c.Dispatch.EarningsRate > 1 {
		errs = append(errs, errors.New("dispatch.earnings_rate must be within [0, 1]"))
	}
	if c.Dispatch.ClaimLockTimeout <= 0 {
		errs = append(errs, errors.New("dispatch.claim_lock_timeout must be positive"))
	}
	if c.Relay.AMQPURL != "" && c.Relay.Exchange == "" {
		errs = append(errs, errors.New("relay.exchange is required when relay.amqp_url is set"))
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path over Default, and
// then applies environment variable overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides overrides fields whose QC_* environment variable is set.
func applyEnvOverrides(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}
	return nil
}
