// Package config loads and validates the market service configuration.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ThrottleConfig bounds per-principal submission rates on the HTTP surface.
type ThrottleConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`
	Burst   int     `yaml:"burst"`
}

// APIServerConfig configures the HTTP API.
type APIServerConfig struct {
	Addr              string         `yaml:"addr"`
	ReadHeaderTimeout time.Duration  `yaml:"readHeaderTimeout"`
	Throttle          ThrottleConfig `yaml:"throttle"`
}

// LedgerConfig tunes the single-writer engine.
type LedgerConfig struct {
	LockTTL          time.Duration `yaml:"lockTTL"`
	CommandQueueSize int           `yaml:"commandQueueSize"`
	SweepInterval    time.Duration `yaml:"sweepInterval"`
	SinkBuffer       int           `yaml:"sinkBuffer"`
	SinkTimeout      time.Duration `yaml:"sinkTimeout"`
}

// EventbusConfig sets in-memory event bus sizing characteristics.
type EventbusConfig struct {
	BufferSize    int                 `yaml:"bufferSize"`
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
}

// FanoutWorkerCount returns the resolved worker count for the bus.
func (c EventbusConfig) FanoutWorkerCount() int {
	return c.FanoutWorkers.Count()
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	Enabled           bool          `yaml:"enabled"`
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/gridmarket"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// OutboxConfig controls durable event delivery. It requires the database.
type OutboxConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ReplayInterval time.Duration `yaml:"replayInterval"`
	BatchSize      int           `yaml:"batchSize"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the market service configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Ledger      LedgerConfig    `yaml:"ledger"`
	Eventbus    EventbusConfig  `yaml:"eventbus"`
	Database    DatabaseConfig  `yaml:"database"`
	Outbox      OutboxConfig    `yaml:"outbox"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Default returns the configuration used when no file is present.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		APIServer: APIServerConfig{
			Addr:              ":8880",
			ReadHeaderTimeout: 5 * time.Second,
			Throttle:          ThrottleConfig{Enabled: true, Rate: 20, Burst: 40},
		},
		Ledger: LedgerConfig{
			LockTTL:          30 * time.Second,
			CommandQueueSize: 256,
			SweepInterval:    time.Minute,
			SinkBuffer:       1024,
			SinkTimeout:      5 * time.Second,
		},
		Eventbus: EventbusConfig{BufferSize: 1024},
		Outbox: OutboxConfig{
			ReplayInterval: time.Second,
			BatchSize:      128,
			MaxBackoff:     30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "gridmarketd",
			OTLPInsecure: true,
		},
	}
	cfg.Database.applyDefaults()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file. Keys
// absent from the file keep their Default values.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	return decode(reader)
}

// LoadOrDefault behaves like Load but falls back to Default when the file
// does not exist. The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), false, nil
	}
	return AppConfig{}, false, err
}

func decode(reader io.Reader) (AppConfig, error) {
	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	switch c.Environment {
	case "development":
		c.Environment = EnvDev
	case "production":
		c.Environment = EnvProd
	}
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Throttle.Enabled && c.APIServer.Throttle.Burst <= 0 {
		c.APIServer.Throttle.Burst = 1
	}
	if c.Ledger.SweepInterval < 0 {
		c.Ledger.SweepInterval = 0
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Database.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if c.APIServer.Throttle.Enabled && c.APIServer.Throttle.Rate <= 0 {
		return fmt.Errorf("apiServer throttle rate must be >0 when enabled")
	}

	if c.Ledger.LockTTL <= 0 {
		return fmt.Errorf("ledger lockTTL must be >0")
	}
	if c.Ledger.CommandQueueSize <= 0 {
		return fmt.Errorf("ledger commandQueueSize must be >0")
	}
	if c.Ledger.SinkBuffer <= 0 {
		return fmt.Errorf("ledger sinkBuffer must be >0")
	}
	if c.Ledger.SinkTimeout <= 0 {
		return fmt.Errorf("ledger sinkTimeout must be >0")
	}

	if c.Eventbus.BufferSize <= 0 {
		return fmt.Errorf("eventbus bufferSize must be >0")
	}
	if c.Eventbus.FanoutWorkerCount() <= 0 {
		return fmt.Errorf("eventbus fanoutWorkers must be >0")
	}

	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.Outbox.Enabled {
		if !c.Database.Enabled {
			return fmt.Errorf("outbox requires database.enabled")
		}
		if c.Outbox.ReplayInterval <= 0 {
			return fmt.Errorf("outbox replayInterval must be >0")
		}
		if c.Outbox.BatchSize <= 0 {
			return fmt.Errorf("outbox batchSize must be >0")
		}
		if c.Outbox.MaxBackoff < c.Outbox.ReplayInterval {
			return fmt.Errorf("outbox maxBackoff must be >= replayInterval")
		}
	}

	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
