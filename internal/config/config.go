package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Recorder       RecorderConfig       `yaml:"recorder"`
	Upstream       RecorderConfig       `yaml:"upstream"`
	Process        ProcessConfig        `yaml:"process"`
	Server         ServerConfig         `yaml:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
}

// RecorderConfig selects and configures a recorder backend.
type RecorderConfig struct {
	Driver        string         `yaml:"driver"` // "memory", "sqlite" or "postgres"
	EventsTable   string         `yaml:"events_table"`
	TrackingTable string         `yaml:"tracking_table"`
	CreateTables  bool           `yaml:"create_tables"`
	SQLite        SQLiteConfig   `yaml:"sqlite"`
	Postgres      DatabaseConfig `yaml:"postgres"`
}

// SQLiteConfig holds embedded database settings.
type SQLiteConfig struct {
	Path        string        `yaml:"path"` // file path or ":memory:"
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`

	// LockTimeout bounds how long a writer waits for the events table lock.
	// Zero leaves the server default.
	LockTimeout time.Duration `yaml:"lock_timeout"`
	// IdleInTransactionTimeout makes the server abort sessions that hold a
	// transaction open without activity. Zero leaves the server default.
	IdleInTransactionTimeout time.Duration `yaml:"idle_in_transaction_timeout"`
	MaxOpenConns             int           `yaml:"max_open_conns"`
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ProcessConfig configures the follower that consumes an upstream
// application's notifications.
type ProcessConfig struct {
	Enabled bool `yaml:"enabled"`
	// Upstream is the tracking name of the application being followed.
	Upstream     string        `yaml:"upstream"`
	Topics       []string      `yaml:"topics"`
	BatchSize    int           `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	// OTLPEndpoint is the collector address. When empty nothing is
	// exported and logs go to stderr as JSON.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	LogLevel     string `yaml:"log_level"` // debug, info, warn or error
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// DefaultRecorder returns the recorder defaults applied by Load.
func DefaultRecorder() RecorderConfig {
	return RecorderConfig{
		Driver:        "sqlite",
		EventsTable:   "stored_events",
		TrackingTable: "tracking",
		CreateTables:  true,
		SQLite: SQLiteConfig{
			Path:        "events.db",
			BusyTimeout: 5 * time.Second,
		},
		Postgres: DatabaseConfig{
			Host:         "localhost",
			Port:         5432,
			SSLMode:      "disable",
			MaxOpenConns: 10,
		},
	}
}

// Default returns the configuration used when a field is absent from the file.
func Default() *Config {
	upstream := DefaultRecorder()
	upstream.Driver = ""
	upstream.CreateTables = false
	return &Config{
		Recorder: DefaultRecorder(),
		Upstream: upstream,
		Process: ProcessConfig{
			BatchSize:    100,
			PollInterval: time.Second,
		},
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "eventrecorder",
			ServiceVersion: "0.1.0",
			LogLevel:       "info",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "eventrecorder-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
	}
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// validate checks configuration invariants.
func (c *Config) validate() error {
	if err := c.Recorder.Validate(); err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	if c.Process.Enabled {
		if c.Upstream.Driver == "" {
			return fmt.Errorf("process: enabled without an upstream recorder")
		}
		if err := c.Upstream.Validate(); err != nil {
			return fmt.Errorf("upstream: %w", err)
		}
		if c.Process.Upstream == "" {
			return fmt.Errorf("process: upstream application name is required")
		}
		if c.Process.BatchSize <= 0 {
			return fmt.Errorf("process: batch_size must be positive, got %d", c.Process.BatchSize)
		}
	}
	return nil
}

// Validate checks a single recorder section.
func (r RecorderConfig) Validate() error {
	switch r.Driver {
	case "memory", "sqlite", "postgres":
		// valid
	default:
		return fmt.Errorf("unsupported driver %q: must be \"memory\", \"sqlite\" or \"postgres\"", r.Driver)
	}
	for _, name := range []string{r.EventsTable, r.TrackingTable} {
		if !identifier.MatchString(name) {
			return fmt.Errorf("invalid table name %q", name)
		}
	}
	if r.Driver == "sqlite" {
		if r.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
		for _, name := range []string{r.EventsTable, r.TrackingTable} {
			if strings.Contains(name, ".") {
				return fmt.Errorf("sqlite does not support schema-qualified table %q", name)
			}
		}
	}
	if r.EventsTable == r.TrackingTable {
		return fmt.Errorf("events and tracking tables must differ, both are %q", r.EventsTable)
	}
	return nil
}
