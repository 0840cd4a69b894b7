// Package config loads service configuration from an optional YAML file and
// environment variables. Environment variables win over the file; both fall
// back to local-development defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/model"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Store  StoreConfig  `yaml:"store"`
	Expiry ExpiryConfig `yaml:"expiry"`
	Worker WorkerConfig `yaml:"worker"`
	Events EventsConfig `yaml:"events"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig holds PostgreSQL connection settings, or the SQLite path when
// Driver is "sqlite".
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	SSLMode         string        `yaml:"sslmode"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	SQLitePath      string        `yaml:"sqlite_path"`
	BusyTimeout     time.Duration `yaml:"busy_timeout"`
}

// DSN builds a libpq-compatible connection string.
func (c StoreConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// ExpiryConfig tunes a single sweep.
type ExpiryConfig struct {
	// GraceWindow is how long the booking flow keeps a reservation pending.
	GraceWindow time.Duration `yaml:"grace_window"`
	// BatchSize caps candidates per sweep; 0 means no cap.
	BatchSize int `yaml:"batch_size"`
	// Concurrency is how many candidates are cancelled in parallel.
	Concurrency int `yaml:"concurrency"`
	// MaxPerSecond throttles cancellations; 0 disables the throttle.
	MaxPerSecond float64       `yaml:"max_per_second"`
	ItemTimeout  time.Duration `yaml:"item_timeout"`
}

// WorkerConfig controls the trigger. Only one worker should run against a
// store: either the embedded one in the ops server or the dedicated worker
// binary, never both.
type WorkerConfig struct {
	Embedded bool          `yaml:"embedded"`
	JobID    string        `yaml:"job_id"`
	Interval time.Duration `yaml:"interval"`
	// Schedule is an optional cron expression that replaces Interval.
	Schedule            string        `yaml:"schedule"`
	MaxConcurrentSweeps int           `yaml:"max_concurrent_sweeps"`
	RunOnStart          bool          `yaml:"run_on_start"`
	StopTimeout         time.Duration `yaml:"stop_timeout"`
}

// EventsConfig enables publishing cancellation events to NATS when URL is set.
type EventsConfig struct {
	NatsURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// Default returns the local-development configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "console"},
		Store: StoreConfig{
			Driver:          DriverPostgres,
			Host:            "localhost",
			Port:            "5432",
			User:            "postgres",
			Password:        "postgres",
			DBName:          "escaperooms",
			SSLMode:         "disable",
			MaxConns:        20,
			MinConns:        2,
			MaxConnLifetime: 30 * time.Minute,
			ConnectAttempts: 5,
			SQLitePath:      "./data/escaperooms.db",
			BusyTimeout:     5 * time.Second,
		},
		Expiry: ExpiryConfig{
			GraceWindow: model.DefaultGraceWindow,
			Concurrency: 1,
			ItemTimeout: 10 * time.Second,
		},
		Worker: WorkerConfig{
			Embedded:            true,
			JobID:               "cancel_expired_reservations",
			Interval:            time.Minute,
			MaxConcurrentSweeps: 1,
			StopTimeout:         30 * time.Second,
		},
		Events: EventsConfig{Subject: "reservations.cancelled"},
	}
}

// Load reads path (if non-empty), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)

	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.Store.Host = getEnv("DB_HOST", c.Store.Host)
	c.Store.Port = getEnv("DB_PORT", c.Store.Port)
	c.Store.User = getEnv("DB_USER", c.Store.User)
	c.Store.Password = getEnv("DB_PASSWORD", c.Store.Password)
	c.Store.DBName = getEnv("DB_NAME", c.Store.DBName)
	c.Store.SSLMode = getEnv("DB_SSLMODE", c.Store.SSLMode)
	c.Store.SQLitePath = getEnv("SQLITE_PATH", c.Store.SQLitePath)

	c.Events.NatsURL = getEnv("NATS_URL", c.Events.NatsURL)
	c.Worker.JobID = getEnv("WORKER_JOB_ID", c.Worker.JobID)
	c.Worker.Schedule = getEnv("WORKER_SCHEDULE", c.Worker.Schedule)

	var err error
	if c.Expiry.GraceWindow, err = getEnvDuration("EXPIRY_GRACE_WINDOW", c.Expiry.GraceWindow); err != nil {
		return err
	}
	if c.Worker.Interval, err = getEnvDuration("WORKER_INTERVAL", c.Worker.Interval); err != nil {
		return err
	}
	if c.Worker.Embedded, err = getEnvBool("WORKER_EMBEDDED", c.Worker.Embedded); err != nil {
		return err
	}
	if c.Expiry.BatchSize, err = getEnvInt("EXPIRY_BATCH_SIZE", c.Expiry.BatchSize); err != nil {
		return err
	}
	return nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("store.driver: unsupported driver %q", c.Store.Driver))
	}
	if c.Store.Driver == DriverSQLite && strings.TrimSpace(c.Store.SQLitePath) == "" {
		errs = append(errs, errors.New("store.sqlite_path: required for sqlite driver"))
	}
	if c.Expiry.GraceWindow <= 0 {
		errs = append(errs, errors.New("expiry.grace_window: must be > 0"))
	}
	if c.Expiry.BatchSize < 0 {
		errs = append(errs, errors.New("expiry.batch_size: must be >= 0"))
	}
	if c.Expiry.Concurrency < 1 {
		errs = append(errs, errors.New("expiry.concurrency: must be >= 1"))
	}
	if c.Expiry.MaxPerSecond < 0 {
		errs = append(errs, errors.New("expiry.max_per_second: must be >= 0"))
	}
	if c.Worker.Interval <= 0 {
		errs = append(errs, errors.New("worker.interval: must be > 0"))
	}
	if strings.TrimSpace(c.Worker.JobID) == "" {
		errs = append(errs, errors.New("worker.job_id: required"))
	}
	if c.Worker.MaxConcurrentSweeps != 1 {
		errs = append(errs, fmt.Errorf("worker.max_concurrent_sweeps: only 1 is supported, got %d", c.Worker.MaxConcurrentSweeps))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, v, err)
	}
	return d, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: invalid bool %q: %w", key, v, err)
	}
	return b, nil
}

func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid int %q: %w", key, v, err)
	}
	return n, nil
}
