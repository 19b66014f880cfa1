package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type GRPC struct {
	Addr string `yaml:"addr"`
}

type HTTP struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
	// AllowedOrigins for CORS; empty means any origin.
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

type Logging struct {
	Env       string `yaml:"env"`       // dev|stage|prod
	Service   string `yaml:"service"`   // canvas-sync
	Version   string `yaml:"version"`   // v0.1.0
	Backend   string `yaml:"backend"`   // std|zap
	Level     string `yaml:"level"`     // debug|info|warn|error
	AddSource bool   `yaml:"addSource"` // false|true
	Debug     bool   `yaml:"debug"`     // false|true
}

type Postgres struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
}

type SQLite struct {
	Path string `yaml:"path"`
}

type Storage struct {
	Driver   string   `yaml:"driver"` // postgres|sqlite|memory
	Postgres Postgres `yaml:"postgres"`
	SQLite   SQLite   `yaml:"sqlite"`
}

type Relay struct {
	MaxPayloadBytes int           `yaml:"maxPayloadBytes"`
	SendBuffer      int           `yaml:"sendBuffer"`
	BacklogSize     int           `yaml:"backlogSize"`
	PingEvery       time.Duration `yaml:"pingEvery"`
	SaveTimeout     time.Duration `yaml:"saveTimeout"`
}

type Redis struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
	Prefix  string `yaml:"prefix"`
}

type Cleanup struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	MaxAge   time.Duration `yaml:"maxAge"`
}

type Config struct {
	HTTP    HTTP    `yaml:"http"`
	GRPC    GRPC    `yaml:"grpc"`
	Logging Logging `yaml:"logging"`
	Storage Storage `yaml:"storage"`
	Relay   Relay   `yaml:"relay"`
	Redis   Redis   `yaml:"redis"`
	Cleanup Cleanup `yaml:"cleanup"`
}

// Path returns the config file location honoured by LoadConfig.
func Path() string {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/config.yaml"
	}
	return path
}

func LoadConfig() (*Config, error) {
	return LoadFile(Path())
}

func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.GRPC.Addr == "" {
		return errors.New("grpc.addr is required")
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := c.Relay.validate(); err != nil {
		return err
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "relay:room:"
	}
	if c.Cleanup.Interval <= 0 {
		c.Cleanup.Interval = time.Hour
	}
	if c.Cleanup.MaxAge <= 0 {
		c.Cleanup.MaxAge = 30 * 24 * time.Hour
	}

	c.HTTP.ReadTimeout = durationOr(10*time.Second, c.HTTP.ReadTimeout)
	c.HTTP.WriteTimeout = durationOr(15*time.Second, c.HTTP.WriteTimeout)
	c.HTTP.IdleTimeout = durationOr(60*time.Second, c.HTTP.IdleTimeout)

	if c.Logging.Service == "" {
		c.Logging.Service = "canvas-sync"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	if c.Logging.Backend == "" {
		c.Logging.Backend = "std"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return nil
}

func (s *Storage) validate() error {
	if s.Driver == "" {
		s.Driver = DriverPostgres
	}
	switch s.Driver {
	case DriverPostgres:
		if s.Postgres.DSN == "" {
			return errors.New("storage.postgres.dsn is required")
		}
		if s.Postgres.MaxConns <= 0 {
			s.Postgres.MaxConns = 10
		}
		if s.Postgres.MinConns < 0 || s.Postgres.MinConns > s.Postgres.MaxConns {
			return fmt.Errorf("storage.postgres.minConns must be within [0, %d]", s.Postgres.MaxConns)
		}
		s.Postgres.MaxConnLifetime = durationOr(time.Hour, s.Postgres.MaxConnLifetime)
		s.Postgres.MaxConnIdleTime = durationOr(30*time.Minute, s.Postgres.MaxConnIdleTime)
		s.Postgres.HealthCheckPeriod = durationOr(time.Minute, s.Postgres.HealthCheckPeriod)
	case DriverSQLite:
		if s.SQLite.Path == "" {
			s.SQLite.Path = "./data/rooms.sqlite3"
		}
	case DriverMemory:
	default:
		return fmt.Errorf("storage.driver %q is not supported", s.Driver)
	}
	return nil
}

func (r *Relay) validate() error {
	if r.MaxPayloadBytes < 0 {
		return errors.New("relay.maxPayloadBytes must not be negative")
	}
	if r.MaxPayloadBytes == 0 {
		r.MaxPayloadBytes = 1 << 20
	}
	if r.SendBuffer <= 0 {
		r.SendBuffer = 256
	}
	if r.BacklogSize < 0 {
		return errors.New("relay.backlogSize must not be negative")
	}
	r.PingEvery = durationOr(15*time.Second, r.PingEvery)
	r.SaveTimeout = durationOr(10*time.Second, r.SaveTimeout)
	return nil
}

func durationOr(def, d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
