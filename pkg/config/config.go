// Package config loads the newtcheck service configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/newtcheck/pkg/util"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "~/.newtcheck/config.yaml"

// Config is the service configuration. Zero-valued fields take the values
// from Default.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	SSH      SSHConfig      `yaml:"ssh"`
	Workers  WorkersConfig  `yaml:"workers"`
	Lease    LeaseConfig    `yaml:"lease"`
	Audit    AuditConfig    `yaml:"audit"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// SSHConfig configures the device transport and session cache.
type SSHConfig struct {
	Port           int           `yaml:"port"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	Keepalive      time.Duration `yaml:"keepalive"`   // idle session sweep interval; 0 disables
	KnownHosts     string        `yaml:"known_hosts"` // empty disables host key checking
}

// WorkersConfig sizes the device worker pool.
type WorkersConfig struct {
	Count      int `yaml:"count"`
	QueueDepth int `yaml:"queue_depth"`
}

// LeaseConfig configures the cross-process device lease. Leasing is disabled
// when Addr is empty.
type LeaseConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// Enabled reports whether a lease backend is configured.
func (l LeaseConfig) Enabled() bool {
	return l.Addr != ""
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// LogConfig configures service logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8000",
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:        "~/.newtcheck/newtcheck.db",
			BusyTimeout: 5 * time.Second,
		},
		SSH: SSHConfig{
			Port:           22,
			DialTimeout:    10 * time.Second,
			CommandTimeout: 60 * time.Second,
			Keepalive:      60 * time.Second,
		},
		Workers: WorkersConfig{
			Count:      8,
			QueueDepth: 64,
		},
		Lease: LeaseConfig{
			TTL: 5 * time.Minute,
		},
		Audit: AuditConfig{
			Path:       "~/.newtcheck/audit.log",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the config at path over Default. A missing file at the default
// path yields the defaults; a missing file at an explicit path is an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	cfg := Default()

	data, err := os.ReadFile(util.ExpandHome(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			cfg.expand()
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) expand() {
	c.Database.Path = util.ExpandHome(c.Database.Path)
	c.Audit.Path = util.ExpandHome(c.Audit.Path)
	c.SSH.KnownHosts = util.ExpandHome(c.SSH.KnownHosts)
}

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	v := &util.ValidationBuilder{}
	v.Add(c.Server.Listen != "", "server.listen is required")
	v.Add(c.Database.Path != "", "database.path is required")
	v.Add(c.SSH.Port > 0 && c.SSH.Port < 65536, fmt.Sprintf("ssh.port %d out of range", c.SSH.Port))
	v.Add(c.SSH.DialTimeout > 0, "ssh.dial_timeout must be positive")
	v.Add(c.SSH.CommandTimeout > 0, "ssh.command_timeout must be positive")
	v.Add(c.SSH.Keepalive >= 0, "ssh.keepalive must not be negative")
	v.Add(c.Workers.Count > 0, "workers.count must be positive")
	v.Add(c.Workers.QueueDepth > 0, "workers.queue_depth must be positive")
	if c.Lease.Enabled() {
		v.Add(c.Lease.TTL > 0, "lease.ttl must be positive")
		v.Add(c.Lease.DB >= 0, "lease.db must not be negative")
	}
	v.Add(c.Audit.MaxSizeMB >= 0, "audit.max_size_mb must not be negative")
	v.Add(c.Audit.MaxBackups >= 0, "audit.max_backups must not be negative")
	switch c.Log.Format {
	case "", "text", "json":
	default:
		v.AddErrorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return v.Build()
}

// AuditMaxBytes is the rotation threshold in bytes; 0 disables rotation.
func (c *Config) AuditMaxBytes() int64 {
	return int64(c.Audit.MaxSizeMB) << 20
}

// Write saves cfg as YAML at path, creating parent directories.
func (c *Config) Write(path string) error {
	path = util.ExpandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
