// Package config loads the sync server configuration from defaults, an optional file and ROOMSYNC_ environment
// variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "ROOMSYNC"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Replica ReplicaConfig `mapstructure:"replica"`
	Session SessionConfig `mapstructure:"session"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type ServerConfig struct {
	// Addr is the listen address, for example ":8080".
	Addr string `mapstructure:"addr"`
	// ShutdownTimeout bounds the final flush on shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `mapstructure:"driver"`
	// Path is the sqlite database file.
	Path string `mapstructure:"path"`
}

type ReplicaConfig struct {
	FlushInterval      time.Duration `mapstructure:"flush_interval"`
	FlushEveryVersions uint64        `mapstructure:"flush_every_versions"`
	FlushAttempts      int           `mapstructure:"flush_attempts"`
	EvictTimeout       time.Duration `mapstructure:"evict_timeout"`
}

type SessionConfig struct {
	QueueSize    int           `mapstructure:"queue_size"`
	SendTimeout  time.Duration `mapstructure:"send_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// RateLimit is inbound messages per second per session; 0 disables it.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

type AuthConfig struct {
	// Mode is "header" or "token".
	Mode   string            `mapstructure:"mode"`
	Header string            `mapstructure:"header"`
	Tokens map[string]string `mapstructure:"tokens"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080", ShutdownTimeout: 30 * time.Second},
		Store:  StoreConfig{Driver: "sqlite", Path: "roomsync.db"},
		Replica: ReplicaConfig{
			FlushInterval:      5 * time.Second,
			FlushEveryVersions: 50,
			FlushAttempts:      5,
			EvictTimeout:       30 * time.Second,
		},
		Session: SessionConfig{
			QueueSize:    64,
			SendTimeout:  2 * time.Second,
			WriteTimeout: 10 * time.Second,
			RateLimit:    100,
			RateBurst:    200,
		},
		Auth:    AuthConfig{Mode: "header", Header: "X-User-Id"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// SetDefaults registers the defaults with v so that every key is known to viper, which is what lets
// environment variables override keys that appear in no file.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("replica.flush_interval", d.Replica.FlushInterval)
	v.SetDefault("replica.flush_every_versions", d.Replica.FlushEveryVersions)
	v.SetDefault("replica.flush_attempts", d.Replica.FlushAttempts)
	v.SetDefault("replica.evict_timeout", d.Replica.EvictTimeout)
	v.SetDefault("session.queue_size", d.Session.QueueSize)
	v.SetDefault("session.send_timeout", d.Session.SendTimeout)
	v.SetDefault("session.write_timeout", d.Session.WriteTimeout)
	v.SetDefault("session.rate_limit", d.Session.RateLimit)
	v.SetDefault("session.rate_burst", d.Session.RateBurst)
	v.SetDefault("auth.mode", d.Auth.Mode)
	v.SetDefault("auth.header", d.Auth.Header)
	v.SetDefault("auth.tokens", map[string]string{})
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Load reads the configuration into v. An empty path skips the file. Flags bound to v before Load take
// precedence over everything else.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidationError is a single invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// Validate returns every invalid setting joined into one error.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, field string, value any, msg string) {
		if !ok {
			errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
		}
	}

	check(c.Server.Addr != "", "server.addr", c.Server.Addr, "must be set")
	check(c.Store.Driver == "sqlite" || c.Store.Driver == "memory", "store.driver", c.Store.Driver, "must be sqlite or memory")
	check(c.Store.Driver != "sqlite" || c.Store.Path != "", "store.path", c.Store.Path, "must be set for sqlite")
	check(c.Replica.FlushInterval > 0, "replica.flush_interval", c.Replica.FlushInterval, "must be positive")
	check(c.Replica.FlushAttempts > 0, "replica.flush_attempts", c.Replica.FlushAttempts, "must be positive")
	check(c.Replica.EvictTimeout > 0, "replica.evict_timeout", c.Replica.EvictTimeout, "must be positive")
	check(c.Session.QueueSize > 0, "session.queue_size", c.Session.QueueSize, "must be positive")
	check(c.Session.SendTimeout > 0, "session.send_timeout", c.Session.SendTimeout, "must be positive")
	check(c.Session.RateLimit >= 0, "session.rate_limit", c.Session.RateLimit, "must not be negative")
	switch c.Auth.Mode {
	case "header":
		check(c.Auth.Header != "", "auth.header", c.Auth.Header, "must be set in header mode")
	case "token":
		check(len(c.Auth.Tokens) > 0, "auth.tokens", len(c.Auth.Tokens), "must not be empty in token mode")
	default:
		check(false, "auth.mode", c.Auth.Mode, "must be header or token")
	}
	check(c.Logging.Format == "text" || c.Logging.Format == "json", "logging.format", c.Logging.Format, "must be text or json")
	return errors.Join(errs...)
}
