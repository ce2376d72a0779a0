package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/linechat/pkg/crypto"
	"github.com/NicolasHaas/linechat/pkg/datastore"
	"github.com/NicolasHaas/linechat/pkg/logging"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "LINECHAT_"

// Config holds server configuration.
type Config struct {
	Addr        string `yaml:"addr" env:"ADDR" validate:"required,hostname_port"`                  // TCP bind address for chat clients
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR" validate:"omitempty,hostname_port"` // HTTP bind address for /metrics (empty = disabled)

	Database DatabaseConfig `yaml:"database" env:",prefix=DATABASE_"`
	Hasher   HasherConfig   `yaml:"hasher" env:",prefix=HASHER_"`

	OutboundQueue   int           `yaml:"outbound_queue" env:"OUTBOUND_QUEUE" validate:"gte=1"`     // lines buffered per session
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT" validate:"gte=0"`       // per write; 0 = none
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT" validate:"gte=0"`         // per read; 0 = none
	MaxLineLength   int           `yaml:"max_line_length" env:"MAX_LINE_LENGTH" validate:"gte=64"`  // bytes, terminator excluded
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"gt=0"`  // bound on graceful drain
	SingleSession   bool          `yaml:"single_session" env:"SINGLE_SESSION"`                      // reject a second login for a live user
	MetricsInterval time.Duration `yaml:"metrics_interval" env:"METRICS_INTERVAL" validate:"gte=0"` // periodic metrics log; 0 = off
	LogLevel        string        `yaml:"log_level" env:"LOG_LEVEL" validate:"oneof=debug info warn warning error"`
	LogFormat       string        `yaml:"log_format" env:"LOG_FORMAT" validate:"oneof=text json"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"DRIVER" validate:"oneof=sqlite postgres"`
	DSN    string `yaml:"dsn" env:"DSN" validate:"required"`
}

// HasherConfig selects the password hashing algorithm.
type HasherConfig struct {
	Algorithm  string `yaml:"algorithm" env:"ALGORITHM" validate:"oneof=bcrypt argon2id"`
	BcryptCost int    `yaml:"bcrypt_cost" env:"BCRYPT_COST" validate:"gte=4,lte=31"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:        ":9700",
		MetricsAddr: ":9701",
		Database: DatabaseConfig{
			Driver: datastore.DriverSQLite,
			DSN:    "linechat.db",
		},
		Hasher: HasherConfig{
			Algorithm:  crypto.AlgorithmBcrypt,
			BcryptCost: 10,
		},
		OutboundQueue:   256,
		WriteTimeout:    10 * time.Second,
		MaxLineLength:   4096,
		ShutdownTimeout: 10 * time.Second,
		MetricsInterval: 60 * time.Second,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// LoadConfig layers DefaultConfig, the YAML file at path (if any) and
// LINECHAT_* variables from lookuper. A nil lookuper reads the process
// environment. The result is not validated; call Validate after applying
// command-line overrides.
func LoadConfig(ctx context.Context, path string, lookuper envconfig.Lookuper) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
		if err != nil {
			return Config{}, fmt.Errorf("server: read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("server: parse config: %w", err)
		}
	}

	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:           &cfg,
		Lookuper:         envconfig.PrefixLookuper(EnvPrefix, lookuper),
		DefaultOverwrite: true,
	}); err != nil {
		return Config{}, fmt.Errorf("server: env config: %w", err)
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and enumerations.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("server: invalid config: %s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("server: invalid config: %w", err)
	}
	return nil
}

// LoggingOptions returns the logging setup described by the config.
func (c Config) LoggingOptions() logging.Options {
	return logging.Options{Level: c.LogLevel, Format: c.LogFormat}
}

// DatastoreOptions returns the storage options described by the config.
func (c Config) DatastoreOptions() datastore.Options {
	return datastore.Options{Driver: c.Database.Driver, DSN: c.Database.DSN}
}

// HasherOptions returns the password hasher options described by the config.
func (c Config) HasherOptions() crypto.Options {
	return crypto.Options{Algorithm: c.Hasher.Algorithm, BcryptCost: c.Hasher.BcryptCost}
}

// WithPort replaces the port of addr, keeping its host.
func WithPort(addr string, port int) (string, error) {
	if port < 1 || port > 65535 {
		return "", fmt.Errorf("server: port %d out of range", port)
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = ""
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
