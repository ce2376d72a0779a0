package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "linechat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(context.Background(), "", envconfig.MapLookuper(nil))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeConfig(t, `
addr: "127.0.0.1:7000"
metrics_addr: ""
single_session: true
idle_timeout: 5m
database:
  driver: postgres
  dsn: postgres://chat@localhost/chat
hasher:
  algorithm: argon2id
`)
	cfg, err := LoadConfig(context.Background(), path, envconfig.MapLookuper(nil))
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:7000", cfg.Addr)
	require.Empty(t, cfg.MetricsAddr)
	require.True(t, cfg.SingleSession)
	require.Equal(t, 5*time.Minute, cfg.IdleTimeout)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, "postgres://chat@localhost/chat", cfg.Database.DSN)
	require.Equal(t, "argon2id", cfg.Hasher.Algorithm)
	// Fields absent from the file keep their defaults.
	require.Equal(t, DefaultConfig().OutboundQueue, cfg.OutboundQueue)
	require.Equal(t, DefaultConfig().Hasher.BcryptCost, cfg.Hasher.BcryptCost)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigEnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, "addr: \"127.0.0.1:7000\"\nlog_level: info\n")
	env := envconfig.MapLookuper(map[string]string{
		"LINECHAT_ADDR":             ":7100",
		"LINECHAT_LOG_LEVEL":        "debug",
		"LINECHAT_WRITE_TIMEOUT":    "3s",
		"LINECHAT_SINGLE_SESSION":   "true",
		"LINECHAT_DATABASE_DSN":     "/tmp/chat.db",
		"LINECHAT_HASHER_ALGORITHM": "argon2id",
		"ADDR":                      ":1", // unprefixed keys are ignored
	})

	cfg, err := LoadConfig(context.Background(), path, env)
	require.NoError(t, err)
	require.Equal(t, ":7100", cfg.Addr)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 3*time.Second, cfg.WriteTimeout)
	require.True(t, cfg.SingleSession)
	require.Equal(t, "/tmp/chat.db", cfg.Database.DSN)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, "argon2id", cfg.Hasher.Algorithm)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"), envconfig.MapLookuper(nil))
	require.ErrorContains(t, err, "read config")

	_, err = LoadConfig(context.Background(), writeConfig(t, "addr: [1, 2"), envconfig.MapLookuper(nil))
	require.ErrorContains(t, err, "parse config")

	_, err = LoadConfig(context.Background(), "", envconfig.MapLookuper(map[string]string{
		"LINECHAT_OUTBOUND_QUEUE": "lots",
	}))
	require.ErrorContains(t, err, "env config")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty addr", func(c *Config) { c.Addr = "" }, "Addr"},
		{"addr without port", func(c *Config) { c.Addr = "localhost" }, "Addr"},
		{"bad metrics addr", func(c *Config) { c.MetricsAddr = "nope" }, "MetricsAddr"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "Driver"},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }, "DSN"},
		{"unknown hasher", func(c *Config) { c.Hasher.Algorithm = "md5" }, "Algorithm"},
		{"bcrypt cost too high", func(c *Config) { c.Hasher.BcryptCost = 40 }, "BcryptCost"},
		{"zero queue", func(c *Config) { c.OutboundQueue = 0 }, "OutboundQueue"},
		{"tiny max line", func(c *Config) { c.MaxLineLength = 10 }, "MaxLineLength"},
		{"zero shutdown timeout", func(c *Config) { c.ShutdownTimeout = 0 }, "ShutdownTimeout"},
		{"unknown log level", func(c *Config) { c.LogLevel = "verbose" }, "LogLevel"},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }, "LogFormat"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.ErrorContains(t, err, tc.field)
		})
	}

	cfg := DefaultConfig()
	cfg.MetricsAddr = ""
	require.NoError(t, cfg.Validate(), "metrics may be disabled")
}

func TestConfigOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "debug"
	cfg.LogFormat = "json"
	cfg.Database.DSN = "x.db"
	cfg.Hasher.BcryptCost = 12

	require.Equal(t, "debug", cfg.LoggingOptions().Level)
	require.Equal(t, "json", cfg.LoggingOptions().Format)
	require.Equal(t, "sqlite", cfg.DatastoreOptions().Driver)
	require.Equal(t, "x.db", cfg.DatastoreOptions().DSN)
	require.Equal(t, "bcrypt", cfg.HasherOptions().Algorithm)
	require.Equal(t, 12, cfg.HasherOptions().BcryptCost)
}

func TestWithPort(t *testing.T) {
	tests := []struct {
		addr string
		port int
		want string
	}{
		{":9700", 8000, ":8000"},
		{"127.0.0.1:9700", 8000, "127.0.0.1:8000"},
		{"[::1]:9700", 8000, "[::1]:8000"},
		{"garbage", 8000, ":8000"},
	}
	for _, tc := range tests {
		got, err := WithPort(tc.addr, tc.port)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}

	_, err := WithPort(":9700", 0)
	require.Error(t, err)
	_, err = WithPort(":9700", 70000)
	require.Error(t, err)
}
