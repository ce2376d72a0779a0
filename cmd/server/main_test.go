package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/linechat/pkg/datastore"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(&flags{})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLoadConfigFlagsOverride(t *testing.T) {
	t.Setenv("LINECHAT_ADDR", "127.0.0.1:7000")
	t.Setenv("LINECHAT_LOG_LEVEL", "warn")

	f := &flags{}
	cmd := newRootCmd(f)
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd, f)
		require.NoError(t, err)
		require.Equal(t, "127.0.0.1:8123", cfg.Addr)
		require.Equal(t, "warn", cfg.LogLevel)
		require.True(t, cfg.SingleSession)
		require.Empty(t, cfg.MetricsAddr)
		return nil
	}
	cmd.SetArgs([]string{"--port", "8123", "--single-session", "--metrics-addr", ""})
	require.NoError(t, cmd.Execute())
}

func TestInvalidConfigFails(t *testing.T) {
	_, err := execute(t, "--db-driver", "mysql")
	require.ErrorContains(t, err, "Driver")

	_, err = execute(t, "--port", "0")
	require.ErrorContains(t, err, "out of range")
}

func TestExportCommands(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "chat.db")
	st, err := datastore.OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	u, err := st.CreateUser(context.Background(), "alice", "hash")
	require.NoError(t, err)
	_, err = st.SaveMessage(context.Background(), u.ID, "hello", u.CreatedAt)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := execute(t, "export-users", "--db", dbPath, "--log-level", "error")
	require.NoError(t, err)
	require.Contains(t, out, "username: alice")
	require.NotContains(t, out, "hash")

	out, err = execute(t, "export-messages", "--db", dbPath, "--user", "alice", "--log-level", "error")
	require.NoError(t, err)
	require.Contains(t, out, "text: hello")

	_, err = execute(t, "export-messages", "--db", dbPath)
	require.ErrorContains(t, err, "--user is required")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	require.Contains(t, out, "linechat ")
}
