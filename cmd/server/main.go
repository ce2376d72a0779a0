// Command server runs the linechat TCP chat server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/NicolasHaas/linechat/pkg/account"
	"github.com/NicolasHaas/linechat/pkg/crypto"
	"github.com/NicolasHaas/linechat/pkg/datastore"
	"github.com/NicolasHaas/linechat/pkg/logging"
	"github.com/NicolasHaas/linechat/pkg/server"
	"github.com/NicolasHaas/linechat/pkg/version"
)

func main() {
	if err := newRootCmd(&flags{}).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// flags holds command-line overrides. Only flags the user actually set are
// applied on top of the file and environment config.
type flags struct {
	configPath    string
	port          int
	addr          string
	metricsAddr   string
	dbDriver      string
	dsn           string
	logLevel      string
	logFormat     string
	singleSession bool
}

func newRootCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the linechat chat server",
		Long: `linechat is a multi-client TCP chat server. Clients log in or register
over a plain text line protocol, then chat in a single shared room.

Configuration is read from defaults, an optional YAML file (--config),
LINECHAT_* environment variables and finally command-line flags.`,
		SilenceUsage: true,
		Version:      version.String(),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd, f)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "YAML config file")
	pf.StringVar(&f.dbDriver, "db-driver", "", "Storage driver: sqlite or postgres")
	pf.StringVar(&f.dsn, "db", "", "SQLite file path or PostgreSQL DSN")
	pf.StringVar(&f.logLevel, "log-level", "", "Log level: "+logging.LevelNames())
	pf.StringVar(&f.logFormat, "log-format", "", "Log format: text or json")

	fl := cmd.Flags()
	fl.IntVarP(&f.port, "port", "p", 0, "TCP port for chat clients (overrides the port of --addr)")
	fl.StringVar(&f.addr, "addr", "", "TCP bind address for chat clients")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "HTTP bind address for /metrics (empty to disable)")
	fl.BoolVar(&f.singleSession, "single-session", false, "Reject a login while the user already has a live session")

	cmd.AddCommand(newExportUsersCmd(f), newExportMessagesCmd(f), newVersionCmd())
	return cmd
}

// loadConfig builds the effective config for cmd and validates it.
func loadConfig(cmd *cobra.Command, f *flags) (server.Config, error) {
	cfg, err := server.LoadConfig(cmd.Context(), f.configPath, nil)
	if err != nil {
		return server.Config{}, err
	}

	changed := func(name string) bool {
		fl := cmd.Flags().Lookup(name)
		return fl != nil && fl.Changed
	}
	if changed("addr") {
		cfg.Addr = f.addr
	}
	if changed("port") {
		if cfg.Addr, err = server.WithPort(cfg.Addr, f.port); err != nil {
			return server.Config{}, err
		}
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if changed("single-session") {
		cfg.SingleSession = f.singleSession
	}
	if changed("db-driver") {
		cfg.Database.Driver = f.dbDriver
	}
	if changed("db") {
		cfg.Database.DSN = f.dsn
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = f.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return server.Config{}, err
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, f *flags) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}

	opts := cfg.LoggingOptions()
	opts.Output = os.Stdout
	logger, err := logging.Setup(opts)
	if err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	logger.Info("starting linechat", "version", version.Full(), "addr", cfg.Addr, "db_driver", cfg.Database.Driver)

	ctx := cmd.Context()
	st, err := datastore.Open(ctx, cfg.DatastoreOptions())
	if err != nil {
		logger.Error("open database", "err", err)
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("close database", "err", err)
		}
	}()

	hasher, err := crypto.New(cfg.HasherOptions())
	if err != nil {
		return err
	}
	creds, err := account.New(st, hasher)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, server.Dependencies{
		Credentials: creds,
		Messages:    st,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "err", err)
		return err
	}
	logger.Info("server stopped")
	return nil
}

// openStore opens the configured store for the export commands. Logging goes
// to stderr so the YAML on stdout stays clean.
func openStore(cmd *cobra.Command, f *flags) (*datastore.SQLStore, error) {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return nil, err
	}
	opts := cfg.LoggingOptions()
	opts.Output = os.Stderr
	if _, err := logging.Setup(opts); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}

	st, err := datastore.Open(cmd.Context(), cfg.DatastoreOptions())
	if err != nil {
		slog.Error("open database", "err", err)
		return nil, err
	}
	return st, nil
}
