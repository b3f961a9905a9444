package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/gochat/internal/router"
	"github.com/Tyrowin/gochat/internal/server"
	"github.com/Tyrowin/gochat/internal/store"
)

type flags struct {
	configPath  string
	port        string
	storeDriver string
	storeDSN    string
	logLevel    string
	logFormat   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:           "gochat",
		Short:         "Real-time room chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, f)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "path to a YAML config file")
	pf.StringVar(&f.port, "port", "", "listen address, e.g. :8080")
	pf.StringVar(&f.storeDriver, "store-driver", "", "store driver: memory, sqlite3, pgx")
	pf.StringVar(&f.storeDSN, "store-dsn", "", "store data source name")
	pf.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&f.logFormat, "log-format", "", "log format: console or json")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP and WebSocket server (default)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd, f)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMigrate(cmd, f)
			},
		},
	)

	return root
}

// loadConfig layers defaults, the YAML file, .env and the process
// environment, then command-line flags.
func loadConfig(cmd *cobra.Command, f *flags) (*server.Config, error) {
	_ = godotenv.Load()

	cfg, err := server.LoadConfig(f.configPath)
	if err != nil {
		return nil, err
	}

	fs := cmd.Flags()
	if fs.Changed("port") {
		cfg.Port = f.port
	}
	if fs.Changed("store-driver") {
		cfg.Store.Driver = f.storeDriver
	}
	if fs.Changed("store-dsn") {
		cfg.Store.DSN = f.storeDSN
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	cfg.Sanitize()
	return cfg, nil
}

func openStore(ctx context.Context, cfg *server.Config, logger zerolog.Logger) (store.Store, error) {
	if cfg.Store.Driver == "memory" {
		logger.Warn().Msg("using in-memory store; data is lost on exit")
		return store.NewMemoryStore(), nil
	}

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, cfg.Store.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx, logger); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

func runServe(cmd *cobra.Command, f *flags) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}
	logger := server.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	if cfg.UsesDefaultSecret() {
		logger.Warn().Msg("JWT_SECRET not set; using the development secret")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer func() { _ = st.Close() }()

	rt := router.New(st, logger)

	// The router outlives the HTTP server so closing sessions can still
	// disconnect cleanly.
	routerCtx, stopRouter := context.WithCancel(context.Background())
	defer stopRouter()

	g, gctx := errgroup.WithContext(ctx)
	srv := server.New(gctx, *cfg, st, rt.Handle(), logger)

	g.Go(func() error {
		if err := rt.Run(routerCtx); err != nil {
			return errors.Wrap(err, "router")
		}
		return nil
	})
	g.Go(func() error {
		defer stopRouter()
		return srv.ListenAndServe(gctx)
	})

	err = g.Wait()
	logger.Info().Err(err).Msg("server stopped")
	return err
}

func runMigrate(cmd *cobra.Command, f *flags) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}
	logger := server.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stdout)

	if cfg.Store.Driver == "memory" {
		return errors.New("the memory store has nothing to migrate")
	}

	st, err := store.Open(cmd.Context(), cfg.Store.Driver, cfg.Store.DSN, cfg.Store.MaxOpenConns)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	return st.Migrate(cmd.Context(), logger)
}
