// Command crmtwin serves a local stand-in for the CRM REST API, so the
// bonus engine can run end to end without a live CRM account.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/svitloshop/bonusledger/internal/crm"
	"github.com/svitloshop/bonusledger/internal/crmtwin"
	"github.com/svitloshop/bonusledger/internal/crmtwin/gormstore"
	"github.com/svitloshop/bonusledger/internal/crmtwin/pgstore"
)

const (
	flagDatabaseURL = "database-url"
	flagListenAddr  = "listen-addr"
	flagAPIToken    = "api-token"
	flagStoreKind   = "store"

	configKeyDatabaseURL = "database_url"
	configKeyListenAddr  = "listen_addr"
	configKeyAPIToken    = "api_token"
	configKeyStoreKind   = "store"

	storeKindPgx  = "pgx"
	storeKindGorm = "gorm"

	defaultDatabaseURL = "sqlite:///tmp/crmtwin.db"
	defaultListenAddr  = ":8081"

	shutdownTimeout = 5 * time.Second
)

type runtimeConfig struct {
	DatabaseURL string
	ListenAddr  string
	APIToken    string
	StoreKind   string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "crmtwin: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "crmtwin",
		Short:         "Local CRM twin serving the buyer, order, and pipeline card API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "sqlite:// path or postgres:// connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAPIToken, "", "Bearer token required from clients; empty disables auth")
	cmd.Flags().String(flagStoreKind, storeKindPgx, "Backend for postgres URLs: pgx or gorm")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL: "TWIN_DATABASE_URL",
		configKeyListenAddr:  "TWIN_LISTEN_ADDR",
		configKeyAPIToken:    "TWIN_API_TOKEN",
		configKeyStoreKind:   "TWIN_STORE",
	}
	for key, envName := range bindings {
		if err := viper.BindEnv(key, envName); err != nil {
			return err
		}
	}
	flags := map[string]string{
		configKeyDatabaseURL: flagDatabaseURL,
		configKeyListenAddr:  flagListenAddr,
		configKeyAPIToken:    flagAPIToken,
		configKeyStoreKind:   flagStoreKind,
	}
	for key, flagName := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.APIToken = viper.GetString(configKeyAPIToken)
	cfg.StoreKind = viper.GetString(configKeyStoreKind)
	if cfg.StoreKind == "" {
		cfg.StoreKind = storeKindPgx
	}
	if cfg.StoreKind != storeKindPgx && cfg.StoreKind != storeKindGorm {
		return fmt.Errorf("unknown store kind %q", cfg.StoreKind)
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg.DatabaseURL, cfg.StoreKind)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer cleanup()

	router := crmtwin.NewRouter(store, crmtwin.ServerConfig{
		APIToken: cfg.APIToken,
		Fields:   crm.DefaultFieldIDs(),
	}, logger)

	server := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("twin server starting", zap.String("listen_addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			return nil
		}
		return serveErr
	}
}

func openStore(ctx context.Context, dsn string, storeKind string) (crmtwin.Store, func(), error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		if storeKind == storeKindGorm {
			return openGormStore(postgres.Open(dsn))
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		store := pgstore.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	}

	sqlitePath, err := resolveSQLitePath(dsn)
	if err != nil {
		return nil, nil, err
	}
	return openGormStore(sqlite.Open(sqlitePath))
}

func openGormStore(dialector gorm.Dialector) (crmtwin.Store, func(), error) {
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, nil, err
	}
	store, err := gormstore.New(db)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = sqlDB.Close() }, nil
}

func resolveSQLitePath(dsn string) (string, error) {
	path := dsn
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path = parsed.Path
		if path == "" {
			path = parsed.Host
		}
	}
	if path == "" || path == "/" {
		path = "crmtwin.db"
	}
	if path == ":memory:" {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, nil
}
