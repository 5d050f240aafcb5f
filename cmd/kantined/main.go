package main

import (
	"context"
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

	"github.com/nordvang/kantine/internal/api"
	"github.com/nordvang/kantine/internal/store/gormstore"
	"github.com/nordvang/kantine/internal/store/pgstore"
	"github.com/nordvang/kantine/internal/vipps"
	"github.com/nordvang/kantine/internal/workflows"
	"github.com/nordvang/kantine/pkg/ledger"
)

const (
	flagDatabaseURL  = "database-url"
	flagListenAddr   = "listen-addr"
	flagStoreBackend = "store-backend"

	configKeyDatabaseURL     = "database_url"
	configKeyListenAddr      = "listen_addr"
	configKeyStoreBackend    = "store_backend"
	configKeyJWTSecret       = "jwt_secret"
	configKeyDebtCeiling     = "debt_ceiling_dkk"
	configKeyCouponPrice     = "coupon_price_dkk"
	configKeyGatewayPrice    = "gateway_price_dkk"
	configKeyReturnURL       = "payment_return_url"
	configKeyVippsBaseURL    = "vipps_base_url"
	configKeyVippsClientID   = "vipps_client_id"
	configKeyVippsSecret     = "vipps_client_secret"
	configKeyVippsSubKey     = "vipps_subscription_key"
	configKeyVippsMerchantSN = "vipps_merchant_serial_number"

	defaultDatabaseURL  = "sqlite:///tmp/kantine.db"
	defaultListenAddr   = ":8080"
	defaultStoreBackend = "gorm"
)

type runtimeConfig struct {
	DatabaseURL  string
	ListenAddr   string
	StoreBackend string
	JWTSecret    string

	DebtCeilingDKK  int
	CouponPriceDKK  int
	GatewayPriceDKK int
	ReturnURL       string

	Vipps vipps.Config
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kantined: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "kantined",
		Short:         "Canteen credit ledger HTTP server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (postgres:// or sqlite://)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagStoreBackend, defaultStoreBackend, "storage backend: gorm or pgx")

	cmd.AddCommand(newTokenCommand())

	return cmd
}

func newTokenCommand() *cobra.Command {
	var (
		userID int64
		admin  bool
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:           "token",
		Short:         "Mint a session token for a user",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("jwt secret is required (JWT_SECRET)")
			}
			if userID <= 0 {
				return fmt.Errorf("user id must be positive")
			}
			token, err := api.MintSessionToken([]byte(secret), "kantined", time.Now(), ttl, userID, admin)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id the token authenticates")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:     "DATABASE_URL",
		configKeyListenAddr:      "LISTEN_ADDR",
		configKeyStoreBackend:    "STORE_BACKEND",
		configKeyJWTSecret:       "JWT_SECRET",
		configKeyDebtCeiling:     "DEBT_CEILING_DKK",
		configKeyCouponPrice:     "COUPON_PRICE_DKK",
		configKeyGatewayPrice:    "GATEWAY_PRICE_DKK",
		configKeyReturnURL:       "PAYMENT_RETURN_URL",
		configKeyVippsBaseURL:    "VIPPS_BASE_URL",
		configKeyVippsClientID:   "VIPPS_CLIENT_ID",
		configKeyVippsSecret:     "VIPPS_CLIENT_SECRET",
		configKeyVippsSubKey:     "VIPPS_SUBSCRIPTION_KEY",
		configKeyVippsMerchantSN: "VIPPS_MERCHANT_SERIAL_NUMBER",
	}
	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:  flagDatabaseURL,
		configKeyListenAddr:   flagListenAddr,
		configKeyStoreBackend: flagStoreBackend,
	}
	for key, flag := range flagBindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
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
	cfg.StoreBackend = viper.GetString(configKeyStoreBackend)
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = defaultStoreBackend
	}
	cfg.JWTSecret = viper.GetString(configKeyJWTSecret)
	if cfg.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required (JWT_SECRET)")
	}

	cfg.DebtCeilingDKK = viper.GetInt(configKeyDebtCeiling)
	if cfg.DebtCeilingDKK <= 0 {
		cfg.DebtCeilingDKK = ledger.DefaultDebtCeilingDKK
	}
	cfg.CouponPriceDKK = viper.GetInt(configKeyCouponPrice)
	cfg.GatewayPriceDKK = viper.GetInt(configKeyGatewayPrice)
	cfg.ReturnURL = viper.GetString(configKeyReturnURL)

	cfg.Vipps = vipps.Config{
		BaseURL:              viper.GetString(configKeyVippsBaseURL),
		ClientID:             viper.GetString(configKeyVippsClientID),
		ClientSecret:         viper.GetString(configKeyVippsSecret),
		SubscriptionKey:      viper.GetString(configKeyVippsSubKey),
		MerchantSerialNumber: viper.GetString(configKeyVippsMerchantSN),
	}

	switch cfg.StoreBackend {
	case "gorm", "pgx":
	default:
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	if cfg.StoreBackend == "pgx" && !isPostgresURL(cfg.DatabaseURL) {
		return fmt.Errorf("pgx backend requires a postgres:// database url")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer cleanup()

	now := func() time.Time { return time.Now().UTC() }
	engine, err := ledger.NewService(store, now,
		ledger.WithOperationLogger(ledger.NewZapOperationLogger(logger)),
		ledger.WithDebtPolicy(ledger.DebtPolicy{CeilingDKK: cfg.DebtCeilingDKK}),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	lunch := workflows.NewLunch(engine)
	purchases := workflows.NewPurchases(engine, cfg.CouponPriceDKK, nil)
	admin := workflows.NewAdmin(engine)

	var gateway *workflows.Gateway
	if cfg.Vipps.ClientID != "" {
		client, clientErr := vipps.NewClient(cfg.Vipps)
		if clientErr != nil {
			return fmt.Errorf("vipps client init: %w", clientErr)
		}
		gateway = workflows.NewGateway(engine, client, cfg.GatewayPriceDKK, cfg.ReturnURL)
	} else {
		logger.Warn("payment gateway disabled, no vipps credentials configured")
	}

	server := api.NewServer(logger, engine, lunch, purchases, gateway, admin, []byte(cfg.JWTSecret))
	httpServer := server.HTTPServer(cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", zap.String("listen_addr", cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			return shutdownErr
		}
		if serveErr := <-errCh; serveErr != nil && serveErr != http.ErrServerClosed {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if serveErr == http.ErrServerClosed {
			return nil
		}
		return serveErr
	}
}

func openStore(ctx context.Context, cfg *runtimeConfig) (ledger.Store, func() error, error) {
	if cfg.StoreBackend == "pgx" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), cleanup, nil
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if driver == "sqlite" {
		if err := gormstore.AutoMigrate(gormDB); err != nil {
			_ = cleanup()
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return gormstore.New(gormDB), cleanup, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func resolveDriver(dsn string) (string, string, error) {
	if isPostgresURL(dsn) {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "kantine.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
