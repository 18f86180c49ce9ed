package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/svitloshop/bonusledger/internal/crm"
	"github.com/svitloshop/bonusledger/internal/httpapi"
	"github.com/svitloshop/bonusledger/pkg/bonus"
)

const (
	flagCRMBaseURL     = "crm-base-url"
	flagCRMAPIToken    = "crm-api-token"
	flagListenAddr     = "listen-addr"
	flagAllowedOrigins = "allowed-origins"
	flagAccrualPercent = "accrual-percent"
	flagCapPercent     = "redemption-cap-percent"
	flagExpiryDays     = "expiry-days"

	configKeyCRMBaseURL     = "crm_base_url"
	configKeyCRMAPIToken    = "crm_api_token"
	configKeyListenAddr     = "listen_addr"
	configKeyAllowedOrigins = "allowed_origins"
	configKeyAccrualPercent = "accrual_percent"
	configKeyCapPercent     = "redemption_cap_percent"
	configKeyExpiryDays     = "expiry_days"

	defaultListenAddr = ":8080"
)

type runtimeConfig struct {
	CRMBaseURL     string
	CRMAPIToken    string
	ListenAddr     string
	AllowedOrigins []string
	AccrualPercent float64
	CapPercent     float64
	ExpiryDays     int
	Fields         crm.FieldIDs
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bonusd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "bonusd",
		Short:         "Loyalty bonus engine over a CRM record store",
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

	defaults := bonus.DefaultConfig()
	cmd.Flags().String(flagCRMBaseURL, "", "CRM REST API base URL")
	cmd.Flags().String(flagCRMAPIToken, "", "CRM API bearer token")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "Comma-separated CORS origins")
	cmd.Flags().Float64(flagAccrualPercent, defaults.AccrualPercent, "Share of the order total accrued as bonus points")
	cmd.Flags().Float64(flagCapPercent, defaults.RedemptionCapPercent, "Maximum share of an order payable with points")
	cmd.Flags().Int(flagExpiryDays, int(defaults.ExpiryWindow/(24*time.Hour)), "Days before unspent points expire")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyCRMBaseURL:     "CRM_BASE_URL",
		configKeyCRMAPIToken:    "CRM_API_TOKEN",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
		configKeyAccrualPercent: "ACCRUAL_PERCENT",
		configKeyCapPercent:     "REDEMPTION_CAP_PERCENT",
		configKeyExpiryDays:     "EXPIRY_DAYS",
	}
	for key, envName := range bindings {
		if err := viper.BindEnv(key, envName); err != nil {
			return err
		}
	}
	flags := map[string]string{
		configKeyCRMBaseURL:     flagCRMBaseURL,
		configKeyCRMAPIToken:    flagCRMAPIToken,
		configKeyListenAddr:     flagListenAddr,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeyAccrualPercent: flagAccrualPercent,
		configKeyCapPercent:     flagCapPercent,
		configKeyExpiryDays:     flagExpiryDays,
	}
	for key, flagName := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.CRMBaseURL = viper.GetString(configKeyCRMBaseURL)
	cfg.CRMAPIToken = viper.GetString(configKeyCRMAPIToken)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.AllowedOrigins = splitOrigins(viper.GetString(configKeyAllowedOrigins))
	cfg.AccrualPercent = viper.GetFloat64(configKeyAccrualPercent)
	cfg.CapPercent = viper.GetFloat64(configKeyCapPercent)
	cfg.ExpiryDays = viper.GetInt(configKeyExpiryDays)
	cfg.Fields = fieldIDsFromEnv()

	if cfg.CRMBaseURL == "" {
		return fmt.Errorf("CRM base URL is required")
	}
	if cfg.CRMAPIToken == "" {
		return fmt.Errorf("CRM API token is required")
	}
	return nil
}

// fieldIDsFromEnv starts from the production field layout and lets a
// deployment remap individual custom fields through the environment.
func fieldIDsFromEnv() crm.FieldIDs {
	fields := crm.DefaultFieldIDs()
	overrides := map[string]*string{
		"CRM_FIELD_ACTIVE_BALANCE":   &fields.ActiveBalance,
		"CRM_FIELD_RESERVED_BALANCE": &fields.ReservedBalance,
		"CRM_FIELD_HISTORY":          &fields.History,
		"CRM_FIELD_EXPIRY_DATE":      &fields.ExpiryDate,
		"CRM_FIELD_LEAD_RESERVE":     &fields.LeadReserve,
		"CRM_FIELD_LEAD_ORDER":       &fields.LeadOrder,
	}
	for envName, target := range overrides {
		if value := strings.TrimSpace(os.Getenv(envName)); value != "" {
			*target = value
		}
	}
	return fields
}

func splitOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	crmClient, err := crm.NewClient(crm.Config{
		BaseURL:  cfg.CRMBaseURL,
		APIToken: cfg.CRMAPIToken,
		Fields:   cfg.Fields,
	}, crm.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("crm client init: %w", err)
	}

	bonusConfig := bonus.DefaultConfig()
	bonusConfig.AccrualPercent = cfg.AccrualPercent
	bonusConfig.RedemptionCapPercent = cfg.CapPercent
	if cfg.ExpiryDays > 0 {
		bonusConfig.ExpiryWindow = time.Duration(cfg.ExpiryDays) * 24 * time.Hour
	}

	clock := func() time.Time { return time.Now().UTC() }
	service, err := bonus.NewService(crmClient, bonusConfig, clock,
		bonus.WithOperationLogger(httpapi.NewZapOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("bonus service init: %w", err)
	}

	handler := httpapi.NewHandler(service, crmClient, logger)
	serverConfig := httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	}
	return httpapi.Run(ctx, serverConfig, handler, logger)
}
