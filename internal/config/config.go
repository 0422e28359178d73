package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditwallet/internal/billing"
	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverGorm = "gorm"
	DriverPgx  = "pgx"
)

// Keys understood by Load. Environment variables use the CREDITD_ prefix
// with dots and dashes replaced by underscores.
const (
	KeyDatabaseURL        = "database_url"
	KeyStoreDriver        = "store_driver"
	KeyListenAddr         = "listen_addr"
	KeyLockTimeout        = "lock_timeout"
	KeyAutoMigrate        = "auto_migrate"
	KeyAllowedOrigins     = "allowed_origins"
	KeyJWTSigningKey      = "jwt_signing_key"
	KeyJWTIssuer          = "jwt_issuer"
	KeyAdminUserIDs       = "admin_user_ids"
	KeyWebhookSecret      = "webhook_secret"
	KeyWebhookTolerance   = "webhook_tolerance"
	KeyWebhookProvider    = "webhook_provider"
	KeyInsecureWebhooks   = "insecure_webhooks"
	KeyCreditsPerUnit     = "credits_per_currency_unit"
	KeyResetSchedule      = "reset_schedule"
	KeyResetBatchSize     = "reset_batch_size"
	KeyRedisURL           = "redis_url"
	KeyBalanceCacheTTL    = "balance_cache_ttl"
	KeyRuleCacheTTL       = "rule_cache_ttl"
	KeyRateLimitPerSecond = "rate_limit_per_second"
	KeyRateLimitBurst     = "rate_limit_burst"
	KeyLogDevelopment     = "log_development"
	KeyTiers              = "tiers"
	KeyPricing            = "pricing"

	EnvPrefix = "CREDITD"

	defaultDatabaseURL      = "sqlite:///tmp/creditwallet.db"
	defaultListenAddr       = ":8080"
	defaultLockTimeout      = 5 * time.Second
	defaultJWTIssuer        = "creditwallet"
	defaultWebhookTolerance = 5 * time.Minute
	defaultWebhookProvider  = "stripe"
	defaultCreditsPerUnit   = "10"
	defaultResetSchedule    = "@hourly"
	defaultResetBatchSize   = 100
	defaultBalanceCacheTTL  = 30 * time.Second
	defaultRuleCacheTTL     = time.Minute
	defaultRateLimit        = 20.0
	defaultRateLimitBurst   = 40
)

// TierConfig is one subscription tier as written in the config file.
type TierConfig struct {
	Name           string   `mapstructure:"name"`
	MonthlyCredits int64    `mapstructure:"monthly_credits"`
	Policy         string   `mapstructure:"policy"`
	RolloverCap    int64    `mapstructure:"rollover_cap"`
	PriceIDs       []string `mapstructure:"price_ids"`
}

// PricingConfig is a pricing rule seeded by the migrate command.
type PricingConfig struct {
	ActionType            string `mapstructure:"action_type"`
	CostPerAction         int64  `mapstructure:"cost_per_action"`
	FreeAllowancePerMonth int64  `mapstructure:"free_allowance_per_month"`
	Description           string `mapstructure:"description"`
}

// Config aggregates runtime settings for creditd.
type Config struct {
	DatabaseURL        string
	StoreDriver        string
	ListenAddr         string
	LockTimeout        time.Duration
	AutoMigrate        bool
	AllowedOrigins     []string
	JWTSigningKey      string
	JWTIssuer          string
	AdminUserIDs       []string
	WebhookSecret      string
	WebhookTolerance   time.Duration
	WebhookProvider    string
	InsecureWebhooks   bool
	CreditsPerUnit     string
	ResetSchedule      string
	ResetBatchSize     int
	RedisURL           string
	BalanceCacheTTL    time.Duration
	RuleCacheTTL       time.Duration
	RateLimitPerSecond float64
	RateLimitBurst     int
	LogDevelopment     bool
	Tiers              []TierConfig
	Pricing            []PricingConfig
}

// Load reads every key from v and validates the result.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		DatabaseURL:        v.GetString(KeyDatabaseURL),
		StoreDriver:        v.GetString(KeyStoreDriver),
		ListenAddr:         v.GetString(KeyListenAddr),
		LockTimeout:        v.GetDuration(KeyLockTimeout),
		AutoMigrate:        v.GetBool(KeyAutoMigrate),
		AllowedOrigins:     ParseList(v.GetString(KeyAllowedOrigins)),
		JWTSigningKey:      v.GetString(KeyJWTSigningKey),
		JWTIssuer:          v.GetString(KeyJWTIssuer),
		AdminUserIDs:       ParseList(v.GetString(KeyAdminUserIDs)),
		WebhookSecret:      v.GetString(KeyWebhookSecret),
		WebhookTolerance:   v.GetDuration(KeyWebhookTolerance),
		WebhookProvider:    v.GetString(KeyWebhookProvider),
		InsecureWebhooks:   v.GetBool(KeyInsecureWebhooks),
		CreditsPerUnit:     v.GetString(KeyCreditsPerUnit),
		ResetSchedule:      v.GetString(KeyResetSchedule),
		ResetBatchSize:     v.GetInt(KeyResetBatchSize),
		RedisURL:           v.GetString(KeyRedisURL),
		BalanceCacheTTL:    v.GetDuration(KeyBalanceCacheTTL),
		RuleCacheTTL:       v.GetDuration(KeyRuleCacheTTL),
		RateLimitPerSecond: v.GetFloat64(KeyRateLimitPerSecond),
		RateLimitBurst:     v.GetInt(KeyRateLimitBurst),
		LogDevelopment:     v.GetBool(KeyLogDevelopment),
	}
	if err := v.UnmarshalKey(KeyTiers, &cfg.Tiers); err != nil {
		return Config{}, fmt.Errorf("decode tiers: %w", err)
	}
	if err := v.UnmarshalKey(KeyPricing, &cfg.Pricing); err != nil {
		return Config{}, fmt.Errorf("decode pricing: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate fills defaults and rejects unusable values.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreDriver = strings.ToLower(defaultIfEmpty(cfg.StoreDriver, DriverGorm))
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.JWTIssuer = defaultIfEmpty(cfg.JWTIssuer, defaultJWTIssuer)
	cfg.WebhookProvider = defaultIfEmpty(cfg.WebhookProvider, defaultWebhookProvider)
	cfg.CreditsPerUnit = defaultIfEmpty(cfg.CreditsPerUnit, defaultCreditsPerUnit)
	cfg.ResetSchedule = defaultIfEmpty(cfg.ResetSchedule, defaultResetSchedule)
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	if cfg.WebhookTolerance <= 0 {
		cfg.WebhookTolerance = defaultWebhookTolerance
	}
	if cfg.ResetBatchSize <= 0 {
		cfg.ResetBatchSize = defaultResetBatchSize
	}
	if cfg.BalanceCacheTTL <= 0 {
		cfg.BalanceCacheTTL = defaultBalanceCacheTTL
	}
	if cfg.RuleCacheTTL <= 0 {
		cfg.RuleCacheTTL = defaultRuleCacheTTL
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = defaultRateLimit
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateLimitBurst
	}

	switch cfg.StoreDriver {
	case DriverGorm:
	case DriverPgx:
		if !IsPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("store driver %q requires a postgres database url", DriverPgx)
		}
	default:
		return fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if len(cfg.JWTSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" && !cfg.InsecureWebhooks {
		return fmt.Errorf("webhook secret is required unless insecure webhooks are enabled")
	}
	if _, err := cfg.CreditsPerCurrencyUnit(); err != nil {
		return err
	}
	if _, err := cfg.TierCatalog(); err != nil {
		return err
	}
	if _, err := cfg.PricingRules(); err != nil {
		return err
	}
	return nil
}

// CreditsPerCurrencyUnit parses the top-up conversion rate.
func (cfg Config) CreditsPerCurrencyUnit() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(cfg.CreditsPerUnit))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("credits per currency unit %q: %w", cfg.CreditsPerUnit, err)
	}
	if rate.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("credits per currency unit must not be negative")
	}
	return rate, nil
}

// TierCatalog builds the billing tier catalog from the configured tiers.
func (cfg Config) TierCatalog() (*billing.TierCatalog, error) {
	rate, err := cfg.CreditsPerCurrencyUnit()
	if err != nil {
		return nil, err
	}
	tiers := make([]billing.Tier, 0, len(cfg.Tiers))
	for _, tier := range cfg.Tiers {
		tiers = append(tiers, billing.Tier{
			Name:           tier.Name,
			MonthlyCredits: ledger.Credits(tier.MonthlyCredits),
			Policy:         billing.ResetPolicy(strings.ToLower(strings.TrimSpace(tier.Policy))),
			RolloverCap:    ledger.Credits(tier.RolloverCap),
			PriceIDs:       tier.PriceIDs,
		})
	}
	return billing.NewTierCatalog(tiers, rate)
}

// PricingRules converts the configured seed rules.
func (cfg Config) PricingRules() ([]ledger.PricingRule, error) {
	rules := make([]ledger.PricingRule, 0, len(cfg.Pricing))
	for _, seed := range cfg.Pricing {
		actionType, err := ledger.NewActionType(seed.ActionType)
		if err != nil {
			return nil, fmt.Errorf("pricing seed: %w", err)
		}
		rule := ledger.PricingRule{
			ActionType:            actionType,
			CostPerAction:         ledger.Credits(seed.CostPerAction),
			FreeAllowancePerMonth: seed.FreeAllowancePerMonth,
			Active:                true,
			Description:           seed.Description,
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("pricing seed %s: %w", actionType, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// IsPostgresURL reports whether dsn names a PostgreSQL database.
func IsPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseList splits comma-delimited values into a slice.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
