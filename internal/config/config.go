/**
 * @description
 * This package handles the configuration management for the ledger server and the
 * maintenance scheduler. It uses Viper to read environment variables and an optional
 * .env file, then coerces out-of-range values back to safe defaults.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration loading.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultServerPort             = "8080"
	defaultRateLimitPrefix        = "ledger:rate_limit"
	defaultEventsExchange         = "vpn.ledger"
	defaultWebhookRateLimit       = 120
	defaultClickWindowMinutes     = 30
	defaultCommissionHoldDays     = 14
	defaultLifetimePlanYears      = 100
	defaultPaymentTTLMinutes      = 60
	defaultExpirePaymentsSchedule = "*/5 * * * *"
	defaultExpireSubsSchedule     = "*/15 * * * *"
	defaultAutoApproveSchedule    = "0 3 * * *"
)

// Config holds every setting of the ledger processes. The scheduler only reads the
// LEDGER_SERVICE_URL, INTERNAL_API_KEY and schedule fields.
type Config struct {
	ServerPort                    string `mapstructure:"SERVER_PORT"`
	DatabaseURL                   string `mapstructure:"DATABASE_URL"`
	AutoMigrate                   bool   `mapstructure:"AUTO_MIGRATE"`
	RedisURL                      string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix          string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                   string `mapstructure:"RABBITMQ_URL"`
	LedgerEventsExchange          string `mapstructure:"LEDGER_EVENTS_EXCHANGE"`
	AdminJWTSecret                string `mapstructure:"ADMIN_JWT_SECRET"`
	InternalAPIKey                string `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins            string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	ProcessorAPIBaseURL           string `mapstructure:"PROCESSOR_API_BASE_URL"`
	ProcessorAPIKey               string `mapstructure:"PROCESSOR_API_KEY"`
	WebhookCallbackURL            string `mapstructure:"WEBHOOK_CALLBACK_URL"`
	WebhookRateLimitPerMinute     int    `mapstructure:"WEBHOOK_RATE_LIMIT_PER_MINUTE"`
	ClickAttributionWindowMinutes int    `mapstructure:"CLICK_ATTRIBUTION_WINDOW_MINUTES"`
	IPHashSalt                    string `mapstructure:"IP_HASH_SALT"`
	CommissionHoldDays            int    `mapstructure:"COMMISSION_HOLD_DAYS"`
	LifetimePlanYears             int    `mapstructure:"LIFETIME_PLAN_YEARS"`
	PaymentTTLMinutes             int    `mapstructure:"PAYMENT_TTL_MINUTES"`
	LedgerServiceURL              string `mapstructure:"LEDGER_SERVICE_URL"`
	ExpirePaymentsSchedule        string `mapstructure:"EXPIRE_PAYMENTS_SCHEDULE"`
	ExpireSubscriptionsSchedule   string `mapstructure:"EXPIRE_SUBSCRIPTIONS_SCHEDULE"`
	AutoApproveSchedule           string `mapstructure:"AUTO_APPROVE_SCHEDULE"`
}

// ClickAttributionWindow is the look-back applied when converting clicks.
func (c Config) ClickAttributionWindow() time.Duration {
	return time.Duration(c.ClickAttributionWindowMinutes) * time.Minute
}

// PaymentTTL is how long a pending payment waits for funds before it is expired.
func (c Config) PaymentTTL() time.Duration {
	return time.Duration(c.PaymentTTLMinutes) * time.Minute
}

// CORSOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) CORSOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", defaultServerPort)
	viper.SetDefault("AUTO_MIGRATE", false)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("LEDGER_EVENTS_EXCHANGE", defaultEventsExchange)
	viper.SetDefault("WEBHOOK_RATE_LIMIT_PER_MINUTE", defaultWebhookRateLimit)
	viper.SetDefault("CLICK_ATTRIBUTION_WINDOW_MINUTES", defaultClickWindowMinutes)
	viper.SetDefault("COMMISSION_HOLD_DAYS", defaultCommissionHoldDays)
	viper.SetDefault("LIFETIME_PLAN_YEARS", defaultLifetimePlanYears)
	viper.SetDefault("PAYMENT_TTL_MINUTES", defaultPaymentTTLMinutes)
	viper.SetDefault("LEDGER_SERVICE_URL", "http://localhost:"+defaultServerPort)
	viper.SetDefault("EXPIRE_PAYMENTS_SCHEDULE", defaultExpirePaymentsSchedule)
	viper.SetDefault("EXPIRE_SUBSCRIPTIONS_SCHEDULE", defaultExpireSubsSchedule)
	viper.SetDefault("AUTO_APPROVE_SCHEDULE", defaultAutoApproveSchedule)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("AUTO_MIGRATE")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("LEDGER_EVENTS_EXCHANGE")
	_ = viper.BindEnv("ADMIN_JWT_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "LEDGER_INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("PROCESSOR_API_BASE_URL")
	_ = viper.BindEnv("PROCESSOR_API_KEY")
	_ = viper.BindEnv("WEBHOOK_CALLBACK_URL")
	_ = viper.BindEnv("WEBHOOK_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("CLICK_ATTRIBUTION_WINDOW_MINUTES")
	_ = viper.BindEnv("IP_HASH_SALT")
	_ = viper.BindEnv("COMMISSION_HOLD_DAYS")
	_ = viper.BindEnv("LIFETIME_PLAN_YEARS")
	_ = viper.BindEnv("PAYMENT_TTL_MINUTES")
	_ = viper.BindEnv("LEDGER_SERVICE_URL")
	_ = viper.BindEnv("EXPIRE_PAYMENTS_SCHEDULE")
	_ = viper.BindEnv("EXPIRE_SUBSCRIPTIONS_SCHEDULE")
	_ = viper.BindEnv("AUTO_APPROVE_SCHEDULE")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("LEDGER_INTERNAL_API_KEY"))
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.AdminJWTSecret = strings.TrimSpace(config.AdminJWTSecret)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.LedgerServiceURL = strings.TrimRight(strings.TrimSpace(config.LedgerServiceURL), "/")

	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	config.LedgerEventsExchange = strings.TrimSpace(config.LedgerEventsExchange)
	if config.LedgerEventsExchange == "" {
		config.LedgerEventsExchange = defaultEventsExchange
	}

	if config.WebhookRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative webhook rate limit configured; disabling limiter\" limit=%d", config.WebhookRateLimitPerMinute)
		config.WebhookRateLimitPerMinute = 0
	}
	if config.ClickAttributionWindowMinutes <= 0 {
		log.Printf("level=warn component=config msg=\"invalid click attribution window; using default\" minutes=%d", config.ClickAttributionWindowMinutes)
		config.ClickAttributionWindowMinutes = defaultClickWindowMinutes
	}
	if config.CommissionHoldDays < 0 {
		log.Printf("level=warn component=config msg=\"negative commission hold configured; disabling auto-approval\" days=%d", config.CommissionHoldDays)
		config.CommissionHoldDays = 0
	}
	if config.LifetimePlanYears <= 0 {
		log.Printf("level=warn component=config msg=\"invalid lifetime plan horizon; using default\" years=%d", config.LifetimePlanYears)
		config.LifetimePlanYears = defaultLifetimePlanYears
	}
	if config.PaymentTTLMinutes <= 0 {
		log.Printf("level=warn component=config msg=\"invalid payment ttl; using default\" minutes=%d", config.PaymentTTLMinutes)
		config.PaymentTTLMinutes = defaultPaymentTTLMinutes
	}

	if strings.TrimSpace(config.ExpirePaymentsSchedule) == "" {
		config.ExpirePaymentsSchedule = defaultExpirePaymentsSchedule
	}
	if strings.TrimSpace(config.ExpireSubscriptionsSchedule) == "" {
		config.ExpireSubscriptionsSchedule = defaultExpireSubsSchedule
	}
	if strings.TrimSpace(config.AutoApproveSchedule) == "" {
		config.AutoApproveSchedule = defaultAutoApproveSchedule
	}

	return
}
