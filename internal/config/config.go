/**
 * @description
 * This package handles configuration for the reward-service. Settings come from
 * environment variables (optionally via a .env file) through Viper; the prize
 * catalog and seed inventory come from a separate promotion file.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration loading and env binding.
 */

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/transfa/reward-service/internal/domain"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
	StoreDriverMemory   = "memory"

	defaultRateLimitPrefix = "transfa:reward_rate_limit"
	defaultEventsExchange  = "reward_events"
	defaultInventoryCron   = "*/5 * * * *"
	maxRecentFeedLimit     = 100
)

// Config holds all the configuration variables for the reward-service.
type Config struct {
	ServerPort             string `mapstructure:"SERVER_PORT"`
	StoreDriver            string `mapstructure:"STORE_DRIVER"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	SQLitePath             string `mapstructure:"SQLITE_PATH"`
	RedisURL               string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix   string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL            string `mapstructure:"RABBITMQ_URL"`
	RewardEventsExchange   string `mapstructure:"REWARD_EVENTS_EXCHANGE"`
	PromotionFile          string `mapstructure:"PROMOTION_FILE"`
	ClaimWindowDays        int    `mapstructure:"CLAIM_WINDOW_DAYS"`
	ClaimThrottlePerMinute int    `mapstructure:"CLAIM_THROTTLE_PER_MINUTE"`
	TrustProxyHeaders      bool   `mapstructure:"TRUST_PROXY_HEADERS"`
	RecentFeedLimit        int    `mapstructure:"RECENT_FEED_LIMIT"`
	UnresolvedClaimPolicy  string `mapstructure:"UNRESOLVED_CLAIM_POLICY"`
	OperatorJWKSURL        string `mapstructure:"OPERATOR_JWKS_URL"`
	InternalAPIKey         string `mapstructure:"INTERNAL_API_KEY"`
	InventoryCheckSchedule string `mapstructure:"INVENTORY_CHECK_SCHEDULE"`
	LowInventoryThreshold  int    `mapstructure:"LOW_INVENTORY_THRESHOLD"`
	RandomSeed             uint64 `mapstructure:"RANDOM_SEED"`
	CORSAllowedOrigins     string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

// ClaimWindow is the rolling one-reward-per-identity window.
func (c Config) ClaimWindow() time.Duration {
	return time.Duration(c.ClaimWindowDays) * 24 * time.Hour
}

// Policy returns the configured unresolved-claim policy.
func (c Config) Policy() domain.UnresolvedClaimPolicy {
	return domain.UnresolvedClaimPolicy(c.UnresolvedClaimPolicy)
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in path. Out-of-range values are clamped with a warning; an unusable
// store selection is an error.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("REWARD_EVENTS_EXCHANGE", defaultEventsExchange)
	viper.SetDefault("CLAIM_WINDOW_DAYS", 30)
	viper.SetDefault("CLAIM_THROTTLE_PER_MINUTE", 30)
	viper.SetDefault("TRUST_PROXY_HEADERS", false)
	viper.SetDefault("RECENT_FEED_LIMIT", 20)
	viper.SetDefault("UNRESOLVED_CLAIM_POLICY", string(domain.UnresolvedClaimBlock))
	viper.SetDefault("INVENTORY_CHECK_SCHEDULE", defaultInventoryCron)
	viper.SetDefault("LOW_INVENTORY_THRESHOLD", 10)
	viper.SetDefault("RANDOM_SEED", 0)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("SQLITE_PATH")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "REWARD_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("REWARD_EVENTS_EXCHANGE")
	_ = viper.BindEnv("PROMOTION_FILE")
	_ = viper.BindEnv("CLAIM_WINDOW_DAYS")
	_ = viper.BindEnv("CLAIM_THROTTLE_PER_MINUTE")
	_ = viper.BindEnv("TRUST_PROXY_HEADERS")
	_ = viper.BindEnv("RECENT_FEED_LIMIT")
	_ = viper.BindEnv("UNRESOLVED_CLAIM_POLICY")
	_ = viper.BindEnv("OPERATOR_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "REWARD_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("INVENTORY_CHECK_SCHEDULE")
	_ = viper.BindEnv("LOW_INVENTORY_THRESHOLD")
	_ = viper.BindEnv("RANDOM_SEED")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.SQLitePath = strings.TrimSpace(config.SQLitePath)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.OperatorJWKSURL = strings.TrimSpace(config.OperatorJWKSURL)
	config.PromotionFile = strings.TrimSpace(config.PromotionFile)

	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	config.RewardEventsExchange = strings.TrimSpace(config.RewardEventsExchange)
	if config.RewardEventsExchange == "" {
		config.RewardEventsExchange = defaultEventsExchange
	}

	if config.ClaimWindowDays <= 0 {
		slog.Warn("non-positive claim window configured; using default", "component", "config", "claim_window_days", config.ClaimWindowDays)
		config.ClaimWindowDays = 30
	}
	if config.ClaimThrottlePerMinute < 0 {
		slog.Warn("negative claim throttle configured; disabling throttle", "component", "config", "claim_throttle_per_minute", config.ClaimThrottlePerMinute)
		config.ClaimThrottlePerMinute = 0
	}
	if config.RecentFeedLimit < 0 {
		config.RecentFeedLimit = 0
	}
	if config.RecentFeedLimit > maxRecentFeedLimit {
		slog.Warn("recent feed limit too large; clamping", "component", "config", "recent_feed_limit", config.RecentFeedLimit, "max", maxRecentFeedLimit)
		config.RecentFeedLimit = maxRecentFeedLimit
	}
	if config.LowInventoryThreshold < 0 {
		config.LowInventoryThreshold = 0
	}

	config.UnresolvedClaimPolicy = strings.ToLower(strings.TrimSpace(config.UnresolvedClaimPolicy))
	if !config.Policy().Valid() {
		slog.Warn("unknown unresolved claim policy; using block", "component", "config", "policy", config.UnresolvedClaimPolicy)
		config.UnresolvedClaimPolicy = string(domain.UnresolvedClaimBlock)
	}

	config.InventoryCheckSchedule = strings.TrimSpace(config.InventoryCheckSchedule)
	if _, parseErr := cron.ParseStandard(config.InventoryCheckSchedule); parseErr != nil {
		slog.Warn("invalid inventory check schedule; using default", "component", "config", "schedule", config.InventoryCheckSchedule, "error", parseErr)
		config.InventoryCheckSchedule = defaultInventoryCron
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	if config.StoreDriver == "" {
		switch {
		case config.DatabaseURL != "":
			config.StoreDriver = StoreDriverPostgres
		case config.SQLitePath != "":
			config.StoreDriver = StoreDriverSQLite
		default:
			config.StoreDriver = StoreDriverMemory
		}
	}
	switch config.StoreDriver {
	case StoreDriverPostgres:
		if config.DatabaseURL == "" {
			return config, fmt.Errorf("STORE_DRIVER=%s requires DATABASE_URL", config.StoreDriver)
		}
	case StoreDriverSQLite:
		if config.SQLitePath == "" {
			return config, fmt.Errorf("STORE_DRIVER=%s requires SQLITE_PATH", config.StoreDriver)
		}
	case StoreDriverMemory:
	default:
		return config, fmt.Errorf("unsupported STORE_DRIVER %q", config.StoreDriver)
	}

	return config, nil
}
