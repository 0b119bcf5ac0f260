/**
 * @description
 * This package handles configuration management for the referral service. It
 * uses the Viper library to read configuration from environment variables,
 * providing defaults for commission rates, retry policy, and job schedules.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"errors"
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the referral-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort            string  `mapstructure:"SERVER_PORT"`
	DatabaseURL           string  `mapstructure:"DATABASE_URL"`
	RedisURL              string  `mapstructure:"REDIS_URL"`
	RedisKeyPrefix        string  `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL           string  `mapstructure:"RABBITMQ_URL"`
	PayoutAPIBaseURL      string  `mapstructure:"PAYOUT_API_BASE_URL"`
	PayoutAPIKey          string  `mapstructure:"PAYOUT_API_KEY"`
	InternalAPIKey        string  `mapstructure:"INTERNAL_API_KEY"`
	Level1CommissionPct   float64 `mapstructure:"LEVEL1_COMMISSION_PERCENT"`
	Level2CommissionPct   float64 `mapstructure:"LEVEL2_COMMISSION_PERCENT"`
	Level3CommissionPct   float64 `mapstructure:"LEVEL3_COMMISSION_PERCENT"`
	ChainCacheTTLMinutes  int     `mapstructure:"CHAIN_CACHE_TTL_MINUTES"`
	RetryBaseDelaySeconds int     `mapstructure:"RETRY_BASE_DELAY_SECONDS"`
	RetryMaxAttempts      int     `mapstructure:"RETRY_MAX_ATTEMPTS"`
	SettlementSchedule    string  `mapstructure:"SETTLEMENT_JOB_SCHEDULE"`
	RetrySweepSchedule    string  `mapstructure:"RETRY_SWEEP_JOB_SCHEDULE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8087")
	viper.SetDefault("REDIS_KEY_PREFIX", "sigmatrade:referral")
	viper.SetDefault("LEVEL1_COMMISSION_PERCENT", 3.0)
	viper.SetDefault("LEVEL2_COMMISSION_PERCENT", 2.0)
	viper.SetDefault("LEVEL3_COMMISSION_PERCENT", 5.0)
	viper.SetDefault("CHAIN_CACHE_TTL_MINUTES", 5)
	viper.SetDefault("RETRY_BASE_DELAY_SECONDS", 60)
	viper.SetDefault("RETRY_MAX_ATTEMPTS", 5)
	viper.SetDefault("SETTLEMENT_JOB_SCHEDULE", "*/5 * * * *") // Every 5 minutes.
	viper.SetDefault("RETRY_SWEEP_JOB_SCHEDULE", "* * * * *")  // Every minute.

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAYOUT_API_BASE_URL")
	_ = viper.BindEnv("PAYOUT_API_KEY")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "REFERRAL_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("LEVEL1_COMMISSION_PERCENT")
	_ = viper.BindEnv("LEVEL2_COMMISSION_PERCENT")
	_ = viper.BindEnv("LEVEL3_COMMISSION_PERCENT")
	_ = viper.BindEnv("CHAIN_CACHE_TTL_MINUTES")
	_ = viper.BindEnv("RETRY_BASE_DELAY_SECONDS")
	_ = viper.BindEnv("RETRY_MAX_ATTEMPTS")
	_ = viper.BindEnv("SETTLEMENT_JOB_SCHEDULE")
	_ = viper.BindEnv("RETRY_SWEEP_JOB_SCHEDULE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if strings.TrimSpace(config.DatabaseURL) == "" {
		return config, errors.New("DATABASE_URL must be configured")
	}
	if strings.TrimSpace(config.PayoutAPIBaseURL) == "" {
		return config, errors.New("PAYOUT_API_BASE_URL must be configured")
	}

	if config.Level1CommissionPct < 0 {
		log.Printf("level=warn component=config msg=\"negative level 1 rate configured; coercing to zero\" rate=%f", config.Level1CommissionPct)
		config.Level1CommissionPct = 0
	}
	if config.Level2CommissionPct < 0 {
		log.Printf("level=warn component=config msg=\"negative level 2 rate configured; coercing to zero\" rate=%f", config.Level2CommissionPct)
		config.Level2CommissionPct = 0
	}
	if config.Level3CommissionPct < 0 {
		log.Printf("level=warn component=config msg=\"negative level 3 rate configured; coercing to zero\" rate=%f", config.Level3CommissionPct)
		config.Level3CommissionPct = 0
	}

	if config.ChainCacheTTLMinutes <= 0 {
		config.ChainCacheTTLMinutes = 5
	}
	if config.RetryBaseDelaySeconds <= 0 {
		config.RetryBaseDelaySeconds = 60
	}
	if config.RetryMaxAttempts <= 0 {
		config.RetryMaxAttempts = 5
	}

	return
}
