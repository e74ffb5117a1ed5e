package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	// Scheduling engine.
	CommitTimeout          time.Duration `mapstructure:"COMMIT_TIMEOUT"`
	SweepInterval          time.Duration `mapstructure:"SWEEP_INTERVAL"`
	CleaningBuffer         time.Duration `mapstructure:"CLEANING_BUFFER"`
	SlotStep               time.Duration `mapstructure:"SLOT_STEP"`
	IdlePenaltyPerHour     float64       `mapstructure:"IDLE_PENALTY_PER_HOUR"`
	PreferenceBonus        float64       `mapstructure:"PREFERENCE_BONUS"`
	PreferenceTolerance    time.Duration `mapstructure:"PREFERENCE_TOLERANCE"`
	UtilLowWatermark       float64       `mapstructure:"UTIL_LOW_WATERMARK"`
	UtilHighWatermark      float64       `mapstructure:"UTIL_HIGH_WATERMARK"`
	OptimizerImprovePasses int           `mapstructure:"OPTIMIZER_IMPROVE_PASSES"`
	AvailabilityParallel   int           `mapstructure:"AVAILABILITY_PARALLELISM"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"COMMIT_TIMEOUT", "SWEEP_INTERVAL", "CLEANING_BUFFER", "SLOT_STEP",
	"IDLE_PENALTY_PER_HOUR", "PREFERENCE_BONUS", "PREFERENCE_TOLERANCE",
	"UTIL_LOW_WATERMARK", "UTIL_HIGH_WATERMARK", "OPTIMIZER_IMPROVE_PASSES",
	"AVAILABILITY_PARALLELISM",
}

// Load reads the environment, with an optional .env file underneath it.
// An empty DATABASE_URL runs the engine without persistence.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", 30*time.Second)
	v.SetDefault("COMMIT_TIMEOUT", 5*time.Second)
	v.SetDefault("SWEEP_INTERVAL", time.Minute)
	v.SetDefault("CLEANING_BUFFER", 10*time.Minute)
	v.SetDefault("SLOT_STEP", time.Duration(0))
	v.SetDefault("IDLE_PENALTY_PER_HOUR", 5)
	v.SetDefault("PREFERENCE_BONUS", 20)
	v.SetDefault("PREFERENCE_TOLERANCE", 2*time.Hour)
	v.SetDefault("UTIL_LOW_WATERMARK", 0.20)
	v.SetDefault("UTIL_HIGH_WATERMARK", 0.85)
	v.SetDefault("OPTIMIZER_IMPROVE_PASSES", 1)
	v.SetDefault("AVAILABILITY_PARALLELISM", 4)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// The .env file is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.UtilLowWatermark < 0 || c.UtilLowWatermark > 1 || c.UtilHighWatermark < 0 || c.UtilHighWatermark > 1 {
		return fmt.Errorf("utilization watermarks must be within [0,1], got %v and %v", c.UtilLowWatermark, c.UtilHighWatermark)
	}
	if c.UtilLowWatermark >= c.UtilHighWatermark {
		return fmt.Errorf("UTIL_LOW_WATERMARK (%v) must be below UTIL_HIGH_WATERMARK (%v)", c.UtilLowWatermark, c.UtilHighWatermark)
	}
	if c.CommitTimeout <= 0 {
		return fmt.Errorf("COMMIT_TIMEOUT must be positive, got %s", c.CommitTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.SlotStep < 0 || c.CleaningBuffer < 0 {
		return fmt.Errorf("SLOT_STEP and CLEANING_BUFFER must not be negative")
	}
	if c.AvailabilityParallel <= 0 {
		return fmt.Errorf("AVAILABILITY_PARALLELISM must be positive, got %d", c.AvailabilityParallel)
	}
	if c.IsProduction() {
		if c.AuthIssuer == "" {
			return fmt.Errorf("AUTH_ISSUER is required in production")
		}
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}
	return nil
}
