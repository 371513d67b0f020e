package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Port              string `mapstructure:"PORT"`
	Env               string `mapstructure:"ENV"`
	DatabaseURL       string `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL          string `mapstructure:"REDIS_URL"`
	AuthSecret        string `mapstructure:"AUTH_SECRET"`
	MaxUploadBytes    int64  `mapstructure:"MAX_UPLOAD_BYTES"`
	WorkerConcurrency int    `mapstructure:"VALIDATION_WORKER_CONCURRENCY"`
	CodesCacheTTL     int    `mapstructure:"CODES_CACHE_TTL_SECONDS"`
	RulesCacheTTL     int    `mapstructure:"RULES_CACHE_TTL_SECONDS"`
	RunTimeout        int    `mapstructure:"RUN_TIMEOUT_SECONDS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MAX_UPLOAD_BYTES", 50*1024*1024)
	v.SetDefault("VALIDATION_WORKER_CONCURRENCY", 2)
	v.SetDefault("CODES_CACHE_TTL_SECONDS", 3600)
	v.SetDefault("RULES_CACHE_TTL_SECONDS", 86400)
	v.SetDefault("RUN_TIMEOUT_SECONDS", 600)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("AUTH_SECRET")
	v.BindEnv("MAX_UPLOAD_BYTES")
	v.BindEnv("VALIDATION_WORKER_CONCURRENCY")
	v.BindEnv("CODES_CACHE_TTL_SECONDS")
	v.BindEnv("RULES_CACHE_TTL_SECONDS")
	v.BindEnv("RUN_TIMEOUT_SECONDS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// an AUTH_SECRET must be set so that uploads are attributed to real users.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required when ENV is not development")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("VALIDATION_WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency)
	}
	if c.RunTimeout <= 0 {
		return fmt.Errorf("RUN_TIMEOUT_SECONDS must be positive, got %d", c.RunTimeout)
	}
	return nil
}
