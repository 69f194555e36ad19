package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Vault        VaultConfig        `mapstructure:"vault"`
	ERP          ERPConfig          `mapstructure:"erp"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Matching     MatchingConfig     `mapstructure:"matching"`
	Log          LogConfig          `mapstructure:"log"`
}

// ServerConfig holds the control-plane HTTP listener settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// DatabaseConfig holds the workflow database settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// DSN builds the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// RedisConfig holds the lease/event-bus redis settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// VaultConfig holds the secrets-backend settings. Vault is optional; with
// an empty address the file/env credentials are used as-is.
type VaultConfig struct {
	Address     string `mapstructure:"address"`
	Token       string `mapstructure:"token"`
	ServiceName string `mapstructure:"service_name"`
}

// ERPConfig holds the ERP integration settings.
type ERPConfig struct {
	BaseURL      string  `mapstructure:"base_url"`
	TokenURL     string  `mapstructure:"token_url"`
	ClientID     string  `mapstructure:"client_id"`
	ClientSecret string  `mapstructure:"client_secret"`
	RateLimit    float64 `mapstructure:"rate_limit"`
	RateBurst    int     `mapstructure:"rate_burst"`
}

// EngineConfig tunes the workflow workers.
type EngineConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	LeaseTTL            time.Duration `mapstructure:"lease_ttl"`
	HeartbeatStaleAfter time.Duration `mapstructure:"heartbeat_stale_after"`
	MaxConcurrentRuns   int           `mapstructure:"max_concurrent_runs"`
	ClaimBatch          int           `mapstructure:"claim_batch"`
}

// OrchestratorConfig tunes submission admission.
type OrchestratorConfig struct {
	MaxActiveRuns  int64         `mapstructure:"max_active_runs"`
	MaxRunDuration time.Duration `mapstructure:"max_run_duration"`
	AdmissionRate  float64       `mapstructure:"admission_rate"`
	AdmissionBurst int           `mapstructure:"admission_burst"`
}

// MatchingConfig tunes the payment matcher.
type MatchingConfig struct {
	// PhoneCountry selects the dialing rule for counterparty phone
	// normalization, e.g. "KE".
	PhoneCountry string   `mapstructure:"phone_country"`
	Stopwords    []string `mapstructure:"stopwords"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from defaults, an optional config.yaml and
// environment overrides.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "cash_application")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("vault.service_name", "cash-application")
	v.SetDefault("erp.rate_limit", 10.0)
	v.SetDefault("erp.rate_burst", 5)
	v.SetDefault("engine.poll_interval", 2*time.Second)
	v.SetDefault("engine.lease_ttl", 30*time.Second)
	v.SetDefault("engine.heartbeat_stale_after", 5*time.Minute)
	v.SetDefault("engine.max_concurrent_runs", 16)
	v.SetDefault("engine.claim_batch", 32)
	v.SetDefault("orchestrator.max_active_runs", 1000)
	v.SetDefault("orchestrator.max_run_duration", time.Hour)
	v.SetDefault("orchestrator.admission_rate", 100.0)
	v.SetDefault("orchestrator.admission_burst", 200)
	v.SetDefault("matching.phone_country", "KE")
	v.SetDefault("log.level", "info")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath("/app/config")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.AutomaticEnv()
	bindings := map[string]string{
		"server.host":                  "SERVER_HOST",
		"server.port":                  "SERVER_PORT",
		"database.host":                "DATABASE_HOST",
		"database.port":                "DATABASE_PORT",
		"database.name":                "DATABASE_NAME",
		"database.user":                "DATABASE_USER",
		"database.password":            "DATABASE_PASSWORD",
		"database.ssl_mode":            "DATABASE_SSL_MODE",
		"redis.addr":                   "REDIS_ADDR",
		"redis.password":               "REDIS_PASSWORD",
		"redis.db":                     "REDIS_DB",
		"vault.address":                "VAULT_ADDR",
		"vault.token":                  "VAULT_TOKEN",
		"erp.base_url":                 "ERP_BASE_URL",
		"erp.token_url":                "ERP_TOKEN_URL",
		"erp.client_id":                "ERP_CLIENT_ID",
		"erp.client_secret":            "ERP_CLIENT_SECRET",
		"engine.max_concurrent_runs":   "ENGINE_MAX_CONCURRENT_RUNS",
		"orchestrator.max_active_runs": "ORCHESTRATOR_MAX_ACTIVE_RUNS",
		"matching.phone_country":       "MATCHING_PHONE_COUNTRY",
		"log.level":                    "LOG_LEVEL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
