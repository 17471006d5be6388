package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all engine configuration.
// Priority: env vars (FLOWTALK_*) > config file > defaults.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // text or json
	PoolSize  int    `mapstructure:"pool_size"`

	Store     StoreConfig     `mapstructure:"store"`
	Vault     VaultConfig     `mapstructure:"vault"`
	AI        AIConfig        `mapstructure:"ai"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Gateways  []GatewayConfig `mapstructure:"gateways"`
}

// StoreConfig selects and configures the persistence driver.
type StoreConfig struct {
	Driver      string `mapstructure:"driver"` // libsql, postgres, memory
	DBPath      string `mapstructure:"db_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// VaultConfig configures secret encryption key derivation.
type VaultConfig struct {
	Passphrase string `mapstructure:"passphrase"`
	Salt       string `mapstructure:"salt"`
}

// AIConfig configures the chat-completions client.
type AIConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"` // plain or secret://NAME
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SchedulerConfig tunes the db_trigger scan loop.
type SchedulerConfig struct {
	ScanInterval    time.Duration `mapstructure:"scan_interval"`
	QueryLimit      int           `mapstructure:"query_limit"`
	DefaultDebounce time.Duration `mapstructure:"default_debounce"`
}

// GatewayConfig declares one HTTP-backed channel gateway.
type GatewayConfig struct {
	Channel string        `mapstructure:"channel"`
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"` // plain or secret://NAME
	Timeout time.Duration `mapstructure:"timeout"`
}

func loadConfig() (Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("pool_size", 10)
	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.db_path", "flowtalk.db")
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("ai.timeout", time.Minute)
	v.SetDefault("scheduler.scan_interval", time.Minute)
	v.SetDefault("scheduler.query_limit", 500)
	v.SetDefault("scheduler.default_debounce", 24*time.Hour)

	v.SetConfigName("flowtalk")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.flowtalk")

	v.SetEnvPrefix("FLOWTALK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
