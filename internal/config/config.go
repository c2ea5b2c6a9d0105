// Package config loads application configuration from YAML and environment.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App      AppConfig                 `mapstructure:"app"`
	Redis    RedisConfig               `mapstructure:"redis"`
	NATS     NATSConfig                `mapstructure:"nats"`
	AI       AIConfig                  `mapstructure:"ai"`
	Trading  TradingConfig             `mapstructure:"trading"`
	Agents   AgentsConfig              `mapstructure:"agents"`
	Exchange ExchangeConfig            `mapstructure:"exchange"`
	Sampling map[string]SamplingConfig `mapstructure:"sampling"`

	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains NATS control-plane settings
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// AIConfig contains LLM gateway settings
type AIConfig struct {
	Provider           string  `mapstructure:"provider"`       // "deepthink" or "chat"
	Endpoint           string  `mapstructure:"endpoint"`       // chat-completion endpoint
	APIKey             string  `mapstructure:"api_key"`        // via TRADEPILOT_AI_API_KEY
	Model              string  `mapstructure:"model"`          //
	Temperature        float64 `mapstructure:"temperature"`    // 0.7
	MaxTokens          int     `mapstructure:"max_tokens"`     // 2000
	TimeoutSeconds     int     `mapstructure:"timeout_seconds"`
	DeepTimeoutSeconds int     `mapstructure:"deep_timeout_seconds"`
	AllowDefaultOnSkip bool    `mapstructure:"allow_default_on_skip"`
	DailyBudgetUSD     float64 `mapstructure:"daily_budget_usd"`
	MonthlyBudgetUSD   float64 `mapstructure:"monthly_budget_usd"`

	// Per-million token prices used by the cost tracker
	InputPricePerM      float64 `mapstructure:"input_price_per_m"`
	OutputPricePerM     float64 `mapstructure:"output_price_per_m"`
	CacheReadPricePerM  float64 `mapstructure:"cache_read_price_per_m"`
	CacheWritePricePerM float64 `mapstructure:"cache_write_price_per_m"`
}

// SamplingConfig tunes the smart sampler for one agent type
type SamplingConfig struct {
	Strategy        string  `mapstructure:"strategy"` // always|periodic|change_based|threshold|adaptive
	IntervalSeconds int     `mapstructure:"interval_seconds"`
	MinInterval     int     `mapstructure:"min_interval"`
	MaxInterval     int     `mapstructure:"max_interval"`
	Threshold       float64 `mapstructure:"threshold"`
	CacheBySymbol   bool    `mapstructure:"cache_by_symbol"`
}

// TradingConfig contains trading settings
type TradingConfig struct {
	Mode           string   `mapstructure:"mode"` // "paper" or "live"
	Symbols        []string `mapstructure:"symbols"`
	EnableAI       bool     `mapstructure:"enable_ai"`
	ValidateSignal bool     `mapstructure:"validate_signals"`
	MarketQueueCap int      `mapstructure:"market_queue_cap"`
}

// AgentsConfig contains specialist agent runtime settings
type AgentsConfig struct {
	QueueSize          int `mapstructure:"queue_size"`
	MaxRetries         int `mapstructure:"max_retries"`
	HealthCheckSeconds int `mapstructure:"health_check_seconds"`
}

// ExchangeConfig contains exchange-specific settings
type ExchangeConfig struct {
	Name      string `mapstructure:"name"` // "binance"
	APIKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`
	Testnet   bool   `mapstructure:"testnet"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("TRADEPILOT")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment variables apply
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "tradepilot")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")

	// AI defaults
	v.SetDefault("ai.provider", "chat")
	v.SetDefault("ai.endpoint", "http://localhost:8080/v1/chat/completions")
	v.SetDefault("ai.temperature", 0.7)
	v.SetDefault("ai.max_tokens", 2000)
	v.SetDefault("ai.timeout_seconds", 30)
	v.SetDefault("ai.deep_timeout_seconds", 60)
	v.SetDefault("ai.allow_default_on_skip", true)
	v.SetDefault("ai.daily_budget_usd", 10.0)
	v.SetDefault("ai.monthly_budget_usd", 200.0)
	v.SetDefault("ai.input_price_per_m", 3.0)
	v.SetDefault("ai.output_price_per_m", 15.0)
	v.SetDefault("ai.cache_read_price_per_m", 0.3)
	v.SetDefault("ai.cache_write_price_per_m", 3.75)

	// Trading defaults
	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.symbols", []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"})
	v.SetDefault("trading.enable_ai", true)
	v.SetDefault("trading.validate_signals", true)
	v.SetDefault("trading.market_queue_cap", 1000)

	// Agent runtime defaults
	v.SetDefault("agents.queue_size", 100)
	v.SetDefault("agents.max_retries", 3)
	v.SetDefault("agents.health_check_seconds", 30)

	// Exchange defaults
	v.SetDefault("exchange.name", "binance")
	v.SetDefault("exchange.testnet", true)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	switch c.Trading.Mode {
	case "paper", "live":
	default:
		return fmt.Errorf("trading.mode must be paper or live, got %q", c.Trading.Mode)
	}

	if c.Trading.Mode == "live" && c.Exchange.APIKey == "" {
		return fmt.Errorf("exchange.api_key is required in live mode")
	}

	if c.AI.MaxTokens <= 0 {
		return fmt.Errorf("ai.max_tokens must be positive, got %d", c.AI.MaxTokens)
	}

	if c.AI.DailyBudgetUSD < 0 || c.AI.MonthlyBudgetUSD < 0 {
		return fmt.Errorf("ai budgets must be non-negative")
	}

	for agentType, s := range c.Sampling {
		switch s.Strategy {
		case "", "always", "periodic", "change_based", "threshold", "adaptive":
		default:
			return fmt.Errorf("sampling.%s.strategy %q is not supported", agentType, s.Strategy)
		}
		if s.MinInterval > s.MaxInterval && s.MaxInterval != 0 {
			return fmt.Errorf("sampling.%s: min_interval exceeds max_interval", agentType)
		}
	}

	if c.Agents.QueueSize <= 0 {
		return fmt.Errorf("agents.queue_size must be positive, got %d", c.Agents.QueueSize)
	}

	return nil
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetTimeout returns the standard provider timeout as a duration
func (c *AIConfig) GetTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// GetDeepTimeout returns the deep-thinking provider timeout as a duration
func (c *AIConfig) GetDeepTimeout() time.Duration {
	return time.Duration(c.DeepTimeoutSeconds) * time.Second
}
