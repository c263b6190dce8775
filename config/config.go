package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override, e.g. BFXFLOW_REDIS_URL.
const EnvPrefix = "BFXFLOW_"

type Config struct {
	Service    ServiceConfig    `yaml:"service" envPrefix:"SERVICE_"`
	Bitfinex   BitfinexConfig   `yaml:"bitfinex" envPrefix:"BITFINEX_"`
	Publisher  PublisherConfig  `yaml:"publisher" envPrefix:"PUBLISHER_"`
	Redis      RedisConfig      `yaml:"redis" envPrefix:"REDIS_"`
	Metrics    MetricsConfig    `yaml:"metrics" envPrefix:"METRICS_"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch" envPrefix:"CLOUDWATCH_"`
	Logging    LoggingConfig    `yaml:"logging" envPrefix:"LOGGING_"`
}

type ServiceConfig struct {
	Name            string        `yaml:"name" env:"NAME"`
	Version         string        `yaml:"version" env:"VERSION"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	ReportInterval  time.Duration `yaml:"report_interval" env:"REPORT_INTERVAL"`
}

type CurrencySymbol struct {
	Internal string `yaml:"internal"`
	Exchange string `yaml:"exchange"`
}

type Credential struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

type BitfinexConfig struct {
	WebSocketEndpointURL                string                `yaml:"websocket_endpoint_url" env:"WEBSOCKET_ENDPOINT_URL"`
	EndpointURL                         string                `yaml:"endpoint_url" env:"ENDPOINT_URL"`
	SupportedCurrencySymbols            []CurrencySymbol      `yaml:"supported_currency_symbols" env:"-"`
	UseSupportedCurrencySymbolsAsFilter bool                  `yaml:"use_supported_currency_symbols_as_filter" env:"USE_SUPPORTED_CURRENCY_SYMBOLS_AS_FILTER"`
	MaxEventPerSecondByInstrument       float64               `yaml:"max_event_per_second_by_instrument" env:"MAX_EVENT_PER_SECOND_BY_INSTRUMENT"`
	Credentials                         map[string]Credential `yaml:"credentials" env:"-"`
	AllowedAnomalousAssets              []string              `yaml:"allowed_anomalous_assets" env:"ALLOWED_ANOMALOUS_ASSETS"`
	HeartbeatPeriod                     time.Duration         `yaml:"heartbeat_period" env:"HEARTBEAT_PERIOD"`
	SnapshotRefreshDelay                time.Duration         `yaml:"snapshot_refresh_delay" env:"SNAPSHOT_REFRESH_DELAY"`
	StatisticsInterval                  time.Duration         `yaml:"statistics_interval" env:"STATISTICS_INTERVAL"`
	PingPeriod                          time.Duration         `yaml:"ping_period" env:"PING_PERIOD"`
	SubscribeInterval                   time.Duration         `yaml:"subscribe_interval" env:"SUBSCRIBE_INTERVAL"`
	RequestTimeout                      time.Duration         `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

type PublisherConfig struct {
	OrderBooks PublishTarget `yaml:"order_books" envPrefix:"ORDER_BOOKS_"`
	TickPrices PublishTarget `yaml:"tick_prices" envPrefix:"TICK_PRICES_"`
	Executions PublishTarget `yaml:"executions" envPrefix:"EXECUTIONS_"`
	QueueSize  int           `yaml:"queue_size" env:"QUEUE_SIZE"`
}

type PublishTarget struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Stream  string `yaml:"stream" env:"STREAM"`
}

type RedisConfig struct {
	URL           string        `yaml:"url" env:"URL"`
	MaxLen        int64         `yaml:"max_len" env:"MAX_LEN"`
	BatchSize     int           `yaml:"batch_size" env:"BATCH_SIZE"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	QueueCapacity int           `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Address string `yaml:"address" env:"ADDRESS"`
}

type CloudWatchConfig struct {
	Enabled         bool   `yaml:"enabled" env:"ENABLED"`
	Region          string `yaml:"region" env:"REGION"`
	Namespace       string `yaml:"namespace" env:"NAMESPACE"`
	Dashboard       string `yaml:"dashboard" env:"DASHBOARD"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
	Output string `yaml:"output" env:"OUTPUT"`
	MaxAge int    `yaml:"max_age" env:"MAX_AGE"`
}

// Default returns the configuration every file is layered on.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			Name:            "bfxflow",
			ShutdownTimeout: 30 * time.Second,
			ReportInterval:  time.Minute,
		},
		Bitfinex: BitfinexConfig{
			WebSocketEndpointURL:                "wss://api.bitfinex.com/ws",
			EndpointURL:                         "https://api.bitfinex.com",
			UseSupportedCurrencySymbolsAsFilter: true,
			MaxEventPerSecondByInstrument:       2,
			HeartbeatPeriod:                     30 * time.Second,
			SnapshotRefreshDelay:                5 * time.Second,
			StatisticsInterval:                  time.Minute,
			PingPeriod:                          5 * time.Second,
			SubscribeInterval:                   50 * time.Millisecond,
			RequestTimeout:                      10 * time.Second,
		},
		Publisher: PublisherConfig{
			OrderBooks: PublishTarget{Enabled: true, Stream: "bitfinex.orderbooks"},
			TickPrices: PublishTarget{Enabled: true, Stream: "bitfinex.tickprices"},
			Executions: PublishTarget{Enabled: true, Stream: "bitfinex.executions"},
			QueueSize:  1024,
		},
		Redis: RedisConfig{
			URL:           "redis://localhost:6379/0",
			MaxLen:        100000,
			BatchSize:     100,
			FlushInterval: 250 * time.Millisecond,
			QueueCapacity: 10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":2112",
		},
		CloudWatch: CloudWatchConfig{
			Namespace: "BfxFlow",
			Dashboard: "BfxFlow",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.ParseWithOptions(&config, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	applyCredentialEnv(&config)

	config.Bitfinex.WebSocketEndpointURL = strings.TrimSpace(config.Bitfinex.WebSocketEndpointURL)
	config.Bitfinex.EndpointURL = strings.TrimSpace(config.Bitfinex.EndpointURL)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyCredentialEnv lets secrets stay out of the file:
// BFXFLOW_CREDENTIALS_<NAME>_API_KEY and ..._API_SECRET override the entry
// with the same upper-cased name.
func applyCredentialEnv(cfg *Config) {
	for name, cred := range cfg.Bitfinex.Credentials {
		key := EnvPrefix + "CREDENTIALS_" + strings.ToUpper(name)
		if v := os.Getenv(key + "_API_KEY"); v != "" {
			cred.APIKey = strings.TrimSpace(v)
		}
		if v := os.Getenv(key + "_API_SECRET"); v != "" {
			cred.APISecret = strings.TrimSpace(v)
		}
		cfg.Bitfinex.Credentials[name] = cred
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}

	b := cfg.Bitfinex
	if b.WebSocketEndpointURL == "" {
		return fmt.Errorf("bitfinex.websocket_endpoint_url is required")
	}
	if u, err := url.Parse(b.WebSocketEndpointURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("bitfinex.websocket_endpoint_url must be a ws:// or wss:// url")
	} else if u.Scheme == "ws" && IsProductionLike(getAppEnvironment()) {
		return fmt.Errorf("bitfinex.websocket_endpoint_url must use wss:// in %s", getAppEnvironment())
	}
	if !b.UseSupportedCurrencySymbolsAsFilter && b.EndpointURL == "" {
		return fmt.Errorf("bitfinex.endpoint_url is required when use_supported_currency_symbols_as_filter is false")
	}
	if b.UseSupportedCurrencySymbolsAsFilter && len(b.SupportedCurrencySymbols) == 0 {
		return fmt.Errorf("bitfinex.supported_currency_symbols must not be empty when used as filter")
	}
	for i, s := range b.SupportedCurrencySymbols {
		if s.Internal == "" || s.Exchange == "" {
			return fmt.Errorf("bitfinex.supported_currency_symbols[%d] needs both internal and exchange", i)
		}
	}
	if b.MaxEventPerSecondByInstrument < 0 {
		return fmt.Errorf("bitfinex.max_event_per_second_by_instrument must not be negative")
	}
	if b.HeartbeatPeriod <= 0 {
		return fmt.Errorf("bitfinex.heartbeat_period must be greater than 0")
	}
	if b.SnapshotRefreshDelay <= 0 {
		return fmt.Errorf("bitfinex.snapshot_refresh_delay must be greater than 0")
	}
	if b.StatisticsInterval <= 0 {
		return fmt.Errorf("bitfinex.statistics_interval must be greater than 0")
	}
	if b.PingPeriod <= 0 {
		return fmt.Errorf("bitfinex.ping_period must be greater than 0")
	}

	if cfg.Publisher.QueueSize <= 0 {
		return fmt.Errorf("publisher.queue_size must be greater than 0")
	}
	for name, target := range map[string]PublishTarget{
		"order_books": cfg.Publisher.OrderBooks,
		"tick_prices": cfg.Publisher.TickPrices,
		"executions":  cfg.Publisher.Executions,
	} {
		if target.Enabled && target.Stream == "" {
			return fmt.Errorf("publisher.%s.stream is required when enabled", name)
		}
	}

	if cfg.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if cfg.Redis.BatchSize <= 0 {
		return fmt.Errorf("redis.batch_size must be greater than 0")
	}
	if cfg.Redis.FlushInterval <= 0 {
		return fmt.Errorf("redis.flush_interval must be greater than 0")
	}
	if cfg.Redis.QueueCapacity < cfg.Redis.BatchSize {
		return fmt.Errorf("redis.queue_capacity must be at least redis.batch_size")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Address == "" {
		return fmt.Errorf("metrics.address is required when metrics are enabled")
	}

	if cfg.Service.ShutdownTimeout <= 0 {
		return fmt.Errorf("service.shutdown_timeout must be greater than 0")
	}
	if cfg.Service.ReportInterval <= 0 {
		return fmt.Errorf("service.report_interval must be greater than 0")
	}

	return nil
}
