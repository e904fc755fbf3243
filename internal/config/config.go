package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

const (
	defaultHTTPAddr             = ":8080"
	defaultProvider             = "anthropic"
	defaultAnthropicModel       = "claude-sonnet-4-20250514"
	defaultOpenAIModel          = "gpt-4o-mini"
	defaultMaxTokens            = 1000
	defaultTemperature          = 0.1
	defaultProviderTimeout      = 60 * time.Second
	defaultProviderMaxRetries   = 3
	defaultRequestsPerMinute    = 50
	defaultTokensPerMinute      = 40000
	defaultMaxTurnIterations    = 10
	defaultMaxMessageChars      = 4000
	defaultStoreDriver          = "memory"
	defaultDBDSN                = "crab-care.db"
	defaultSessionIdleTimeout   = 60 * time.Minute
	defaultSessionSweepInterval = time.Minute
)

// Config is the runtime configuration of the crab-care server. File values
// are applied first, then CRAB_CARE_* environment variables.
type Config struct {
	HTTPAddr string `env:"CRAB_CARE_HTTP_ADDR"`

	Provider           string        `env:"CRAB_CARE_PROVIDER"`
	Model              string        `env:"CRAB_CARE_MODEL"`
	AnthropicAPIKey    string        `env:"CRAB_CARE_ANTHROPIC_API_KEY"`
	AnthropicEndpoint  string        `env:"CRAB_CARE_ANTHROPIC_ENDPOINT"`
	OpenAIAPIKey       string        `env:"CRAB_CARE_OPENAI_API_KEY"`
	OpenAIBaseURL      string        `env:"CRAB_CARE_OPENAI_BASE_URL"`
	MaxTokens          int           `env:"CRAB_CARE_MAX_TOKENS"`
	Temperature        float64       `env:"CRAB_CARE_TEMPERATURE"`
	ProviderTimeout    time.Duration `env:"CRAB_CARE_PROVIDER_TIMEOUT"`
	ProviderMaxRetries int           `env:"CRAB_CARE_PROVIDER_MAX_RETRIES"`

	RateLimitRequestsPerMinute int `env:"CRAB_CARE_RATE_LIMIT_RPM"`
	RateLimitTokensPerMinute   int `env:"CRAB_CARE_RATE_LIMIT_TPM"`

	MaxTurnIterations int `env:"CRAB_CARE_MAX_TURN_ITERATIONS"`
	MaxMessageChars   int `env:"CRAB_CARE_MAX_MESSAGE_CHARS"`

	SessionStore         string        `env:"CRAB_CARE_SESSION_STORE"`
	SessionDBDSN         string        `env:"CRAB_CARE_SESSION_DB_DSN"`
	SessionIdleTimeout   time.Duration `env:"CRAB_CARE_SESSION_IDLE_TIMEOUT"`
	SessionSweepInterval time.Duration `env:"CRAB_CARE_SESSION_SWEEP_INTERVAL"`

	ClinicStore  string `env:"CRAB_CARE_CLINIC_STORE"`
	ClinicDBDSN  string `env:"CRAB_CARE_CLINIC_DB_DSN"`
	SeedDemoData bool   `env:"CRAB_CARE_SEED_DEMO_DATA"`

	WebhookURLs   []string `env:"CRAB_CARE_WEBHOOK_URLS" envSeparator:","`
	WebhookSecret string   `env:"CRAB_CARE_WEBHOOK_SECRET"`
	EnableMCP     bool     `env:"CRAB_CARE_ENABLE_MCP"`
}

func Defaults() Config {
	return Config{
		HTTPAddr:                   defaultHTTPAddr,
		Provider:                   defaultProvider,
		MaxTokens:                  defaultMaxTokens,
		Temperature:                defaultTemperature,
		ProviderTimeout:            defaultProviderTimeout,
		ProviderMaxRetries:         defaultProviderMaxRetries,
		RateLimitRequestsPerMinute: defaultRequestsPerMinute,
		RateLimitTokensPerMinute:   defaultTokensPerMinute,
		MaxTurnIterations:          defaultMaxTurnIterations,
		MaxMessageChars:            defaultMaxMessageChars,
		SessionStore:               defaultStoreDriver,
		SessionDBDSN:               defaultDBDSN,
		SessionIdleTimeout:         defaultSessionIdleTimeout,
		SessionSweepInterval:       defaultSessionSweepInterval,
		ClinicStore:                defaultStoreDriver,
		ClinicDBDSN:                defaultDBDSN,
		SeedDemoData:               true,
	}
}

// Load resolves the configuration from defaults, the optional YAML file and
// the environment, in that order.
func Load() (Config, error) {
	cfg := Defaults()

	file, err := loadFileConfig()
	if err != nil {
		return Config{}, err
	}
	if err := file.applyTo(&cfg); err != nil {
		return Config{}, err
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.HTTPAddr = strings.TrimSpace(c.HTTPAddr)
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	c.Model = strings.TrimSpace(c.Model)
	c.AnthropicAPIKey = strings.TrimSpace(c.AnthropicAPIKey)
	c.AnthropicEndpoint = strings.TrimSpace(c.AnthropicEndpoint)
	c.OpenAIAPIKey = strings.TrimSpace(c.OpenAIAPIKey)
	c.OpenAIBaseURL = strings.TrimSpace(c.OpenAIBaseURL)
	c.SessionStore = strings.ToLower(strings.TrimSpace(c.SessionStore))
	c.SessionDBDSN = strings.TrimSpace(c.SessionDBDSN)
	c.ClinicStore = strings.ToLower(strings.TrimSpace(c.ClinicStore))
	c.ClinicDBDSN = strings.TrimSpace(c.ClinicDBDSN)
	c.WebhookSecret = strings.TrimSpace(c.WebhookSecret)

	if c.Model == "" {
		switch c.Provider {
		case "openai":
			c.Model = defaultOpenAIModel
		default:
			c.Model = defaultAnthropicModel
		}
	}

	urls := make([]string, 0, len(c.WebhookURLs))
	for _, raw := range c.WebhookURLs {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			urls = append(urls, trimmed)
		}
	}
	c.WebhookURLs = urls
}

func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("CRAB_CARE_HTTP_ADDR must not be empty")
	}
	switch c.Provider {
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("CRAB_CARE_ANTHROPIC_API_KEY must not be empty when provider is anthropic")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("CRAB_CARE_OPENAI_API_KEY must not be empty when provider is openai")
		}
	default:
		return fmt.Errorf("CRAB_CARE_PROVIDER must be anthropic or openai")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("CRAB_CARE_MAX_TOKENS must be > 0")
	}
	if c.Temperature < 0 || c.Temperature > 1 {
		return fmt.Errorf("CRAB_CARE_TEMPERATURE must be between 0 and 1")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("CRAB_CARE_PROVIDER_TIMEOUT must be > 0")
	}
	if c.ProviderMaxRetries < 0 {
		return fmt.Errorf("CRAB_CARE_PROVIDER_MAX_RETRIES must be >= 0")
	}
	if c.RateLimitRequestsPerMinute <= 0 {
		return fmt.Errorf("CRAB_CARE_RATE_LIMIT_RPM must be > 0")
	}
	if c.RateLimitTokensPerMinute <= 0 {
		return fmt.Errorf("CRAB_CARE_RATE_LIMIT_TPM must be > 0")
	}
	if c.MaxTurnIterations <= 0 {
		return fmt.Errorf("CRAB_CARE_MAX_TURN_ITERATIONS must be > 0")
	}
	if c.MaxMessageChars <= 0 {
		return fmt.Errorf("CRAB_CARE_MAX_MESSAGE_CHARS must be > 0")
	}
	if err := validateStore("CRAB_CARE_SESSION_STORE", c.SessionStore, "CRAB_CARE_SESSION_DB_DSN", c.SessionDBDSN); err != nil {
		return err
	}
	if c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("CRAB_CARE_SESSION_IDLE_TIMEOUT must be > 0")
	}
	if c.SessionSweepInterval <= 0 {
		return fmt.Errorf("CRAB_CARE_SESSION_SWEEP_INTERVAL must be > 0")
	}
	if err := validateStore("CRAB_CARE_CLINIC_STORE", c.ClinicStore, "CRAB_CARE_CLINIC_DB_DSN", c.ClinicDBDSN); err != nil {
		return err
	}
	return nil
}

func validateStore(driverKey, driver, dsnKey, dsn string) error {
	switch driver {
	case "memory":
		return nil
	case "sqlite", "postgres":
		if dsn == "" {
			return fmt.Errorf("%s must not be empty when %s is %s", dsnKey, driverKey, driver)
		}
		return nil
	default:
		return fmt.Errorf("%s must be memory, sqlite or postgres", driverKey)
	}
}
