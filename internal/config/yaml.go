package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigFile           = "CRAB_CARE_CONFIG_FILE"
	crabstackDirName        = ".crabstack"
	defaultConfigFileName   = "care.yaml"
	alternateConfigFileName = "care.yml"
)

type fileConfig struct {
	Version  int                `yaml:"version"`
	Server   fileServerConfig   `yaml:"server"`
	Provider fileProviderConfig `yaml:"provider"`
	Session  fileSessionConfig  `yaml:"session"`
	Clinic   fileClinicConfig   `yaml:"clinic"`
}

type fileServerConfig struct {
	HTTPAddr      string   `yaml:"http_addr"`
	WebhookURLs   []string `yaml:"webhook_urls"`
	WebhookSecret string   `yaml:"webhook_secret"`
	EnableMCP     *bool    `yaml:"enable_mcp"`
}

type fileProviderConfig struct {
	Name                 string   `yaml:"name"`
	Model                string   `yaml:"model"`
	AnthropicAPIKey      string   `yaml:"anthropic_api_key"`
	AnthropicEndpoint    string   `yaml:"anthropic_endpoint"`
	OpenAIAPIKey         string   `yaml:"openai_api_key"`
	OpenAIBaseURL        string   `yaml:"openai_base_url"`
	MaxTokens            int      `yaml:"max_tokens"`
	Temperature          *float64 `yaml:"temperature"`
	Timeout              string   `yaml:"timeout"`
	MaxRetries           *int     `yaml:"max_retries"`
	RequestsPerMinute    int      `yaml:"rate_limit_requests_per_minute"`
	TokensPerMinute      int      `yaml:"rate_limit_tokens_per_minute"`
	MaxTurnIterations    int      `yaml:"max_turn_iterations"`
	MaxMessageCharacters int      `yaml:"max_message_chars"`
}

type fileSessionConfig struct {
	Store         string `yaml:"store"`
	DBDSN         string `yaml:"db_dsn"`
	IdleTimeout   string `yaml:"idle_timeout"`
	SweepInterval string `yaml:"sweep_interval"`
}

type fileClinicConfig struct {
	Store        string `yaml:"store"`
	DBDSN        string `yaml:"db_dsn"`
	SeedDemoData *bool  `yaml:"seed_demo_data"`
}

func (f fileConfig) applyTo(cfg *Config) error {
	setString(&cfg.HTTPAddr, f.Server.HTTPAddr)
	if len(f.Server.WebhookURLs) > 0 {
		cfg.WebhookURLs = append([]string(nil), f.Server.WebhookURLs...)
	}
	setString(&cfg.WebhookSecret, f.Server.WebhookSecret)
	if f.Server.EnableMCP != nil {
		cfg.EnableMCP = *f.Server.EnableMCP
	}

	setString(&cfg.Provider, f.Provider.Name)
	setString(&cfg.Model, f.Provider.Model)
	setString(&cfg.AnthropicAPIKey, f.Provider.AnthropicAPIKey)
	setString(&cfg.AnthropicEndpoint, f.Provider.AnthropicEndpoint)
	setString(&cfg.OpenAIAPIKey, f.Provider.OpenAIAPIKey)
	setString(&cfg.OpenAIBaseURL, f.Provider.OpenAIBaseURL)
	setInt(&cfg.MaxTokens, f.Provider.MaxTokens)
	if f.Provider.Temperature != nil {
		cfg.Temperature = *f.Provider.Temperature
	}
	if f.Provider.MaxRetries != nil {
		cfg.ProviderMaxRetries = *f.Provider.MaxRetries
	}
	setInt(&cfg.RateLimitRequestsPerMinute, f.Provider.RequestsPerMinute)
	setInt(&cfg.RateLimitTokensPerMinute, f.Provider.TokensPerMinute)
	setInt(&cfg.MaxTurnIterations, f.Provider.MaxTurnIterations)
	setInt(&cfg.MaxMessageChars, f.Provider.MaxMessageCharacters)

	var err error
	if cfg.ProviderTimeout, err = parseOptionalDuration(f.Provider.Timeout, cfg.ProviderTimeout, "provider.timeout"); err != nil {
		return err
	}

	setString(&cfg.SessionStore, f.Session.Store)
	setString(&cfg.SessionDBDSN, f.Session.DBDSN)
	if cfg.SessionIdleTimeout, err = parseOptionalDuration(f.Session.IdleTimeout, cfg.SessionIdleTimeout, "session.idle_timeout"); err != nil {
		return err
	}
	if cfg.SessionSweepInterval, err = parseOptionalDuration(f.Session.SweepInterval, cfg.SessionSweepInterval, "session.sweep_interval"); err != nil {
		return err
	}

	setString(&cfg.ClinicStore, f.Clinic.Store)
	setString(&cfg.ClinicDBDSN, f.Clinic.DBDSN)
	if f.Clinic.SeedDemoData != nil {
		cfg.SeedDemoData = *f.Clinic.SeedDemoData
	}
	return nil
}

func loadFileConfig() (fileConfig, error) {
	path, ok, err := resolveConfigFilePath()
	if err != nil {
		return fileConfig{}, err
	}
	if !ok {
		return fileConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("decode config file %s: %w", path, err)
	}
	return cfg, nil
}

func resolveConfigFilePath() (string, bool, error) {
	if explicit := strings.TrimSpace(os.Getenv(EnvConfigFile)); explicit != "" {
		resolvedPath, err := expandPath(explicit)
		if err != nil {
			return "", false, fmt.Errorf("resolve %s: %w", EnvConfigFile, err)
		}
		info, err := os.Stat(resolvedPath)
		if err != nil {
			return "", false, fmt.Errorf("config file %s: %w", resolvedPath, err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config file %s is a directory", resolvedPath)
		}
		return resolvedPath, true, nil
	}

	candidates := []string{
		filepath.Join(crabstackDirName, defaultConfigFileName),
		filepath.Join(crabstackDirName, alternateConfigFileName),
	}
	if homeDir, err := os.UserHomeDir(); err == nil && strings.TrimSpace(homeDir) != "" {
		candidates = append(candidates,
			filepath.Join(homeDir, crabstackDirName, defaultConfigFileName),
			filepath.Join(homeDir, crabstackDirName, alternateConfigFileName),
		)
	}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", false, fmt.Errorf("config path %s is a directory", candidate)
			}
			return candidate, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}
	return "", false, nil
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(trimmed, "~")), nil
	}
	return trimmed, nil
}

func parseOptionalDuration(raw string, fallback time.Duration, field string) (time.Duration, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration %q: %w", field, value, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", field)
	}
	return parsed, nil
}

func setString(dst *string, value string) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		*dst = trimmed
	}
}

func setInt(dst *int, value int) {
	if value != 0 {
		*dst = value
	}
}
