package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultEndpoint = "https://models.inference.ai.azure.com/chat/completions"
	DefaultTimeout  = 300 * time.Second
)

type Config struct {
	Server  ServerConfig
	Azure   AzureConfig
	Storage StorageConfig
	Log     LogConfig
	Metrics MetricsConfig
}

type ServerConfig struct {
	Port  int
	Token string
}

// AzureConfig holds the upstream settings consumed by the relay.
type AzureConfig struct {
	APIKey              string
	Endpoint            string
	Model               string // one or more names separated by ';', ',' or whitespace
	ModelInBody         bool
	UsePredefinedModels bool
	Timeout             time.Duration
}

type StorageConfig struct {
	DataDir string
	Journal bool
}

type LogConfig struct {
	Level string
}

type MetricsConfig struct {
	Enabled bool
}

// ConfigurationError reports a missing or invalid setting.
type ConfigurationError struct {
	Key    string
	EnvVar string
	Reason string
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("invalid config %s: %s", e.Key, e.Reason)
	if e.EnvVar != "" {
		msg += fmt.Sprintf(" (set it via environment variable %s)", e.EnvVar)
	}
	return msg
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Azure: AzureConfig{
			Endpoint: DefaultEndpoint,
			Timeout:  DefaultTimeout,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
			Journal: true,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads configuration from the YAML config file, environment
// variables, and the platform secret store, then validates it.
//
// The config file is $AZPIPE_CONFIG or $XDG_CONFIG_HOME/azpipe/config.yaml.
// Environment variables override file values. The Azure API key is never
// read from the config file; when the environment does not provide it the
// platform secret store is consulted.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// LoadUnvalidated is Load without the final validation step. It is meant for
// commands that only display or edit configuration.
func LoadUnvalidated() (Config, error) {
	return resolve(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg, err := resolve(b, kc)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolve(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Azure.APIKey == "" {
		if key, err := kc.Get("azpipe", "azure_ai_api_key"); err == nil && key != "" {
			cfg.Azure.APIKey = key
		}
	}

	return cfg, nil
}

// Validate checks the settings the relay cannot work without.
func (c Config) Validate() error {
	if c.Azure.APIKey == "" {
		return &ConfigurationError{
			Key:    "azure.api_key",
			EnvVar: "AZURE_AI_API_KEY",
			Reason: "AZURE_AI_API_KEY is not set" + apiKeyHint(),
		}
	}
	if strings.TrimSpace(c.Azure.Endpoint) == "" {
		return &ConfigurationError{
			Key:    "azure.endpoint",
			EnvVar: "AZURE_AI_ENDPOINT",
			Reason: "AZURE_AI_ENDPOINT is not set",
		}
	}
	if c.Azure.Timeout <= 0 {
		return &ConfigurationError{
			Key:    "azure.timeout",
			EnvVar: "AZPIPE_AZURE_TIMEOUT",
			Reason: fmt.Sprintf("timeout must be positive, got %s", c.Azure.Timeout),
		}
	}
	return nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
