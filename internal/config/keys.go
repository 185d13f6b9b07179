package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "azure.api_key", typ: kString, env: "AZURE_AI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Azure.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Azure.APIKey },
	},
	{
		key: "azure.endpoint", typ: kString, env: "AZURE_AI_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Azure.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Azure.Endpoint },
	},
	{
		key: "azure.model", typ: kString, env: "AZURE_AI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Azure.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Azure.Model },
	},
	{
		key: "azure.model_in_body", typ: kBool, env: "AZURE_AI_MODEL_IN_BODY",
		apply:   func(cfg *Config, v any) { cfg.Azure.ModelInBody = v.(bool) },
		extract: func(cfg Config) any { return cfg.Azure.ModelInBody },
	},
	{
		key: "azure.use_predefined_models", typ: kBool, env: "USE_PREDEFINED_AZURE_AI_MODELS",
		apply:   func(cfg *Config, v any) { cfg.Azure.UsePredefinedModels = v.(bool) },
		extract: func(cfg Config) any { return cfg.Azure.UsePredefinedModels },
	},
	{
		key: "azure.timeout", typ: kDuration, env: "AZPIPE_AZURE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Azure.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Azure.Timeout },
	},
	{
		key: "server.port", typ: kInt, env: "AZPIPE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "AZPIPE_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "AZPIPE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.journal", typ: kBool, env: "AZPIPE_STORAGE_JOURNAL",
		apply:   func(cfg *Config, v any) { cfg.Storage.Journal = v.(bool) },
		extract: func(cfg Config) any { return cfg.Storage.Journal },
	},
	{
		key: "log.level", typ: kString, env: "AZPIPE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "metrics.enabled", typ: kBool, env: "AZPIPE_METRICS_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Metrics.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Metrics.Enabled },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				d, err := parseDuration(v)
				if err != nil {
					return fmt.Errorf("reading %s: %w", s.key, err)
				}
				s.apply(cfg, d)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := parseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

// parseDuration accepts Go duration strings and bare seconds ("300").
func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}
