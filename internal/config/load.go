package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sethvargo/go-envconfig"
	yaml "go.yaml.in/yaml/v3"
)

// secrets are credentials we prefer to take from the environment so they
// never have to live in the config file.
type secrets struct {
	BotToken      string `env:"BOOKBOT_BOT_TOKEN"`
	WebhookSecret string `env:"BOOKBOT_WEBHOOK_SECRET"`
	AdminToken    string `env:"BOOKBOT_ADMIN_TOKEN"`
}

// Load reads, coerces, strictly decodes and validates the config file.
// Env-provided secrets override file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	jsonBytes, _, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	var sec secrets
	if err := envconfig.Process(context.Background(), &sec); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	if sec.BotToken != "" {
		cfg.Bot.Token = sec.BotToken
	}
	if sec.WebhookSecret != "" {
		cfg.Webhook.Secret = sec.WebhookSecret
	}
	if sec.AdminToken != "" {
		cfg.Webhook.AdminToken = sec.AdminToken
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate catches fatal misconfiguration at startup (ConfigurationError
// territory: missing credentials are not retried, they abort boot).
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bot.Token) == "" {
		return errors.New("bot.token is required (file or BOOKBOT_BOT_TOKEN)")
	}
	if strings.TrimSpace(c.Queue.Path) == "" {
		return errors.New("queue.path is required")
	}
	if c.Queue.RetryFactor != 0 && c.Queue.RetryFactor < 1 {
		return errors.New("queue.retry_factor must be >= 1")
	}
	if c.Bot.RequestsPerMinute < 0 {
		return errors.New("bot.requests_per_minute must be >= 0")
	}
	if c.Webhook.SenderRatePerMinute < 0 {
		return errors.New("webhook.sender_rate_per_minute must be >= 0")
	}
	// Durations must at least parse.
	for _, f := range []struct{ path, raw string }{
		{"bot.request_timeout", c.Bot.RequestTimeout},
		{"bot.breaker_timeout", c.Bot.BreakerTimeout},
		{"queue.retry_base", c.Queue.RetryBase},
		{"queue.retry_max_delay", c.Queue.RetryMaxDelay},
		{"queue.poll_interval", c.Queue.PollInterval},
		{"queue.retention", c.Queue.Retention},
		{"queue.busy_timeout", c.Queue.BusyTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// coerceToJSONBytes converts YAML config to JSON bytes so we can re-use the
// strict JSON decoder (DisallowUnknownFields) for both formats.
//
// Returns (jsonBytes, format, err) where format is "json" or "yaml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}

	v = normalizeYAML(v)

	j, err := json.Marshal(v)
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
