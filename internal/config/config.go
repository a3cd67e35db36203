// Package config loads the daemon configuration from yaml with environment
// overrides for deployment-specific values.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidOperatorKey = errors.New("config: operator key must decode to exactly 32 bytes")
	ErrInvalidRelayURL    = errors.New("config: relay endpoints must use ws or wss")
)

// Duration accepts "10s"-style strings in yaml; bare integers are seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*d = Duration(time.Duration(asInt) * time.Second)
		return nil
	}
	var asString string
	if err := value.Decode(&asString); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(asString))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", asString, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Database   DatabaseConfig  `yaml:"database"`
	Redis      RedisConfig     `yaml:"redis"`
	Custody    CustodyConfig   `yaml:"custody"`
	Relays     RelayConfig     `yaml:"relays"`
	RateLimits RateLimitConfig `yaml:"rateLimits"`
	Logging    LoggingConfig   `yaml:"logging"`
	Metrics    MetricsConfig   `yaml:"metrics"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type CustodyConfig struct {
	// OperatorKey is hex or base64 for 32 raw bytes. Empty runs the key
	// custody store in degraded plaintext mode.
	OperatorKey string `yaml:"operatorKey"`
}

type RelayConfig struct {
	Endpoints      []string `yaml:"endpoints"`
	PublishTimeout Duration `yaml:"publishTimeout"`
}

type RateLimitConfig struct {
	ProveIdentity OperationLimit `yaml:"proveIdentity"`
	ResumeSession OperationLimit `yaml:"resumeSession"`
}

type OperationLimit struct {
	Limit  int      `yaml:"limit"`
	Window Duration `yaml:"window"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

func DefaultConfig() Config {
	return Config{
		Relays: RelayConfig{
			PublishTimeout: Duration(10 * time.Second),
		},
		RateLimits: RateLimitConfig{
			ProveIdentity: OperationLimit{Limit: 10, Window: Duration(time.Minute)},
			ResumeSession: OperationLimit{Limit: 30, Window: Duration(time.Minute)},
		},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9464"},
	}
}

// Load reads the yaml file at path (optional), merges it over the defaults,
// applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	candidates := make([]string, 0, 2)
	if path != "" {
		candidates = append(candidates, path)
	} else {
		candidates = append(candidates, "configs/config.yaml")
	}

	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			if path != "" {
				return Config{}, fmt.Errorf("config: reading %s: %w", candidate, err)
			}
			continue
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", candidate, err)
		}
		break
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("DEVSTR_DATABASE_URL")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("DEVSTR_REDIS_ADDR")); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("DEVSTR_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("DEVSTR_REDIS_DB")); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := strings.TrimSpace(os.Getenv("DEVSTR_OPERATOR_KEY")); v != "" {
		cfg.Custody.OperatorKey = v
	}
	if v := strings.TrimSpace(os.Getenv("DEVSTR_RELAYS")); v != "" {
		parts := strings.Split(v, ",")
		endpoints := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				endpoints = append(endpoints, p)
			}
		}
		cfg.Relays.Endpoints = endpoints
	}
	if v := strings.TrimSpace(os.Getenv("DEVSTR_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("DEVSTR_METRICS_ADDR")); v != "" {
		cfg.Metrics.Addr = v
	}
}

// Validate fails fast on values that would otherwise surface mid-request,
// like a truncated operator key.
func (c Config) Validate() error {
	if c.Custody.OperatorKey != "" {
		if _, err := c.OperatorKeyBytes(); err != nil {
			return err
		}
	}
	for _, endpoint := range c.Relays.Endpoints {
		u, err := url.Parse(endpoint)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("%w: %q", ErrInvalidRelayURL, endpoint)
		}
	}
	return nil
}

// OperatorKeyBytes decodes the configured operator key. Hex is tried first,
// then standard base64. Returns nil when no key is configured.
func (c Config) OperatorKeyBytes() ([]byte, error) {
	encoded := strings.TrimSpace(c.Custody.OperatorKey)
	if encoded == "" {
		return nil, nil
	}
	if raw, err := hex.DecodeString(encoded); err == nil {
		if len(raw) != 32 {
			return nil, ErrInvalidOperatorKey
		}
		return raw, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidOperatorKey
	}
	return raw, nil
}
