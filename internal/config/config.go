package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment overrides, e.g. HOSPITAL_SERVER__PORT.
const EnvPrefix = "HOSPITAL_"

type Config struct {
	Environment string           `koanf:"environment"` // development, production
	Server      ServerConfig     `koanf:"server"`
	Logging     LoggingConfig    `koanf:"logging"`
	Auth        AuthConfig       `koanf:"auth"`
	RateLimit   RateLimitConfig  `koanf:"rate_limit"`
	Complexity  ComplexityConfig `koanf:"complexity"`
	Upstream    UpstreamConfig   `koanf:"upstream"`
	Redis       RedisConfig      `koanf:"redis"`
	Database    DatabaseConfig   `koanf:"database"`
	PubSub      PubSubConfig     `koanf:"pubsub"`
	Webhooks    WebhookConfig    `koanf:"webhooks"`
	I18n        I18nConfig       `koanf:"i18n"`
	Telemetry   TelemetryConfig  `koanf:"telemetry"`
	Metrics     MetricsConfig    `koanf:"metrics"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	MaxBodyBytes   int64         `koanf:"max_body_bytes"`
	GraphiQL       bool          `koanf:"graphiql"`
	InitTimeout    time.Duration `koanf:"init_timeout"` // websocket connection_init deadline
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type AuthConfig struct {
	// PrimarySecret verifies tokens minted by the identity provider.
	PrimarySecret string `koanf:"primary_secret"`
	// ApplicationSecret verifies tokens minted by the application itself.
	ApplicationSecret string `koanf:"application_secret"`
}

type RateLimitConfig struct {
	Store         string                 `koanf:"store"` // memory, redis, sql
	Classes       map[string]ClassConfig `koanf:"classes"`
	SweepSchedule string                 `koanf:"sweep_schedule"`
}

type ClassConfig struct {
	Window time.Duration `koanf:"window"`
	Max    int           `koanf:"max"`
}

type ComplexityConfig struct {
	Ceiling int            `koanf:"ceiling"`
	Budgets map[string]int `koanf:"budgets"`
}

type UpstreamConfig struct {
	Services   map[string]string `koanf:"services"`
	Timeout    time.Duration     `koanf:"timeout"`
	MaxRetries int               `koanf:"max_retries"`
	RPS        float64           `koanf:"rps"`
	Burst      int               `koanf:"burst"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// DatabaseConfig backs the SQL rate-limit store.
type DatabaseConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres
	DSN    string `koanf:"dsn"`
}

type PubSubConfig struct {
	Backend    string `koanf:"backend"` // memory, redis
	BufferSize int    `koanf:"buffer_size"`
}

type WebhookConfig struct {
	Secret string `koanf:"secret"`
}

type I18nConfig struct {
	BundlePath string `koanf:"bundle_path"`
}

type TelemetryConfig struct {
	Exporter    string `koanf:"exporter"` // none, stdout, otlp
	Endpoint    string `koanf:"endpoint"`
	ServiceName string `koanf:"service_name"`
}

type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

// IsProduction reports whether error details must be withheld from clients.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

var defaults = map[string]any{
	"environment":                            "development",
	"server.port":                            4000,
	"server.request_timeout":                 "30s",
	"server.max_body_bytes":                  1 << 20,
	"server.graphiql":                        true,
	"server.init_timeout":                    "10s",
	"logging.level":                          "info",
	"logging.format":                         "json",
	"rate_limit.store":                       "memory",
	"rate_limit.sweep_schedule":              "@every 1m",
	"rate_limit.classes.anonymous.window":    "15m",
	"rate_limit.classes.anonymous.max":       100,
	"rate_limit.classes.patient.window":      "15m",
	"rate_limit.classes.patient.max":         500,
	"rate_limit.classes.doctor.window":       "15m",
	"rate_limit.classes.doctor.max":          1000,
	"rate_limit.classes.admin.window":        "15m",
	"rate_limit.classes.admin.max":           5000,
	"rate_limit.classes.subscription.window": "1m",
	"rate_limit.classes.subscription.max":    10,
	"complexity.ceiling":                     1500,
	"complexity.budgets.admin":               2000,
	"complexity.budgets.doctor":              1500,
	"complexity.budgets.patient":             1000,
	"complexity.budgets.anonymous":           500,
	"upstream.services.departments":          "http://localhost:3001",
	"upstream.services.doctors":              "http://localhost:3002",
	"upstream.services.patients":             "http://localhost:3003",
	"upstream.services.appointments":         "http://localhost:3004",
	"upstream.timeout":                       "5s",
	"upstream.max_retries":                   2,
	"upstream.rps":                           200,
	"upstream.burst":                         50,
	"redis.addr":                             "localhost:6379",
	"database.driver":                        "sqlite",
	"database.dsn":                           "file:ratelimit.db?_pragma=journal_mode(WAL)",
	"pubsub.backend":                         "memory",
	"pubsub.buffer_size":                     16,
	"telemetry.exporter":                     "none",
	"telemetry.service_name":                 "hospital-gateway",
	"metrics.enabled":                        true,
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (optional; a missing file is not an error), then
// HOSPITAL_ environment overrides, then fills defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Auth.PrimarySecret = substituteEnvVars(cfg.Auth.PrimarySecret)
	cfg.Auth.ApplicationSecret = substituteEnvVars(cfg.Auth.ApplicationSecret)
	cfg.Redis.Password = substituteEnvVars(cfg.Redis.Password)
	cfg.Database.DSN = substituteEnvVars(cfg.Database.DSN)
	cfg.Webhooks.Secret = substituteEnvVars(cfg.Webhooks.Secret)
	for name, url := range cfg.Upstream.Services {
		cfg.Upstream.Services[name] = substituteEnvVars(url)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks option combinations that cannot be caught by decoding.
func (c *Config) Validate() error {
	switch c.RateLimit.Store {
	case "memory", "redis", "sql":
	default:
		return fmt.Errorf("rate_limit.store: unknown store %q", c.RateLimit.Store)
	}
	switch c.PubSub.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("pubsub.backend: unknown backend %q", c.PubSub.Backend)
	}
	switch c.Telemetry.Exporter {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("telemetry.exporter: unknown exporter %q", c.Telemetry.Exporter)
	}
	for name, cls := range c.RateLimit.Classes {
		if cls.Window <= 0 || cls.Max <= 0 {
			return fmt.Errorf("rate_limit.classes.%s: window and max must be positive", name)
		}
	}
	if c.Complexity.Ceiling <= 0 {
		return fmt.Errorf("complexity.ceiling must be positive")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
