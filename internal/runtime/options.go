package runtime

import (
	"errors"
	"log/slog"

	"github.com/go-redis/redis/v8"

	"github.com/tjfontaine/hospital-gateway/internal/config"
	"github.com/tjfontaine/hospital-gateway/internal/pubsub"
	"github.com/tjfontaine/hospital-gateway/internal/ratelimit"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithConfigFile loads configuration from path and watches it for
// complexity budget changes. A missing file falls back to defaults.
func WithConfigFile(path string) Option {
	return func(g *Gateway) error {
		g.configPath = path
		return nil
	}
}

// WithConfig uses an already loaded configuration. The file is not watched.
func WithConfig(cfg *config.Config) Option {
	return func(g *Gateway) error {
		if cfg == nil {
			return errors.New("config is nil")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		g.cfg = cfg
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		if logger != nil {
			g.logger = logger
		}
		return nil
	}
}

// WithRedisClient shares client between the redis rate-limit store and the
// redis broker instead of dialing redis.addr. The caller keeps ownership.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(g *Gateway) error {
		g.redis = client
		return nil
	}
}

// WithRateLimitStore overrides rate_limit.store.
func WithRateLimitStore(store ratelimit.Store) Option {
	return func(g *Gateway) error {
		g.store = store
		return nil
	}
}

// WithBroker overrides pubsub.backend. The gateway closes it on shutdown.
func WithBroker(broker pubsub.Broker) Option {
	return func(g *Gateway) error {
		g.broker = broker
		return nil
	}
}
