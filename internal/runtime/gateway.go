// Package runtime assembles the hospital gateway from configuration and
// manages its lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tjfontaine/hospital-gateway/internal/auth"
	"github.com/tjfontaine/hospital-gateway/internal/complexity"
	"github.com/tjfontaine/hospital-gateway/internal/config"
	"github.com/tjfontaine/hospital-gateway/internal/graph"
	"github.com/tjfontaine/hospital-gateway/internal/i18n"
	"github.com/tjfontaine/hospital-gateway/internal/pipeline"
	"github.com/tjfontaine/hospital-gateway/internal/pubsub"
	"github.com/tjfontaine/hospital-gateway/internal/ratelimit"
	"github.com/tjfontaine/hospital-gateway/internal/resolvers"
	"github.com/tjfontaine/hospital-gateway/internal/server"
	"github.com/tjfontaine/hospital-gateway/internal/storage/sqldb"
	"github.com/tjfontaine/hospital-gateway/internal/upstream"
	"github.com/tjfontaine/hospital-gateway/internal/webhook"
)

// Gateway owns every long-lived component of the process: the HTTP server,
// the GraphQL handler, the rate-limit store, the event broker and the
// config watcher.
// It can be embedded in a larger application or run standalone.
type Gateway struct {
	// Injected via options
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	redis      redis.UniversalClient
	store      ratelimit.Store
	broker     pubsub.Broker

	gate     *complexity.Gate
	limiter  *ratelimit.Limiter
	handler  *graph.Handler
	server   *server.Server
	janitor  *ratelimit.Janitor
	watcher  *config.Watcher
	closers  []namedCloser
	serveErr chan error

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

type namedCloser struct {
	name  string
	close func() error
}

// New builds a gateway. Without WithConfig or WithConfigFile the defaults
// and HOSPITAL_ environment overrides are used.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.cfg == nil {
		cfg, err := config.Load(gw.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		gw.cfg = cfg
	}

	if err := gw.build(); err != nil {
		_ = gw.closeAll()
		return nil, err
	}
	return gw, nil
}

// Config returns the configuration the gateway was built from.
func (g *Gateway) Config() *config.Config { return g.cfg }

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler { return g.server.Router }

func (g *Gateway) build() error {
	cfg := g.cfg

	if err := g.initStore(); err != nil {
		return fmt.Errorf("init rate limit store: %w", err)
	}
	if err := g.initBroker(); err != nil {
		return fmt.Errorf("init event broker: %w", err)
	}

	translator, err := i18n.New(cfg.I18n.BundlePath)
	if err != nil {
		return fmt.Errorf("init translations: %w", err)
	}

	client, err := upstream.NewClient(cfg.Upstream.Services,
		upstream.WithTimeout(cfg.Upstream.Timeout),
		upstream.WithMaxRetries(cfg.Upstream.MaxRetries),
		upstream.WithRateLimit(cfg.Upstream.RPS, cfg.Upstream.Burst),
		upstream.WithLogger(g.logger),
	)
	if err != nil {
		return fmt.Errorf("init upstream client: %w", err)
	}

	schema, err := graph.LoadSchema()
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	reg := graph.NewRegistry(schema)
	if err := resolvers.Register(reg, resolvers.Deps{Broker: g.broker, Logger: g.logger}); err != nil {
		return fmt.Errorf("register resolvers: %w", err)
	}

	g.gate = complexity.NewGate(budgetsFrom(cfg))
	reg.Estimators(g.gate)
	g.limiter = ratelimit.New(g.store,
		ratelimit.WithRules(rulesFrom(cfg)),
		ratelimit.WithLogger(g.logger),
	)

	exec := graph.NewExecutor(reg,
		graph.WithTranslator(translator),
		graph.WithLogger(g.logger),
		graph.WithDebug(!cfg.IsProduction()),
	)
	g.handler = graph.NewHandler(graph.HandlerConfig{
		Executor:   exec,
		Pipeline:   pipeline.Default(g.limiter, g.gate),
		Auth:       auth.NewBuilder(cfg.Auth.PrimarySecret, cfg.Auth.ApplicationSecret, auth.WithLogger(g.logger)),
		Translator: translator,
		Upstream:   client,
		Logger:     g.logger,
		Options: graph.HandlerOptions{
			GraphiQL:     cfg.Server.GraphiQL,
			MaxBodyBytes: cfg.Server.MaxBodyBytes,
			InitTimeout:  cfg.Server.InitTimeout,
		},
	})

	g.server = server.New(server.Options{
		Port:        cfg.Server.Port,
		ReadTimeout: cfg.Server.RequestTimeout,
		IdleTimeout: 2 * cfg.Server.RequestTimeout,
		Metrics:     cfg.Metrics.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	}, g.logger)
	r := g.server.Router
	r.With(server.TimeoutMiddleware(cfg.Server.RequestTimeout)).Handle("/graphql", g.handler)
	r.Mount("/webhooks", webhook.NewHandler(g.broker, g.logger).Router(cfg.Webhooks.Secret))

	// Hijacked websocket connections are not drained by http.Server.
	g.server.RegisterOnShutdown(g.handler.Close)

	if sweeper, ok := g.store.(ratelimit.Sweeper); ok && cfg.RateLimit.SweepSchedule != "" {
		g.janitor, err = ratelimit.NewJanitor(sweeper, cfg.RateLimit.SweepSchedule, g.logger)
		if err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) redisClient() redis.UniversalClient {
	if g.redis == nil {
		g.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{g.cfg.Redis.Addr},
			Password: g.cfg.Redis.Password,
			DB:       g.cfg.Redis.DB,
		})
		g.addCloser("redis", g.redis.Close)
	}
	return g.redis
}

func (g *Gateway) initStore() error {
	if g.store != nil {
		return nil
	}
	switch g.cfg.RateLimit.Store {
	case "redis":
		g.store = ratelimit.NewRedisStore(g.redisClient(), "ratelimit:")
	case "sql":
		store, err := sqldb.New(sqldb.Config{Driver: g.cfg.Database.Driver, DSN: g.cfg.Database.DSN})
		if err != nil {
			return err
		}
		g.addCloser("rate limit database", store.Close)
		g.store = store
	default:
		g.store = ratelimit.NewMemoryStore()
	}
	g.logger.Info("rate limit store ready", slog.String("store", g.cfg.RateLimit.Store))
	return nil
}

func (g *Gateway) initBroker() error {
	if g.broker == nil {
		switch g.cfg.PubSub.Backend {
		case "redis":
			g.broker = pubsub.NewRedisBroker(g.redisClient(), "events:", g.logger)
		default:
			g.broker = pubsub.NewMemoryBroker(g.cfg.PubSub.BufferSize, g.logger)
		}
	}
	// Brokers close before redis so subscriptions end cleanly.
	g.closers = append([]namedCloser{{"event broker", g.broker.Close}}, g.closers...)
	return nil
}

func (g *Gateway) addCloser(name string, f func() error) {
	g.closers = append(g.closers, namedCloser{name, f})
}

// Start begins serving and watching the config file. It returns once the
// listener goroutine has been started.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ctx, g.cancel = context.WithCancel(ctx)

	if g.janitor != nil {
		g.janitor.Start()
	}
	if g.configPath != "" {
		w, err := config.NewWatcher(g.configPath, g.logger)
		if err != nil {
			return err
		}
		if err := w.Watch(g.ctx, g.reload); err != nil {
			g.logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
		} else {
			g.watcher = w
		}
	}

	g.serveErr = make(chan error, 1)
	go func() {
		g.serveErr <- g.server.Start()
	}()
	g.server.SetReady(true)

	g.logger.Info("gateway started",
		slog.Int("port", g.cfg.Server.Port),
		slog.String("rate_limit_store", g.cfg.RateLimit.Store),
		slog.String("pubsub", g.cfg.PubSub.Backend))
	return nil
}

// Done delivers the error that ended the listener, nil after Shutdown.
func (g *Gateway) Done() <-chan error { return g.serveErr }

// reload applies the settings that are safe to change at runtime.
func (g *Gateway) reload(cfg *config.Config) {
	g.gate.SetBudgets(budgetsFrom(cfg))
	g.logger.Info("complexity budgets reloaded",
		slog.Int("ceiling", cfg.Complexity.Ceiling),
		slog.Any("budgets", cfg.Complexity.Budgets))
}

// Shutdown drains the HTTP server, closes websocket sessions and releases
// stores and brokers.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")
	if g.cancel != nil {
		g.cancel()
	}

	var errs []error
	if err := g.server.Shutdown(ctx); err != nil {
		g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	if g.watcher != nil {
		_ = g.watcher.Close()
	}
	if g.janitor != nil {
		g.janitor.Stop()
	}
	if err := g.closeAll(); err != nil {
		errs = append(errs, err)
	}

	g.logger.Info("gateway shutdown complete")
	return errors.Join(errs...)
}

func (g *Gateway) closeAll() error {
	var errs []error
	for _, c := range g.closers {
		if err := c.close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			g.logger.Error("failed to close "+c.name, slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	g.closers = nil
	return errors.Join(errs...)
}

// budgetsFrom converts the complexity section. Roles missing from the
// config keep their default budget.
func budgetsFrom(cfg *config.Config) complexity.Budgets {
	b := complexity.DefaultBudgets()
	for role, budget := range cfg.Complexity.Budgets {
		b.Roles[role] = budget
	}
	if cfg.Complexity.Ceiling > 0 {
		b.Ceiling = cfg.Complexity.Ceiling
	}
	return b
}

func rulesFrom(cfg *config.Config) map[ratelimit.Class]ratelimit.Rule {
	rules := make(map[ratelimit.Class]ratelimit.Rule, len(cfg.RateLimit.Classes))
	for name, c := range cfg.RateLimit.Classes {
		rules[ratelimit.Class(name)] = ratelimit.Rule{Window: c.Window, Max: c.Max}
	}
	return rules
}

// shutdownTimeout bounds Shutdown when called from Run.
const shutdownTimeout = 30 * time.Second

// Run starts the gateway and blocks until ctx is done or the listener
// fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		return err
	}
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-g.serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, g.Shutdown(shutdownCtx))
}
