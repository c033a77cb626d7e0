// Package runtime provides the Gateway struct and lifecycle management for
// the reputation gateway.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/reputation-gateway/internal/adapters/config/file"
	"github.com/tjfontaine/reputation-gateway/internal/aggregate"
	"github.com/tjfontaine/reputation-gateway/internal/api"
	"github.com/tjfontaine/reputation-gateway/internal/cache"
	"github.com/tjfontaine/reputation-gateway/internal/chain"
	"github.com/tjfontaine/reputation-gateway/internal/config"
	"github.com/tjfontaine/reputation-gateway/internal/domain"
	"github.com/tjfontaine/reputation-gateway/internal/ratelimit"
	"github.com/tjfontaine/reputation-gateway/internal/search"
	"github.com/tjfontaine/reputation-gateway/internal/server"
	"github.com/tjfontaine/reputation-gateway/internal/telemetry"
)

// Gateway is the main entry point for running the reputation gateway.
// It owns configuration, the per-chain caches and the HTTP server lifecycle.
type Gateway struct {
	// Dependencies (injected via options)
	provider *file.Provider
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	clock    clock.Clock
	fetchers map[domain.ChainID]cache.LogFetcher

	// Built from config
	metrics      *telemetry.Metrics
	cache        *cache.Cache
	readLimiter  *ratelimit.Limiter
	writeLimiter *ratelimit.Limiter
	server       *server.Server

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

// New creates a new Gateway with the given options. A config source is
// required: WithFileConfig or WithConfig.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger: slog.Default(),
		clock:  clock.New(),
	}

	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.provider == nil && gw.cfg == nil {
		return nil, errors.New("config required (use WithFileConfig or WithConfig)")
	}
	if gw.registry == nil {
		gw.registry = prometheus.NewRegistry()
		gw.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return gw, nil
}

// Start loads config, builds the chain caches and starts the HTTP server.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ctx, g.cancel = context.WithCancel(ctx)

	if err := g.build(g.ctx); err != nil {
		return err
	}

	go func() {
		if err := g.server.Start(); err != nil {
			g.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()

	if g.provider != nil {
		if err := g.provider.Watch(g.ctx, g.reload); err != nil {
			g.logger.Warn("config watch unavailable", slog.String("error", err.Error()))
		}
	}

	g.logger.Info("gateway started",
		slog.Int("port", g.cfg.Server.Port),
		slog.Int("chains", len(g.cfg.Chains)))

	return nil
}

// build wires every component from the loaded config.
func (g *Gateway) build(ctx context.Context) error {
	if g.provider != nil {
		cfg, err := g.provider.Load(ctx)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		g.cfg = cfg
	}
	cfg := g.cfg

	g.metrics = telemetry.NewMetrics(g.registry)

	sources, err := g.sources(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init chains: %w", err)
	}
	g.cache = cache.New(sources,
		cache.WithTTL(cfg.Cache.TTL),
		cache.WithForceLookback(cfg.Cache.ForceLookback),
		cache.WithRefreshTimeout(cfg.Cache.RefreshTimeout),
		cache.WithClock(g.clock),
		cache.WithLogger(g.logger),
		cache.WithMetrics(g.metrics))

	g.readLimiter = ratelimit.New(cfg.RateLimit.Read.Window, cfg.RateLimit.Read.Max, ratelimit.WithClock(g.clock))
	g.writeLimiter = ratelimit.New(cfg.RateLimit.Write.Window, cfg.RateLimit.Write.Max, ratelimit.WithClock(g.clock))

	deps := api.Deps{
		Cache: g.cache,
		Aggregator: aggregate.New(
			aggregate.WithTimeout(cfg.Aggregate.Timeout),
			aggregate.WithLogger(g.logger),
			aggregate.WithMetrics(g.metrics)),
		ReadLimiter:  g.readLimiter,
		WriteLimiter: g.writeLimiter,
		Categories:   categories(cfg.Categories),
		DefaultChain: domain.ChainID(cfg.Default()),
		Logger:       g.logger,
		Metrics:      g.metrics,
	}
	if cfg.Search.BaseURL != "" {
		deps.Search = search.New(cfg.Search.BaseURL,
			search.WithHTTPClient(searchHTTPClient(cfg.Search)),
			search.WithLogger(g.logger))
	}

	g.server = server.New(server.Options{
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         g.logger,
		Metrics:        g.metrics,
		Gatherer:       g.registry,
	})
	api.NewHandler(deps).Routes(g.server.Router)

	return nil
}

// sources resolves each configured chain to a log source, dialing its RPC
// endpoint unless one was injected.
func (g *Gateway) sources(ctx context.Context, cfg *config.Config) ([]cache.Source, error) {
	out := make([]cache.Source, 0, len(cfg.Chains))
	for _, cc := range cfg.Chains {
		id := domain.ChainID(cc.ID)

		fetcher, ok := g.fetchers[id]
		if !ok {
			f, err := chain.Dial(ctx, id, cc.RPCURL,
				chain.WithFetcherLogger(g.logger),
				chain.WithFetcherMetrics(g.metrics))
			if err != nil {
				return nil, err
			}
			fetcher = f
		}

		addresses := []common.Address{common.HexToAddress(cc.ReputationRegistry)}
		if cc.IdentityRegistry != "" {
			addresses = append(addresses, common.HexToAddress(cc.IdentityRegistry))
		}

		out = append(out, cache.Source{
			Chain:   id,
			Fetcher: fetcher,
			Decoder: chain.NewDecoder(id),
			Filter: chain.Query{
				Addresses: addresses,
				Topics:    [][]common.Hash{{chain.FeedbackTopic, chain.TransferTopic}},
			},
			DeploymentBlock: cc.DeploymentBlock,
			MaxBlockSpan:    cc.MaxBlockSpan,
		})

		g.logger.Debug("chain configured",
			slog.String("chain", cc.ID),
			slog.Uint64("deployment_block", cc.DeploymentBlock))
	}
	return out, nil
}

// Handler returns the HTTP handler. It is nil before Start.
func (g *Gateway) Handler() http.Handler {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.server == nil {
		return nil
	}
	return g.server.Router
}

// Shutdown gracefully stops the gateway.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	if g.cancel != nil {
		g.cancel()
	}

	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			return err
		}
	}

	if g.provider != nil {
		if err := g.provider.Close(); err != nil {
			g.logger.Error("failed to close config", slog.String("error", err.Error()))
		}
	}

	g.logger.Info("gateway shutdown complete")
	return nil
}

// reload applies a changed config. Cache TTL and rate limits take effect
// immediately; chain, server and search changes need a restart.
func (g *Gateway) reload(cfg *config.Config) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cache == nil {
		return
	}

	g.cache.SetTTL(cfg.Cache.TTL)
	g.readLimiter.SetLimits(cfg.RateLimit.Read.Window, cfg.RateLimit.Read.Max)
	g.writeLimiter.SetLimits(cfg.RateLimit.Write.Window, cfg.RateLimit.Write.Max)

	if !sameChains(g.cfg, cfg) {
		g.logger.Warn("chain configuration changed; restart to apply")
	}
	g.cfg = cfg

	g.logger.Info("reload complete",
		slog.Duration("cache_ttl", cfg.Cache.TTL),
		slog.Int("read_limit", cfg.RateLimit.Read.Max),
		slog.Int("write_limit", cfg.RateLimit.Write.Max))
}

func sameChains(a, b *config.Config) bool {
	return slices.Equal(a.Chains, b.Chains)
}

// categories lowercases the configured whitelist; empty keeps the default.
func categories(in []string) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func searchHTTPClient(cfg config.SearchConfig) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = search.DefaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}
