package runtime

import (
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tjfontaine/reputation-gateway/internal/adapters/config/file"
	"github.com/tjfontaine/reputation-gateway/internal/cache"
	"github.com/tjfontaine/reputation-gateway/internal/config"
	"github.com/tjfontaine/reputation-gateway/internal/domain"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig loads config from a YAML file and reloads it on change.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		provider, err := file.NewProvider(path, file.WithLogger(g.logger))
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		g.provider = provider
		return nil
	}
}

// WithConfig uses a fixed, already loaded config. No reload happens.
func WithConfig(cfg *config.Config) Option {
	return func(g *Gateway) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		g.cfg = cfg
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithRegistry registers metrics with reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(g *Gateway) error {
		g.registry = reg
		return nil
	}
}

// WithSource replaces the RPC connection of chain id with fetcher.
func WithSource(id domain.ChainID, fetcher cache.LogFetcher) Option {
	return func(g *Gateway) error {
		if g.fetchers == nil {
			g.fetchers = make(map[domain.ChainID]cache.LogFetcher)
		}
		g.fetchers[id] = fetcher
		return nil
	}
}

// WithClock sets the clock driving cache TTLs and rate limit windows.
func WithClock(clk clock.Clock) Option {
	return func(g *Gateway) error {
		g.clock = clk
		return nil
	}
}
