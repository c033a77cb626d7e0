// Package api implements the HTTP endpoints over the event cache, the
// cross-chain aggregator and the upstream search index.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/reputation-gateway/internal/aggregate"
	"github.com/tjfontaine/reputation-gateway/internal/cache"
	"github.com/tjfontaine/reputation-gateway/internal/domain"
	"github.com/tjfontaine/reputation-gateway/internal/ratelimit"
	"github.com/tjfontaine/reputation-gateway/internal/reputation"
	"github.com/tjfontaine/reputation-gateway/internal/search"
	"github.com/tjfontaine/reputation-gateway/internal/server"
	"github.com/tjfontaine/reputation-gateway/internal/telemetry"
)

// Searcher queries the upstream reputation index.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) (*search.Results, error)
}

// Deps are the collaborators a Handler serves from.
type Deps struct {
	Cache      *cache.Cache
	Aggregator *aggregate.Aggregator
	// Search is optional; /v1/search answers 404 without it.
	Search Searcher

	ReadLimiter  *ratelimit.Limiter
	WriteLimiter *ratelimit.Limiter

	Categories   []string
	DefaultChain domain.ChainID

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Handler serves the /v1 API.
type Handler struct {
	cache        *cache.Cache
	agg          *aggregate.Aggregator
	search       Searcher
	readLimiter  *ratelimit.Limiter
	writeLimiter *ratelimit.Limiter
	categories   []string
	defaultChain domain.ChainID
	logger       *slog.Logger
	metrics      *telemetry.Metrics
}

// NewHandler creates a handler. Missing limiters and aggregator get defaults.
func NewHandler(d Deps) *Handler {
	h := &Handler{
		cache:        d.Cache,
		agg:          d.Aggregator,
		search:       d.Search,
		readLimiter:  d.ReadLimiter,
		writeLimiter: d.WriteLimiter,
		categories:   d.Categories,
		defaultChain: d.DefaultChain,
		logger:       d.Logger,
		metrics:      d.Metrics,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.agg == nil {
		h.agg = aggregate.New(aggregate.WithLogger(h.logger), aggregate.WithMetrics(h.metrics))
	}
	if len(h.categories) == 0 {
		h.categories = reputation.DefaultCategories
	}
	if h.defaultChain == "" {
		if chains := h.cache.Chains(); len(chains) > 0 {
			h.defaultChain = chains[0]
		}
	}
	return h
}

// Routes mounts the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if h.readLimiter != nil {
				r.Use(server.RateLimitMiddleware(h.readLimiter, "read", server.ClientIP, h.metrics))
			}
			r.Get("/chains", h.handleChains)
			r.Get("/feedback", h.handleFeedback)
			r.Get("/reputation/{address}", h.handleReputation)
			r.Get("/discover", h.handleDiscover)
			r.Get("/search", h.handleSearch)
		})

		r.Group(func(r chi.Router) {
			if h.writeLimiter != nil {
				r.Use(server.RateLimitMiddleware(h.writeLimiter, "write", server.WalletKey, h.metrics))
			}
			r.Post("/refresh", h.handleRefresh)
		})
	})
}

// chainParam resolves the chain query parameter, defaulting when absent.
func (h *Handler) chainParam(r *http.Request) (domain.ChainID, error) {
	id := domain.ChainID(r.URL.Query().Get("chain"))
	if id == "" {
		id = h.defaultChain
	}
	if !h.cache.Has(id) {
		return "", domain.ErrNotFound("unknown chain " + string(id)).
			WithCode(domain.ErrorCodeUnknownChain).
			WithParam("chain")
	}
	return id, nil
}

// freshSnapshot refreshes chain and returns its snapshot. When the refresh
// fails but the chain was scanned before, the stale snapshot is returned with
// stale set so callers can still answer.
func (h *Handler) freshSnapshot(ctx context.Context, id domain.ChainID) (snap cache.Snapshot, stale bool, err error) {
	_, refreshErr := h.cache.Refresh(ctx, id)
	snap, err = h.cache.Snapshot(id)
	if err != nil {
		return cache.Snapshot{}, false, err
	}
	if refreshErr != nil {
		if snap.RefreshedAt.IsZero() {
			return cache.Snapshot{}, false, refreshErr
		}
		return snap, true, nil
	}
	return snap, false, nil
}

// fanOut refreshes and snapshots every chain in ids.
func (h *Handler) fanOut(ctx context.Context, ids []domain.ChainID) aggregate.Result[cache.Snapshot] {
	return aggregate.QueryAll(ctx, h.agg, ids, func(ctx context.Context, id domain.ChainID) (cache.Snapshot, error) {
		if _, err := h.cache.Refresh(ctx, id); err != nil {
			return cache.Snapshot{}, err
		}
		return h.cache.Snapshot(id)
	})
}

func coverage[T any](res aggregate.Result[T]) reputation.Coverage {
	return reputation.Coverage{Contributed: res.Contributed(), Failed: res.FailedChains()}
}

func allChainsFailed(ids []domain.ChainID) error {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = id.String()
	}
	return domain.ErrUpstreamRPC("no chain could be queried: " + strings.Join(names, ", ")).
		WithCode(domain.ErrorCodeAllChainsFailed)
}
