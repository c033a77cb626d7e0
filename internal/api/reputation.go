package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/reputation-gateway/internal/aggregate"
	"github.com/tjfontaine/reputation-gateway/internal/domain"
	"github.com/tjfontaine/reputation-gateway/internal/reputation"
	"github.com/tjfontaine/reputation-gateway/internal/server"
)

// DiscoverResponse is one page of agents across the queried chains.
type DiscoverResponse struct {
	Agents []reputation.AgentSummary `json:"agents"`
	Total  int                       `json:"total"`
	Limit  int                       `json:"limit"`
	Offset int                       `json:"offset"`
	Chains reputation.Coverage       `json:"chains"`
}

func (h *Handler) handleReputation(w http.ResponseWriter, r *http.Request) {
	address, err := addressParam(chi.URLParam(r, "address"), "address")
	if err != nil {
		server.WriteError(w, r, err)
		return
	}

	ids := h.cache.Chains()
	res := aggregate.QueryAll(r.Context(), h.agg, ids, func(ctx context.Context, id domain.ChainID) ([]reputation.AgentSummary, error) {
		if _, err := h.cache.Refresh(ctx, id); err != nil {
			return nil, err
		}
		snap, err := h.cache.Snapshot(id)
		if err != nil {
			return nil, err
		}
		return reputation.OwnedAgents(snap, address, h.categories), nil
	})
	if res.AllFailed() {
		server.WriteError(w, r, allChainsFailed(res.FailedChains()))
		return
	}
	h.notePartial(r, res.FailedChains())

	var agents []reputation.AgentSummary
	for _, owned := range res.Values() {
		agents = append(agents, owned...)
	}

	rep := reputation.ForAddress(address, agents, h.categories)
	rep.Chains = coverage(res)
	server.WriteJSON(w, http.StatusOK, rep)
}

func (h *Handler) handleDiscover(w http.ResponseWriter, r *http.Request) {
	q := reputation.DiscoverQuery{Category: r.URL.Query().Get("category")}
	if q.Category != "" && !h.knownCategory(q.Category) {
		server.WriteError(w, r, domain.ErrInvalidParam("category", "unknown category "+q.Category))
		return
	}

	var err error
	if q.MinScore, err = floatParam(r, "minScore"); err != nil {
		server.WriteError(w, r, err)
		return
	}
	if q.Limit, err = intParam(r, "limit", defaultDiscoverLimit, 1, maxDiscoverLimit); err != nil {
		server.WriteError(w, r, err)
		return
	}
	if q.Offset, err = intParam(r, "offset", 0, 0, 1<<30); err != nil {
		server.WriteError(w, r, err)
		return
	}

	ids := h.cache.Chains()
	if r.URL.Query().Get("chain") != "" {
		id, err := h.chainParam(r)
		if err != nil {
			server.WriteError(w, r, err)
			return
		}
		ids = []domain.ChainID{id}
	}

	res := h.fanOut(r.Context(), ids)
	if res.AllFailed() {
		server.WriteError(w, r, allChainsFailed(res.FailedChains()))
		return
	}
	h.notePartial(r, res.FailedChains())

	var agents []reputation.AgentSummary
	for _, snap := range res.Values() {
		agents = append(agents, reputation.Agents(snap, h.categories)...)
	}
	page, total := reputation.Discover(agents, q)

	server.WriteJSON(w, http.StatusOK, DiscoverResponse{
		Agents: page,
		Total:  total,
		Limit:  q.Limit,
		Offset: q.Offset,
		Chains: coverage(res),
	})
}

func (h *Handler) knownCategory(c string) bool {
	for _, known := range h.categories {
		if strings.EqualFold(known, strings.TrimSpace(c)) {
			return true
		}
	}
	return false
}

func (h *Handler) notePartial(r *http.Request, failed []domain.ChainID) {
	if len(failed) == 0 {
		return
	}
	names := make([]string, len(failed))
	for i, id := range failed {
		names[i] = id.String()
	}
	server.AddLogField(r.Context(), "failed_chains", strings.Join(names, ","))
}
