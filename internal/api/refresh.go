package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/tjfontaine/reputation-gateway/internal/domain"
	"github.com/tjfontaine/reputation-gateway/internal/search"
	"github.com/tjfontaine/reputation-gateway/internal/server"
)

// RefreshResponse reports a forced refresh.
type RefreshResponse struct {
	Chain            domain.ChainID `json:"chain"`
	FromBlock        uint64         `json:"fromBlock"`
	ToBlock          uint64         `json:"toBlock"`
	Added            int            `json:"added"`
	Malformed        int            `json:"malformed"`
	LastScannedBlock uint64         `json:"lastScannedBlock"`
}

// handleRefresh lets a client that just submitted feedback make it visible
// without waiting for the TTL.
func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id, err := h.chainParam(r)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "chain", id.String())

	res, err := h.cache.ForceRefresh(r.Context(), id)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}

	server.WriteJSON(w, http.StatusOK, RefreshResponse{
		Chain:            id,
		FromBlock:        res.FromBlock,
		ToBlock:          res.ToBlock,
		Added:            res.Added,
		Malformed:        res.Malformed,
		LastScannedBlock: res.LastScannedBlock,
	})
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	if h.search == nil {
		server.WriteError(w, r, domain.ErrNotFound("search is not configured"))
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		server.WriteError(w, r, domain.ErrInvalidParam("q", "q is required"))
		return
	}
	limit, err := intParam(r, "limit", 0, 0, maxDiscoverLimit)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}

	res, err := h.search.Search(r.Context(), query, limit)
	if err != nil {
		server.WriteError(w, r, searchError(err))
		return
	}
	server.WriteJSON(w, http.StatusOK, res)
}

// searchError classifies index failures as bad gateway, separate from chain
// RPC failures.
func searchError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var upErr *search.UpstreamError
	if errors.As(err, &upErr) {
		apiErr := domain.ErrBadGateway("reputation index unavailable: " + upErr.Error())
		if upErr.StatusCode != 0 {
			apiErr = apiErr.WithCode(domain.ErrorCodeUpstreamStatus)
		}
		return apiErr
	}
	return domain.ErrBadGateway("reputation index unavailable")
}
