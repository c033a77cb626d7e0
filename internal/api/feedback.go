package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/tjfontaine/reputation-gateway/internal/domain"
	"github.com/tjfontaine/reputation-gateway/internal/reputation"
	"github.com/tjfontaine/reputation-gateway/internal/server"
)

// StaleHeader is set when a response was served from a cache whose refresh failed.
const StaleHeader = "X-Cache-Stale"

// FeedbackResponse lists feedback events, newest first.
type FeedbackResponse struct {
	Chain            domain.ChainID         `json:"chain"`
	Events           []domain.FeedbackEvent `json:"events"`
	Total            int                    `json:"total"`
	LastScannedBlock uint64                 `json:"lastScannedBlock"`
}

// ChainStatus describes one chain's cache.
type ChainStatus struct {
	ID               domain.ChainID `json:"id"`
	Events           int            `json:"events"`
	Agents           int            `json:"agents"`
	LastScannedBlock uint64         `json:"lastScannedBlock"`
	RefreshedAt      *time.Time     `json:"refreshedAt"`
}

func (h *Handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	id, err := h.chainParam(r)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}

	filter := reputation.Filter{Tag1: r.URL.Query().Get("tag1")}
	if filter.SubjectID, err = uintParam(r, "subjectId"); err != nil {
		server.WriteError(w, r, err)
		return
	}
	if raw := r.URL.Query().Get("sender"); raw != "" {
		if filter.Sender, err = addressParam(raw, "sender"); err != nil {
			server.WriteError(w, r, err)
			return
		}
	}
	limit, err := intParam(r, "limit", defaultFeedbackLimit, 1, maxFeedbackLimit)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	countsOnly, err := boolParam(r, "countsOnly")
	if err != nil {
		server.WriteError(w, r, err)
		return
	}

	snap, stale, err := h.freshSnapshot(r.Context(), id)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	if stale {
		w.Header().Set(StaleHeader, "1")
		server.AddLogField(r.Context(), "stale", id.String())
	}

	events := make([]domain.FeedbackEvent, 0, len(snap.Events))
	for _, ev := range snap.Events {
		if filter.Match(ev) {
			events = append(events, ev)
		}
	}
	server.AddLogField(r.Context(), "chain", id.String())

	if countsOnly {
		counts := make(map[string]int)
		for subject, n := range reputation.CountsBySubject(events) {
			counts[strconv.FormatUint(subject, 10)] = n
		}
		server.WriteJSON(w, http.StatusOK, counts)
		return
	}

	total := len(events)
	page := make([]domain.FeedbackEvent, 0, min(limit, total))
	for i := total - 1; i >= 0 && len(page) < limit; i-- {
		page = append(page, events[i])
	}

	server.WriteJSON(w, http.StatusOK, FeedbackResponse{
		Chain:            id,
		Events:           page,
		Total:            total,
		LastScannedBlock: snap.LastScannedBlock,
	})
}

func (h *Handler) handleChains(w http.ResponseWriter, r *http.Request) {
	ids := h.cache.Chains()
	out := make([]ChainStatus, 0, len(ids))
	for _, id := range ids {
		snap, err := h.cache.Snapshot(id)
		if err != nil {
			server.WriteError(w, r, err)
			return
		}
		st := ChainStatus{
			ID:               id,
			Events:           len(snap.Events),
			Agents:           len(reputation.CountsBySubject(snap.Events)),
			LastScannedBlock: snap.LastScannedBlock,
		}
		if !snap.RefreshedAt.IsZero() {
			at := snap.RefreshedAt.UTC()
			st.RefreshedAt = &at
		}
		out = append(out, st)
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{"chains": out, "default": h.defaultChain})
}
