package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/tjfontaine/reputation-gateway/internal/domain"
)

// ErrorResponse is the JSON body of every error.
type ErrorResponse struct {
	Error *domain.APIError `json:"error"`
	// RetryAfter is set on rate limited responses, in seconds.
	RetryAfter int `json:"retryAfter,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError renders err as an ErrorResponse and records it on the request log.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)

	apiErr, retryAfter := ToAPIError(err)
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	WriteJSON(w, apiErr.HTTPStatusCode(), ErrorResponse{Error: apiErr, RetryAfter: retryAfter})
}

// ToAPIError maps an error to its rendered form. The second result is the
// Retry-After hint in seconds, zero when not rate limited.
func ToAPIError(err error) (*domain.APIError, int) {
	var rl *domain.RateLimitExceeded
	if errors.As(err, &rl) {
		return rl.APIError(), domain.RetryAfterSeconds(rl.RetryAfter)
	}

	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return apiErr, 0
	}

	var rpcErr *domain.RPCError
	switch {
	case errors.Is(err, domain.ErrUnknownChain):
		return domain.ErrNotFound(err.Error()).WithCode(domain.ErrorCodeUnknownChain), 0
	case errors.As(err, &rpcErr), errors.Is(err, domain.ErrNoDeploymentBlock), errors.Is(err, context.DeadlineExceeded):
		return domain.ErrUpstreamRPC(err.Error()), 0
	default:
		return domain.ErrServer("internal server error"), 0
	}
}
