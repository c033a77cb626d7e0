package chain

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// LogSource runs a single ranged log query.
type LogSource interface {
	FetchLogs(ctx context.Context, q Query) ([]types.Log, error)
}

// Provider messages that mean "narrow the range and try again".
var rangeTooLargeMarkers = []string{
	"query returned more than",
	"block range",
	"range too large",
	"range is too large",
	"too many results",
	"too many logs",
	"log limit exceeded",
	"response size exceeded",
	"response size should not",
	"exceed maximum block range",
	"query timeout exceeded",
}

// Provider messages for rate limits and quotas. These are never bisected.
var throttleMarkers = []string{
	"rate limit",
	"too many requests",
	"request limit",
	"capacity limit",
}

// IsThrottled reports whether err is a provider rate limit or quota error.
func IsThrottled(err error) bool {
	if err == nil {
		return false
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range throttleMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsRangeTooLarge reports whether err is a provider's "too many results" class of error.
func IsRangeTooLarge(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || IsThrottled(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rangeTooLargeMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// FetchRange fetches [from, to] in chunks of at most maxSpan blocks (0 means a
// single chunk). A chunk rejected as too large is split in half recursively; a
// single block that is still rejected returns the provider error.
func FetchRange(ctx context.Context, src LogSource, q Query, from, to, maxSpan uint64) ([]types.Log, error) {
	if from > to {
		return nil, nil
	}

	var all []types.Log
	for start := from; start <= to; {
		end := to
		if maxSpan > 0 && end-start+1 > maxSpan {
			end = start + maxSpan - 1
		}

		logs, err := bisect(ctx, src, q, start, end)
		if err != nil {
			return nil, err
		}
		all = append(all, logs...)

		if end == to {
			break
		}
		start = end + 1
	}
	return all, nil
}

func bisect(ctx context.Context, src LogSource, q Query, from, to uint64) ([]types.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logs, err := src.FetchLogs(ctx, q.WithRange(from, to))
	if err == nil {
		return logs, nil
	}
	if from == to || !IsRangeTooLarge(err) {
		return nil, err
	}

	mid := from + (to-from)/2
	left, err := bisect(ctx, src, q, from, mid)
	if err != nil {
		return nil, err
	}
	right, err := bisect(ctx, src, q, mid+1, to)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}
