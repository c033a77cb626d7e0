// Package domain provides canonical error types for the gateway.
package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or invalid request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeNotFound indicates a resource was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeRateLimit indicates rate limiting was triggered.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeUpstreamRPC indicates the chain RPC providers could not be reached,
	// so the on-chain view may be stale.
	ErrorTypeUpstreamRPC ErrorType = "upstream_rpc"

	// ErrorTypeBadGateway indicates the third-party reputation index failed.
	ErrorTypeBadGateway ErrorType = "bad_gateway"

	// ErrorTypeServer indicates an internal server error.
	ErrorTypeServer ErrorType = "server"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeRateLimitExceeded ErrorCode = "rate_limit_exceeded"
	ErrorCodeUnknownChain      ErrorCode = "unknown_chain"
	ErrorCodeInvalidParam      ErrorCode = "invalid_param"
	ErrorCodeAllChainsFailed   ErrorCode = "all_chains_failed"
	ErrorCodeUpstreamStatus    ErrorCode = "upstream_status"
)

// APIError represents a canonical API error rendered by the HTTP handlers.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Param is the parameter that caused the error (if applicable)
	Param string `json:"param,omitempty"`

	// StatusCode is the suggested HTTP status code
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeUpstreamRPC:
		return http.StatusServiceUnavailable
	case ErrorTypeBadGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithParam adds a parameter name to the error.
func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

// ErrInvalidParam creates an invalid request error naming the offending query parameter.
func ErrInvalidParam(param, message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message).
		WithCode(ErrorCodeInvalidParam).
		WithParam(param)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *APIError {
	return NewAPIError(ErrorTypeNotFound, message)
}

// ErrRateLimit creates a rate limit error.
func ErrRateLimit(message string) *APIError {
	return NewAPIError(ErrorTypeRateLimit, message).
		WithCode(ErrorCodeRateLimitExceeded)
}

// ErrUpstreamRPC creates an error for chain RPC failures.
func ErrUpstreamRPC(message string) *APIError {
	return NewAPIError(ErrorTypeUpstreamRPC, message)
}

// ErrBadGateway creates an error for third-party index failures.
func ErrBadGateway(message string) *APIError {
	return NewAPIError(ErrorTypeBadGateway, message)
}

// ErrServer creates a server error.
func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}

// ErrNoDeploymentBlock is returned when a chain has no known deployment block to
// start its first scan from.
var ErrNoDeploymentBlock = errors.New("no deployment block configured")

// ErrUnknownChain is returned when a chain is not configured.
var ErrUnknownChain = errors.New("unknown chain")

// RPCError is a transport or provider failure at the log fetch layer.
// It is never swallowed by the fetcher; callers decide whether to retry.
type RPCError struct {
	Chain ChainID
	Op    string
	Err   error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %s on chain %s: %v", e.Op, e.Chain, e.Err)
}

func (e *RPCError) Unwrap() error { return e.Err }

// DecodeError reports a single malformed log entry. Batches skip the entry and continue.
type DecodeError struct {
	TxHash   string
	LogIndex uint
	Reason   string
	Err      error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("decode log %s#%d: %s", e.TxHash, e.LogIndex, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// MessageParseError describes why a payload URI did not yield a message.
// It never leaves the decoder; the message is simply absent.
type MessageParseError struct {
	Format string
	Err    error
}

func (e *MessageParseError) Error() string {
	return fmt.Sprintf("parse %s payload: %v", e.Format, e.Err)
}

func (e *MessageParseError) Unwrap() error { return e.Err }

// RateLimitExceeded is the control-flow outcome of a denied rate limit check.
type RateLimitExceeded struct {
	Limit   int
	ResetAt time.Time
	// RetryAfter is the time until a slot frees up.
	RetryAfter time.Duration
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit of %d requests exceeded, retry after %s", e.Limit, e.RetryAfter)
}

// APIError converts the outcome into the rendered error shape.
func (e *RateLimitExceeded) APIError() *APIError {
	return ErrRateLimit(fmt.Sprintf("too many requests, retry in %d seconds", RetryAfterSeconds(e.RetryAfter)))
}

// RetryAfterSeconds rounds a wait duration up to whole seconds, never below one.
func RetryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
