// Package aggregate fans a query out across chains and collects per-chain
// outcomes. A failing chain is recorded and excluded; it never aborts the
// others.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/reputation-gateway/internal/domain"
	"github.com/tjfontaine/reputation-gateway/internal/telemetry"
)

// DefaultTimeout bounds each chain's task.
const DefaultTimeout = 10 * time.Second

// Result holds per-chain outcomes. A chain appears in exactly one of
// Succeeded or Failed.
type Result[T any] struct {
	Succeeded map[domain.ChainID]T
	Failed    map[domain.ChainID]error

	order []domain.ChainID
}

// Contributed lists chains that succeeded, in query order.
func (r Result[T]) Contributed() []domain.ChainID {
	out := make([]domain.ChainID, 0, len(r.Succeeded))
	for _, id := range r.order {
		if _, ok := r.Succeeded[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// FailedChains lists chains that failed, in query order.
func (r Result[T]) FailedChains() []domain.ChainID {
	out := make([]domain.ChainID, 0, len(r.Failed))
	for _, id := range r.order {
		if _, ok := r.Failed[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Values returns successful results in query order.
func (r Result[T]) Values() []T {
	out := make([]T, 0, len(r.Succeeded))
	for _, id := range r.order {
		if v, ok := r.Succeeded[id]; ok {
			out = append(out, v)
		}
	}
	return out
}

// Partial reports whether some, but not all, chains failed.
func (r Result[T]) Partial() bool {
	return len(r.Failed) > 0 && len(r.Succeeded) > 0
}

// AllFailed reports whether at least one chain was queried and none succeeded.
func (r Result[T]) AllFailed() bool {
	return len(r.Failed) > 0 && len(r.Succeeded) == 0
}

// Aggregator runs one task per chain with an independent timeout.
type Aggregator struct {
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *telemetry.Metrics
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithTimeout sets the per-chain task timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		a.timeout = d
	}
}

// WithLogger sets the logger for the aggregator.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// WithTracer overrides the tracer used for per-chain spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(a *Aggregator) {
		a.tracer = tracer
	}
}

// WithMetrics records per-chain outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Aggregator) {
		a.metrics = m
	}
}

// New creates an aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		tracer:  otel.Tracer("github.com/tjfontaine/reputation-gateway/internal/aggregate"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Timeout returns the per-chain task timeout.
func (a *Aggregator) Timeout() time.Duration {
	return a.timeout
}

// QueryAll runs fn for every chain concurrently and returns once each task has
// finished or hit its timeout. Concurrency is bounded to one task per chain.
func QueryAll[T any](ctx context.Context, a *Aggregator, chains []domain.ChainID, fn func(context.Context, domain.ChainID) (T, error)) Result[T] {
	res := Result[T]{
		Succeeded: make(map[domain.ChainID]T, len(chains)),
		Failed:    make(map[domain.ChainID]error),
		order:     append([]domain.ChainID(nil), chains...),
	}
	if len(chains) == 0 {
		return res
	}

	values := make([]T, len(chains))
	errs := make([]error, len(chains))

	var g errgroup.Group
	g.SetLimit(len(chains))
	for i, id := range chains {
		g.Go(func() error {
			values[i], errs[i] = runChain(ctx, a, id, fn)
			return nil
		})
	}
	_ = g.Wait()

	for i, id := range chains {
		a.metrics.ObserveChainQuery(id, errs[i])
		if errs[i] != nil {
			a.logger.Warn("chain query failed",
				slog.String("chain", id.String()),
				slog.String("error", errs[i].Error()))
			res.Failed[id] = errs[i]
			continue
		}
		res.Succeeded[id] = values[i]
	}
	return res
}

type outcome[T any] struct {
	value T
	err   error
}

func runChain[T any](ctx context.Context, a *Aggregator, id domain.ChainID, fn func(context.Context, domain.ChainID) (T, error)) (T, error) {
	ctx, span := a.tracer.Start(ctx, "aggregate.chain", trace.WithAttributes(attribute.String("chain", id.String())))
	defer span.End()

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	// fn runs on its own goroutine so a task that ignores ctx still cannot
	// hold this chain's slot past the timeout.
	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- outcome[T]{value: zero, err: fmt.Errorf("chain %s: panic: %v", id, r)}
			}
		}()
		v, err := fn(ctx, id)
		done <- outcome[T]{value: v, err: err}
	}()

	var out outcome[T]
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = fmt.Errorf("chain %s: %w", id, ctx.Err())
	}

	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
	}
	return out.value, out.err
}
