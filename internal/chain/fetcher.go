// Package chain fetches and decodes reputation registry logs from EVM chains.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/reputation-gateway/internal/domain"
	"github.com/tjfontaine/reputation-gateway/internal/telemetry"
)

// Client is the subset of ethclient.Client the fetcher uses.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Query describes an eth_getLogs request. A nil ToBlock means "latest".
type Query struct {
	Addresses []common.Address
	Topics    [][]common.Hash
	FromBlock uint64
	ToBlock   *uint64
}

// WithRange returns a copy of q bounded to [from, to].
func (q Query) WithRange(from, to uint64) Query {
	q.FromBlock = from
	q.ToBlock = &to
	return q
}

// Fetcher issues log queries against one chain's RPC endpoint.
// It performs a single query per call; narrowing oversized ranges is the
// caller's job (see FetchRange).
type Fetcher struct {
	chain   domain.ChainID
	client  Client
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithFetcherLogger sets the logger for the fetcher.
func WithFetcherLogger(logger *slog.Logger) FetcherOption {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithFetcherMetrics records RPC outcomes.
func WithFetcherMetrics(m *telemetry.Metrics) FetcherOption {
	return func(f *Fetcher) {
		f.metrics = m
	}
}

// NewFetcher wraps an existing client.
func NewFetcher(chain domain.ChainID, client Client, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		chain:  chain,
		client: client,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Dial connects to a JSON-RPC endpoint over HTTP. Outbound calls are traced.
func Dial(ctx context.Context, chain domain.ChainID, rpcURL string, opts ...FetcherOption) (*Fetcher, error) {
	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   60 * time.Second,
	}
	rpcClient, err := rpc.DialOptions(ctx, rpcURL, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", chain, err)
	}
	return NewFetcher(chain, ethclient.NewClient(rpcClient), opts...), nil
}

// Chain returns the chain this fetcher queries.
func (f *Fetcher) Chain() domain.ChainID { return f.chain }

// Head returns the current block number.
func (f *Fetcher) Head(ctx context.Context) (uint64, error) {
	head, err := f.client.BlockNumber(ctx)
	f.metrics.ObserveRPC(f.chain, "eth_blockNumber", err)
	if err != nil {
		return 0, &domain.RPCError{Chain: f.chain, Op: "eth_blockNumber", Err: err}
	}
	return head, nil
}

// FetchLogs runs one eth_getLogs query.
func (f *Fetcher) FetchLogs(ctx context.Context, q Query) ([]types.Log, error) {
	fq := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(q.FromBlock),
		Addresses: q.Addresses,
		Topics:    q.Topics,
	}
	if q.ToBlock != nil {
		fq.ToBlock = new(big.Int).SetUint64(*q.ToBlock)
	}

	logs, err := f.client.FilterLogs(ctx, fq)
	f.metrics.ObserveRPC(f.chain, "eth_getLogs", err)
	if err != nil {
		return nil, &domain.RPCError{Chain: f.chain, Op: "eth_getLogs", Err: err}
	}

	f.logger.Debug("fetched logs",
		slog.String("chain", f.chain.String()),
		slog.Uint64("from", q.FromBlock),
		slog.Any("to", fq.ToBlock),
		slog.Int("count", len(logs)))

	return logs, nil
}
