// Package cache holds the per-chain feedback event sets and refreshes them
// incrementally from chain RPC.
//
// A chain's state is created empty on first access and only changes through
// Merge. Refresh is always an explicit step: Query and Snapshot never touch
// the network, so callers choose between staleness and RPC cost.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/singleflight"

	"github.com/tjfontaine/reputation-gateway/internal/chain"
	"github.com/tjfontaine/reputation-gateway/internal/domain"
	"github.com/tjfontaine/reputation-gateway/internal/telemetry"
)

const (
	// DefaultTTL is how long a refreshed chain is considered fresh.
	DefaultTTL = 60 * time.Second

	// DefaultRefreshTimeout bounds one shared scan, independent of the callers
	// waiting on it.
	DefaultRefreshTimeout = 2 * time.Minute
)

// LogFetcher is the RPC surface the cache needs for one chain.
type LogFetcher interface {
	Head(ctx context.Context) (uint64, error)
	FetchLogs(ctx context.Context, q chain.Query) ([]types.Log, error)
}

// Source describes where a chain's events come from.
type Source struct {
	Chain   domain.ChainID
	Fetcher LogFetcher
	Decoder *chain.Decoder

	// Filter carries the registry addresses and topic0 set; block bounds are
	// filled per scan.
	Filter chain.Query

	// DeploymentBlock is where the first scan starts. Zero means unknown.
	DeploymentBlock uint64

	// MaxBlockSpan caps a single eth_getLogs range. Zero means unbounded.
	MaxBlockSpan uint64
}

// RefreshResult reports what a refresh did.
type RefreshResult struct {
	Chain            domain.ChainID
	Skipped          bool // fresh, nothing fetched
	FromBlock        uint64
	ToBlock          uint64
	Added            int
	Malformed        int
	LastScannedBlock uint64
}

// Snapshot is a copy of one chain's state.
type Snapshot struct {
	Chain            domain.ChainID
	Events           []domain.FeedbackEvent
	Owners           map[uint64]domain.Registration
	LastScannedBlock uint64
	RefreshedAt      time.Time
}

type chainState struct {
	mu          sync.RWMutex
	events      []domain.FeedbackEvent
	seen        map[domain.EventKey]struct{}
	owners      map[uint64]domain.Registration
	scanned     bool
	lastScanned uint64
	refreshedAt time.Time
}

func newChainState() *chainState {
	return &chainState{
		seen:   make(map[domain.EventKey]struct{}),
		owners: make(map[uint64]domain.Registration),
	}
}

// Cache is the process-lifetime event cache for all configured chains.
type Cache struct {
	sources map[domain.ChainID]Source
	clock   clock.Clock
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu            sync.Mutex
	states        map[domain.ChainID]*chainState
	ttl           time.Duration
	forceLookback uint64

	refreshTimeout time.Duration
	group          singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the freshness window.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithClock injects the clock used for TTL decisions.
func WithClock(clk clock.Clock) Option {
	return func(c *Cache) {
		c.clock = clk
	}
}

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithMetrics records refresh outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithForceLookback sets how many already-scanned blocks ForceRefresh re-reads.
func WithForceLookback(blocks uint64) Option {
	return func(c *Cache) {
		c.forceLookback = blocks
	}
}

// WithRefreshTimeout bounds a single scan. Zero keeps the default.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.refreshTimeout = d
		}
	}
}

// New creates a cache over the given sources.
func New(sources []Source, opts ...Option) *Cache {
	c := &Cache{
		sources: make(map[domain.ChainID]Source, len(sources)),
		states:  make(map[domain.ChainID]*chainState),
		clock:   clock.New(),
		logger:  slog.Default(),
		ttl:     DefaultTTL,

		refreshTimeout: DefaultRefreshTimeout,
	}
	for _, src := range sources {
		if src.Decoder == nil {
			src.Decoder = chain.NewDecoder(src.Chain)
		}
		c.sources[src.Chain] = src
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chains lists configured chains in name order.
func (c *Cache) Chains() []domain.ChainID {
	ids := make([]domain.ChainID, 0, len(c.sources))
	for id := range c.sources {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Has reports whether chain is configured.
func (c *Cache) Has(id domain.ChainID) bool {
	_, ok := c.sources[id]
	return ok
}

// SetTTL changes the freshness window at runtime.
func (c *Cache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

// TTL returns the freshness window.
func (c *Cache) TTL() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttl
}

func (c *Cache) state(id domain.ChainID) *chainState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[id]
	if !ok {
		st = newChainState()
		c.states[id] = st
	}
	return st
}

func (c *Cache) stale(st *chainState) bool {
	ttl := c.TTL()
	st.mu.RLock()
	defer st.mu.RUnlock()
	if !st.scanned {
		return true
	}
	return c.clock.Since(st.refreshedAt) > ttl
}

// Refresh brings chain up to the current head unless it is still fresh.
func (c *Cache) Refresh(ctx context.Context, id domain.ChainID) (RefreshResult, error) {
	return c.refresh(ctx, id, false)
}

// ForceRefresh ignores the TTL and re-reads the trailing lookback window, for
// callers that know a write should now be visible.
func (c *Cache) ForceRefresh(ctx context.Context, id domain.ChainID) (RefreshResult, error) {
	return c.refresh(ctx, id, true)
}

func (c *Cache) refresh(ctx context.Context, id domain.ChainID, force bool) (RefreshResult, error) {
	src, ok := c.sources[id]
	if !ok {
		return RefreshResult{}, fmt.Errorf("%w: %s", domain.ErrUnknownChain, id)
	}

	st := c.state(id)
	if !force && !c.stale(st) {
		return c.skipped(id, st), nil
	}

	key := string(id)
	if force {
		key += "#force"
	}
	// The scan outlives any single caller; each caller stops waiting on its
	// own ctx.
	ch := c.group.DoChan(key, func() (any, error) {
		// A concurrent refresh may have finished while we waited for the group.
		if !force && !c.stale(st) {
			return c.skipped(id, st), nil
		}
		scanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
		defer cancel()
		return c.scan(scanCtx, src, st, force)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return RefreshResult{}, r.Err
		}
		return r.Val.(RefreshResult), nil
	case <-ctx.Done():
		return RefreshResult{}, ctx.Err()
	}
}

func (c *Cache) skipped(id domain.ChainID, st *chainState) RefreshResult {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return RefreshResult{Chain: id, Skipped: true, LastScannedBlock: st.lastScanned}
}

func (c *Cache) scan(ctx context.Context, src Source, st *chainState, force bool) (RefreshResult, error) {
	res, err := c.doScan(ctx, src, st, force)
	c.metrics.ObserveRefresh(src.Chain, res.Malformed, c.size(st), err)
	if err != nil {
		c.logger.Warn("cache refresh failed",
			slog.String("chain", src.Chain.String()),
			slog.String("error", err.Error()))
	}
	return res, err
}

func (c *Cache) doScan(ctx context.Context, src Source, st *chainState, force bool) (RefreshResult, error) {
	st.mu.RLock()
	scanned, last := st.scanned, st.lastScanned
	st.mu.RUnlock()

	if !scanned && src.DeploymentBlock == 0 {
		return RefreshResult{}, fmt.Errorf("chain %s: %w", src.Chain, domain.ErrNoDeploymentBlock)
	}

	head, err := src.Fetcher.Head(ctx)
	if err != nil {
		return RefreshResult{}, err
	}

	from := src.DeploymentBlock
	if scanned {
		from = last + 1
		if force {
			from = lookbackStart(last, c.forceLookback, src.DeploymentBlock)
		}
	}

	res := RefreshResult{Chain: src.Chain, FromBlock: from, ToBlock: head}
	if from > head {
		// Nothing new. A deployment block beyond the head counts as scanned up to
		// the block before it.
		scannedTo := last
		if !scanned {
			scannedTo = from - 1
		}
		c.Merge(src.Chain, nil, nil, scannedTo)
		res.LastScannedBlock = c.lastScanned(st)
		return res, nil
	}

	logs, err := chain.FetchRange(ctx, src.Fetcher, src.Filter, from, head, src.MaxBlockSpan)
	if err != nil {
		return RefreshResult{}, err
	}

	batch := src.Decoder.DecodeAll(logs)
	for _, skipped := range batch.Skipped {
		c.logger.Warn("skipping malformed log",
			slog.String("chain", src.Chain.String()),
			slog.String("tx", skipped.TxHash),
			slog.Uint64("log_index", uint64(skipped.LogIndex)),
			slog.String("error", skipped.Error()))
	}

	res.Added = c.Merge(src.Chain, batch.Events, batch.Registrations, head)
	res.Malformed = len(batch.Skipped)
	res.LastScannedBlock = c.lastScanned(st)

	c.logger.Info("cache refreshed",
		slog.String("chain", src.Chain.String()),
		slog.Uint64("from", from),
		slog.Uint64("to", head),
		slog.Int("logs", len(logs)),
		slog.Int("added", res.Added),
		slog.Int("malformed", res.Malformed))

	return res, nil
}

func lookbackStart(last, lookback, deployment uint64) uint64 {
	from := last + 1
	if lookback >= from {
		from = 0
	} else {
		from -= lookback
	}
	if from < deployment {
		from = deployment
	}
	return from
}

// Merge adds events and registrations to chain's state, skipping events whose
// (transaction hash, log index) is already stored. LastScannedBlock only moves
// forward. It stamps the refresh time and returns the number of new events.
func (c *Cache) Merge(id domain.ChainID, events []domain.FeedbackEvent, regs []domain.Registration, scannedTo uint64) int {
	st := c.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	added := 0
	for _, ev := range events {
		key := ev.Key()
		if _, dup := st.seen[key]; dup {
			continue
		}
		st.seen[key] = struct{}{}
		st.events = append(st.events, ev)
		added++
	}
	if added > 0 {
		sort.SliceStable(st.events, func(i, j int) bool { return st.events[i].Before(st.events[j]) })
	}

	for _, reg := range regs {
		if cur, ok := st.owners[reg.AgentID]; ok && !reg.NewerThan(cur) {
			continue
		}
		st.owners[reg.AgentID] = reg
	}

	if !st.scanned || scannedTo > st.lastScanned {
		st.lastScanned = scannedTo
	}
	st.scanned = true
	st.refreshedAt = c.clock.Now()

	return added
}

// Query returns chain's events matching pred without refreshing. A nil pred matches all.
func (c *Cache) Query(id domain.ChainID, pred func(domain.FeedbackEvent) bool) []domain.FeedbackEvent {
	st := c.state(id)
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]domain.FeedbackEvent, 0, len(st.events))
	for _, ev := range st.events {
		if pred == nil || pred(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Snapshot copies chain's current state without refreshing.
func (c *Cache) Snapshot(id domain.ChainID) (Snapshot, error) {
	if !c.Has(id) {
		return Snapshot{}, fmt.Errorf("%w: %s", domain.ErrUnknownChain, id)
	}

	st := c.state(id)
	st.mu.RLock()
	defer st.mu.RUnlock()

	owners := make(map[uint64]domain.Registration, len(st.owners))
	for k, v := range st.owners {
		owners[k] = v
	}
	return Snapshot{
		Chain:            id,
		Events:           append([]domain.FeedbackEvent(nil), st.events...),
		Owners:           owners,
		LastScannedBlock: st.lastScanned,
		RefreshedAt:      st.refreshedAt,
	}, nil
}

func (c *Cache) size(st *chainState) int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.events)
}

func (c *Cache) lastScanned(st *chainState) uint64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.lastScanned
}
