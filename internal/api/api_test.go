package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/reputation-gateway/internal/aggregate"
	"github.com/tjfontaine/reputation-gateway/internal/cache"
	"github.com/tjfontaine/reputation-gateway/internal/chain/chaintest"
	"github.com/tjfontaine/reputation-gateway/internal/domain"
	"github.com/tjfontaine/reputation-gateway/internal/ratelimit"
	"github.com/tjfontaine/reputation-gateway/internal/reputation"
	"github.com/tjfontaine/reputation-gateway/internal/search"
	"github.com/tjfontaine/reputation-gateway/internal/server"
	"github.com/tjfontaine/reputation-gateway/internal/testutil"
)

var (
	owner  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	rater  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	rater2 = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

type fixture struct {
	t        *testing.T
	clock    *clock.Mock
	fetchers map[domain.ChainID]*chaintest.Fetcher
	cache    *cache.Cache
	router   chi.Router
}

func newFixture(t *testing.T, chains []domain.ChainID, configure func(*Deps)) *fixture {
	t.Helper()

	f := &fixture{
		t:        t,
		clock:    clock.NewMock(),
		fetchers: make(map[domain.ChainID]*chaintest.Fetcher),
	}
	var sources []cache.Source
	for _, id := range chains {
		fetcher := chaintest.NewFetcher(10)
		f.fetchers[id] = fetcher
		sources = append(sources, cache.Source{Chain: id, Fetcher: fetcher, DeploymentBlock: 1})
	}
	f.cache = cache.New(sources,
		cache.WithClock(f.clock),
		cache.WithTTL(time.Minute),
		cache.WithForceLookback(100),
		cache.WithLogger(testutil.DiscardLogger()))

	deps := Deps{
		Cache:      f.cache,
		Aggregator: aggregate.New(aggregate.WithLogger(testutil.DiscardLogger()), aggregate.WithTimeout(2*time.Second)),
		Logger:     testutil.DiscardLogger(),
	}
	if configure != nil {
		configure(&deps)
	}

	f.router = chi.NewRouter()
	NewHandler(deps).Routes(f.router)
	return f
}

func (f *fixture) kudos(id domain.ChainID, subject uint64, category string, value int64, block, tx uint64) {
	f.t.Helper()
	f.fetchers[id].Append(max(block, 10), chaintest.FeedbackLog(f.t, chaintest.Feedback{
		Subject:  subject,
		Sender:   rater,
		Index:    tx,
		Value:    value,
		Decimals: 1,
		Tag1:     domain.Tag1Kudos,
		Tag2:     category,
		URI:      "data:,thanks",
		Block:    block,
		Tx:       tx,
	}))
}

func (f *fixture) review(id domain.ChainID, subject uint64, sender common.Address, value int64, block, tx uint64) {
	f.t.Helper()
	f.fetchers[id].Append(max(block, 10), chaintest.FeedbackLog(f.t, chaintest.Feedback{
		Subject:  subject,
		Sender:   sender,
		Index:    tx,
		Value:    value,
		Decimals: 1,
		Tag1:     domain.Tag1Review,
		Block:    block,
		Tx:       tx,
	}))
}

func (f *fixture) own(id domain.ChainID, agent uint64, block uint64) {
	f.fetchers[id].Append(max(block, 10), chaintest.TransferLog(agent, owner, block, 0))
}

func (f *fixture) do(method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, errType domain.ErrorType) server.ErrorResponse {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	body := decode[server.ErrorResponse](t, rec)
	if body.Error == nil || body.Error.Type != errType {
		t.Fatalf("error = %+v, want type %s", body.Error, errType)
	}
	return body
}

// =============================================================================
// Feedback
// =============================================================================

func TestFeedback_ListsNewestFirst(t *testing.T) {
	f := newFixture(t, []domain.ChainID{"base"}, nil)
	f.kudos("base", 1, "speed", 45, 3, 1)
	f.kudos("base", 1, "speed", 40, 5, 2)
	f.kudos("base", 2, "security", 50, 7, 3)

	rec := f.do("GET", "/v1/feedback", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	body := decode[FeedbackResponse](t, rec)
	if body.Total != 3 || len(body.Events) != 3 {
		t.Fatalf("total, events = %d, %d, want 3, 3", body.Total, len(body.Events))
	}
	if body.Events[0].BlockNumber != 7 {
		t.Errorf("first event block = %d, want newest (7)", body.Events[0].BlockNumber)
	}
	if body.Events[2].ParsedMessage == nil || *body.Events[2].ParsedMessage != "thanks" {
		t.Errorf("parsedMessage = %v, want thanks", body.Events[2].ParsedMessage)
	}
	if body.LastScannedBlock != 10 {
		t.Errorf("lastScannedBlock = %d, want 10", body.LastScannedBlock)
	}
}

func TestFeedback_TotalMatchesScannedBlock(t *testing.T) {
	f := newFixture(t, []domain.ChainID{"base"}, nil)
	if rec := f.do("GET", "/v1/feedback", nil); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// One event per block, each merge advancing the scanned block to it.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for b := uint64(11); b <= 200; b++ {
			f.cache.Merge("base", []domain.FeedbackEvent{{
				Chain:           "base",
				SubjectID:       1,
				Value:           big.NewInt(1),
				Tag1:            domain.Tag1Kudos,
				BlockNumber:     b,
				TransactionHash: fmt.Sprintf("0x%064x", b),
			}}, nil, b)
		}
	}()

	for i := 0; i < 50; i++ {
		rec := f.do("GET", "/v1/feedback?limit=1", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		body := decode[FeedbackResponse](t, rec)
		if want := int(body.LastScannedBlock - 10); body.Total != want {
			t.Fatalf("total = %d at lastScannedBlock %d, want %d", body.Total, body.LastScannedBlock, want)
		}
		for _, ev := range body.Events {
			if ev.BlockNumber > body.LastScannedBlock {
				t.Fatalf("event block %d beyond lastScannedBlock %d", ev.BlockNumber, body.LastScannedBlock)
			}
		}
	}
	wg.Wait()
}

func TestFeedback_Filters(t *testing.T) {
	f := newFixture(t, []domain.ChainID{"base"}, nil)
	f.kudos("base", 1, "speed", 45, 3, 1)
	f.review("base", 1, rater2, 30, 4, 2)
	f.kudos("base", 2, "speed", 50, 5, 3)

	tests := []struct {
		query string
		want  int
	}{
		{"?subjectId=1", 2},
		{"?subjectId=2", 1},
		{"?tag1=review", 1},
		{"?sender=" + rater2.Hex(), 1},
		{"?subjectId=1&tag1=kudos", 1},
		{"?limit=1", 1},
	}

	for _, tt := range tests {
		rec := f.do("GET", "/v1/feedback"+tt.query, nil)
		body := decode[FeedbackResponse](t, rec)
		if len(body.Events) != tt.want {
			t.Errorf("%s: events = %d, want %d", tt.query, len(body.Events), tt.want)
		}
	}

	body := decode[FeedbackResponse](t, f.do("GET", "/v1/feedback?limit=1", nil))
	if body.Total != 3 {
		t.Errorf("limit=1 total = %d, want 3 (total ignores limit)", body.Total)
	}
}

func TestFeedback_CountsOnly(t *testing.T) {
	f := newFixture(t, []domain.ChainID{"base"}, nil)
	f.kudos("base", 1, "speed", 45, 3, 1)
	f.kudos("base", 1, "speed", 45, 4, 2)
	f.kudos("base", 9, "speed", 45, 5, 3)

	counts := decode[map[string]int](t, f.do("GET", "/v1/feedback?countsOnly=true", nil))
	if counts["1"] != 2 || counts["9"] != 1 {
		t.Errorf("counts = %v, want 1:2 9:1", counts)
	}
}

func TestFeedback_BadParams(t *testing.T) {
	f := newFixture(t, []domain.ChainID{"base"}, nil)

	tests := []struct {
		query string
		param string
	}{
		{"?subjectId=-1", "subjectId"},
		{"?subjectId=abc", "subjectId"},
		{"?sender=0x123", "sender"},
		{"?limit=0", "limit"},
		{"?limit=5000", "limit"},
		{"?countsOnly=maybe", "countsOnly"},
	}

	for _, tt := range tests {
		body := expectError(t, f.do("GET", "/v1/feedback"+tt.query, nil), http.StatusBadRequest, domain.ErrorTypeInvalidRequest)
		if body.Error.Param != tt.param {
			t.Errorf("%s: param = %q, want %q", tt.query, body.Error.Param, tt.param)
		}
	}
}

func TestFeedback_UnknownChain(t *testing.T) {
	f := newFixture(t, []domain.ChainID{"base"}, nil)

	body := expectError(t, f.do("GET", "/v1/feedback?chain=mainnet", nil), http.StatusNotFound, domain.ErrorTypeNotFound)
	if body.Error.Code != domain.ErrorCodeUnknownChain {
		t.Errorf("code = %s, want unknown_chain", body.Error.Code)
	}
}

func TestFeedback_RPCFailure(t *testing.T) {
	f := newFixture(t, []domain.ChainID{"base"}, nil)
	f.kudos("base", 1, "speed", 45, 3, 1)
	f.fetchers["base"].Fail(&domain.RPCError{Chain: "base", Op: "eth_blockNumber", Err: errors.New("dial tcp: refused")})

	// Never scanned: nothing to fall back on.
	expectError(t, f.do("GET", "/v1/feedback", nil), http.StatusServiceUnavailable, domain.ErrorTypeUpstreamRPC)

	// Scanned once, then the provider fails after the TTL: serve stale.
	f.fetchers["base"].Fail(nil)
	if rec := f.do("GET", "/v1/feedback", nil); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	f.fetchers["base"].Fail(errors.New("rpc down"))
	f.clock.Add(2 * time.Minute)

	rec := f.do("GET", "/v1/feedback", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stale status = %d, want 200", rec.Code)
	}
	if rec.Header().Get(StaleHeader) != "1" {
		t.Errorf("%s = %q, want 1", StaleHeader, rec.Header().Get(StaleHeader))
	}
	if body := decode[FeedbackResponse](t, rec); body.Total != 1 {
		t.Errorf("stale total = %d, want 1", body.Total)
	}
}

// =============================================================================
// Reputation
// =============================================================================

func TestReputation_CrossChainPartialFailure(t *testing.T) {
	f := newFixture(t, []domain.ChainID{"a", "b", "c"}, nil)

	f.own("a", 1, 2)
	f.kudos("a", 1, "speed", 40, 3, 1)
	f.kudos("a", 1, "speed", 40, 4, 2)

	f.own("b", 2, 2)
	f.kudos("b", 2, "security", 10, 3, 1)
	f.fetchers["b"].Fail(errors.New("rpc timeout"))

	f.own("c", 3, 2)
	f.kudos("c", 3, "reliability", 50, 3, 1)

	rec := f.do("GET", "/v1/reputation/"+owner.Hex(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	rep := decode[reputation.AddressReputation](t, rec)

	if rep.TotalKudos != 3 {
		t.Errorf("totalKudos = %d, want 3 (chain b excluded)", rep.TotalKudos)
	}
	if len(rep.Agents) != 2 {
		t.Errorf("agents = %d, want 2", len(rep.Agents))
	}
	// Agent scores 4.0 and 5.0; each agent weighs the same.
	if rep.AggregatedScore == nil || *rep.AggregatedScore != 4.5 {
		t.Errorf("aggregatedScore = %v, want 4.5", rep.AggregatedScore)
	}
	if rep.TopCategory == nil || *rep.TopCategory != "speed" {
		t.Errorf("topCategory = %v, want speed", rep.TopCategory)
	}
	if got := rep.Chains.Contributed; len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("chains.contributed = %v, want [a c]", got)
	}
	if got := rep.Chains.Failed; len(got) != 1 || got[0] != "b" {
		t.Errorf("chains.failed = %v, want [b]", got)
	}
}

func TestReputation_NoAgentsIsNotFailure(t *testing.T) {
	f := newFixture(t, []domain.ChainID{"a"}, nil)

	rec := f.do("GET", "/v1/reputation/"+rater.Hex(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	rep := decode[reputation.AddressReputation](t, rec)
	if rep.TotalKudos != 0 || rep.AggregatedScore != nil {
		t.Errorf("rep = %+v, want zero kudos and null score", rep)
	}
	if len(rep.Chains.Contributed) != 1 || len(rep.Chains.Failed) != 0 {
		t.Errorf("chains = %+v, want a contributed", rep.Chains)
	}
}

func TestReputation_AllChainsFailed(t *testing.T) {
	f := newFixture(t, []domain.ChainID{"a", "b"}, nil)
	f.fetchers["a"].Fail(errors.New("down"))
	f.fetchers["b"].Fail(errors.New("down"))

	body := expectError(t, f.do("GET", "/v1/reputation/"+owner.Hex(), nil), http.StatusServiceUnavailable, domain.ErrorTypeUpstreamRPC)
	if body.Error.Code != domain.ErrorCodeAllChainsFailed {
		t.Errorf("code = %s, want all_chains_failed", body.Error.Code)
	}
}

func TestReputation_BadAddress(t *testing.T) {
	f := newFixture(t, []domain.ChainID{"a"}, nil)
	expectError(t, f.do("GET", "/v1/reputation/not-an-address", nil), http.StatusBadRequest, domain.ErrorTypeInvalidRequest)
}

// =============================================================================
// Discover
// =============================================================================

func TestDiscover(t *testing.T) {
	f := newFixture(t, []domain.ChainID{"a", "b"}, nil)
	f.kudos("a", 1, "speed", 40, 2, 1)
	f.kudos("a", 1, "speed", 40, 3, 2)
	f.kudos("a", 2, "security", 50, 4, 3)
	f.kudos("b", 7, "speed", 30, 2, 1)
	f.review("b", 8, rater2, 20, 3, 2)

	body := decode[DiscoverResponse](t, f.do("GET", "/v1/discover", nil))
	if body.Total != 4 {
		t.Errorf("total = %d, want 4", body.Total)
	}
	if len(body.Agents) == 0 || body.Agents[0].AgentID != 1 {
		t.Errorf("first agent = %+v, want agent 1 (most kudos)", body.Agents)
	}

	body = decode[DiscoverResponse](t, f.do("GET", "/v1/discover?category=speed", nil))
	if body.Total != 2 {
		t.Errorf("speed total = %d, want 2", body.Total)
	}

	body = decode[DiscoverResponse](t, f.do("GET", "/v1/discover?chain=b", nil))
	if body.Total != 2 || len(body.Chains.Contributed) != 1 {
		t.Errorf("chain=b total = %d, contributed %v, want 2 from [b]", body.Total, body.Chains.Contributed)
	}

	body = decode[DiscoverResponse](t, f.do("GET", "/v1/discover?minScore=4.5", nil))
	if body.Total != 1 || body.Agents[0].AgentID != 2 {
		t.Errorf("minScore total = %d, want only agent 2", body.Total)
	}

	body = decode[DiscoverResponse](t, f.do("GET", "/v1/discover?limit=1&offset=1", nil))
	if len(body.Agents) != 1 || body.Total != 4 || body.Offset != 1 {
		t.Errorf("page = %d agents, total %d, offset %d, want 1, 4, 1", len(body.Agents), body.Total, body.Offset)
	}
}

func TestDiscover_BadParams(t *testing.T) {
	f := newFixture(t, []domain.ChainID{"a"}, nil)

	for _, q := range []string{"?category=vibes", "?minScore=high", "?limit=0", "?limit=101", "?offset=-1"} {
		expectError(t, f.do("GET", "/v1/discover"+q, nil), http.StatusBadRequest, domain.ErrorTypeInvalidRequest)
	}
	expectError(t, f.do("GET", "/v1/discover?chain=zz", nil), http.StatusNotFound, domain.ErrorTypeNotFound)
}

// =============================================================================
// Rate limiting
// =============================================================================

func TestReadEndpoints_RateLimited(t *testing.T) {
	f := newFixture(t, []domain.ChainID{"a"}, func(d *Deps) {
		d.ReadLimiter = ratelimit.New(time.Second, 3, ratelimit.WithClock(clock.NewMock()))
	})

	paths := []string{"/v1/feedback", "/v1/discover", "/v1/chains"}
	for i, p := range paths {
		rec := f.do("GET", p, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d, want 200", p, rec.Code)
		}
		if got, want := rec.Header().Get("x-ratelimit-remaining-requests"), strconv.Itoa(2-i); got != want {
			t.Errorf("%s remaining = %q, want %q", p, got, want)
		}
	}

	rec := f.do("GET", "/v1/reputation/"+owner.Hex(), nil)
	body := expectError(t, rec, http.StatusTooManyRequests, domain.ErrorTypeRateLimit)
	if rec.Header().Get("Retry-After") == "" || body.RetryAfter < 1 {
		t.Errorf("Retry-After = %q, retryAfter = %d, want a hint", rec.Header().Get("Retry-After"), body.RetryAfter)
	}
}

// =============================================================================
// Refresh
// =============================================================================

func TestRefresh_MakesWriteVisible(t *testing.T) {
	f := newFixture(t, []domain.ChainID{"a"}, func(d *Deps) {
		d.WriteLimiter = ratelimit.New(time.Minute, 1, ratelimit.WithClock(clock.NewMock()))
	})
	f.kudos("a", 1, "speed", 40, 3, 1)

	if body := decode[FeedbackResponse](t, f.do("GET", "/v1/feedback", nil)); body.Total != 1 {
		t.Fatalf("initial total = %d, want 1", body.Total)
	}

	// A new write lands; within the TTL reads still see the old set.
	f.kudos("a", 1, "speed", 50, 12, 2)
	if body := decode[FeedbackResponse](t, f.do("GET", "/v1/feedback", nil)); body.Total != 1 {
		t.Fatalf("cached total = %d, want 1", body.Total)
	}

	wallet := http.Header{server.WalletHeader: []string{rater.Hex()}}
	rec := f.do("POST", "/v1/refresh?chain=a", wallet)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	res := decode[RefreshResponse](t, rec)
	if res.Added != 1 || res.LastScannedBlock != 12 {
		t.Errorf("refresh = %+v, want 1 added through block 12", res)
	}

	if body := decode[FeedbackResponse](t, f.do("GET", "/v1/feedback", nil)); body.Total != 2 {
		t.Errorf("total after refresh = %d, want 2", body.Total)
	}

	// Same wallet is throttled; another wallet is not.
	expectError(t, f.do("POST", "/v1/refresh?chain=a", wallet), http.StatusTooManyRequests, domain.ErrorTypeRateLimit)
	other := http.Header{server.WalletHeader: []string{rater2.Hex()}}
	if rec := f.do("POST", "/v1/refresh?chain=a", other); rec.Code != http.StatusOK {
		t.Errorf("other wallet status = %d, want 200", rec.Code)
	}
}

func TestRefresh_NoDeploymentBlock(t *testing.T) {
	fetcher := chaintest.NewFetcher(10)
	c := cache.New([]cache.Source{{Chain: "x", Fetcher: fetcher}}, cache.WithLogger(testutil.DiscardLogger()))
	r := chi.NewRouter()
	NewHandler(Deps{Cache: c, Logger: testutil.DiscardLogger()}).Routes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/refresh", nil))
	expectError(t, rec, http.StatusServiceUnavailable, domain.ErrorTypeUpstreamRPC)
}

// =============================================================================
// Search
// =============================================================================

type fakeSearcher struct {
	res *search.Results
	err error
}

func (s *fakeSearcher) Search(ctx context.Context, query string, limit int) (*search.Results, error) {
	return s.res, s.err
}

func TestSearch(t *testing.T) {
	ok := &fakeSearcher{res: &search.Results{Query: "x", Hits: []search.Hit{{Chain: "a", AgentID: 1}}, Total: 1}}
	f := newFixture(t, []domain.ChainID{"a"}, func(d *Deps) { d.Search = ok })

	rec := f.do("GET", "/v1/search?q=translate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := decode[search.Results](t, rec); body.Total != 1 {
		t.Errorf("total = %d, want 1", body.Total)
	}

	expectError(t, f.do("GET", "/v1/search", nil), http.StatusBadRequest, domain.ErrorTypeInvalidRequest)
}

func TestSearch_UpstreamFailureIsBadGateway(t *testing.T) {
	failing := &fakeSearcher{err: &search.UpstreamError{StatusCode: 500, Err: errors.New("index rebuilding")}}
	f := newFixture(t, []domain.ChainID{"a"}, func(d *Deps) { d.Search = failing })

	body := expectError(t, f.do("GET", "/v1/search?q=x", nil), http.StatusBadGateway, domain.ErrorTypeBadGateway)
	if body.Error.Code != domain.ErrorCodeUpstreamStatus {
		t.Errorf("code = %s, want upstream_status", body.Error.Code)
	}
}

func TestSearch_NotConfigured(t *testing.T) {
	f := newFixture(t, []domain.ChainID{"a"}, nil)
	expectError(t, f.do("GET", "/v1/search?q=x", nil), http.StatusNotFound, domain.ErrorTypeNotFound)
}

// =============================================================================
// Chains
// =============================================================================

func TestChains(t *testing.T) {
	f := newFixture(t, []domain.ChainID{"b", "a"}, nil)
	f.kudos("a", 1, "speed", 40, 3, 1)
	f.do("GET", "/v1/feedback?chain=a", nil)

	body := decode[struct {
		Chains  []ChainStatus  `json:"chains"`
		Default domain.ChainID `json:"default"`
	}](t, f.do("GET", "/v1/chains", nil))

	if len(body.Chains) != 2 || body.Chains[0].ID != "a" {
		t.Fatalf("chains = %+v, want a then b", body.Chains)
	}
	if body.Chains[0].Events != 1 || body.Chains[0].RefreshedAt == nil {
		t.Errorf("a = %+v, want 1 event and a refresh time", body.Chains[0])
	}
	if body.Chains[1].RefreshedAt != nil {
		t.Errorf("b refreshedAt = %v, want null before first refresh", body.Chains[1].RefreshedAt)
	}
	if body.Default != "a" {
		t.Errorf("default = %s, want a", body.Default)
	}
}
