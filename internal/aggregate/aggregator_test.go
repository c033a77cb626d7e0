package aggregate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/tjfontaine/reputation-gateway/internal/domain"
	"github.com/tjfontaine/reputation-gateway/internal/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestQueryAll_PartialFailure(t *testing.T) {
	a := New(quiet())
	chains := []domain.ChainID{"a", "b", "c"}

	res := QueryAll(context.Background(), a, chains, func(ctx context.Context, id domain.ChainID) (int, error) {
		if id == "b" {
			return 0, errors.New("rpc down")
		}
		return 5, nil
	})

	if !res.Partial() {
		t.Error("Partial() = false, want true")
	}
	if res.AllFailed() {
		t.Error("AllFailed() = true, want false")
	}

	contributed := res.Contributed()
	if len(contributed) != 2 || contributed[0] != "a" || contributed[1] != "c" {
		t.Errorf("Contributed() = %v, want [a c]", contributed)
	}
	failed := res.FailedChains()
	if len(failed) != 1 || failed[0] != "b" {
		t.Errorf("FailedChains() = %v, want [b]", failed)
	}

	total := 0
	for _, v := range res.Values() {
		total += v
	}
	if total != 10 {
		t.Errorf("total = %d, want 10 (b excluded)", total)
	}
}

func TestQueryAll_ZeroIsNotFailure(t *testing.T) {
	a := New(quiet())

	res := QueryAll(context.Background(), a, []domain.ChainID{"a"}, func(ctx context.Context, id domain.ChainID) (int, error) {
		return 0, nil
	})

	if v, ok := res.Succeeded["a"]; !ok || v != 0 {
		t.Errorf("Succeeded[a] = %v, %v, want 0, true", v, ok)
	}
	if len(res.Failed) != 0 {
		t.Errorf("Failed = %v, want empty", res.Failed)
	}
}

func TestQueryAll_AllFailed(t *testing.T) {
	a := New(quiet())

	res := QueryAll(context.Background(), a, []domain.ChainID{"a", "b"}, func(ctx context.Context, id domain.ChainID) (string, error) {
		return "", errors.New("boom")
	})

	if !res.AllFailed() {
		t.Error("AllFailed() = false, want true")
	}
	if res.Partial() {
		t.Error("Partial() = true, want false")
	}
}

func TestQueryAll_NoChains(t *testing.T) {
	res := QueryAll(context.Background(), New(quiet()), nil, func(ctx context.Context, id domain.ChainID) (int, error) {
		t.Fatal("fn called with no chains")
		return 0, nil
	})

	if res.AllFailed() || res.Partial() || len(res.Contributed()) != 0 {
		t.Errorf("result = %+v, want empty", res)
	}
}

func TestQueryAll_SlowChainDoesNotDelayOthers(t *testing.T) {
	a := New(quiet(), WithTimeout(50*time.Millisecond))
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	res := QueryAll(context.Background(), a, []domain.ChainID{"fast", "hung"}, func(ctx context.Context, id domain.ChainID) (int, error) {
		if id == "hung" {
			// Ignores ctx entirely.
			<-release
			return 0, nil
		}
		return 1, nil
	})
	elapsed := time.Since(start)

	if elapsed > 2*time.Second {
		t.Errorf("QueryAll took %v, want roughly the 50ms timeout", elapsed)
	}
	if _, ok := res.Succeeded["fast"]; !ok {
		t.Error("fast chain missing from Succeeded")
	}
	err, ok := res.Failed["hung"]
	if !ok || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Failed[hung] = %v, want DeadlineExceeded", err)
	}
}

func TestQueryAll_ContextCancelledTasks(t *testing.T) {
	a := New(quiet(), WithTimeout(20*time.Millisecond))

	res := QueryAll(context.Background(), a, []domain.ChainID{"a", "b", "c"}, func(ctx context.Context, id domain.ChainID) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	if len(res.Failed) != 3 {
		t.Errorf("Failed = %d chains, want 3", len(res.Failed))
	}
}

func TestQueryAll_RunsConcurrently(t *testing.T) {
	a := New(quiet(), WithTimeout(5*time.Second))
	var running atomic.Int32
	barrier := make(chan struct{})

	res := QueryAll(context.Background(), a, []domain.ChainID{"a", "b", "c"}, func(ctx context.Context, id domain.ChainID) (int, error) {
		if running.Add(1) == 3 {
			close(barrier)
		}
		select {
		case <-barrier:
			return 1, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})

	if len(res.Succeeded) != 3 {
		t.Errorf("Succeeded = %d, want 3 (tasks must overlap)", len(res.Succeeded))
	}
}

func TestQueryAll_PanicIsolated(t *testing.T) {
	a := New(quiet())

	res := QueryAll(context.Background(), a, []domain.ChainID{"ok", "bad"}, func(ctx context.Context, id domain.ChainID) (int, error) {
		if id == "bad" {
			panic("decode storm")
		}
		return 1, nil
	})

	if _, ok := res.Failed["bad"]; !ok {
		t.Error("panicking chain missing from Failed")
	}
	if _, ok := res.Succeeded["ok"]; !ok {
		t.Error("ok chain missing from Succeeded")
	}
}

func TestQueryAll_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(quiet(), WithMetrics(telemetry.NewMetrics(reg)))

	QueryAll(context.Background(), a, []domain.ChainID{"a", "b"}, func(ctx context.Context, id domain.ChainID) (int, error) {
		if id == "b" {
			return 0, errors.New("down")
		}
		return 1, nil
	})

	n, err := testutil.GatherAndCount(reg, "repgw_chain_queries_total")
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	if n != 2 {
		t.Errorf("chain query series = %d, want 2", n)
	}
}
