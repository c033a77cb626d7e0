// Package chaintest builds registry logs and an in-memory log fetcher for tests.
package chaintest

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/tjfontaine/reputation-gateway/internal/chain"
)

// Feedback describes one NewFeedback log.
type Feedback struct {
	Subject  uint64
	Sender   common.Address
	Index    uint64
	Value    int64
	Decimals uint8
	Tag1     string
	Tag2     string
	URI      string
	Block    uint64
	Tx       uint64
	LogIndex uint
}

// FeedbackLog encodes f as a raw log.
func FeedbackLog(t testing.TB, f Feedback) types.Log {
	t.Helper()

	data, err := chain.PackFeedbackData(chain.FeedbackData{
		Index:    f.Index,
		Value:    big.NewInt(f.Value),
		Decimals: f.Decimals,
		Tag1:     f.Tag1,
		Tag2:     f.Tag2,
		URI:      f.URI,
	})
	if err != nil {
		t.Fatalf("pack feedback: %v", err)
	}

	return types.Log{
		Topics: []common.Hash{
			chain.FeedbackTopic,
			common.BigToHash(new(big.Int).SetUint64(f.Subject)),
			common.BytesToHash(f.Sender.Bytes()),
		},
		Data:        data,
		BlockNumber: f.Block,
		TxHash:      TxHash(f.Tx),
		Index:       f.LogIndex,
	}
}

// CorruptLog is a feedback log whose data cannot be decoded.
func CorruptLog(block, tx uint64) types.Log {
	return types.Log{
		Topics:      []common.Hash{chain.FeedbackTopic, common.BigToHash(big.NewInt(1))},
		Data:        []byte{0x01, 0x02},
		BlockNumber: block,
		TxHash:      TxHash(tx),
	}
}

// TransferLog encodes an identity registry transfer of agent to owner.
func TransferLog(agent uint64, owner common.Address, block uint64, logIndex uint) types.Log {
	return types.Log{
		Topics: []common.Hash{
			chain.TransferTopic,
			{},
			common.BytesToHash(owner.Bytes()),
			common.BigToHash(new(big.Int).SetUint64(agent)),
		},
		BlockNumber: block,
		TxHash:      TxHash(1_000_000 + block*1000 + uint64(logIndex)),
		Index:       logIndex,
	}
}

// TxHash derives a deterministic transaction hash from n.
func TxHash(n uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(n))
}

// Fetcher is an in-memory chain serving logs by block range.
type Fetcher struct {
	mu        sync.Mutex
	head      uint64
	logs      []types.Log
	headErr   error
	logsErr   error
	headCalls int
	queries   []chain.Query

	// Block, when set, is waited on by every call before answering.
	Block chan struct{}
}

// NewFetcher creates a fetcher at head serving logs.
func NewFetcher(head uint64, logs ...types.Log) *Fetcher {
	return &Fetcher{head: head, logs: logs}
}

// Append adds logs and moves the head.
func (f *Fetcher) Append(head uint64, logs ...types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = head
	f.logs = append(f.logs, logs...)
}

// Fail makes subsequent calls return err; nil restores service.
func (f *Fetcher) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headErr = err
	f.logsErr = err
}

// FailLogs makes only eth_getLogs fail.
func (f *Fetcher) FailLogs(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logsErr = err
}

// HeadCalls returns how many times Head was called.
func (f *Fetcher) HeadCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headCalls
}

// Queries returns the log queries received so far.
func (f *Fetcher) Queries() []chain.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chain.Query(nil), f.queries...)
}

func (f *Fetcher) wait(ctx context.Context) error {
	if f.Block == nil {
		return nil
	}
	select {
	case <-f.Block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Head implements cache.LogFetcher.
func (f *Fetcher) Head(ctx context.Context) (uint64, error) {
	if err := f.wait(ctx); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headCalls++
	return f.head, f.headErr
}

// FetchLogs implements cache.LogFetcher.
func (f *Fetcher) FetchLogs(ctx context.Context, q chain.Query) ([]types.Log, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.logsErr != nil {
		return nil, f.logsErr
	}

	to := f.head
	if q.ToBlock != nil {
		to = *q.ToBlock
	}
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= q.FromBlock && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}
