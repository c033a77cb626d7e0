package domain

import (
	"math/big"
	"strings"
)

// ChainID names a configured chain (e.g. "base-sepolia").
type ChainID string

func (c ChainID) String() string { return string(c) }

// Event classes carried in Tag1.
const (
	Tag1Kudos  = "kudos"
	Tag1Review = "review"
)

// FeedbackEvent is one decoded feedback log entry.
type FeedbackEvent struct {
	Chain ChainID `json:"chain"`

	// Sender is the account that submitted the feedback (lowercase hex).
	Sender string `json:"sender"`

	// SubjectID identifies the rated agent.
	SubjectID uint64 `json:"subjectId"`

	// SequenceIndex is the per-sender-per-subject index as emitted.
	SequenceIndex uint64 `json:"sequenceIndex"`

	Value         *big.Int `json:"value"`
	ValueDecimals uint8    `json:"valueDecimals"`

	Tag1     string `json:"tag1"`
	Tag2     string `json:"tag2"`
	Endpoint string `json:"endpoint,omitempty"`

	PayloadURI  string `json:"payloadURI"`
	PayloadHash string `json:"payloadHash,omitempty"`

	// ParsedMessage is derived from PayloadURI; nil when nothing could be extracted.
	ParsedMessage *string `json:"parsedMessage"`

	BlockNumber     uint64 `json:"blockNumber"`
	TransactionHash string `json:"transactionHash"`
	LogIndex        uint   `json:"logIndex"`
}

// EventKey identifies a log entry within one chain.
type EventKey struct {
	TxHash   string
	LogIndex uint
}

// Key returns the dedup key of the event.
func (e FeedbackEvent) Key() EventKey {
	return EventKey{TxHash: strings.ToLower(e.TransactionHash), LogIndex: e.LogIndex}
}

// IsKudos reports whether the event belongs to the kudos class.
func (e FeedbackEvent) IsKudos() bool {
	return e.Tag1 == Tag1Kudos
}

// NormalizedValue returns Value scaled by ValueDecimals.
func (e FeedbackEvent) NormalizedValue() float64 {
	if e.Value == nil {
		return 0
	}
	v := new(big.Float).SetInt(e.Value)
	if e.ValueDecimals > 0 {
		scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(e.ValueDecimals)), nil))
		v.Quo(v, scale)
	}
	f, _ := v.Float64()
	return f
}

// Before orders events by chain position.
func (e FeedbackEvent) Before(other FeedbackEvent) bool {
	if e.BlockNumber != other.BlockNumber {
		return e.BlockNumber < other.BlockNumber
	}
	return e.LogIndex < other.LogIndex
}

// Registration records the owner of an agent as of a given log position.
type Registration struct {
	Chain       ChainID `json:"chain"`
	AgentID     uint64  `json:"agentId"`
	Owner       string  `json:"owner"`
	BlockNumber uint64  `json:"blockNumber"`
	LogIndex    uint    `json:"logIndex"`
}

// NewerThan reports whether r sits later in the chain than other.
func (r Registration) NewerThan(other Registration) bool {
	if r.BlockNumber != other.BlockNumber {
		return r.BlockNumber > other.BlockNumber
	}
	return r.LogIndex > other.LogIndex
}

// NormalizeAddress lowercases a hex address for map keys and comparisons.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
