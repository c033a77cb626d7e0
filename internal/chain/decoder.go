package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tjfontaine/reputation-gateway/internal/domain"
)

// Event signatures scanned by the gateway.
const (
	FeedbackEventSignature = "NewFeedback(uint256,address,uint64,int128,uint8,string,string,string,string,bytes32)"
	TransferEventSignature = "Transfer(address,address,uint256)"
)

var (
	// FeedbackTopic is topic0 of the reputation registry's feedback event.
	FeedbackTopic = crypto.Keccak256Hash([]byte(FeedbackEventSignature))

	// TransferTopic is topic0 of the identity registry's ERC-721 transfer event.
	TransferTopic = crypto.Keccak256Hash([]byte(TransferEventSignature))
)

// feedbackArgs are the non-indexed fields of NewFeedback, in emitted order.
var feedbackArgs = abi.Arguments{
	{Name: "feedbackIndex", Type: mustType("uint64")},
	{Name: "value", Type: mustType("int128")},
	{Name: "valueDecimals", Type: mustType("uint8")},
	{Name: "tag1", Type: mustType("string")},
	{Name: "tag2", Type: mustType("string")},
	{Name: "endpoint", Type: mustType("string")},
	{Name: "feedbackURI", Type: mustType("string")},
	{Name: "feedbackHash", Type: mustType("bytes32")},
}

// feedbackArgsNoHash covers deployments that emit no trailing hash.
var feedbackArgsNoHash = feedbackArgs[:len(feedbackArgs)-1]

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("abi type %s: %v", t, err))
	}
	return typ
}

// Decoder turns raw logs of one chain into domain events.
type Decoder struct {
	chain domain.ChainID
}

// NewDecoder creates a decoder that stamps events with chain.
func NewDecoder(chain domain.ChainID) *Decoder {
	return &Decoder{chain: chain}
}

// Batch is the outcome of decoding a set of logs.
type Batch struct {
	Events        []domain.FeedbackEvent
	Registrations []domain.Registration
	Skipped       []*domain.DecodeError
}

// DecodeAll decodes every log, dispatching on topic0. Malformed entries are
// collected in Skipped and never abort the batch.
func (d *Decoder) DecodeAll(logs []types.Log) Batch {
	var b Batch
	for _, l := range logs {
		if l.Removed {
			continue
		}
		if len(l.Topics) == 0 {
			b.Skipped = append(b.Skipped, decodeErr(l, "log has no topics", nil))
			continue
		}

		switch l.Topics[0] {
		case FeedbackTopic:
			ev, err := d.Decode(l)
			if err != nil {
				b.Skipped = append(b.Skipped, err.(*domain.DecodeError))
				continue
			}
			b.Events = append(b.Events, ev)
		case TransferTopic:
			reg, err := d.DecodeTransfer(l)
			if err != nil {
				b.Skipped = append(b.Skipped, err.(*domain.DecodeError))
				continue
			}
			b.Registrations = append(b.Registrations, reg)
		default:
			b.Skipped = append(b.Skipped, decodeErr(l, "unexpected event signature "+l.Topics[0].Hex(), nil))
		}
	}
	return b
}

// Decode decodes a feedback log. The returned error is always a *domain.DecodeError.
func (d *Decoder) Decode(l types.Log) (domain.FeedbackEvent, error) {
	if len(l.Topics) < 2 {
		return domain.FeedbackEvent{}, decodeErr(l, "missing subject topic", nil)
	}
	if l.Topics[0] != FeedbackTopic {
		return domain.FeedbackEvent{}, decodeErr(l, "unexpected event signature "+l.Topics[0].Hex(), nil)
	}

	subject := new(big.Int).SetBytes(l.Topics[1].Bytes())
	if !subject.IsUint64() {
		return domain.FeedbackEvent{}, decodeErr(l, "subject id overflows uint64", nil)
	}

	ev := domain.FeedbackEvent{
		Chain:           d.chain,
		SubjectID:       subject.Uint64(),
		BlockNumber:     l.BlockNumber,
		TransactionHash: strings.ToLower(l.TxHash.Hex()),
		LogIndex:        l.Index,
	}
	if len(l.Topics) > 2 {
		ev.Sender = topicAddress(l.Topics[2])
	}

	values, err := argsForLayout(l.Data).Unpack(l.Data)
	if err != nil {
		return domain.FeedbackEvent{}, decodeErr(l, "unpack data", err)
	}

	if err := assignFeedbackFields(&ev, values); err != nil {
		return domain.FeedbackEvent{}, decodeErr(l, "unexpected field type", err)
	}

	if msg, ok := ParsePayload(ev.PayloadURI); ok {
		ev.ParsedMessage = &msg
	}

	return ev, nil
}

// argsForLayout picks the argument list from the head size. The first string
// offset (tag1) equals the size of the static head, which tells whether the
// trailing hash word is present.
func argsForLayout(data []byte) abi.Arguments {
	const word = 32
	if len(data) < 4*word {
		return feedbackArgs
	}
	off := new(big.Int).SetBytes(data[3*word : 4*word])
	if off.IsUint64() && off.Uint64() == uint64(len(feedbackArgsNoHash)*word) {
		return feedbackArgsNoHash
	}
	return feedbackArgs
}

func assignFeedbackFields(ev *domain.FeedbackEvent, values []any) error {
	var ok bool
	if ev.SequenceIndex, ok = values[0].(uint64); !ok {
		return fmt.Errorf("feedbackIndex is %T", values[0])
	}
	if ev.Value, ok = values[1].(*big.Int); !ok {
		return fmt.Errorf("value is %T", values[1])
	}
	if ev.ValueDecimals, ok = values[2].(uint8); !ok {
		return fmt.Errorf("valueDecimals is %T", values[2])
	}
	strs := make([]string, 4)
	for i := range strs {
		if strs[i], ok = values[3+i].(string); !ok {
			return fmt.Errorf("%s is %T", feedbackArgs[3+i].Name, values[3+i])
		}
	}
	ev.Tag1, ev.Tag2, ev.Endpoint, ev.PayloadURI = strs[0], strs[1], strs[2], strs[3]

	if len(values) > 7 {
		if h, ok := values[7].([32]byte); ok && h != ([32]byte{}) {
			ev.PayloadHash = common.Hash(h).Hex()
		}
	}
	return nil
}

// DecodeTransfer decodes an identity registry transfer into the agent's new owner.
func (d *Decoder) DecodeTransfer(l types.Log) (domain.Registration, error) {
	if len(l.Topics) != 4 {
		return domain.Registration{}, decodeErr(l, fmt.Sprintf("transfer has %d topics, want 4", len(l.Topics)), nil)
	}
	agent := new(big.Int).SetBytes(l.Topics[3].Bytes())
	if !agent.IsUint64() {
		return domain.Registration{}, decodeErr(l, "agent id overflows uint64", nil)
	}
	return domain.Registration{
		Chain:       d.chain,
		AgentID:     agent.Uint64(),
		Owner:       topicAddress(l.Topics[2]),
		BlockNumber: l.BlockNumber,
		LogIndex:    l.Index,
	}, nil
}

// topicAddress takes the last 20 bytes of a 32-byte topic.
func topicAddress(h common.Hash) string {
	return strings.ToLower(common.BytesToAddress(h.Bytes()[12:]).Hex())
}

func decodeErr(l types.Log, reason string, err error) *domain.DecodeError {
	return &domain.DecodeError{
		TxHash:   strings.ToLower(l.TxHash.Hex()),
		LogIndex: l.Index,
		Reason:   reason,
		Err:      err,
	}
}

// FeedbackData holds the non-indexed NewFeedback fields.
type FeedbackData struct {
	Index    uint64
	Value    *big.Int
	Decimals uint8
	Tag1     string
	Tag2     string
	Endpoint string
	URI      string
	Hash     [32]byte
}

// PackFeedbackData ABI-encodes d in the layout the registry emits.
func PackFeedbackData(d FeedbackData) ([]byte, error) {
	value := d.Value
	if value == nil {
		value = new(big.Int)
	}
	return feedbackArgs.Pack(d.Index, value, d.Decimals, d.Tag1, d.Tag2, d.Endpoint, d.URI, d.Hash)
}
