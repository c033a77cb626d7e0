package domain

import (
	"math/big"
	"testing"
)

func TestFeedbackEvent_NormalizedValue(t *testing.T) {
	tests := []struct {
		name     string
		value    *big.Int
		decimals uint8
		want     float64
	}{
		{"nil value", nil, 2, 0},
		{"no decimals", big.NewInt(42), 0, 42},
		{"one decimal", big.NewInt(45), 1, 4.5},
		{"negative", big.NewInt(-250), 2, -2.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := FeedbackEvent{Value: tt.value, ValueDecimals: tt.decimals}
			if got := ev.NormalizedValue(); got != tt.want {
				t.Errorf("NormalizedValue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFeedbackEvent_KeyIgnoresHashCase(t *testing.T) {
	a := FeedbackEvent{TransactionHash: "0xABCdef", LogIndex: 3}
	b := FeedbackEvent{TransactionHash: "0xabcDEF", LogIndex: 3}
	if a.Key() != b.Key() {
		t.Errorf("Key() = %v and %v, want equal", a.Key(), b.Key())
	}

	c := FeedbackEvent{TransactionHash: "0xabcdef", LogIndex: 4}
	if a.Key() == c.Key() {
		t.Error("Key() equal for different log indexes")
	}
}

func TestFeedbackEvent_Before(t *testing.T) {
	tests := []struct {
		a, b FeedbackEvent
		want bool
	}{
		{FeedbackEvent{BlockNumber: 1, LogIndex: 9}, FeedbackEvent{BlockNumber: 2, LogIndex: 0}, true},
		{FeedbackEvent{BlockNumber: 2, LogIndex: 0}, FeedbackEvent{BlockNumber: 1, LogIndex: 9}, false},
		{FeedbackEvent{BlockNumber: 5, LogIndex: 1}, FeedbackEvent{BlockNumber: 5, LogIndex: 2}, true},
		{FeedbackEvent{BlockNumber: 5, LogIndex: 2}, FeedbackEvent{BlockNumber: 5, LogIndex: 2}, false},
	}

	for _, tt := range tests {
		if got := tt.a.Before(tt.b); got != tt.want {
			t.Errorf("(%d,%d).Before(%d,%d) = %v, want %v",
				tt.a.BlockNumber, tt.a.LogIndex, tt.b.BlockNumber, tt.b.LogIndex, got, tt.want)
		}
	}
}

func TestFeedbackEvent_IsKudos(t *testing.T) {
	if !(FeedbackEvent{Tag1: Tag1Kudos}).IsKudos() {
		t.Error("IsKudos() = false for kudos")
	}
	if (FeedbackEvent{Tag1: "Kudos"}).IsKudos() {
		t.Error("IsKudos() = true for differently cased tag")
	}
}

func TestRegistration_NewerThan(t *testing.T) {
	old := Registration{BlockNumber: 10, LogIndex: 5}

	tests := []struct {
		name string
		r    Registration
		want bool
	}{
		{"later block", Registration{BlockNumber: 11}, true},
		{"same block later log", Registration{BlockNumber: 10, LogIndex: 6}, true},
		{"same position", Registration{BlockNumber: 10, LogIndex: 5}, false},
		{"earlier block", Registration{BlockNumber: 9, LogIndex: 99}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.NewerThan(old); got != tt.want {
				t.Errorf("NewerThan() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalizeAddress(t *testing.T) {
	if got := NormalizeAddress("  0xAbCd  "); got != "0xabcd" {
		t.Errorf("NormalizeAddress() = %q, want 0xabcd", got)
	}
}
