// Package reputation derives reputation views from cache snapshots. Every
// function here is pure: no I/O and no mutation of its inputs.
package reputation

import (
	"math"
	"sort"
	"strings"

	"github.com/tjfontaine/reputation-gateway/internal/cache"
	"github.com/tjfontaine/reputation-gateway/internal/domain"
)

// DefaultCategories is the category whitelist, in tie-break order.
var DefaultCategories = []string{"reliability", "speed", "accuracy", "creativity", "helpfulness", "security"}

// CountsByCategory histograms events by Tag2, keeping only whitelisted
// categories. Tag2 is compared case-insensitively.
func CountsByCategory(events []domain.FeedbackEvent, whitelist []string) map[string]int {
	allowed := make(map[string]struct{}, len(whitelist))
	for _, c := range whitelist {
		allowed[c] = struct{}{}
	}

	counts := make(map[string]int)
	for _, ev := range events {
		cat := strings.ToLower(strings.TrimSpace(ev.Tag2))
		if _, ok := allowed[cat]; ok {
			counts[cat]++
		}
	}
	return counts
}

// TopCategory returns the category with the highest count. Ties go to the
// category listed first in whitelist. ok is false when no category has a
// positive count.
func TopCategory(counts map[string]int, whitelist []string) (string, bool) {
	best, bestCount := "", 0
	for _, c := range whitelist {
		if n := counts[c]; n > bestCount {
			best, bestCount = c, n
		}
	}
	return best, bestCount > 0
}

// AggregatedScore is the unweighted mean of per-agent scores, rounded half up
// to one decimal. ok is false for an empty input.
func AggregatedScore(scores []float64) (float64, bool) {
	if len(scores) == 0 {
		return 0, false
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return RoundHalfUp(sum/float64(len(scores)), 1), true
}

// RoundHalfUp rounds v to the given number of decimals, with halves going up.
func RoundHalfUp(v float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	// The epsilon absorbs binary representation error (2.25*10 = 22.499999...).
	return math.Floor(v*scale+0.5+1e-9) / scale
}

// AgentScore is the mean normalized value of an agent's feedback.
func AgentScore(events []domain.FeedbackEvent) (float64, bool) {
	if len(events) == 0 {
		return 0, false
	}
	var sum float64
	for _, ev := range events {
		sum += ev.NormalizedValue()
	}
	return sum / float64(len(events)), true
}

// CountsBySubject counts events per subject.
func CountsBySubject(events []domain.FeedbackEvent) map[uint64]int {
	counts := make(map[uint64]int)
	for _, ev := range events {
		counts[ev.SubjectID]++
	}
	return counts
}

// KudosCount counts kudos events.
func KudosCount(events []domain.FeedbackEvent) int {
	n := 0
	for _, ev := range events {
		if ev.IsKudos() {
			n++
		}
	}
	return n
}

// Filter selects feedback events. Zero fields match anything.
type Filter struct {
	SubjectID *uint64
	Sender    string
	Tag1      string
}

// Match reports whether ev satisfies every set field.
func (f Filter) Match(ev domain.FeedbackEvent) bool {
	if f.SubjectID != nil && ev.SubjectID != *f.SubjectID {
		return false
	}
	if f.Sender != "" && domain.NormalizeAddress(ev.Sender) != domain.NormalizeAddress(f.Sender) {
		return false
	}
	if f.Tag1 != "" && !strings.EqualFold(ev.Tag1, f.Tag1) {
		return false
	}
	return true
}

// AgentSummary is one agent's reputation on one chain.
type AgentSummary struct {
	Chain         domain.ChainID `json:"chain"`
	AgentID       uint64         `json:"agentId"`
	Owner         string         `json:"owner,omitempty"`
	FeedbackCount int            `json:"feedbackCount"`
	KudosCount    int            `json:"kudosCount"`
	Score         *float64       `json:"score"`
	Categories    map[string]int `json:"categories"`
	TopCategory   *string        `json:"topCategory"`
}

// Summarize builds an agent summary from that agent's events. Category counts
// come from kudos only.
func Summarize(chain domain.ChainID, agentID uint64, owner string, events []domain.FeedbackEvent, whitelist []string) AgentSummary {
	var kudos []domain.FeedbackEvent
	for _, ev := range events {
		if ev.IsKudos() {
			kudos = append(kudos, ev)
		}
	}

	s := AgentSummary{
		Chain:         chain,
		AgentID:       agentID,
		Owner:         owner,
		FeedbackCount: len(events),
		KudosCount:    len(kudos),
		Categories:    CountsByCategory(kudos, whitelist),
	}
	if score, ok := AgentScore(events); ok {
		s.Score = &score
	}
	if top, ok := TopCategory(s.Categories, whitelist); ok {
		s.TopCategory = &top
	}
	return s
}

// Agents summarizes every agent seen in snap, either through feedback or
// through an identity registration.
func Agents(snap cache.Snapshot, whitelist []string) []AgentSummary {
	byAgent := make(map[uint64][]domain.FeedbackEvent)
	for _, ev := range snap.Events {
		byAgent[ev.SubjectID] = append(byAgent[ev.SubjectID], ev)
	}
	for id := range snap.Owners {
		if _, ok := byAgent[id]; !ok {
			byAgent[id] = nil
		}
	}

	out := make([]AgentSummary, 0, len(byAgent))
	for id, events := range byAgent {
		out = append(out, Summarize(snap.Chain, id, snap.Owners[id].Owner, events, whitelist))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Coverage says which chains a cross-chain view was built from.
type Coverage struct {
	Contributed []domain.ChainID `json:"contributed"`
	Failed      []domain.ChainID `json:"failed"`
}

// AddressReputation is the cross-chain reputation of the agents an address owns.
type AddressReputation struct {
	Address         string         `json:"address"`
	Agents          []AgentSummary `json:"agents"`
	AggregatedScore *float64       `json:"aggregatedScore"`
	TotalKudos      int            `json:"totalKudos"`
	TopCategory     *string        `json:"topCategory"`
	Categories      map[string]int `json:"categories"`
	Chains          Coverage       `json:"chains"`
}

// OwnedAgents returns summaries for the agents in snap owned by address.
func OwnedAgents(snap cache.Snapshot, address string, whitelist []string) []AgentSummary {
	address = domain.NormalizeAddress(address)

	var out []AgentSummary
	for _, a := range Agents(snap, whitelist) {
		if a.Owner != "" && domain.NormalizeAddress(a.Owner) == address {
			out = append(out, a)
		}
	}
	return out
}

// ForAddress combines per-agent summaries into an address view. Each agent
// counts once toward the aggregated score regardless of its feedback volume.
func ForAddress(address string, agents []AgentSummary, whitelist []string) AddressReputation {
	rep := AddressReputation{
		Address:    domain.NormalizeAddress(address),
		Agents:     agents,
		Categories: make(map[string]int),
	}
	if rep.Agents == nil {
		rep.Agents = []AgentSummary{}
	}

	var scores []float64
	for _, a := range agents {
		rep.TotalKudos += a.KudosCount
		for cat, n := range a.Categories {
			rep.Categories[cat] += n
		}
		if a.Score != nil {
			scores = append(scores, *a.Score)
		}
	}
	if score, ok := AggregatedScore(scores); ok {
		rep.AggregatedScore = &score
	}
	if top, ok := TopCategory(rep.Categories, whitelist); ok {
		rep.TopCategory = &top
	}
	return rep
}

// DiscoverQuery filters and pages agents.
type DiscoverQuery struct {
	// Category keeps agents with at least one kudos in it.
	Category string
	MinScore *float64
	Limit    int
	Offset   int
}

// Discover filters agents and returns one page plus the filtered total. Agents
// are ordered by kudos, then feedback count (both descending), then chain and
// agent id.
func Discover(agents []AgentSummary, q DiscoverQuery) ([]AgentSummary, int) {
	category := strings.ToLower(strings.TrimSpace(q.Category))

	matched := make([]AgentSummary, 0, len(agents))
	for _, a := range agents {
		if category != "" && a.Categories[category] == 0 {
			continue
		}
		if q.MinScore != nil && (a.Score == nil || *a.Score < *q.MinScore) {
			continue
		}
		matched = append(matched, a)
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.KudosCount != b.KudosCount {
			return a.KudosCount > b.KudosCount
		}
		if a.FeedbackCount != b.FeedbackCount {
			return a.FeedbackCount > b.FeedbackCount
		}
		if a.Chain != b.Chain {
			return a.Chain < b.Chain
		}
		return a.AgentID < b.AgentID
	})

	total := len(matched)
	if q.Offset >= total {
		return []AgentSummary{}, total
	}
	page := matched[max(q.Offset, 0):]
	if q.Limit > 0 && len(page) > q.Limit {
		page = page[:q.Limit]
	}
	return page, total
}
