// Package matcher decides whether candidates returned by a secondary source refer to
// the same restaurant as a primary record.
//
// Scoring is pure: a weighted sum of name, location and category similarity, clamped to
// [0,1], with a multiplicative penalty for candidates suspected to come from a blocked
// or cached response. Decisions follow two configurable thresholds.
package matcher

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/xrash/smetrics"

	"restlink/internal/config"
	"restlink/internal/restaurant"
)

// Decision is the categorical outcome for one candidate
type Decision string

const (
	// Matched means the candidate is the same establishment and may be merged
	Matched Decision = "MATCHED"
	// Ambiguous means the candidate may be the same establishment but is not merged
	Ambiguous Decision = "AMBIGUOUS"
	// Rejected means the candidate is a different establishment
	Rejected Decision = "REJECTED"
)

// neutral is used when a signal is missing on either side
const neutral = 0.5

// Config holds weights and thresholds
type Config struct {
	MatchedThreshold  float64
	RejectedThreshold float64
	NameWeight        float64
	LocationWeight    float64
	CategoryWeight    float64
	StalePenalty      float64
}

// DefaultConfig returns the default weights and thresholds
func DefaultConfig() Config {
	return ConfigFrom(config.DefaultConfig().Matching)
}

// ConfigFrom maps the matching section of the configuration
func ConfigFrom(c config.MatchingConfig) Config {
	return Config{
		MatchedThreshold:  c.MatchedThreshold,
		RejectedThreshold: c.RejectedThreshold,
		NameWeight:        c.NameWeight,
		LocationWeight:    c.LocationWeight,
		CategoryWeight:    c.CategoryWeight,
		StalePenalty:      c.StalePenalty,
	}
}

// MatchResult is the score and decision for one candidate
type MatchResult struct {
	Candidate  restaurant.RawCandidate `json:"candidate"`
	Confidence float64                 `json:"confidence"`
	Decision   Decision                `json:"decision"`
	Reasons    []string                `json:"reasons"`
}

// Matcher scores candidates against a primary record
type Matcher struct {
	cfg Config
}

// New creates a matcher
func New(cfg Config) *Matcher {
	return &Matcher{cfg: cfg}
}

// Config returns the matcher's configuration
func (m *Matcher) Config() Config {
	return m.cfg
}

// Match scores every candidate and returns the results best first.
// Only the best candidate of each source can be MATCHED.
func (m *Matcher) Match(primary restaurant.PrimaryRecord, candidates []restaurant.RawCandidate) []MatchResult {
	if len(candidates) == 0 {
		return nil
	}

	results := make([]MatchResult, 0, len(candidates))
	for _, c := range candidates {
		conf, reasons := m.Score(primary, c)
		results = append(results, MatchResult{
			Candidate:  c.Clone(),
			Confidence: conf,
			Reasons:    reasons,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return rankBefore(results[i], results[j])
	})

	top := make(map[restaurant.SourceID]string)
	for i := range results {
		r := &results[i]
		r.Decision = m.Decide(r.Confidence)

		src := r.Candidate.SourceID
		best, seen := top[src]
		if !seen {
			top[src] = r.Candidate.Name
			continue
		}
		if r.Decision == Matched {
			r.Decision = Rejected
			r.Reasons = append(r.Reasons, fmt.Sprintf("outranked by %q", best))
		}
	}
	return results
}

// Decide applies the thresholds to a confidence
func (m *Matcher) Decide(confidence float64) Decision {
	switch {
	case confidence >= m.cfg.MatchedThreshold:
		return Matched
	case confidence >= m.cfg.RejectedThreshold:
		return Ambiguous
	default:
		return Rejected
	}
}

// Score returns the confidence that c is the same establishment as primary, with the
// reasons behind each component
func (m *Matcher) Score(primary restaurant.PrimaryRecord, c restaurant.RawCandidate) (float64, []string) {
	locTokens := locationTokens(primary.Location)
	for t := range locationTokens(c.LocationHint) {
		if locTokens == nil {
			locTokens = make(map[string]bool)
		}
		locTokens[t] = true
	}

	name := NameScore(primary.Name, c.Name, locTokens)
	loc, locReason := LocationScore(primary.Location, c.LocationHint)
	cat, catKnown := CategoryScore(primary.CategoryTags, c.Categories)

	reasons := []string{
		fmt.Sprintf("name similarity %.2f", name),
		fmt.Sprintf("%s (%.2f)", locReason, loc),
	}
	if catKnown {
		reasons = append(reasons, fmt.Sprintf("category overlap %.2f", cat))
	} else {
		reasons = append(reasons, "categories unknown")
	}

	score := m.cfg.NameWeight*name + m.cfg.LocationWeight*loc + m.cfg.CategoryWeight*cat
	if c.StaleResultSuspected {
		score *= m.cfg.StalePenalty
		reasons = append(reasons, fmt.Sprintf("stale result suspected, penalty x%.2f", m.cfg.StalePenalty))
	}
	return clamp(score), reasons
}

// NameScore combines token overlap and edit similarity of normalized names.
// Tokens found in locationTokens are ignored on each side when the name keeps other tokens.
func NameScore(a, b string, locationTokens map[string]bool) float64 {
	ta := withoutLocationTokens(NormalizeName(a), locationTokens)
	tb := withoutLocationTokens(NormalizeName(b), locationTokens)
	if len(ta) == 0 || len(tb) == 0 {
		if fa, fb := strings.TrimSpace(fold(a)), strings.TrimSpace(fold(b)); fa != "" && fa == fb {
			return 1
		}
		return 0
	}

	return 0.5*dice(ta, tb) + 0.5*editSimilarity(strings.Join(ta, " "), strings.Join(tb, " "))
}

// CategoryScore is the Jaccard similarity of normalized tag sets; neutral when either side is empty
func CategoryScore(a, b []string) (float64, bool) {
	sa, sb := NormalizeCategories(a), NormalizeCategories(b)
	if len(sa) == 0 || len(sb) == 0 {
		return neutral, false
	}
	inter := 0
	for t := range sa {
		if sb[t] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union), true
}

func dice(a, b []string) float64 {
	sa, sb := tokenSet(a), tokenSet(b)
	inter := 0
	for t := range sa {
		if sb[t] {
			inter++
		}
	}
	return 2 * float64(inter) / float64(len(sa)+len(sb))
}

// editSimilarity is 1 - edit distance / longer length, counted in characters
func editSimilarity(a, b string) float64 {
	a, b = byteAlphabet(a, b)
	longest := max(len(a), len(b))
	if longest == 0 {
		return 1
	}
	d := smetrics.WagnerFischer(a, b, 1, 1, 1)
	return 1 - float64(d)/float64(longest)
}

// byteAlphabet rewrites a and b with one ASCII byte per rune so WagnerFischer, which
// compares bytes, counts multi-byte characters once. Inputs with more than 128 distinct
// runes are returned unchanged.
func byteAlphabet(a, b string) (string, string) {
	if isASCII(a) && isASCII(b) {
		return a, b
	}
	codes := make(map[rune]byte)
	encode := func(s string) ([]byte, bool) {
		out := make([]byte, 0, len(s))
		for _, r := range s {
			c, ok := codes[r]
			if !ok {
				if len(codes) == utf8.RuneSelf {
					return nil, false
				}
				c = byte(len(codes))
				codes[r] = c
			}
			out = append(out, c)
		}
		return out, true
	}
	ea, okA := encode(a)
	eb, okB := encode(b)
	if !okA || !okB {
		return a, b
	}
	return string(ea), string(eb)
}

// rankBefore orders by confidence, then review count, then name, then source and URL
func rankBefore(a, b MatchResult) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	ra, rb := reviewCount(a.Candidate), reviewCount(b.Candidate)
	if ra != rb {
		return ra > rb
	}
	if a.Candidate.Name != b.Candidate.Name {
		return a.Candidate.Name < b.Candidate.Name
	}
	if a.Candidate.SourceID != b.Candidate.SourceID {
		return a.Candidate.SourceID < b.Candidate.SourceID
	}
	return a.Candidate.URL < b.Candidate.URL
}

func reviewCount(c restaurant.RawCandidate) int {
	if c.ReviewCount == nil {
		return -1
	}
	return *c.ReviewCount
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
