// Package enrich applies match decisions to a primary record. Secondary data is
// added under its source; primary fields are never overwritten.
package enrich

import (
	"sort"

	"restlink/internal/matcher"
	"restlink/internal/restaurant"
)

// Status marks what happened to one source for one record
type Status string

const (
	// StatusOK means the source answered with at least one candidate
	StatusOK Status = "ok"
	// StatusNoCandidates means the source answered with nothing
	StatusNoCandidates Status = "no_candidates"
	// StatusParseError means the response was malformed and counted as no candidates
	StatusParseError Status = "parse_error"
	// StatusFailed means the source could not be reached; a Failure is recorded
	StatusFailed Status = "failed"
	// StatusCanceled means the batch was canceled before the source answered
	StatusCanceled Status = "canceled"
)

// SourceEnrichment is the data merged from one MATCHED candidate
type SourceEnrichment struct {
	Source         restaurant.SourceID `json:"source" yaml:"source"`
	Rating         *float64            `json:"rating,omitempty" yaml:"rating,omitempty"`
	ReviewCount    *int                `json:"reviewCount,omitempty" yaml:"reviewCount,omitempty"`
	URL            string              `json:"url,omitempty" yaml:"url,omitempty"`
	Confidence     float64             `json:"confidence" yaml:"confidence"`
	CandidateName  string              `json:"candidateName" yaml:"candidateName"`
	StaleSuspected bool                `json:"staleSuspected,omitempty" yaml:"staleSuspected,omitempty"`
}

// PossibleMatch is an AMBIGUOUS candidate surfaced without merging its numbers
type PossibleMatch struct {
	Source     restaurant.SourceID `json:"source" yaml:"source"`
	Name       string              `json:"name" yaml:"name"`
	URL        string              `json:"url,omitempty" yaml:"url,omitempty"`
	Confidence float64             `json:"confidence" yaml:"confidence"`
	Reasons    []string            `json:"reasons,omitempty" yaml:"reasons,omitempty"`
}

// EnrichedRecord is a primary record plus what the secondary sources confirmed
type EnrichedRecord struct {
	Primary         restaurant.PrimaryRecord       `json:"primary" yaml:"primary"`
	Sources         []SourceEnrichment             `json:"sources,omitempty" yaml:"sources,omitempty"`
	PossibleMatches []PossibleMatch                `json:"possibleMatches,omitempty" yaml:"possibleMatches,omitempty"`
	SourceStatus    map[restaurant.SourceID]Status `json:"sourceStatus,omitempty" yaml:"sourceStatus,omitempty"`
	CombinedRating  *float64                       `json:"combinedRating,omitempty" yaml:"combinedRating,omitempty"`
}

// Source returns the enrichment merged from id, if any
func (r EnrichedRecord) Source(id restaurant.SourceID) (SourceEnrichment, bool) {
	for _, s := range r.Sources {
		if s.Source == id {
			return s, true
		}
	}
	return SourceEnrichment{}, false
}

// SourceOutcome is one source's contribution to a record: its status and match results
type SourceOutcome struct {
	Source  restaurant.SourceID
	Status  Status
	Results []matcher.MatchResult
}

// Merger builds EnrichedRecords
type Merger struct {
	primarySource restaurant.SourceID
	scales        map[restaurant.SourceID]RatingScale
}

// NewMerger creates a merger. Primary ratings are standardized with the scale of primarySource.
func NewMerger(primarySource restaurant.SourceID, scales map[restaurant.SourceID]RatingScale) *Merger {
	return &Merger{primarySource: primarySource, scales: scales}
}

// Merge applies each source's best result: MATCHED is merged, AMBIGUOUS is annotated,
// REJECTED is dropped.
func (m *Merger) Merge(primary restaurant.PrimaryRecord, results []matcher.MatchResult) EnrichedRecord {
	out := EnrichedRecord{Primary: primary.Clone()}

	for _, best := range bestPerSource(results) {
		c := best.Candidate
		switch best.Decision {
		case matcher.Matched:
			out.Sources = append(out.Sources, SourceEnrichment{
				Source:         c.SourceID,
				Rating:         copyFloat(c.Rating),
				ReviewCount:    copyInt(c.ReviewCount),
				URL:            c.URL,
				Confidence:     best.Confidence,
				CandidateName:  c.Name,
				StaleSuspected: c.StaleResultSuspected,
			})
		case matcher.Ambiguous:
			out.PossibleMatches = append(out.PossibleMatches, PossibleMatch{
				Source:     c.SourceID,
				Name:       c.Name,
				URL:        c.URL,
				Confidence: best.Confidence,
				Reasons:    append([]string(nil), best.Reasons...),
			})
		}
	}

	if len(out.Sources) > 0 {
		inputs := []RatingInput{{Source: m.primarySource, Rating: primary.Rating, ReviewCount: primary.ReviewCount}}
		for _, s := range out.Sources {
			inputs = append(inputs, RatingInput{Source: s.Source, Rating: s.Rating, ReviewCount: s.ReviewCount})
		}
		out.CombinedRating = CombinedRating(inputs, m.scales)
	}
	return out
}

// MergeOutcomes merges every source's results and records a status per source
func (m *Merger) MergeOutcomes(primary restaurant.PrimaryRecord, outcomes []SourceOutcome) EnrichedRecord {
	var all []matcher.MatchResult
	for _, o := range outcomes {
		all = append(all, o.Results...)
	}
	out := m.Merge(primary, all)

	if len(outcomes) > 0 {
		out.SourceStatus = make(map[restaurant.SourceID]Status, len(outcomes))
	}
	for _, o := range outcomes {
		status := o.Status
		if status == "" {
			status = StatusOK
			if len(o.Results) == 0 {
				status = StatusNoCandidates
			}
		}
		out.SourceStatus[o.Source] = status
	}
	return out
}

// bestPerSource keeps the highest-confidence result of each source, first wins ties,
// sorted by source ID
func bestPerSource(results []matcher.MatchResult) []matcher.MatchResult {
	best := make(map[restaurant.SourceID]int)
	for i, r := range results {
		j, ok := best[r.Candidate.SourceID]
		if !ok || r.Confidence > results[j].Confidence {
			best[r.Candidate.SourceID] = i
		}
	}

	out := make([]matcher.MatchResult, 0, len(best))
	for _, i := range best {
		out = append(out, results[i])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Candidate.SourceID < out[j].Candidate.SourceID })
	return out
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
