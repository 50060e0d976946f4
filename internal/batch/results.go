package batch

import (
	"sort"

	"restlink/internal/enrich"
	"restlink/internal/errors"
	"restlink/internal/restaurant"
)

// Failure explains why a record, or one source for a record, produced no data
type Failure struct {
	// RecordRef identifies the primary record (its ID, or "#index:name")
	RecordRef string `json:"recordRef" yaml:"recordRef"`

	// SourceID is empty for record-level failures
	SourceID restaurant.SourceID `json:"sourceId,omitempty" yaml:"sourceId,omitempty"`

	Kind    errors.ErrorCode `json:"kind" yaml:"kind"`
	Message string           `json:"message" yaml:"message"`
}

// Outcome is the result for one input record. Enriched is nil only when the record
// as a whole failed; source failures leave Enriched set and add to Failures.
type Outcome struct {
	Record   restaurant.PrimaryRecord `json:"record" yaml:"record"`
	Enriched *enrich.EnrichedRecord   `json:"enriched,omitempty" yaml:"enriched,omitempty"`
	Failures []Failure                `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// OK reports whether the record was enriched without any failure
func (o Outcome) OK() bool {
	return o.Enriched != nil && len(o.Failures) == 0
}

// SourceSummary counts outcomes for one source across a batch
type SourceSummary struct {
	Matched   int `json:"matched" yaml:"matched"`
	Possible  int `json:"possible" yaml:"possible"`
	Failed    int `json:"failed" yaml:"failed"`
	ParseErrs int `json:"parseErrors" yaml:"parseErrors"`
}

// Summary aggregates a batch
type Summary struct {
	Records  int                                    `json:"records" yaml:"records"`
	Enriched int                                    `json:"enriched" yaml:"enriched"`
	Failed   int                                    `json:"failed" yaml:"failed"`
	Failures int                                    `json:"failures" yaml:"failures"`
	Sources  map[restaurant.SourceID]*SourceSummary `json:"sources" yaml:"sources"`
	Kinds    map[errors.ErrorCode]int               `json:"kinds,omitempty" yaml:"kinds,omitempty"`
}

// Summarize counts matches and failures across outcomes
func Summarize(outcomes []Outcome) Summary {
	s := Summary{
		Records: len(outcomes),
		Sources: make(map[restaurant.SourceID]*SourceSummary),
		Kinds:   make(map[errors.ErrorCode]int),
	}
	source := func(id restaurant.SourceID) *SourceSummary {
		if _, ok := s.Sources[id]; !ok {
			s.Sources[id] = &SourceSummary{}
		}
		return s.Sources[id]
	}

	for _, o := range outcomes {
		s.Failures += len(o.Failures)
		for _, f := range o.Failures {
			s.Kinds[f.Kind]++
		}
		if o.Enriched == nil {
			s.Failed++
			continue
		}
		s.Enriched++
		for _, e := range o.Enriched.Sources {
			source(e.Source).Matched++
		}
		for _, p := range o.Enriched.PossibleMatches {
			source(p.Source).Possible++
		}
		for id, st := range o.Enriched.SourceStatus {
			switch st {
			case enrich.StatusFailed:
				source(id).Failed++
			case enrich.StatusParseError:
				source(id).ParseErrs++
			}
		}
	}
	return s
}

// SourceIDs returns the summarized sources in sorted order
func (s Summary) SourceIDs() []restaurant.SourceID {
	ids := make([]restaurant.SourceID, 0, len(s.Sources))
	for id := range s.Sources {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
