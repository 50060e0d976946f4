package enrich

import (
	"reflect"
	"testing"

	"restlink/internal/config"
	"restlink/internal/matcher"
	"restlink/internal/restaurant"
)

func testMerger() *Merger {
	return NewMerger(restaurant.SourcePlaces, ScalesFrom(config.DefaultConfig().Rating))
}

func result(src restaurant.SourceID, name string, conf float64, d matcher.Decision) matcher.MatchResult {
	return matcher.MatchResult{
		Candidate: restaurant.RawCandidate{
			SourceID:    src,
			Name:        name,
			Rating:      restaurant.Float(4.3),
			ReviewCount: restaurant.Int(210),
			URL:         "https://example.com/" + name,
		},
		Confidence: conf,
		Decision:   d,
		Reasons:    []string{"name similarity 1.00"},
	}
}

func TestMerge_EmptyResultsLeavePrimaryUnchanged(t *testing.T) {
	primary := restaurant.PrimaryRecord{
		ID:           "p1",
		Name:         "Sushi Zanmai",
		Rating:       restaurant.Float(4.1),
		ReviewCount:  restaurant.Int(1200),
		CategoryTags: []string{"sushi"},
	}

	got := testMerger().Merge(primary, nil)
	want := EnrichedRecord{Primary: primary}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Merge() = %+v, want %+v", got, want)
	}
}

func TestMerge_AppliesDecisions(t *testing.T) {
	primary := restaurant.PrimaryRecord{Name: "Sushi Zanmai", Rating: restaurant.Float(4.1), ReviewCount: restaurant.Int(1200)}
	results := []matcher.MatchResult{
		result(restaurant.SourceYelp, "Sushi Zanmai Shinjuku", 0.8, matcher.Matched),
		result(restaurant.SourceYelp, "Ramen Jiro", 0.1, matcher.Rejected),
		result(restaurant.SourceTabelog, "すしざんまい", 0.6, matcher.Ambiguous),
	}

	got := testMerger().Merge(primary, results)

	if len(got.Sources) != 1 {
		t.Fatalf("Sources = %+v, want one", got.Sources)
	}
	yelp, ok := got.Source(restaurant.SourceYelp)
	if !ok || yelp.CandidateName != "Sushi Zanmai Shinjuku" || yelp.Confidence != 0.8 || *yelp.Rating != 4.3 || *yelp.ReviewCount != 210 {
		t.Errorf("yelp enrichment = %+v", yelp)
	}
	if _, ok := got.Source(restaurant.SourceTabelog); ok {
		t.Error("ambiguous candidate must not be merged")
	}

	if len(got.PossibleMatches) != 1 || got.PossibleMatches[0].Source != restaurant.SourceTabelog {
		t.Errorf("PossibleMatches = %+v", got.PossibleMatches)
	}

	if *got.Primary.Rating != 4.1 || *got.Primary.ReviewCount != 1200 {
		t.Error("primary fields must never be overwritten")
	}
	if got.CombinedRating == nil {
		t.Error("CombinedRating should be set when a source matched")
	}
}

func TestMerge_RejectedBestIsOmitted(t *testing.T) {
	got := testMerger().Merge(restaurant.PrimaryRecord{Name: "x"}, []matcher.MatchResult{
		result(restaurant.SourceYelp, "y", 0.2, matcher.Rejected),
	})
	if len(got.Sources) != 0 || len(got.PossibleMatches) != 0 || got.CombinedRating != nil {
		t.Errorf("Merge() = %+v, want nothing merged", got)
	}
}

func TestMerge_Deterministic(t *testing.T) {
	primary := restaurant.PrimaryRecord{Name: "Afuri", CategoryTags: []string{"ramen"}}
	candidates := []restaurant.RawCandidate{
		{SourceID: restaurant.SourceTabelog, Name: "AFURI", Rating: restaurant.Float(3.6), ReviewCount: restaurant.Int(800)},
		{SourceID: restaurant.SourceYelp, Name: "Afuri Ebisu", Rating: restaurant.Float(4.2), ReviewCount: restaurant.Int(90)},
		{SourceID: restaurant.SourceYelp, Name: "Afuri Harajuku", Rating: restaurant.Float(4.0), ReviewCount: restaurant.Int(40)},
	}
	m := matcher.New(matcher.DefaultConfig())
	merger := testMerger()

	first := merger.Merge(primary, m.Match(primary, candidates))
	second := merger.Merge(primary, m.Match(primary, candidates))
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Merge is not deterministic:\n%+v\n%+v", first, second)
	}

	for i := 1; i < len(first.Sources); i++ {
		if first.Sources[i-1].Source > first.Sources[i].Source {
			t.Errorf("sources not sorted: %+v", first.Sources)
		}
	}
}

func TestMerge_DoesNotAliasInputs(t *testing.T) {
	primary := restaurant.PrimaryRecord{Name: "x", Rating: restaurant.Float(4), CategoryTags: []string{"a"}}
	results := []matcher.MatchResult{result(restaurant.SourceYelp, "x", 0.9, matcher.Matched)}

	got := testMerger().Merge(primary, results)
	*primary.Rating = 1
	primary.CategoryTags[0] = "changed"
	*results[0].Candidate.Rating = 1

	if *got.Primary.Rating != 4 || got.Primary.CategoryTags[0] != "a" || *got.Sources[0].Rating != 4.3 {
		t.Error("EnrichedRecord aliases its inputs")
	}
}

func TestMergeOutcomes_StatusMarkers(t *testing.T) {
	primary := restaurant.PrimaryRecord{Name: "x"}
	got := testMerger().MergeOutcomes(primary, []SourceOutcome{
		{Source: restaurant.SourceYelp, Results: []matcher.MatchResult{result(restaurant.SourceYelp, "x", 0.9, matcher.Matched)}},
		{Source: restaurant.SourceTabelog, Status: StatusFailed},
		{Source: restaurant.SourcePlaces},
	})

	want := map[restaurant.SourceID]Status{
		restaurant.SourceYelp:    StatusOK,
		restaurant.SourceTabelog: StatusFailed,
		restaurant.SourcePlaces:  StatusNoCandidates,
	}
	if !reflect.DeepEqual(got.SourceStatus, want) {
		t.Errorf("SourceStatus = %v, want %v", got.SourceStatus, want)
	}
	if len(got.Sources) != 1 {
		t.Errorf("Sources = %+v", got.Sources)
	}
}

func TestCombinedRating(t *testing.T) {
	scales := ScalesFrom(config.DefaultConfig().Rating)

	tests := []struct {
		name   string
		inputs []RatingInput
		want   *float64
	}{
		{
			name:   "no counts",
			inputs: []RatingInput{{Source: restaurant.SourceYelp, Rating: restaurant.Float(4.5)}},
			want:   nil,
		},
		{
			name: "single source at its mean",
			inputs: []RatingInput{
				{Source: restaurant.SourceYelp, Rating: restaurant.Float(4.0), ReviewCount: restaurant.Int(10)},
			},
			want: restaurant.Float(3.5),
		},
		{
			// yelp z=+1 over 100, tabelog z=-1 over 300: z=-0.5
			name: "count weighted",
			inputs: []RatingInput{
				{Source: restaurant.SourceYelp, Rating: restaurant.Float(4.5), ReviewCount: restaurant.Int(100)},
				{Source: restaurant.SourceTabelog, Rating: restaurant.Float(2.75), ReviewCount: restaurant.Int(300)},
			},
			want: restaurant.Float(3.25),
		},
		{
			name: "unknown source ignored",
			inputs: []RatingInput{
				{Source: "other", Rating: restaurant.Float(5), ReviewCount: restaurant.Int(1000)},
				{Source: restaurant.SourcePlaces, Rating: restaurant.Float(4.2), ReviewCount: restaurant.Int(10)},
			},
			want: restaurant.Float(4.0),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CombinedRating(tt.inputs, scales)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("CombinedRating() = %v, want %v", deref(got), deref(tt.want))
			}
		})
	}
}

func deref(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
