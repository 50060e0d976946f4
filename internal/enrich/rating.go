package enrich

import (
	"math"

	"restlink/internal/config"
	"restlink/internal/restaurant"
)

// combined ratings are centered on this value with this spread per standard deviation
const (
	combinedCenter = 3.5
	combinedSpread = 0.5
)

// RatingScale is the mean and standard deviation of one source's ratings
type RatingScale struct {
	Mean   float64
	StdDev float64
}

// ScalesFrom maps the rating section of the configuration
func ScalesFrom(c config.RatingConfig) map[restaurant.SourceID]RatingScale {
	out := make(map[restaurant.SourceID]RatingScale, len(c.Scales))
	for id, s := range c.Scales {
		out[restaurant.SourceID(id)] = RatingScale{Mean: s.Mean, StdDev: s.StdDev}
	}
	return out
}

// RatingInput is one source's rating and how many reviews back it
type RatingInput struct {
	Source      restaurant.SourceID
	Rating      *float64
	ReviewCount *int
}

// CombinedRating standardizes each source's rating against its own scale, weights the
// z-scores by review count and maps the result back onto a five-point scale.
// Returns nil when no input carries both a rating and a positive review count.
func CombinedRating(inputs []RatingInput, scales map[restaurant.SourceID]RatingScale) *float64 {
	type term struct {
		z     float64
		count float64
	}
	var terms []term
	total := 0.0
	for _, in := range inputs {
		scale, ok := scales[in.Source]
		if !ok || scale.StdDev <= 0 || in.Rating == nil || in.ReviewCount == nil || *in.ReviewCount <= 0 {
			continue
		}
		count := float64(*in.ReviewCount)
		terms = append(terms, term{z: (*in.Rating - scale.Mean) / scale.StdDev, count: count})
		total += count
	}
	if total == 0 {
		return nil
	}

	z := 0.0
	for _, t := range terms {
		z += t.z * t.count / total
	}
	v := math.Round((combinedCenter+combinedSpread*z)*100) / 100
	return &v
}
