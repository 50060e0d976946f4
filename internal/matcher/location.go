package matcher

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"restlink/internal/restaurant"
)

const (
	earthRadiusMeters = 6371000.0

	// nearbyMeters is treated as the same locality
	nearbyMeters = 300.0

	// sameCityMeters is treated as the same city
	sameCityMeters = 20000.0
)

// Location scores
const (
	locationExact    = 1.0
	locationSameCity = 0.6
	locationNeutral  = 0.5
	locationConflict = 0.0
)

// countryNames are dropped from either end of an address
var countryNames = map[string]bool{
	"japan": true, "日本": true, "日本国": true, "usa": true, "united states": true, "south korea": true, "taiwan": true,
}

// addressWords mark address structure, not a place ("3 Chome-24-1", "Kita Ward")
var addressWords = map[string]bool{
	"chome": true, "丁目": true, "city": true, "ward": true, "ku": true, "shi": true,
	"prefecture": true, "building": true, "bldg": true, "floor": true,
}

// place is a parsed free-text location. locality is set only when there is more than one
// component; a single component is taken as the city.
type place struct {
	tokens   map[string]bool
	locality map[string]bool
	city     string
	ascii    bool
}

// parsePlace splits "locality, ..., city[, country]" into components. Street numbers,
// postal codes and address words are not tokens.
func parsePlace(text string) place {
	folded := fold(text)
	p := place{
		tokens: make(map[string]bool),
		ascii:  !hasNonASCIILetter(folded),
	}

	var comps [][]string
	for _, c := range strings.FieldsFunc(folded, func(r rune) bool { return r == ',' || r == '、' }) {
		if toks := placeTokens(c); len(toks) > 0 {
			comps = append(comps, toks)
		}
	}
	if len(comps) > 1 && countryNames[strings.Join(comps[len(comps)-1], " ")] {
		comps = comps[:len(comps)-1]
	}
	if len(comps) > 1 && countryNames[strings.Join(comps[0], " ")] {
		comps = comps[1:]
	}

	for _, c := range comps {
		for _, t := range c {
			p.tokens[t] = true
		}
	}
	switch {
	case len(comps) == 1:
		p.city = strings.Join(comps[0], " ")
	case len(comps) > 1:
		p.locality = tokenSet(comps[0])
		p.city = strings.Join(comps[len(comps)-1], " ")
	}
	return p
}

func placeTokens(component string) []string {
	var out []string
	for _, t := range tokenize(component) {
		if !isNumeric(t) && !addressWords[t] {
			out = append(out, t)
		}
	}
	return out
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// LocationScore compares two locations and explains the result
func LocationScore(a, b restaurant.Location) (float64, string) {
	if a.Coordinates != nil && b.Coordinates != nil {
		d := haversine(*a.Coordinates, *b.Coordinates)
		switch {
		case d <= nearbyMeters:
			return locationExact, fmt.Sprintf("distance %.0fm", d)
		case d <= sameCityMeters:
			return locationSameCity, fmt.Sprintf("distance %.1fkm", d/1000)
		default:
			return locationConflict, fmt.Sprintf("location conflict: %.0fkm apart", d/1000)
		}
	}

	if strings.TrimSpace(a.Text) == "" || strings.TrimSpace(b.Text) == "" {
		return locationNeutral, "location unknown"
	}

	pa, pb := parsePlace(a.Text), parsePlace(b.Text)
	switch {
	case len(pa.tokens) == 0 || len(pb.tokens) == 0:
		return locationNeutral, "location unknown"
	case pa.locality != nil && pb.locality != nil &&
		(subset(pa.locality, pb.tokens) || subset(pb.locality, pa.tokens)):
		return locationExact, "locality match"
	case pa.city != "" && pa.city == pb.city:
		return locationSameCity, "same city"
	case pa.ascii != pb.ascii:
		return locationNeutral, "location scripts differ"
	case disjoint(pa.tokens, pb.tokens):
		return locationConflict, "location conflict"
	default:
		return locationNeutral, "partial location overlap"
	}
}

// locationTokens is every token of a location's text, used to discount names that restate it
func locationTokens(l restaurant.Location) map[string]bool {
	if l.Text == "" {
		return nil
	}
	return tokenSet(tokenize(fold(l.Text)))
}

func haversine(a, b restaurant.LatLng) float64 {
	rad := math.Pi / 180
	dLat := (b.Lat - a.Lat) * rad
	dLng := (b.Lng - a.Lng) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*rad)*math.Cos(b.Lat*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// subset reports whether every token of a is in b; an empty a is never a subset
func subset(a, b map[string]bool) bool {
	if len(a) == 0 {
		return false
	}
	for t := range a {
		if !b[t] {
			return false
		}
	}
	return true
}

func disjoint(a, b map[string]bool) bool {
	for t := range a {
		if b[t] {
			return false
		}
	}
	return true
}

func hasNonASCIILetter(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII && unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
