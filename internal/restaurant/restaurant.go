// Package restaurant holds the records exchanged between sources, the matcher and the merger.
package restaurant

import (
	"fmt"
	"strconv"
	"strings"
)

// SourceID identifies an external source
type SourceID string

const (
	// SourcePlaces is the structured places API, also the primary source
	SourcePlaces SourceID = "places"
	// SourceYelp is the review-aggregator API
	SourceYelp SourceID = "yelp"
	// SourceTabelog is the scraped, anti-bot protected site
	SourceTabelog SourceID = "tabelog"
)

// KnownSources lists every source variant in a stable order
var KnownSources = []SourceID{SourcePlaces, SourceYelp, SourceTabelog}

// ParseSourceIDs parses a comma separated source list, rejecting unknown names and duplicates
func ParseSourceIDs(s string) ([]SourceID, error) {
	var ids []SourceID
	seen := make(map[SourceID]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if part == "" {
			continue
		}
		id := SourceID(part)
		if !id.Known() {
			return nil, fmt.Errorf("unknown source %q", part)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

// Known reports whether id is one of the supported variants
func (id SourceID) Known() bool {
	for _, k := range KnownSources {
		if k == id {
			return true
		}
	}
	return false
}

// LatLng is a WGS84 coordinate
type LatLng struct {
	Lat float64 `json:"lat" yaml:"lat" toml:"lat"`
	Lng float64 `json:"lng" yaml:"lng" toml:"lng"`
}

// Location is a free-text locality, a coordinate, or both
type Location struct {
	Text        string  `json:"text,omitempty" yaml:"text,omitempty" toml:"text,omitempty"`
	Coordinates *LatLng `json:"coordinates,omitempty" yaml:"coordinates,omitempty" toml:"coordinates,omitempty"`
}

// IsZero reports whether neither text nor coordinates are known
func (l Location) IsZero() bool {
	return strings.TrimSpace(l.Text) == "" && l.Coordinates == nil
}

// String renders the location for queries and logs
func (l Location) String() string {
	if strings.TrimSpace(l.Text) != "" {
		return l.Text
	}
	if l.Coordinates != nil {
		return strconv.FormatFloat(l.Coordinates.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(l.Coordinates.Lng, 'f', 6, 64)
	}
	return ""
}

// PrimaryRecord is a canonical restaurant from the trusted source.
// It is treated as immutable while it is being enriched.
type PrimaryRecord struct {
	ID           string   `json:"id,omitempty" yaml:"id,omitempty" toml:"id,omitempty"`
	Name         string   `json:"name" yaml:"name" toml:"name"`
	Location     Location `json:"location" yaml:"location" toml:"location"`
	Rating       *float64 `json:"rating,omitempty" yaml:"rating,omitempty" toml:"rating,omitempty"`
	ReviewCount  *int     `json:"reviewCount,omitempty" yaml:"reviewCount,omitempty" toml:"reviewCount,omitempty"`
	PriceLevel   *int     `json:"priceLevel,omitempty" yaml:"priceLevel,omitempty" toml:"priceLevel,omitempty"`
	CategoryTags []string `json:"categoryTags,omitempty" yaml:"categoryTags,omitempty" toml:"categoryTags,omitempty"`
	CanonicalURL string   `json:"canonicalUrl,omitempty" yaml:"canonicalUrl,omitempty" toml:"canonicalUrl,omitempty"`
}

// Ref returns a stable reference for failures and logs
func (p PrimaryRecord) Ref(index int) string {
	if p.ID != "" {
		return p.ID
	}
	return fmt.Sprintf("#%d:%s", index, p.Name)
}

// Clone returns a deep copy so callers cannot alias the original's slices or pointers
func (p PrimaryRecord) Clone() PrimaryRecord {
	c := p
	if p.Location.Coordinates != nil {
		ll := *p.Location.Coordinates
		c.Location.Coordinates = &ll
	}
	c.Rating = cloneFloat(p.Rating)
	c.ReviewCount = cloneInt(p.ReviewCount)
	c.PriceLevel = cloneInt(p.PriceLevel)
	if p.CategoryTags != nil {
		c.CategoryTags = append([]string(nil), p.CategoryTags...)
	}
	return c
}

// RawCandidate is an unverified record returned by a secondary source for one query
type RawCandidate struct {
	SourceID             SourceID `json:"sourceId"`
	ExternalID           string   `json:"externalId,omitempty"`
	Name                 string   `json:"name"`
	LocationHint         Location `json:"locationHint"`
	Categories           []string `json:"categories,omitempty"`
	Rating               *float64 `json:"rating,omitempty"`
	ReviewCount          *int     `json:"reviewCount,omitempty"`
	URL                  string   `json:"url,omitempty"`
	StaleResultSuspected bool     `json:"staleResultSuspected,omitempty"`
}

// Identity is the key used to compare result sets between calls
func (c RawCandidate) Identity() string {
	if c.ExternalID != "" {
		return c.ExternalID
	}
	if c.URL != "" {
		return c.URL
	}
	return c.Name + "|" + c.LocationHint.String()
}

// Clone returns a deep copy
func (c RawCandidate) Clone() RawCandidate {
	out := c
	if c.LocationHint.Coordinates != nil {
		ll := *c.LocationHint.Coordinates
		out.LocationHint.Coordinates = &ll
	}
	out.Rating = cloneFloat(c.Rating)
	out.ReviewCount = cloneInt(c.ReviewCount)
	if c.Categories != nil {
		out.Categories = append([]string(nil), c.Categories...)
	}
	return out
}

// Float returns a pointer to v
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v
func Int(v int) *int { return &v }

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
