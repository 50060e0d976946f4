// Package places adapts the Google Places web service, used both as the primary
// record source and as a secondary source of ratings.
package places

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"restlink/internal/errors"
	"restlink/internal/logging"
	"restlink/internal/restaurant"
	"restlink/internal/sources"
)

const (
	textSearchPath = "/maps/api/place/textsearch/json"
	detailsPath    = "/maps/api/place/details/json"
	detailsFields  = "price_level,user_ratings_total,url"

	// DefaultRadiusMeters biases coordinate searches when none is configured
	DefaultRadiusMeters = 2000

	// DefaultDetailsTTL is how long Place Details responses are reused
	DefaultDetailsTTL = time.Hour
)

// Options configures the adapter
type Options struct {
	BaseURL         string
	APIKey          string
	RadiusMeters    int
	DetailsFallback bool
	DetailsTTL      time.Duration
	Timeout         time.Duration
	Transport       http.RoundTripper
}

// Source is the structured places adapter
type Source struct {
	opts    Options
	client  *sources.HTTPClient
	details *gocache.Cache
	logger  *logging.Logger
}

// New creates the adapter
func New(opts Options, logger *logging.Logger) *Source {
	if opts.RadiusMeters <= 0 {
		opts.RadiusMeters = DefaultRadiusMeters
	}
	if opts.DetailsTTL <= 0 {
		opts.DetailsTTL = DefaultDetailsTTL
	}

	return &Source{
		opts: opts,
		client: sources.NewHTTPClient(restaurant.SourcePlaces, opts.BaseURL, sources.HTTPOptions{
			Timeout:   opts.Timeout,
			Transport: opts.Transport,
		}),
		details: gocache.New(opts.DetailsTTL, 2*opts.DetailsTTL),
		logger:  logger.WithFields(map[string]interface{}{"source": string(restaurant.SourcePlaces)}),
	}
}

// ID returns the source identifier
func (s *Source) ID() restaurant.SourceID {
	return restaurant.SourcePlaces
}

// Dial verifies the API key and drops pooled connections
func (s *Source) Dial(ctx context.Context) error {
	if s.opts.APIKey == "" {
		return errors.New(errors.InvalidInput, string(restaurant.SourcePlaces), "GOOGLE_MAPS_API_KEY is not set", nil)
	}
	s.client.ResetSession()
	return nil
}

type place struct {
	PlaceID          string   `json:"place_id"`
	Name             string   `json:"name"`
	FormattedAddress string   `json:"formatted_address"`
	Rating           *float64 `json:"rating"`
	UserRatingsTotal *int     `json:"user_ratings_total"`
	PriceLevel       *int     `json:"price_level"`
	Types            []string `json:"types"`
	Geometry         *struct {
		Location *struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		} `json:"location"`
	} `json:"geometry"`
}

type textSearchResponse struct {
	Status       string  `json:"status"`
	ErrorMessage string  `json:"error_message"`
	Results      []place `json:"results"`
}

type detailsResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Result       struct {
		PriceLevel       *int   `json:"price_level"`
		UserRatingsTotal *int   `json:"user_ratings_total"`
		URL              string `json:"url"`
	} `json:"result"`
}

// Search finds places matching the restaurant name near the query location
func (s *Source) Search(ctx context.Context, q sources.Query) (*sources.Candidates, error) {
	results, err := s.textSearch(ctx, q.Name, q.Location, q.Coordinates)
	if err != nil {
		return nil, err
	}

	candidates := make([]restaurant.RawCandidate, 0, len(results))
	for _, p := range results {
		candidates = append(candidates, toCandidate(p))
	}
	return sources.NewCandidates(candidates), nil
}

// SearchPrimary queries restaurants for use as primary records.
// location may be free text or "lat,lng".
func (s *Source) SearchPrimary(ctx context.Context, query, location string) ([]restaurant.PrimaryRecord, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New(errors.InvalidInput, string(restaurant.SourcePlaces), "search query is empty", nil)
	}

	coords := ParseLatLng(location)
	text := location
	if coords != nil {
		text = ""
	}

	results, err := s.textSearch(ctx, query, text, coords)
	if err != nil {
		return nil, err
	}

	records := make([]restaurant.PrimaryRecord, 0, len(results))
	for _, p := range results {
		rec := toPrimary(p)
		if s.opts.DetailsFallback && (rec.PriceLevel == nil || rec.ReviewCount == nil) {
			if err := s.fillDetails(ctx, &rec); err != nil {
				// a details failure only loses the optional fields
				s.logger.Warn("Place details lookup failed", map[string]interface{}{
					"placeId": rec.ID,
					"error":   err.Error(),
				})
			}
		}
		records = append(records, rec)
	}

	s.logger.Info("Primary search completed", map[string]interface{}{
		"query":   query,
		"results": len(records),
	})
	return records, nil
}

func (s *Source) textSearch(ctx context.Context, name, location string, coords *restaurant.LatLng) ([]place, error) {
	params := url.Values{}
	query := name
	if coords == nil && strings.TrimSpace(location) != "" {
		query = name + " " + location
	}
	params.Set("query", query)
	params.Set("type", "restaurant")
	if coords != nil {
		params.Set("location", formatLatLng(*coords))
		params.Set("radius", strconv.Itoa(s.opts.RadiusMeters))
	}
	params.Set("key", s.opts.APIKey)

	body, err := s.client.Get(ctx, textSearchPath, params)
	if err != nil {
		return nil, err
	}

	var resp textSearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Parse(string(restaurant.SourcePlaces), "malformed text search response", err)
	}
	if err := statusError(resp.Status, resp.ErrorMessage); err != nil {
		return nil, err
	}

	out := make([]place, 0, len(resp.Results))
	for _, p := range resp.Results {
		if strings.TrimSpace(p.Name) == "" || !isFoodPlace(p.Types) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// fillDetails completes price level and review count from Place Details, cached per place id
func (s *Source) fillDetails(ctx context.Context, rec *restaurant.PrimaryRecord) error {
	var det detailsResponse
	if cached, ok := s.details.Get(rec.ID); ok {
		det = cached.(detailsResponse)
	} else {
		params := url.Values{}
		params.Set("place_id", rec.ID)
		params.Set("fields", detailsFields)
		params.Set("key", s.opts.APIKey)

		body, err := s.client.Get(ctx, detailsPath, params)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &det); err != nil {
			return errors.Parse(string(restaurant.SourcePlaces), "malformed details response", err)
		}
		if err := statusError(det.Status, det.ErrorMessage); err != nil {
			return err
		}
		s.details.SetDefault(rec.ID, det)
	}

	if rec.PriceLevel == nil {
		rec.PriceLevel = det.Result.PriceLevel
	}
	if rec.ReviewCount == nil {
		rec.ReviewCount = det.Result.UserRatingsTotal
	}
	return nil
}

// statusError maps the in-body status of a 200 response
func statusError(status, message string) error {
	src := string(restaurant.SourcePlaces)
	msg := status
	if message != "" {
		msg += ": " + message
	}
	switch status {
	case "OK", "ZERO_RESULTS":
		return nil
	case "OVER_QUERY_LIMIT":
		return errors.New(errors.RateLimited, src, msg, nil)
	case "REQUEST_DENIED", "INVALID_REQUEST", "NOT_FOUND":
		return errors.New(errors.RequestRejected, src, msg, nil)
	case "UNKNOWN_ERROR":
		return errors.Transport(src, msg, nil)
	default:
		return errors.Parse(src, "unexpected status "+status, nil)
	}
}

func isFoodPlace(types []string) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		switch t {
		case "restaurant", "food", "cafe", "bar", "meal_takeaway", "bakery":
			return true
		}
	}
	return false
}

// CanonicalURL is the stable Maps link for a place id
func CanonicalURL(placeID string) string {
	return "https://www.google.com/maps/search/?api=1&query_place_id=" + url.QueryEscape(placeID)
}

func placeLocation(p place) restaurant.Location {
	loc := restaurant.Location{Text: p.FormattedAddress}
	if p.Geometry != nil && p.Geometry.Location != nil {
		loc.Coordinates = &restaurant.LatLng{Lat: p.Geometry.Location.Lat, Lng: p.Geometry.Location.Lng}
	}
	return loc
}

func toCandidate(p place) restaurant.RawCandidate {
	return restaurant.RawCandidate{
		SourceID:     restaurant.SourcePlaces,
		ExternalID:   p.PlaceID,
		Name:         p.Name,
		LocationHint: placeLocation(p),
		Categories:   append([]string(nil), p.Types...),
		Rating:       p.Rating,
		ReviewCount:  p.UserRatingsTotal,
		URL:          CanonicalURL(p.PlaceID),
	}
}

func toPrimary(p place) restaurant.PrimaryRecord {
	return restaurant.PrimaryRecord{
		ID:           p.PlaceID,
		Name:         p.Name,
		Location:     placeLocation(p),
		Rating:       p.Rating,
		ReviewCount:  p.UserRatingsTotal,
		PriceLevel:   p.PriceLevel,
		CategoryTags: append([]string(nil), p.Types...),
		CanonicalURL: CanonicalURL(p.PlaceID),
	}
}

// ParseLatLng parses "lat,lng"; nil when s is not a coordinate pair
func ParseLatLng(s string) *restaurant.LatLng {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return nil
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lng, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return nil
	}
	return &restaurant.LatLng{Lat: lat, Lng: lng}
}

func formatLatLng(c restaurant.LatLng) string {
	return strconv.FormatFloat(c.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(c.Lng, 'f', 6, 64)
}
