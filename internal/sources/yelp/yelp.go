// Package yelp adapts the Yelp Fusion business search API as a review source.
package yelp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"restlink/internal/errors"
	"restlink/internal/logging"
	"restlink/internal/restaurant"
	"restlink/internal/sources"
)

// DefaultLimit is how many businesses are requested per search
const DefaultLimit = 5

// Options configures the adapter
type Options struct {
	BaseURL   string
	APIKey    string
	Limit     int
	Timeout   time.Duration
	Transport http.RoundTripper
}

// Source is the review-API adapter
type Source struct {
	opts   Options
	client *sources.HTTPClient
	logger *logging.Logger
}

// New creates the adapter
func New(opts Options, logger *logging.Logger) *Source {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	header := http.Header{}
	header.Set("Accept", "application/json")
	if opts.APIKey != "" {
		header.Set("Authorization", "Bearer "+opts.APIKey)
	}

	return &Source{
		opts: opts,
		client: sources.NewHTTPClient(restaurant.SourceYelp, opts.BaseURL, sources.HTTPOptions{
			Timeout:   opts.Timeout,
			Header:    header,
			Transport: opts.Transport,
		}),
		logger: logger.WithFields(map[string]interface{}{"source": string(restaurant.SourceYelp)}),
	}
}

// ID returns the source identifier
func (s *Source) ID() restaurant.SourceID {
	return restaurant.SourceYelp
}

// Dial verifies credentials are configured and drops pooled connections
func (s *Source) Dial(ctx context.Context) error {
	if s.opts.APIKey == "" {
		return errors.New(errors.InvalidInput, string(restaurant.SourceYelp), "YELP_API_KEY is not set", nil)
	}
	s.client.ResetSession()
	return nil
}

// searchResponse is the subset of /v3/businesses/search we read
type searchResponse struct {
	Businesses []business `json:"businesses"`
	Total      int        `json:"total"`
}

type business struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	Rating      *float64 `json:"rating"`
	ReviewCount *int     `json:"review_count"`
	Categories  []struct {
		Alias string `json:"alias"`
		Title string `json:"title"`
	} `json:"categories"`
	Coordinates *struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	} `json:"coordinates"`
	Location struct {
		Address1 string `json:"address1"`
		City     string `json:"city"`
	} `json:"location"`
}

// Search queries businesses matching the restaurant name near the location
func (s *Source) Search(ctx context.Context, q sources.Query) (*sources.Candidates, error) {
	params := url.Values{}
	params.Set("term", q.Name)
	params.Set("categories", "restaurants")
	params.Set("limit", strconv.Itoa(s.opts.Limit))

	switch {
	case strings.TrimSpace(q.Location) != "" && q.Coordinates == nil:
		params.Set("location", q.Location)
	case q.Coordinates != nil:
		params.Set("latitude", strconv.FormatFloat(q.Coordinates.Lat, 'f', 6, 64))
		params.Set("longitude", strconv.FormatFloat(q.Coordinates.Lng, 'f', 6, 64))
	default:
		// the API refuses searches without a location
		s.logger.Debug("Skipping search without location", map[string]interface{}{"name": q.Name})
		return sources.NewCandidates(nil), nil
	}

	body, err := s.client.Get(ctx, "/v3/businesses/search", params)
	if err != nil {
		return nil, err
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Parse(string(restaurant.SourceYelp), "malformed search response", err)
	}

	candidates := make([]restaurant.RawCandidate, 0, len(resp.Businesses))
	for _, b := range resp.Businesses {
		if strings.TrimSpace(b.Name) == "" {
			continue
		}
		candidates = append(candidates, toCandidate(b))
	}

	s.logger.Debug("Search completed", map[string]interface{}{
		"name":       q.Name,
		"candidates": len(candidates),
	})
	return sources.NewCandidates(candidates), nil
}

func toCandidate(b business) restaurant.RawCandidate {
	c := restaurant.RawCandidate{
		SourceID:    restaurant.SourceYelp,
		ExternalID:  b.ID,
		Name:        b.Name,
		Rating:      b.Rating,
		ReviewCount: b.ReviewCount,
		URL:         stripTracking(b.URL),
	}

	var parts []string
	for _, p := range []string{b.Location.Address1, b.Location.City} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	c.LocationHint.Text = strings.Join(parts, ", ")
	if b.Coordinates != nil && b.Coordinates.Latitude != nil && b.Coordinates.Longitude != nil {
		c.LocationHint.Coordinates = &restaurant.LatLng{Lat: *b.Coordinates.Latitude, Lng: *b.Coordinates.Longitude}
	}

	for _, cat := range b.Categories {
		if cat.Title != "" {
			c.Categories = append(c.Categories, cat.Title)
		}
	}
	return c
}

// stripTracking removes the adjust_creative/utm parameters Yelp appends to business URLs
func stripTracking(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}
