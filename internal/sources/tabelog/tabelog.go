// Package tabelog adapts the Tabelog listing pages as a scraped review source.
//
// The site answers suspicious traffic with cached or decoy listings instead of an
// error, so every search passes through a StaleDetector and the connection manager
// re-dials (fresh cookies, fresh connections) when the handle degrades.
package tabelog

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"restlink/internal/logging"
	"restlink/internal/restaurant"
	"restlink/internal/sources"
)

// DefaultLimit is how many listing entries are kept per search
const DefaultLimit = 5

const searchPath = "/rstLst/"

// Options configures the adapter
type Options struct {
	BaseURL   string
	UserAgent string
	Limit     int
	Timeout   time.Duration
	Transport http.RoundTripper
}

// Source is the scraped-source adapter
type Source struct {
	opts     Options
	client   *sources.HTTPClient
	detector *sources.StaleDetector
	logger   *logging.Logger
}

// New creates the adapter
func New(opts Options, logger *logging.Logger) *Source {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	header := http.Header{}
	header.Set("Accept", "text/html,application/xhtml+xml")
	header.Set("Accept-Language", "ja,en;q=0.8")

	return &Source{
		opts: opts,
		client: sources.NewHTTPClient(restaurant.SourceTabelog, opts.BaseURL, sources.HTTPOptions{
			Timeout:     opts.Timeout,
			UserAgent:   opts.UserAgent,
			Header:      header,
			WithCookies: true,
			Transport:   opts.Transport,
		}),
		detector: sources.NewStaleDetector(),
		logger:   logger.WithFields(map[string]interface{}{"source": string(restaurant.SourceTabelog)}),
	}
}

// ID returns the source identifier
func (s *Source) ID() restaurant.SourceID {
	return restaurant.SourceTabelog
}

// Dial starts a fresh browsing session: new cookie jar, new connections, and a
// landing-page visit so the site issues its session cookies.
func (s *Source) Dial(ctx context.Context) error {
	s.client.ResetSession()
	s.detector.Reset()
	_, err := s.client.Get(ctx, "/", nil)
	return err
}

// Ping loads the landing page within the current session
func (s *Source) Ping(ctx context.Context) error {
	_, err := s.client.Get(ctx, "/", nil)
	return err
}

// Search scrapes the listing page for the restaurant name within the area
func (s *Source) Search(ctx context.Context, q sources.Query) (*sources.Candidates, error) {
	params := url.Values{}
	params.Set("vs", "1")
	params.Set("sw", q.Name)
	if area := strings.TrimSpace(q.Location); area != "" && q.Coordinates == nil {
		params.Set("sa", area)
	}

	body, err := s.client.Get(ctx, searchPath, params)
	if err != nil {
		return nil, err
	}

	candidates, err := ParseListing(body, s.client.BaseURL(), s.opts.Limit)
	if err != nil {
		return nil, err
	}

	if s.detector.Observe(q.Key(), candidates) {
		s.logger.Warn("Listing repeats the previous query's results", map[string]interface{}{
			"name":       q.Name,
			"candidates": len(candidates),
		})
	}
	return sources.NewCandidates(candidates), nil
}
