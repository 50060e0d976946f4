// Package sources defines the adapter contract shared by every external restaurant source,
// plus the HTTP plumbing and stale-result detection the variants build on.
package sources

import (
	"context"
	"iter"
	"sync"

	"restlink/internal/restaurant"
)

// Query is what a secondary source is asked for one primary record
type Query struct {
	// Name is the restaurant name as the primary source spells it
	Name string

	// Location is the free-text locality, or "lat,lng"
	Location string

	// Coordinates biases the search when the source supports it
	Coordinates *restaurant.LatLng
}

// Key identifies the query for stale-result comparison
func (q Query) Key() string {
	return q.Name + "\x00" + q.Location
}

// Source is implemented by every adapter variant
type Source interface {
	// ID returns the source identifier
	ID() restaurant.SourceID

	// Dial establishes or re-establishes the channel to the source.
	// Called by the connection manager, never by the batch layer.
	Dial(ctx context.Context) error

	// Search executes one remote query and normalizes the response.
	// Transport failures carry TRANSPORT_ERROR, TIMEOUT, RATE_LIMITED or REQUEST_REJECTED;
	// malformed responses carry PARSE_ERROR.
	Search(ctx context.Context, q Query) (*Candidates, error)
}

// Pinger is implemented by sources that support a cheap health probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Candidates is a finite, single-pass sequence of raw candidates.
// Ranging over it a second time yields nothing; call Search again to re-execute the query.
type Candidates struct {
	items    []restaurant.RawCandidate
	mu       sync.Mutex
	consumed bool
}

// NewCandidates wraps normalized candidates
func NewCandidates(items []restaurant.RawCandidate) *Candidates {
	return &Candidates{items: items}
}

// All yields each candidate once
func (c *Candidates) All() iter.Seq[restaurant.RawCandidate] {
	return func(yield func(restaurant.RawCandidate) bool) {
		c.mu.Lock()
		if c.consumed {
			c.mu.Unlock()
			return
		}
		c.consumed = true
		items := c.items
		c.items = nil
		c.mu.Unlock()

		for _, item := range items {
			if !yield(item) {
				return
			}
		}
	}
}

// Collect drains the sequence into a slice
func (c *Candidates) Collect() []restaurant.RawCandidate {
	var out []restaurant.RawCandidate
	for item := range c.All() {
		out = append(out, item)
	}
	return out
}
