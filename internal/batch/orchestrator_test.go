package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"restlink/internal/config"
	"restlink/internal/connection"
	"restlink/internal/enrich"
	"restlink/internal/errors"
	"restlink/internal/logging"
	"restlink/internal/matcher"
	"restlink/internal/restaurant"
	"restlink/internal/sources"
)

// mockSource answers searches with a scripted function
type mockSource struct {
	id      restaurant.SourceID
	dialErr error
	search  func(ctx context.Context, q sources.Query) ([]restaurant.RawCandidate, error)

	mu       sync.Mutex
	dials    int
	searches int
}

func (s *mockSource) ID() restaurant.SourceID { return s.id }

func (s *mockSource) Dial(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	return s.dialErr
}

func (s *mockSource) Search(ctx context.Context, q sources.Query) (*sources.Candidates, error) {
	s.mu.Lock()
	s.searches++
	s.mu.Unlock()

	if s.search == nil {
		return sources.NewCandidates(nil), nil
	}
	items, err := s.search(ctx, q)
	if err != nil {
		return nil, err
	}
	return sources.NewCandidates(items), nil
}

func (s *mockSource) searchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searches
}

// echo returns a candidate identical to the query
func echo(id restaurant.SourceID) func(context.Context, sources.Query) ([]restaurant.RawCandidate, error) {
	return func(_ context.Context, q sources.Query) ([]restaurant.RawCandidate, error) {
		return []restaurant.RawCandidate{{
			SourceID:     id,
			ExternalID:   q.Name,
			Name:         q.Name,
			LocationHint: restaurant.Location{Text: q.Location},
			Categories:   []string{"sushi"},
			Rating:       restaurant.Float(4.0),
			ReviewCount:  restaurant.Int(100),
			URL:          "https://example.com/" + string(id),
		}}, nil
	}
}

func newTestOrchestrator(t *testing.T, maxInFlight int, srcs ...sources.Source) (*Orchestrator, *connection.Manager) {
	t.Helper()
	logger := logging.NewDiscardLogger()
	conns := connection.NewManager(connection.Options{
		MaxAttempts:            3,
		BaseDelay:              time.Millisecond,
		MaxDelay:               4 * time.Millisecond,
		MaxElapsed:             time.Second,
		DegradedReconnectAfter: 3,
		CallTimeout:            time.Second,
	}, logger)
	t.Cleanup(func() { _ = conns.Close() })

	cfg := config.DefaultConfig()
	merger := enrich.NewMerger(restaurant.SourcePlaces, enrich.ScalesFrom(cfg.Rating))
	o := NewOrchestrator(conns, matcher.New(matcher.ConfigFrom(cfg.Matching)), merger, maxInFlight, logger)
	for _, s := range srcs {
		o.RegisterSource(s)
	}
	return o, conns
}

func testRecords(n int) []restaurant.PrimaryRecord {
	out := make([]restaurant.PrimaryRecord, n)
	for i := range out {
		out[i] = restaurant.PrimaryRecord{
			ID:           fmt.Sprintf("p%d", i),
			Name:         fmt.Sprintf("Sushi Place %d", i),
			Location:     restaurant.Location{Text: "Shinjuku, Tokyo"},
			Rating:       restaurant.Float(4.2),
			ReviewCount:  restaurant.Int(500),
			CategoryTags: []string{"sushi"},
		}
	}
	return out
}

func TestEnrichBatch_OneOutcomePerRecordInOrder(t *testing.T) {
	yelp := &mockSource{id: restaurant.SourceYelp, search: echo(restaurant.SourceYelp)}
	tabelog := &mockSource{id: restaurant.SourceTabelog, search: func(context.Context, sources.Query) ([]restaurant.RawCandidate, error) {
		return nil, errors.Parse(string(restaurant.SourceTabelog), "listing container not found", nil)
	}}
	o, _ := newTestOrchestrator(t, 3, yelp, tabelog)

	records := testRecords(7)
	out := o.EnrichBatch(context.Background(), records, []restaurant.SourceID{restaurant.SourceYelp, restaurant.SourceTabelog})

	if len(out) != len(records) {
		t.Fatalf("got %d outcomes, want %d", len(out), len(records))
	}
	for i, o := range out {
		if o.Record.ID != records[i].ID {
			t.Errorf("outcome %d is for %q, want %q", i, o.Record.ID, records[i].ID)
		}
		if o.Enriched == nil {
			t.Fatalf("outcome %d not enriched: %+v", i, o.Failures)
		}
		if len(o.Failures) != 0 {
			t.Errorf("outcome %d: parse errors must not be failures, got %+v", i, o.Failures)
		}
		if _, ok := o.Enriched.Source(restaurant.SourceYelp); !ok {
			t.Errorf("outcome %d: yelp not matched: %+v", i, o.Enriched)
		}
		if st := o.Enriched.SourceStatus[restaurant.SourceTabelog]; st != enrich.StatusParseError {
			t.Errorf("outcome %d: tabelog status = %q, want %q", i, st, enrich.StatusParseError)
		}
		if o.Enriched.CombinedRating == nil {
			t.Errorf("outcome %d: CombinedRating missing", i)
		}
	}
}

func TestEnrichBatch_FailedSourceKeepsPrimaryFields(t *testing.T) {
	down := &mockSource{
		id:      restaurant.SourceYelp,
		dialErr: errors.Transport(string(restaurant.SourceYelp), "connection refused", nil),
	}
	o, conns := newTestOrchestrator(t, 2, down)

	records := testRecords(2)
	out := o.EnrichBatch(context.Background(), records, []restaurant.SourceID{restaurant.SourceYelp})

	for i, o := range out {
		if o.Enriched == nil {
			t.Fatalf("outcome %d: a failed source must still yield an enriched record", i)
		}
		if o.Enriched.Primary.Name != records[i].Name || *o.Enriched.Primary.Rating != 4.2 {
			t.Errorf("outcome %d: primary changed: %+v", i, o.Enriched.Primary)
		}
		if len(o.Enriched.Sources) != 0 || o.Enriched.CombinedRating != nil {
			t.Errorf("outcome %d: unexpected enrichment %+v", i, o.Enriched)
		}
		if o.Enriched.SourceStatus[restaurant.SourceYelp] != enrich.StatusFailed {
			t.Errorf("outcome %d: status = %q", i, o.Enriched.SourceStatus[restaurant.SourceYelp])
		}
		if len(o.Failures) != 1 || o.Failures[0].Kind != errors.ConnectionFailed || o.Failures[0].SourceID != restaurant.SourceYelp {
			t.Errorf("outcome %d: failures = %+v", i, o.Failures)
		}
	}
	if down.searchCount() != 0 {
		t.Errorf("search ran %d times on a source that never connected", down.searchCount())
	}
	if st := conns.Stats()[0].State; st != connection.StateFailed {
		t.Errorf("handle state = %q, want %q", st, connection.StateFailed)
	}
}

func TestEnrichBatch_UnregisteredSource(t *testing.T) {
	o, _ := newTestOrchestrator(t, 1)

	out := o.EnrichBatch(context.Background(), testRecords(1), []restaurant.SourceID{"foursquare"})
	if len(out[0].Failures) != 1 || out[0].Failures[0].Kind != errors.SourceNotRegistered {
		t.Errorf("failures = %+v", out[0].Failures)
	}
	if out[0].Enriched == nil {
		t.Error("record should still be enriched with primary fields")
	}
}

func TestEnrichBatch_RetriesTransientSearchErrors(t *testing.T) {
	var calls atomic.Int32
	flaky := &mockSource{id: restaurant.SourceYelp}
	flaky.search = func(ctx context.Context, q sources.Query) ([]restaurant.RawCandidate, error) {
		if calls.Add(1) == 1 {
			return nil, errors.Transport(string(restaurant.SourceYelp), "connection reset", nil)
		}
		return echo(restaurant.SourceYelp)(ctx, q)
	}
	o, _ := newTestOrchestrator(t, 1, flaky)

	out := o.EnrichBatch(context.Background(), testRecords(1), []restaurant.SourceID{restaurant.SourceYelp})
	if !out[0].OK() {
		t.Fatalf("outcome = %+v", out[0])
	}
	if _, ok := out[0].Enriched.Source(restaurant.SourceYelp); !ok {
		t.Error("retried search should have matched")
	}
	if calls.Load() != 2 {
		t.Errorf("search calls = %d, want 2", calls.Load())
	}
}

func TestEnrichBatch_RecoversFromPanics(t *testing.T) {
	src := &mockSource{id: restaurant.SourceYelp}
	src.search = func(ctx context.Context, q sources.Query) ([]restaurant.RawCandidate, error) {
		if q.Name == "Sushi Place 0" {
			panic("boom")
		}
		return echo(restaurant.SourceYelp)(ctx, q)
	}
	o, _ := newTestOrchestrator(t, 1, src)

	out := o.EnrichBatch(context.Background(), testRecords(2), []restaurant.SourceID{restaurant.SourceYelp})

	if len(out[0].Failures) != 1 || out[0].Failures[0].Kind != errors.InternalError {
		t.Errorf("panicking record failures = %+v", out[0].Failures)
	}
	if !out[1].OK() {
		t.Errorf("the batch should continue after a panic, got %+v", out[1])
	}
}

func TestEnrichBatch_RespectsMaxInFlight(t *testing.T) {
	const maxInFlight = 2
	var current, peak atomic.Int32

	var srcs []sources.Source
	var ids []restaurant.SourceID
	for i := 0; i < 4; i++ {
		id := restaurant.SourceID(fmt.Sprintf("s%d", i))
		srcs = append(srcs, &mockSource{id: id, search: func(ctx context.Context, q sources.Query) ([]restaurant.RawCandidate, error) {
			n := current.Add(1)
			defer current.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			return nil, nil
		}})
		ids = append(ids, id)
	}
	o, _ := newTestOrchestrator(t, maxInFlight, srcs...)

	out := o.EnrichBatch(context.Background(), testRecords(6), ids)
	if len(out) != 6 {
		t.Fatalf("got %d outcomes", len(out))
	}
	if p := peak.Load(); p > maxInFlight || p < 1 {
		t.Errorf("peak concurrent calls = %d, want 1..%d", p, maxInFlight)
	}
}

func TestEnrichBatch_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &mockSource{id: restaurant.SourceYelp}
	src.search = func(c context.Context, q sources.Query) ([]restaurant.RawCandidate, error) {
		cancel()
		return echo(restaurant.SourceYelp)(c, q)
	}
	o, conns := newTestOrchestrator(t, 1, src)

	records := testRecords(4)
	out := o.EnrichBatch(ctx, records, []restaurant.SourceID{restaurant.SourceYelp})

	if len(out) != len(records) {
		t.Fatalf("got %d outcomes, want %d", len(out), len(records))
	}
	for i, o := range out {
		if o.Enriched != nil {
			t.Errorf("outcome %d: results after cancellation must be discarded", i)
		}
		if len(o.Failures) != 1 || o.Failures[0].Kind != errors.Canceled || o.Failures[0].RecordRef != records[i].ID {
			t.Errorf("outcome %d: failures = %+v", i, o.Failures)
		}
	}
	if src.searchCount() != 1 {
		t.Errorf("searches = %d, no record should start after cancellation", src.searchCount())
	}
	for _, s := range conns.Stats() {
		if s.State == connection.StateConnecting {
			t.Errorf("handle %s left in %s", s.SourceID, s.State)
		}
	}
}

func TestEnrichBatch_AlreadyCanceled(t *testing.T) {
	src := &mockSource{id: restaurant.SourceYelp, search: echo(restaurant.SourceYelp)}
	o, _ := newTestOrchestrator(t, 2, src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := o.EnrichBatch(ctx, testRecords(3), []restaurant.SourceID{restaurant.SourceYelp})
	for i, o := range out {
		if o.Enriched != nil || len(o.Failures) != 1 || o.Failures[0].Kind != errors.Canceled {
			t.Errorf("outcome %d = %+v", i, o)
		}
	}
	if src.searchCount() != 0 {
		t.Errorf("searches = %d, want 0", src.searchCount())
	}
}

func TestSummarize(t *testing.T) {
	outcomes := []Outcome{
		{
			Enriched: &enrich.EnrichedRecord{
				Sources:         []enrich.SourceEnrichment{{Source: restaurant.SourceYelp}},
				PossibleMatches: []enrich.PossibleMatch{{Source: restaurant.SourceTabelog}},
				SourceStatus: map[restaurant.SourceID]enrich.Status{
					restaurant.SourceYelp:    enrich.StatusOK,
					restaurant.SourceTabelog: enrich.StatusOK,
				},
			},
		},
		{
			Enriched: &enrich.EnrichedRecord{
				SourceStatus: map[restaurant.SourceID]enrich.Status{
					restaurant.SourceYelp:    enrich.StatusFailed,
					restaurant.SourceTabelog: enrich.StatusParseError,
				},
			},
			Failures: []Failure{{SourceID: restaurant.SourceYelp, Kind: errors.Timeout}},
		},
		{Failures: []Failure{{Kind: errors.Canceled}}},
	}

	s := Summarize(outcomes)
	if s.Records != 3 || s.Enriched != 2 || s.Failed != 1 || s.Failures != 2 {
		t.Errorf("Summarize() = %+v", s)
	}
	if y := s.Sources[restaurant.SourceYelp]; y.Matched != 1 || y.Failed != 1 {
		t.Errorf("yelp = %+v", y)
	}
	if tb := s.Sources[restaurant.SourceTabelog]; tb.Possible != 1 || tb.ParseErrs != 1 {
		t.Errorf("tabelog = %+v", tb)
	}
	if s.Kinds[errors.Timeout] != 1 || s.Kinds[errors.Canceled] != 1 {
		t.Errorf("kinds = %v", s.Kinds)
	}
	ids := s.SourceIDs()
	if len(ids) != 2 || ids[0] != restaurant.SourceTabelog {
		t.Errorf("SourceIDs() = %v", ids)
	}
}
