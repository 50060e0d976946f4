// Package batch fans primary records out to the secondary sources, matches and merges
// the answers, and returns exactly one Outcome per record in input order.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"restlink/internal/connection"
	"restlink/internal/enrich"
	"restlink/internal/errors"
	"restlink/internal/logging"
	"restlink/internal/matcher"
	"restlink/internal/restaurant"
	"restlink/internal/sources"
)

// DefaultMaxInFlight bounds concurrent records and concurrent source calls
const DefaultMaxInFlight = 3

// Orchestrator coordinates enrichment of a batch across sources
type Orchestrator struct {
	conns   *connection.Manager
	matcher *matcher.Matcher
	merger  *enrich.Merger
	logger  *logging.Logger

	maxInFlight int
	calls       *semaphore.Weighted

	mu      sync.RWMutex
	sources map[restaurant.SourceID]sources.Source
}

// NewOrchestrator creates an orchestrator. maxInFlight caps both the records in progress
// and the source calls outstanding across the whole batch.
func NewOrchestrator(conns *connection.Manager, m *matcher.Matcher, merger *enrich.Merger, maxInFlight int, logger *logging.Logger) *Orchestrator {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	return &Orchestrator{
		conns:       conns,
		matcher:     m,
		merger:      merger,
		logger:      logger.WithFields(map[string]interface{}{"component": "batch"}),
		maxInFlight: maxInFlight,
		calls:       semaphore.NewWeighted(int64(maxInFlight)),
		sources:     make(map[restaurant.SourceID]sources.Source),
	}
}

// RegisterSource makes src queryable and hands its dialer to the connection manager
func (o *Orchestrator) RegisterSource(src sources.Source) {
	o.mu.Lock()
	o.sources[src.ID()] = src
	o.mu.Unlock()

	o.conns.Register(src.ID(), src)
	o.logger.Debug("Registered source", map[string]interface{}{"source": string(src.ID())})
}

func (o *Orchestrator) source(id restaurant.SourceID) (sources.Source, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	src, ok := o.sources[id]
	return src, ok
}

// EnrichBatch enriches every record against sourceIDs. The result has one Outcome per
// record in input order. Once ctx is canceled no new record starts, and records still
// in progress are reported as CANCELED.
func (o *Orchestrator) EnrichBatch(ctx context.Context, records []restaurant.PrimaryRecord, sourceIDs []restaurant.SourceID) []Outcome {
	start := time.Now()
	out := make([]Outcome, len(records))

	o.logger.Info("Batch started", map[string]interface{}{
		"records":     len(records),
		"sources":     sourceIDs,
		"maxInFlight": o.maxInFlight,
	})

	var g errgroup.Group
	g.SetLimit(o.maxInFlight)
	for i, rec := range records {
		if ctx.Err() != nil {
			out[i] = canceledOutcome(i, rec)
			continue
		}
		g.Go(func() error {
			out[i] = o.enrichRecord(ctx, i, rec, sourceIDs)
			return nil
		})
	}
	_ = g.Wait()

	summary := Summarize(out)
	o.logger.Info("Batch completed", map[string]interface{}{
		"records":    summary.Records,
		"enriched":   summary.Enriched,
		"failed":     summary.Failed,
		"failures":   summary.Failures,
		"durationMs": time.Since(start).Milliseconds(),
	})
	return out
}

// sourceResult is one source's answer for one record
type sourceResult struct {
	id         restaurant.SourceID
	candidates []restaurant.RawCandidate
	status     enrich.Status
	err        error
}

func (o *Orchestrator) enrichRecord(ctx context.Context, idx int, rec restaurant.PrimaryRecord, ids []restaurant.SourceID) (outcome Outcome) {
	ref := rec.Ref(idx)
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Record enrichment panicked", map[string]interface{}{
				"record": ref,
				"panic":  fmt.Sprint(r),
			})
			outcome = Outcome{
				Record: rec,
				Failures: []Failure{{
					RecordRef: ref,
					Kind:      errors.InternalError,
					Message:   fmt.Sprintf("enrichment panicked: %v", r),
				}},
			}
		}
	}()

	if ctx.Err() != nil {
		return canceledOutcome(idx, rec)
	}

	results := make([]sourceResult, len(ids))
	var wg sync.WaitGroup
	for j, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[j] = o.querySource(ctx, rec, id)
		}()
	}
	wg.Wait()

	// in-flight calls were allowed to finish; their results are discarded
	if ctx.Err() != nil {
		return canceledOutcome(idx, rec)
	}

	outcome = Outcome{Record: rec}
	sourceOutcomes := make([]enrich.SourceOutcome, 0, len(results))
	for _, r := range results {
		so := enrich.SourceOutcome{Source: r.id, Status: r.status}
		if r.err == nil {
			so.Results = o.matcher.Match(rec, r.candidates)
		}
		if r.status == enrich.StatusFailed || r.status == enrich.StatusCanceled {
			outcome.Failures = append(outcome.Failures, Failure{
				RecordRef: ref,
				SourceID:  r.id,
				Kind:      errors.CodeOf(r.err),
				Message:   r.err.Error(),
			})
		}
		sourceOutcomes = append(sourceOutcomes, so)
	}

	enriched := o.merger.MergeOutcomes(rec, sourceOutcomes)
	outcome.Enriched = &enriched
	return outcome
}

// querySource runs one search through the connection manager under the batch-wide call cap
func (o *Orchestrator) querySource(ctx context.Context, rec restaurant.PrimaryRecord, id restaurant.SourceID) (res sourceResult) {
	res.id = id
	defer func() {
		if r := recover(); r != nil {
			res.status = enrich.StatusFailed
			res.err = errors.New(errors.InternalError, string(id), fmt.Sprintf("source panicked: %v", r), nil)
		}
	}()

	src, ok := o.source(id)
	if !ok {
		res.status = enrich.StatusFailed
		res.err = errors.New(errors.SourceNotRegistered, string(id), "no adapter registered", nil)
		return res
	}

	if err := o.calls.Acquire(ctx, 1); err != nil {
		res.status = enrich.StatusCanceled
		res.err = errors.New(errors.Canceled, string(id), "canceled while waiting for a call slot", err)
		return res
	}
	defer o.calls.Release(1)

	q := sources.Query{
		Name:        rec.Name,
		Location:    rec.Location.String(),
		Coordinates: rec.Location.Coordinates,
	}
	start := time.Now()
	err := o.conns.Call(ctx, id, func(callCtx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.New(errors.InternalError, string(id), fmt.Sprintf("source panicked: %v", r), nil)
			}
		}()
		found, err := src.Search(callCtx, q)
		if err != nil {
			return err
		}
		res.candidates = found.Collect()
		return nil
	})

	fields := map[string]interface{}{
		"source":     string(id),
		"name":       rec.Name,
		"durationMs": time.Since(start).Milliseconds(),
	}
	switch {
	case err == nil:
		res.status = enrich.StatusOK
		if len(res.candidates) == 0 {
			res.status = enrich.StatusNoCandidates
		}
		fields["candidates"] = len(res.candidates)
		o.logger.Debug("Source answered", fields)
	case errors.IsParse(err):
		// malformed answers count as no candidates
		res.status = enrich.StatusParseError
		res.candidates = nil
		fields["error"] = err.Error()
		o.logger.Warn("Source returned a malformed response", fields)
	case errors.CodeOf(err) == errors.Canceled:
		res.status = enrich.StatusCanceled
		res.err = err
	default:
		res.status = enrich.StatusFailed
		res.err = err
		fields["error"] = err.Error()
		o.logger.Warn("Source call failed", fields)
	}
	return res
}

func canceledOutcome(idx int, rec restaurant.PrimaryRecord) Outcome {
	return Outcome{
		Record: rec,
		Failures: []Failure{{
			RecordRef: rec.Ref(idx),
			Kind:      errors.Canceled,
			Message:   "batch canceled before the record completed",
		}},
	}
}
