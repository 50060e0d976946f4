package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"restlink/internal/batch"
	"restlink/internal/restaurant"
)

var (
	// ErrRunNotFound is returned when no run matches an ID
	ErrRunNotFound = errors.New("run not found")

	// ErrAmbiguousRunID is returned when an ID prefix matches more than one run
	ErrAmbiguousRunID = errors.New("run ID prefix is ambiguous")
)

// timeLayout has fixed width so created_at sorts as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// shared zstd codec; EncodeAll and DecodeAll are safe for concurrent use
var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// Run is one saved batch
type Run struct {
	ID         string                `json:"id" yaml:"id"`
	CreatedAt  time.Time             `json:"createdAt" yaml:"createdAt"`
	Command    string                `json:"command" yaml:"command"`
	Input      string                `json:"input,omitempty" yaml:"input,omitempty"`
	Sources    []restaurant.SourceID `json:"sources" yaml:"sources"`
	Records    int                   `json:"records" yaml:"records"`
	Enriched   int                   `json:"enriched" yaml:"enriched"`
	Failures   int                   `json:"failures" yaml:"failures"`
	DurationMs int64                 `json:"durationMs" yaml:"durationMs"`

	// Outcomes is only loaded by GetRun
	Outcomes []batch.Outcome `json:"outcomes,omitempty" yaml:"outcomes,omitempty"`
}

// NewRun builds a run record for a finished batch
func NewRun(command, input string, sourceIDs []restaurant.SourceID, outcomes []batch.Outcome, duration time.Duration) *Run {
	s := batch.Summarize(outcomes)
	return &Run{
		ID:         uuid.New().String(),
		CreatedAt:  time.Now().UTC(),
		Command:    command,
		Input:      input,
		Sources:    append([]restaurant.SourceID(nil), sourceIDs...),
		Records:    s.Records,
		Enriched:   s.Enriched,
		Failures:   s.Failures,
		DurationMs: duration.Milliseconds(),
		Outcomes:   outcomes,
	}
}

// SaveRun inserts run with its compressed outcomes
func (db *DB) SaveRun(ctx context.Context, run *Run) error {
	raw, err := json.Marshal(run.Outcomes)
	if err != nil {
		return fmt.Errorf("failed to encode outcomes: %w", err)
	}
	payload := encoder.EncodeAll(raw, make([]byte, 0, len(raw)/4))

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO runs (id, created_at, command, input, sources, records, enriched, failures, duration_ms, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.CreatedAt.UTC().Format(timeLayout),
		run.Command,
		nullString(run.Input),
		joinSources(run.Sources),
		run.Records,
		run.Enriched,
		run.Failures,
		run.DurationMs,
		payload,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	db.logger.Debug("Saved run", map[string]interface{}{
		"runId":        run.ID,
		"records":      run.Records,
		"payloadBytes": len(payload),
		"rawBytes":     len(raw),
	})
	return nil
}

// ListRuns returns the most recent runs first, without their outcomes.
// limit defaults to 20 and is capped at 100.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, created_at, command, input, sources, records, enriched, failures, duration_ms
		FROM runs
		ORDER BY created_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var r Run
		var createdAt, sources string
		var input sql.NullString
		if err := rows.Scan(&r.ID, &createdAt, &r.Command, &input, &sources, &r.Records, &r.Enriched, &r.Failures, &r.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		r.Input = input.String
		r.Sources = splitSources(sources)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// GetRun loads a run and its outcomes by full ID or unique prefix
func (db *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrRunNotFound
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, created_at, command, input, sources, records, enriched, failures, duration_ms, payload
		FROM runs
		WHERE id = ? OR id LIKE ? ESCAPE '\'
		ORDER BY id = ? DESC
		LIMIT 2
	`, id, escapeLike(id)+"%", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var found []*Run
	var payloads [][]byte
	for rows.Next() {
		var r Run
		var createdAt, sources string
		var input sql.NullString
		var payload []byte
		if err := rows.Scan(&r.ID, &createdAt, &r.Command, &input, &sources, &r.Records, &r.Enriched, &r.Failures, &r.DurationMs, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		r.Input = input.String
		r.Sources = splitSources(sources)
		found = append(found, &r)
		payloads = append(payloads, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	switch {
	case len(found) == 0:
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	case found[0].ID != id && len(found) > 1:
		return nil, fmt.Errorf("%w: %s", ErrAmbiguousRunID, id)
	}

	run := found[0]
	raw, err := decoder.DecodeAll(payloads[0], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal(raw, &run.Outcomes); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", run.ID, err)
	}
	return run, nil
}

// DeleteRunsBefore removes runs created before cutoff and returns how many were deleted
func (db *DB) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		`DELETE FROM runs WHERE created_at < ?`,
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	return result.RowsAffected()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func joinSources(ids []restaurant.SourceID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ",")
}

func splitSources(s string) []restaurant.SourceID {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]restaurant.SourceID, len(parts))
	for i, p := range parts {
		out[i] = restaurant.SourceID(p)
	}
	return out
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
