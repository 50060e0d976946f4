package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"restlink/internal/batch"
	"restlink/internal/enrich"
	"restlink/internal/restaurant"
)

// OutputFormat represents the output format type
type OutputFormat string

const (
	FormatJSON  OutputFormat = "json"
	FormatHuman OutputFormat = "human"
	FormatYAML  OutputFormat = "yaml"
)

// FormatResponse formats a response according to the specified format
func FormatResponse(resp interface{}, format OutputFormat) (string, error) {
	switch format {
	case FormatJSON:
		return formatJSON(resp)
	case FormatYAML:
		return formatYAML(resp)
	case FormatHuman:
		return formatHuman(resp)
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
}

func formatJSON(resp interface{}) (string, error) {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(data), nil
}

func formatYAML(resp interface{}) (string, error) {
	data, err := yaml.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// formatHuman formats the response in human-readable format
func formatHuman(resp interface{}) (string, error) {
	switch v := resp.(type) {
	case *EnrichResponseCLI:
		return formatEnrichHuman(v)
	case *RunsListResponseCLI:
		return formatRunsHuman(v)
	case *DoctorResponseCLI:
		return formatDoctorHuman(v)
	default:
		return formatJSON(resp)
	}
}

func formatEnrichHuman(resp *EnrichResponseCLI) (string, error) {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Enriched %d/%d restaurants against %s\n", resp.Summary.Enriched, resp.Summary.Records, joinIDs(resp.Sources)))
	b.WriteString(strings.Repeat("=", 60) + "\n\n")

	for i, o := range resp.Outcomes {
		b.WriteString(fmt.Sprintf("%d. %s", i+1, o.Record.Name))
		if loc := o.Record.Location.String(); loc != "" {
			b.WriteString(fmt.Sprintf(" (%s)", loc))
		}
		b.WriteString("\n")

		if o.Enriched != nil {
			writeEnriched(&b, o.Enriched)
		}
		for _, f := range o.Failures {
			if f.SourceID != "" {
				b.WriteString(fmt.Sprintf("   ✗ %s: %s %s\n", f.SourceID, f.Kind, f.Message))
			} else {
				b.WriteString(fmt.Sprintf("   ✗ %s %s\n", f.Kind, f.Message))
			}
		}
		b.WriteString("\n")
	}

	writeSummary(&b, resp.Summary)
	if resp.RunID != "" {
		b.WriteString(fmt.Sprintf("\nSaved run %s\n", resp.RunID))
	}
	b.WriteString(fmt.Sprintf("(took %dms)", resp.DurationMs))
	return b.String(), nil
}

func writeEnriched(b *strings.Builder, r *enrich.EnrichedRecord) {
	p := r.Primary
	if p.Rating != nil {
		b.WriteString(fmt.Sprintf("   primary rating %.1f", *p.Rating))
		if p.ReviewCount != nil {
			b.WriteString(fmt.Sprintf(" (%d reviews)", *p.ReviewCount))
		}
		b.WriteString("\n")
	}
	for _, s := range r.Sources {
		b.WriteString(fmt.Sprintf("   ✓ %s: %s", s.Source, s.CandidateName))
		if s.Rating != nil {
			b.WriteString(fmt.Sprintf(" rating %.1f", *s.Rating))
		}
		if s.ReviewCount != nil {
			b.WriteString(fmt.Sprintf(" (%d reviews)", *s.ReviewCount))
		}
		b.WriteString(fmt.Sprintf(" confidence %.2f", s.Confidence))
		if s.StaleSuspected {
			b.WriteString(" [stale?]")
		}
		b.WriteString("\n")
		if s.URL != "" {
			b.WriteString(fmt.Sprintf("     %s\n", s.URL))
		}
	}
	for _, m := range r.PossibleMatches {
		b.WriteString(fmt.Sprintf("   ? %s: %s confidence %.2f\n", m.Source, m.Name, m.Confidence))
		for _, reason := range m.Reasons {
			b.WriteString(fmt.Sprintf("     - %s\n", reason))
		}
	}
	for _, id := range sortedStatusIDs(r.SourceStatus) {
		if st := r.SourceStatus[id]; st == enrich.StatusParseError || st == enrich.StatusNoCandidates {
			b.WriteString(fmt.Sprintf("   · %s: %s\n", id, st))
		}
	}
	if r.CombinedRating != nil {
		b.WriteString(fmt.Sprintf("   combined rating %.2f\n", *r.CombinedRating))
	}
}

func writeSummary(b *strings.Builder, s batch.Summary) {
	b.WriteString("Summary:\n")
	b.WriteString(fmt.Sprintf("  Records: %d, enriched: %d, failed: %d, failures: %d\n", s.Records, s.Enriched, s.Failed, s.Failures))
	for _, id := range s.SourceIDs() {
		src := s.Sources[id]
		b.WriteString(fmt.Sprintf("  %s: %d matched, %d possible, %d failed, %d parse errors\n",
			id, src.Matched, src.Possible, src.Failed, src.ParseErrs))
	}
}

func formatRunsHuman(resp *RunsListResponseCLI) (string, error) {
	var b strings.Builder

	b.WriteString("Saved Runs\n")
	b.WriteString(strings.Repeat("=", 60) + "\n\n")
	if len(resp.Runs) == 0 {
		b.WriteString("No runs saved yet. Use --save with enrich or search.\n")
		return b.String(), nil
	}

	for _, r := range resp.Runs {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		b.WriteString(fmt.Sprintf("%s  %s  %-7s %d/%d enriched, %d failures (%dms)",
			id, r.CreatedAt.Local().Format("2006-01-02 15:04"), r.Command, r.Enriched, r.Records, r.Failures, r.DurationMs))
		if r.Input != "" {
			b.WriteString("  " + r.Input)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func formatDoctorHuman(resp *DoctorResponseCLI) (string, error) {
	var b strings.Builder

	b.WriteString("restlink Doctor\n")
	b.WriteString(strings.Repeat("=", 60) + "\n\n")

	healthIcon := "✓"
	healthText := "All checks passed"
	if !resp.Healthy {
		healthIcon = "✗"
		healthText = "Issues found"
	}
	b.WriteString(fmt.Sprintf("%s %s\n\n", healthIcon, healthText))

	for _, check := range resp.Checks {
		var icon string
		switch check.Status {
		case "pass":
			icon = "✓"
		case "warn":
			icon = "⚠"
		case "fail":
			icon = "✗"
		default:
			icon = "?"
		}
		b.WriteString(fmt.Sprintf("%s %s: %s\n", icon, check.Name, check.Message))

		if len(check.SuggestedFixes) > 0 {
			b.WriteString("  Suggested fixes:\n")
			for _, fix := range check.SuggestedFixes {
				b.WriteString(fmt.Sprintf("    - %s\n", fix.Description))
				if fix.Command != "" {
					b.WriteString(fmt.Sprintf("      $ %s\n", fix.Command))
				}
				if fix.Key != "" {
					b.WriteString(fmt.Sprintf("      key: %s\n", fix.Key))
				}
			}
		}
	}

	if len(resp.Handles) > 0 {
		b.WriteString("\nConnections:\n")
		for _, h := range resp.Handles {
			b.WriteString(fmt.Sprintf("  %s: %s (dials: %d)\n", h.SourceID, h.State, h.RestartCount))
		}
	}
	return b.String(), nil
}

func joinIDs(ids []restaurant.SourceID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}

func sortedStatusIDs(m map[restaurant.SourceID]enrich.Status) []restaurant.SourceID {
	ids := make([]restaurant.SourceID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
