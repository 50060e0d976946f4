package main

import (
	"restlink/internal/batch"
	"restlink/internal/connection"
	"restlink/internal/errors"
	"restlink/internal/restaurant"
	"restlink/internal/storage"
)

// EnrichResponseCLI is the output of enrich and search
type EnrichResponseCLI struct {
	RunID      string                `json:"runId,omitempty" yaml:"runId,omitempty"`
	Sources    []restaurant.SourceID `json:"sources" yaml:"sources"`
	Summary    batch.Summary         `json:"summary" yaml:"summary"`
	Outcomes   []batch.Outcome       `json:"outcomes" yaml:"outcomes"`
	DurationMs int64                 `json:"durationMs" yaml:"durationMs"`
}

// RunsListResponseCLI is the output of runs list
type RunsListResponseCLI struct {
	Runs []storage.Run `json:"runs" yaml:"runs"`
}

// DoctorCheck is one diagnostic result
type DoctorCheck struct {
	Name           string             `json:"name" yaml:"name"`
	Status         string             `json:"status" yaml:"status"` // pass, warn, fail
	Message        string             `json:"message" yaml:"message"`
	SuggestedFixes []errors.FixAction `json:"suggestedFixes,omitempty" yaml:"suggestedFixes,omitempty"`
}

// DoctorResponseCLI is the output of doctor
type DoctorResponseCLI struct {
	Healthy bool                     `json:"healthy" yaml:"healthy"`
	Checks  []DoctorCheck            `json:"checks" yaml:"checks"`
	Handles []connection.HandleStats `json:"handles" yaml:"handles"`
}
