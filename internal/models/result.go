package models

import (
	"fmt"
	"time"
)

// ItemError records a single-record failure inside a pipeline run. These are
// contained: they never abort the surrounding batch.
type ItemError struct {
	SourceID string `json:"source_id"`
	Message  string `json:"message"`
}

// EntityResult is the outcome of one pipeline pass for one entity type.
type EntityResult struct {
	EntityType EntityType  `json:"entity_type"`
	Synced     int         `json:"synced"`
	Skipped    int         `json:"skipped"`
	TooLarge   int         `json:"too_large"`
	Errors     []ItemError `json:"errors,omitempty"`
	Err        error       `json:"-"` // unrecoverable pipeline error, if any
}

// Summary renders the human-readable note stored on the checkpoint.
func (r EntityResult) Summary() string {
	s := fmt.Sprintf("synced %d, skipped %d", r.Synced, r.Skipped)
	if r.TooLarge > 0 {
		s += fmt.Sprintf(", too large %d", r.TooLarge)
	}
	if len(r.Errors) > 0 {
		s += fmt.Sprintf(", %d item errors", len(r.Errors))
	}
	return s
}

// SyncResult aggregates one orchestrator invocation for one tenant. It is
// never persisted beyond a log record; the dashboard and the circuit breaker
// consume it in memory.
type SyncResult struct {
	TenantID    string         `json:"tenant_id"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	TimedOut    bool           `json:"timed_out"`
	Entities    []EntityResult `json:"entities"`
	Connectivity error         `json:"-"` // tunnel/pool failure, tenant-level
}

// TotalSynced sums synced items across all entity types.
func (r *SyncResult) TotalSynced() int {
	n := 0
	for _, e := range r.Entities {
		n += e.Synced
	}
	return n
}

// Failed reports whether the run should count as a tenant-level failure for
// circuit-breaker purposes: connectivity errors and whole-tenant timeouts
// only. Individual pipeline failures do not trip the breaker.
func (r *SyncResult) Failed() bool {
	return r.Connectivity != nil || r.TimedOut
}

// PartialFailure reports whether any pipeline recorded an error, fatal or
// per-item. The dashboard must never present such a run as a plain success.
func (r *SyncResult) PartialFailure() bool {
	for _, e := range r.Entities {
		if e.Err != nil || len(e.Errors) > 0 {
			return true
		}
	}
	return false
}
