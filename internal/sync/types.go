// Package sync implements the bidirectional contact sync engine for crmsync:
// the watermark store, change poller, account resolver, field mapper, upsert
// dispatcher, the per-direction job state machine, and the orchestrator that
// schedules jobs on a timer or on demand.
package sync

import (
	"time"

	"github.com/tonimelisma/crmsync/internal/crm"
)

// JobState is a stage of the batch-job state machine.
type JobState int

// Job states, in the order a successful job visits them. Failed is terminal
// for the job instance but never blocks later jobs.
const (
	StateIdle JobState = iota
	StatePolling
	StateResolving
	StateMapping
	StateDispatching
	StateAdvancing
	StateFailed
)

func (s JobState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateResolving:
		return "resolving"
	case StateMapping:
		return "mapping"
	case StateDispatching:
		return "dispatching"
	case StateAdvancing:
		return "advancing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of a finished job.
type Outcome string

// Job outcomes as stored in the jobs table. A no-op (nothing to sync) is
// distinct from both success and failure. Skipped means records were polled
// but every one was rejected with a skip-tier error, so nothing was written
// and the watermark stayed put.
const (
	OutcomeNoop      Outcome = "noop"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// RecordFailure is one record that could not be written to the target.
type RecordFailure struct {
	Email    string
	SourceID string
	Tier     crm.ErrorTier
	Err      error
}

// JobReport summarizes one batch job for one direction.
type JobReport struct {
	ID         string
	Direction  crm.Direction
	Outcome    Outcome
	FinalState JobState   // StateIdle on completion, StateFailed on abort
	States     []JobState // every state entered, in order
	StartedAt  time.Time
	Duration   time.Duration

	Polled  int
	Created int
	Updated int
	Failed  int

	WatermarkBefore time.Time
	WatermarkAfter  time.Time
	PositionBefore  crm.Cursor
	PositionAfter   crm.Cursor

	Failures []RecordFailure
	Err      error // stage-level error that aborted the job (nil unless Failed)
}

// Advanced reports whether the job moved the watermark position.
func (r *JobReport) Advanced() bool {
	return r.PositionBefore.Before(r.PositionAfter)
}
