package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/tonimelisma/crmsync/internal/crm"
)

// Consecutive-failure backoff for the scheduler loop. No backoff applies
// below the threshold.
const (
	backoffThreshold = 3
	backoffMaxCap    = 1 * time.Hour
)

// backoffSteps maps consecutive failure counts (starting at the threshold)
// to their backoff durations: 3→1m, 4→5m, 5→15m, 6+→1h.
var backoffSteps = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	backoffMaxCap,
}

// DirectionReport is the result of one scheduled job. Report is nil only
// when the job never started (a panic before the engine built its report).
type DirectionReport struct {
	Direction crm.Direction
	Report    *JobReport
	Err       error
}

// DirectionRunner runs jobs for one direction with panic recovery, so a
// crash in one direction never takes down the other.
type DirectionRunner struct {
	dir crm.Direction
}

// run executes fn, converting a panic into an error on the report.
func (dr *DirectionRunner) run(ctx context.Context, fn func(context.Context) (*JobReport, error)) (result *DirectionReport) {
	result = &DirectionReport{Direction: dr.dir}

	defer func() {
		if r := recover(); r != nil {
			result.Report = nil
			result.Err = fmt.Errorf("panic in %s job: %v", dr.dir, r)
		}
	}()

	report, err := fn(ctx)
	result.Report = report
	result.Err = err

	return result
}

// backoffDuration returns the backoff duration for the given number of
// consecutive failures. Returns 0 for fewer than backoffThreshold failures.
func backoffDuration(failures int) time.Duration {
	if failures < backoffThreshold {
		return 0
	}

	idx := failures - backoffThreshold
	if idx >= len(backoffSteps) {
		return backoffMaxCap
	}

	return backoffSteps[idx]
}
