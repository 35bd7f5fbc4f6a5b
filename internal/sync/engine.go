package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/crmsync/internal/crm"
)

// DefaultJobTimeout bounds one job when none is configured.
const DefaultJobTimeout = 5 * time.Minute

// JobRecorder persists finished jobs. Satisfied by *StateStore.
type JobRecorder interface {
	RecordJob(ctx context.Context, r *JobReport) error
}

// EngineConfig holds the options for NewEngine.
type EngineConfig struct {
	Endpoints       *Endpoints
	Watermarks      WatermarkStore    // satisfied by *StateStore
	Jobs            JobRecorder       // optional: nil skips job history
	Policy          crm.AccountPolicy // fixed for the engine's lifetime
	BatchSize       int               // page size and upsert batch size
	DispatchWorkers int               // upsert batches in flight
	JobTimeout      time.Duration
	Logger          *slog.Logger
}

// Engine runs batch jobs: poll → resolve → map → dispatch → advance, one
// direction per job.
type Engine struct {
	endpoints  *Endpoints
	watermarks WatermarkStore
	jobs       JobRecorder
	policy     crm.AccountPolicy
	poller     *ChangePoller
	dispatcher *UpsertDispatcher
	jobTimeout time.Duration
	logger     *slog.Logger

	nowFunc func() time.Time // injectable for deterministic tests
}

// NewEngine creates an Engine.
func NewEngine(cfg *EngineConfig) *Engine {
	timeout := cfg.JobTimeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}

	return &Engine{
		endpoints:  cfg.Endpoints,
		watermarks: cfg.Watermarks,
		jobs:       cfg.Jobs,
		policy:     cfg.Policy,
		poller:     NewChangePoller(cfg.Endpoints, cfg.BatchSize, cfg.Logger),
		dispatcher: NewUpsertDispatcher(cfg.Endpoints, cfg.BatchSize, cfg.DispatchWorkers, cfg.Logger),
		jobTimeout: timeout,
		logger:     cfg.Logger,
		nowFunc:    time.Now,
	}
}

// Policy returns the account policy the engine applies.
func (e *Engine) Policy() crm.AccountPolicy {
	return e.policy
}

// job carries the mutable state of one RunJob call.
type job struct {
	dir    crm.Direction
	report *JobReport
	logger *slog.Logger
}

func (j *job) enter(s JobState) {
	j.report.States = append(j.report.States, s)
	j.logger.Debug("job state", slog.String("state", s.String()))
}

// fail moves the job to Failed with err as the reason.
func (j *job) fail(err error) {
	j.report.Outcome = OutcomeFailed
	j.report.FinalState = StateFailed
	j.report.Err = err
	j.enter(StateFailed)
}

// RunJob runs one batch job for dir and returns its report. The returned
// error is the report's Err: non-nil when the job failed, including when the
// watermark was withheld because of retryable record failures.
//
// The direction's watermark lock is held for the whole job, so two jobs for
// the same direction never overlap. The watermark moves only in the
// Advancing state; a job that fails or is canceled earlier leaves it as is.
func (e *Engine) RunJob(ctx context.Context, dir crm.Direction) (*JobReport, error) {
	start := e.nowFunc()

	j := &job{
		dir: dir,
		report: &JobReport{
			ID:         uuid.NewString(),
			Direction:  dir,
			StartedAt:  start,
			FinalState: StateIdle,
		},
	}
	j.logger = e.logger.With(
		slog.String("job_id", j.report.ID),
		slog.String("direction", dir.String()),
	)
	j.enter(StateIdle)

	jobCtx, cancel := context.WithTimeout(ctx, e.jobTimeout)
	defer cancel()

	e.run(jobCtx, j)

	j.report.Duration = e.nowFunc().Sub(start)
	e.finish(ctx, j)

	return j.report, j.report.Err
}

func (e *Engine) run(ctx context.Context, j *job) {
	release, err := e.watermarks.Lock(ctx, j.dir)
	if err != nil {
		j.fail(err)
		return
	}
	defer release()

	from, err := e.watermarks.Position(ctx, j.dir)
	if err != nil {
		j.fail(err)
		return
	}

	j.report.WatermarkBefore = from.ModifiedAt
	j.report.WatermarkAfter = from.ModifiedAt
	j.report.PositionBefore = from
	j.report.PositionAfter = from

	// Polling.
	j.enter(StatePolling)

	var records []crm.Record

	for r, err := range e.poller.PollFrom(ctx, j.dir, from) {
		if err != nil {
			j.fail(err)
			return
		}

		records = append(records, r)
	}

	j.report.Polled = len(records)

	if len(records) == 0 {
		j.report.Outcome = OutcomeNoop
		j.enter(StateIdle)

		return
	}

	// Resolving.
	j.enter(StateResolving)

	resolver := NewAccountResolver(e.policy, e.endpoints, j.logger)
	contacts := make([]crm.Contact, len(records))

	for i := range records {
		contacts[i] = Decode(j.dir.Source(), &records[i])

		ref, err := resolver.Resolve(ctx, &contacts[i], j.dir)
		if err != nil {
			j.fail(fmt.Errorf("sync: contact %s: %w", contacts[i].Email, err))
			return
		}

		contacts[i].Account = ref
	}

	// Mapping.
	j.enter(StateMapping)

	pending := make([]Pending, len(contacts))
	for i := range contacts {
		pending[i] = Pending{
			SourceID:   contacts[i].ID,
			Email:      contacts[i].Email,
			ModifiedAt: contacts[i].ModifiedAt,
			Record:     ToTarget(&contacts[i], j.dir),
		}
	}

	// Dispatching.
	j.enter(StateDispatching)

	results := e.dispatcher.Dispatch(ctx, j.dir, pending)

	high, withheld := e.tally(j, results)

	if err := ctx.Err(); err != nil {
		j.fail(fmt.Errorf("sync: job interrupted before advancing: %w", err))
		return
	}

	if withheld != nil {
		j.fail(withheld)
		return
	}

	if j.report.Created+j.report.Updated == 0 {
		j.report.Outcome = OutcomeSkipped
		j.enter(StateIdle)

		return
	}

	// Advancing.
	j.enter(StateAdvancing)

	if err := e.watermarks.AdvanceTo(ctx, j.dir, high); err != nil {
		j.fail(err)
		return
	}

	j.report.WatermarkAfter = high.ModifiedAt
	j.report.PositionAfter = high
	j.report.Outcome = OutcomeSucceeded
	j.enter(StateIdle)
}

// tally folds dispatch results into the report. It returns the keyset
// position of the last successful source record and, when any failure is
// retryable or fatal, an error explaining why the watermark is withheld.
func (e *Engine) tally(j *job, results []Result) (crm.Cursor, error) {
	var (
		high      crm.Cursor
		blocking  int
		firstHard error
	)

	for i := range results {
		r := &results[i]

		if r.Err == nil {
			if r.Created {
				j.report.Created++
			} else {
				j.report.Updated++
			}

			if pos := (crm.Cursor{ModifiedAt: r.ModifiedAt, ID: r.SourceID}); high.Before(pos) {
				high = pos
			}

			continue
		}

		tier := crm.Classify(r.Err)
		j.report.Failed++
		j.report.Failures = append(j.report.Failures, RecordFailure{
			Email:    r.Email,
			SourceID: r.SourceID,
			Tier:     tier,
			Err:      r.Err,
		})

		j.logger.Warn("record failed",
			slog.String("email", r.Email),
			slog.String("source_id", r.SourceID),
			slog.String("tier", tier.String()),
			slog.String("error", r.Err.Error()),
		)

		if tier != crm.ErrorSkip {
			blocking++

			if firstHard == nil {
				firstHard = r.Err
			}
		}
	}

	if blocking > 0 {
		return high, fmt.Errorf("sync: %d records failed, watermark withheld: %w", blocking, firstHard)
	}

	return high, nil
}

// finish logs and persists the report. Persistence uses a context detached
// from cancellation so interrupted jobs are still recorded.
func (e *Engine) finish(ctx context.Context, j *job) {
	r := j.report

	attrs := []any{
		slog.String("outcome", string(r.Outcome)),
		slog.Duration("duration", r.Duration),
		slog.Int("polled", r.Polled),
		slog.Int("created", r.Created),
		slog.Int("updated", r.Updated),
		slog.Int("failed", r.Failed),
		slog.Time("watermark", r.WatermarkAfter),
	}

	if r.Err != nil {
		attrs = append(attrs, slog.String("error", r.Err.Error()))
		j.logger.Error("sync job failed", attrs...)
	} else {
		j.logger.Info("sync job complete", attrs...)
	}

	if e.jobs == nil {
		return
	}

	if err := e.jobs.RecordJob(context.WithoutCancel(ctx), r); err != nil {
		j.logger.Warn("failed to record job", slog.String("error", err.Error()))
	}
}

// IsCancellation reports whether a job error stems from context
// cancellation rather than a sync failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
