package sync

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/crmsync/internal/crm"
)

// DefaultPollInterval is the time between scheduled jobs of one direction.
const DefaultPollInterval = 10 * time.Second

// JobRunner runs one job. Implemented by *Engine; tests inject fakes.
type JobRunner interface {
	RunJob(ctx context.Context, dir crm.Direction) (*JobReport, error)
}

// ChangeNotifier reports that a CRM has changes worth polling for. Watch
// blocks until ctx is done, calling notify for each change signal.
type ChangeNotifier interface {
	Watch(ctx context.Context, notify func()) error
}

// OrchestratorConfig holds the inputs for creating an Orchestrator.
type OrchestratorConfig struct {
	Runner       JobRunner
	PollInterval time.Duration
	// Notifiers trigger an immediate job for the direction whose source is
	// the notifying system. Optional.
	Notifiers map[crm.System]ChangeNotifier
	Logger    *slog.Logger
}

// Orchestrator schedules jobs for both directions, on a timer or on demand.
// Directions never block each other; jobs of one direction never overlap.
type Orchestrator struct {
	runner    JobRunner
	interval  time.Duration
	notifiers map[crm.System]ChangeNotifier
	triggers  map[crm.Direction]chan struct{}
	logger    *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg *OrchestratorConfig) *Orchestrator {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	triggers := make(map[crm.Direction]chan struct{}, len(crm.Directions))
	for _, d := range crm.Directions {
		triggers[d] = make(chan struct{}, 1)
	}

	return &Orchestrator{
		runner:    cfg.Runner,
		interval:  interval,
		notifiers: cfg.Notifiers,
		triggers:  triggers,
		logger:    cfg.Logger,
	}
}

// RunOnce runs one job per direction, concurrently, and returns the reports
// in crm.Directions order. It never returns an error: each direction's
// failure is captured in its DirectionReport.
func (o *Orchestrator) RunOnce(ctx context.Context) []*DirectionReport {
	o.logger.Info("orchestrator starting RunOnce", slog.Int("directions", len(crm.Directions)))

	reports := make([]*DirectionReport, len(crm.Directions))

	var g errgroup.Group

	for i, dir := range crm.Directions {
		g.Go(func() error {
			reports[i] = o.RunOnceDirection(ctx, dir)
			return nil
		})
	}

	_ = g.Wait()

	o.logger.Info("orchestrator RunOnce complete", slog.Int("reports", len(reports)))

	return reports
}

// RunOnceDirection runs one job for dir.
func (o *Orchestrator) RunOnceDirection(ctx context.Context, dir crm.Direction) *DirectionReport {
	dr := &DirectionRunner{dir: dir}

	return dr.run(ctx, func(c context.Context) (*JobReport, error) {
		return o.runner.RunJob(c, dir)
	})
}

// Trigger requests an immediate job for dir. Requests made while one is
// already pending coalesce. Never blocks.
func (o *Orchestrator) Trigger(dir crm.Direction) {
	select {
	case o.triggers[dir] <- struct{}{}:
	default:
	}
}

// Run schedules jobs for both directions until ctx is canceled, then waits
// for in-flight jobs and notifiers to stop. Each direction runs a job at
// start-up, then every poll interval and whenever triggered. After
// repeated consecutive failures the interval is replaced by a backoff and
// triggers are ignored until a job succeeds. Returns nil on clean cancel.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator starting Run",
		slog.Duration("poll_interval", o.interval),
		slog.Int("notifiers", len(o.notifiers)),
	)

	var g errgroup.Group

	for sys, n := range o.notifiers {
		g.Go(func() error {
			o.watchNotifier(ctx, sys, n)
			return nil
		})
	}

	for _, dir := range crm.Directions {
		g.Go(func() error {
			o.loop(ctx, dir)
			return nil
		})
	}

	_ = g.Wait()

	o.logger.Info("orchestrator Run stopped")

	return nil
}

// loop is the scheduling loop of one direction.
func (o *Orchestrator) loop(ctx context.Context, dir crm.Direction) {
	logger := o.logger.With(slog.String("direction", dir.String()))
	failures := 0

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		triggers := o.triggers[dir]
		if backoffDuration(failures) > 0 {
			triggers = nil
		}

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-triggers:
			logger.Debug("job triggered")
		}

		result := o.RunOnceDirection(ctx, dir)
		if ctx.Err() != nil {
			return
		}

		if result.Err != nil {
			failures++
		} else {
			failures = 0
		}

		wait := o.interval
		if b := backoffDuration(failures); b > 0 {
			wait = b

			logger.Warn("backing off after consecutive failures",
				slog.Int("failures", failures),
				slog.Duration("backoff", b),
			)
		}

		timer.Reset(wait)
	}
}

// watchNotifier forwards a system's change signals to the direction that
// reads from it.
func (o *Orchestrator) watchNotifier(ctx context.Context, sys crm.System, n ChangeNotifier) {
	dir := crm.AToB
	if sys == crm.SystemB {
		dir = crm.BToA
	}

	err := n.Watch(ctx, func() { o.Trigger(dir) })
	if err != nil && ctx.Err() == nil {
		o.logger.Warn("change notifier stopped",
			slog.String("system", sys.String()),
			slog.String("error", err.Error()),
		)
	}
}
