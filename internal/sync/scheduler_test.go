package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/crmsync/internal/crm"
)

// fakeRunner records calls per direction and delegates to fn when set.
type fakeRunner struct {
	mu    stdsync.Mutex
	calls map[crm.Direction]int
	fn    func(ctx context.Context, dir crm.Direction) (*JobReport, error)
	ran   chan crm.Direction
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		calls: make(map[crm.Direction]int),
		ran:   make(chan crm.Direction, 100),
	}
}

func (f *fakeRunner) RunJob(ctx context.Context, dir crm.Direction) (*JobReport, error) {
	f.mu.Lock()
	f.calls[dir]++
	f.mu.Unlock()

	defer func() {
		select {
		case f.ran <- dir:
		default:
		}
	}()

	if f.fn != nil {
		return f.fn(ctx, dir)
	}

	return &JobReport{Direction: dir, Outcome: OutcomeNoop}, nil
}

func (f *fakeRunner) count(dir crm.Direction) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[dir]
}

// waitFor receives n runs of dir from the fake, failing after a timeout.
func (f *fakeRunner) waitFor(t *testing.T, dir crm.Direction, n int) {
	t.Helper()

	deadline := time.After(5 * time.Second)

	for seen := 0; seen < n; {
		select {
		case d := <-f.ran:
			if d == dir {
				seen++
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %d %s runs", n, dir)
		}
	}
}

// startRun runs o.Run in the background until the test ends, waiting for
// it to stop so no goroutine logs after the test completes.
func startRun(t *testing.T, o *Orchestrator) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestOrchestrator_RunOnce_BothDirectionsConcurrently(t *testing.T) {
	runner := newFakeRunner()

	var started stdsync.WaitGroup
	started.Add(2)

	runner.fn = func(_ context.Context, dir crm.Direction) (*JobReport, error) {
		started.Done()
		// Returns only once both directions are in flight together.
		started.Wait()

		return &JobReport{Direction: dir, Outcome: OutcomeSucceeded}, nil
	}

	o := NewOrchestrator(&OrchestratorConfig{Runner: runner, Logger: testLogger(t)})

	reports := o.RunOnce(context.Background())
	require.Len(t, reports, 2)
	assert.Equal(t, crm.AToB, reports[0].Direction)
	assert.Equal(t, crm.BToA, reports[1].Direction)

	for _, r := range reports {
		assert.NoError(t, r.Err)
		assert.Equal(t, OutcomeSucceeded, r.Report.Outcome)
	}
}

func TestOrchestrator_RunOnce_PanicIsolated(t *testing.T) {
	runner := newFakeRunner()
	runner.fn = func(_ context.Context, dir crm.Direction) (*JobReport, error) {
		if dir == crm.AToB {
			panic("boom")
		}

		return &JobReport{Direction: dir, Outcome: OutcomeNoop}, nil
	}

	o := NewOrchestrator(&OrchestratorConfig{Runner: runner, Logger: testLogger(t)})

	reports := o.RunOnce(context.Background())
	require.Len(t, reports, 2)

	require.Error(t, reports[0].Err)
	assert.Contains(t, reports[0].Err.Error(), "panic")
	assert.NoError(t, reports[1].Err)
}

func TestOrchestrator_RunOnceDirection(t *testing.T) {
	runner := newFakeRunner()
	o := NewOrchestrator(&OrchestratorConfig{Runner: runner, Logger: testLogger(t)})

	r := o.RunOnceDirection(context.Background(), crm.BToA)
	assert.Equal(t, crm.BToA, r.Direction)
	assert.Equal(t, 1, runner.count(crm.BToA))
	assert.Zero(t, runner.count(crm.AToB))
}

func TestOrchestrator_Run_TicksUntilCanceled(t *testing.T) {
	runner := newFakeRunner()
	o := NewOrchestrator(&OrchestratorConfig{
		Runner:       runner,
		PollInterval: 5 * time.Millisecond,
		Logger:       testLogger(t),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- o.Run(ctx) }()

	runner.waitFor(t, crm.AToB, 3)
	runner.waitFor(t, crm.BToA, 3)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestOrchestrator_Trigger(t *testing.T) {
	runner := newFakeRunner()
	o := NewOrchestrator(&OrchestratorConfig{
		Runner:       runner,
		PollInterval: time.Hour,
		Logger:       testLogger(t),
	})

	startRun(t, o)

	// Initial run at start-up.
	runner.waitFor(t, crm.AToB, 1)

	o.Trigger(crm.AToB)
	runner.waitFor(t, crm.AToB, 1)

	assert.Equal(t, 2, runner.count(crm.AToB))
}

func TestOrchestrator_TriggerCoalesces(t *testing.T) {
	o := NewOrchestrator(&OrchestratorConfig{Runner: newFakeRunner(), Logger: testLogger(t)})

	o.Trigger(crm.BToA)
	o.Trigger(crm.BToA)
	o.Trigger(crm.BToA)

	assert.Len(t, o.triggers[crm.BToA], 1)
}

func TestOrchestrator_Run_BackoffIgnoresTriggers(t *testing.T) {
	runner := newFakeRunner()
	runner.fn = func(_ context.Context, dir crm.Direction) (*JobReport, error) {
		return &JobReport{Direction: dir, Outcome: OutcomeFailed}, errors.New("down")
	}

	o := NewOrchestrator(&OrchestratorConfig{
		Runner:       runner,
		PollInterval: time.Millisecond,
		Logger:       testLogger(t),
	})

	startRun(t, o)

	// Three fast failures reach the backoff threshold (1 minute).
	runner.waitFor(t, crm.AToB, backoffThreshold)

	o.Trigger(crm.AToB)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, backoffThreshold, runner.count(crm.AToB))
}

// fakeNotifier signals once and then waits for cancellation.
type fakeNotifier struct{}

func (fakeNotifier) Watch(ctx context.Context, notify func()) error {
	notify()
	<-ctx.Done()

	return ctx.Err()
}

func TestOrchestrator_NotifierTriggersSourceDirection(t *testing.T) {
	runner := newFakeRunner()
	o := NewOrchestrator(&OrchestratorConfig{
		Runner:       runner,
		PollInterval: time.Hour,
		Notifiers:    map[crm.System]ChangeNotifier{crm.SystemB: fakeNotifier{}},
		Logger:       testLogger(t),
	})

	startRun(t, o)

	// Start-up run plus the notifier-triggered run.
	runner.waitFor(t, crm.BToA, 2)
	assert.LessOrEqual(t, runner.count(crm.AToB), 1)
}
