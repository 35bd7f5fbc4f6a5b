package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/crmsync/internal/crm"
	"github.com/tonimelisma/crmsync/internal/sync"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize contacts between the two CRMs",
		Long: `Run one batch job per direction and exit (the default), or keep syncing.

With --watch, crmsync runs as a daemon: each direction polls on the configured
interval and immediately when a backend reports a change. Send SIGHUP, or run
'crmsync sync --trigger', to start a job in both directions right away.`,
		RunE: runSync,
	}

	cmd.Flags().Bool("watch", false, "keep syncing until interrupted")
	cmd.Flags().Bool("trigger", false, "ask the running --watch daemon to sync now")
	cmd.Flags().String("direction", "", "sync only one direction (a-to-b or b-to-a)")

	cmd.MarkFlagsMutuallyExclusive("watch", "trigger")
	cmd.MarkFlagsMutuallyExclusive("direction", "trigger")

	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	watch, _ := cmd.Flags().GetBool("watch")
	trigger, _ := cmd.Flags().GetBool("trigger")
	dirFlag, _ := cmd.Flags().GetString("direction")

	if trigger {
		if err := signalDaemon(pidFilePath(cc.Cfg)); err != nil {
			return err
		}

		cc.Statusf("Sync requested.\n")

		return nil
	}

	var only *crm.Direction

	if dirFlag != "" {
		d, err := crm.ParseDirection(dirFlag)
		if err != nil {
			return err
		}

		only = &d
	}

	if watch {
		if only != nil {
			return fmt.Errorf("--direction cannot be combined with --watch")
		}

		return runSyncWatch(cmd.Context(), cc)
	}

	return runSyncOnce(cmd.Context(), cc, only)
}

// runSyncOnce runs one job per direction (or only the requested one) and
// prints the reports.
func runSyncOnce(ctx context.Context, cc *CLIContext, only *crm.Direction) error {
	ctx = shutdownContext(ctx, cc.Logger)

	stack, err := newSyncEngine(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	orch := sync.NewOrchestrator(&sync.OrchestratorConfig{
		Runner:       stack.Engine,
		PollInterval: cc.Cfg.PollInterval,
		Logger:       cc.Logger,
	})

	var reports []*sync.DirectionReport
	if only != nil {
		reports = []*sync.DirectionReport{orch.RunOnceDirection(ctx, *only)}
	} else {
		reports = orch.RunOnce(ctx)
	}

	if cc.Flags.JSON {
		if err := printSyncReportsJSON(os.Stdout, reports); err != nil {
			return err
		}
	} else if !cc.Flags.Quiet {
		printSyncReports(os.Stdout, reports)
	}

	for _, r := range reports {
		if r.Err != nil {
			return errJobsFailed
		}
	}

	return nil
}

// runSyncWatch runs the orchestrator until SIGINT/SIGTERM. SIGHUP triggers
// an immediate job in both directions.
func runSyncWatch(ctx context.Context, cc *CLIContext) error {
	cleanup, err := writePIDFile(pidFilePath(cc.Cfg))
	if err != nil {
		return err
	}
	defer cleanup()

	ctx = shutdownContext(ctx, cc.Logger)

	stack, err := newSyncEngine(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	orch := sync.NewOrchestrator(&sync.OrchestratorConfig{
		Runner:       stack.Engine,
		PollInterval: cc.Cfg.PollInterval,
		Notifiers:    stack.Session.Notifiers,
		Logger:       cc.Logger,
	})

	go forwardTriggers(ctx, orch, cc.Logger)

	cc.Statusf("Watching for changes (policy %s, every %s). Press Ctrl-C to stop.\n",
		cc.Cfg.Policy, cc.Cfg.PollInterval)

	if err := orch.Run(ctx); err != nil {
		return err
	}

	cc.Statusf("Stopped.\n")

	return nil
}

// forwardTriggers turns each SIGHUP into a trigger for both directions
// until ctx is done.
func forwardTriggers(ctx context.Context, orch *sync.Orchestrator, logger *slog.Logger) {
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hupCh:
			logger.Info("received SIGHUP, triggering sync")

			for _, d := range crm.Directions {
				orch.Trigger(d)
			}
		}
	}
}

// syncReportJSON is the JSON rendering of one direction's job.
type syncReportJSON struct {
	Direction       string            `json:"direction"`
	JobID           string            `json:"job_id,omitempty"`
	Outcome         string            `json:"outcome"`
	Polled          int               `json:"polled"`
	Created         int               `json:"created"`
	Updated         int               `json:"updated"`
	Failed          int               `json:"failed"`
	WatermarkBefore time.Time         `json:"watermark_before"`
	WatermarkAfter  time.Time         `json:"watermark_after"`
	DurationMs      int64             `json:"duration_ms"`
	Failures        []syncFailureJSON `json:"failures,omitempty"`
	Error           string            `json:"error,omitempty"`
}

type syncFailureJSON struct {
	Email string `json:"email"`
	Tier  string `json:"tier"`
	Error string `json:"error"`
}

func toSyncReportJSON(dr *sync.DirectionReport) syncReportJSON {
	out := syncReportJSON{
		Direction: dr.Direction.String(),
		Outcome:   string(sync.OutcomeFailed),
	}

	if r := dr.Report; r != nil {
		out.JobID = r.ID
		out.Outcome = string(r.Outcome)
		out.Polled = r.Polled
		out.Created = r.Created
		out.Updated = r.Updated
		out.Failed = r.Failed
		out.WatermarkBefore = r.WatermarkBefore
		out.WatermarkAfter = r.WatermarkAfter
		out.DurationMs = r.Duration.Milliseconds()

		for _, f := range r.Failures {
			out.Failures = append(out.Failures, syncFailureJSON{
				Email: f.Email,
				Tier:  f.Tier.String(),
				Error: errString(f.Err),
			})
		}
	}

	out.Error = errString(dr.Err)

	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

func printSyncReportsJSON(w io.Writer, reports []*sync.DirectionReport) error {
	out := make([]syncReportJSON, 0, len(reports))
	for _, dr := range reports {
		out = append(out, toSyncReportJSON(dr))
	}

	return writeJSON(w, out)
}

func printSyncReports(w io.Writer, reports []*sync.DirectionReport) {
	for _, dr := range reports {
		r := toSyncReportJSON(dr)

		fmt.Fprintf(w, "%s: %s", r.Direction, r.Outcome)

		if dr.Report != nil && r.Outcome != string(sync.OutcomeNoop) {
			fmt.Fprintf(w, " (%d polled, %d created, %d updated, %d failed)",
				r.Polled, r.Created, r.Updated, r.Failed)
		}

		fmt.Fprintln(w)

		if dr.Report != nil && dr.Report.Advanced() {
			fmt.Fprintf(w, "  watermark %s -> %s\n",
				formatWatermark(r.WatermarkBefore), formatWatermark(r.WatermarkAfter))
		}

		for _, f := range r.Failures {
			fmt.Fprintf(w, "  %s [%s]: %s\n", f.Email, f.Tier, f.Error)
		}

		if r.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", r.Error)
		}
	}
}
