package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/crmsync/internal/crm"
	"github.com/tonimelisma/crmsync/internal/sync"
)

// Daemon state constants for status reporting.
const (
	daemonStateRunning = "running"
	daemonStateStopped = "stopped"
)

const defaultStatusJobLimit = 10

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show watermarks, recent jobs, and daemon state",
		Long: `Display the persisted sync state: the watermark of each direction, the
most recent jobs with their counts, and whether a 'sync --watch' daemon is
running. With --job, list the per-record failures of one job instead.

Reads the state database only; neither CRM is contacted.`,
		RunE: runStatus,
	}

	cmd.Flags().Int("limit", defaultStatusJobLimit, "number of recent jobs to show")
	cmd.Flags().String("job", "", "show the failures of one job")

	return cmd
}

type statusOutput struct {
	ConfigPath string            `json:"config_path"`
	StateDB    string            `json:"state_db"`
	Schema     int64             `json:"schema_version"`
	Policy     string            `json:"policy"`
	Daemon     statusDaemon      `json:"daemon"`
	Watermarks []statusWatermark `json:"watermarks"`
	Jobs       []statusJob       `json:"jobs"`
}

type statusDaemon struct {
	State string `json:"state"`
	PID   int    `json:"pid,omitempty"`
}

type statusWatermark struct {
	Direction string    `json:"direction"`
	Watermark time.Time `json:"watermark"`
	LastID    string    `json:"last_id,omitempty"`
}

func watermarkOf(d crm.Direction, pos crm.Cursor) statusWatermark {
	return statusWatermark{Direction: d.String(), Watermark: pos.ModifiedAt, LastID: pos.ID}
}

type statusJob struct {
	ID              string    `json:"id"`
	Direction       string    `json:"direction"`
	Outcome         string    `json:"outcome"`
	FinalState      string    `json:"final_state"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	Polled          int       `json:"polled"`
	Created         int       `json:"created"`
	Updated         int       `json:"updated"`
	Failed          int       `json:"failed"`
	WatermarkBefore time.Time `json:"watermark_before"`
	WatermarkAfter  time.Time `json:"watermark_after"`
	Error           string    `json:"error,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	limit, _ := cmd.Flags().GetInt("limit")
	jobID, _ := cmd.Flags().GetString("job")

	state, err := openStateStore(cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer state.Close()

	if jobID != "" {
		return runStatusJob(ctx, cc, state, jobID)
	}

	out, err := buildStatus(ctx, cc, state, limit)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return writeJSON(os.Stdout, out)
	}

	printStatusText(os.Stdout, out)

	return nil
}

func buildStatus(ctx context.Context, cc *CLIContext, state *sync.StateStore, limit int) (*statusOutput, error) {
	out := &statusOutput{
		ConfigPath: cc.Cfg.ConfigPath,
		StateDB:    cc.Cfg.StatePath,
		Policy:     cc.Cfg.Policy.String(),
		Daemon:     statusDaemon{State: daemonStateStopped},
	}

	if proc, err := runningDaemon(pidFilePath(cc.Cfg)); err == nil {
		out.Daemon = statusDaemon{State: daemonStateRunning, PID: proc.Pid}
	}

	schema, err := state.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}

	out.Schema = schema

	for _, d := range crm.Directions {
		pos, err := state.Position(ctx, d)
		if err != nil {
			return nil, err
		}

		out.Watermarks = append(out.Watermarks, watermarkOf(d, pos))
	}

	jobs, err := state.RecentJobs(ctx, limit)
	if err != nil {
		return nil, err
	}

	out.Jobs = make([]statusJob, 0, len(jobs))
	for i := range jobs {
		j := &jobs[i]
		out.Jobs = append(out.Jobs, statusJob{
			ID:              j.ID,
			Direction:       j.Direction,
			Outcome:         string(j.Outcome),
			FinalState:      j.FinalState,
			StartedAt:       j.StartedAt,
			FinishedAt:      j.FinishedAt,
			Polled:          j.Polled,
			Created:         j.Created,
			Updated:         j.Updated,
			Failed:          j.Failed,
			WatermarkBefore: j.WatermarkBefore,
			WatermarkAfter:  j.WatermarkAfter,
			Error:           j.Error,
		})
	}

	return out, nil
}

func printStatusText(w io.Writer, out *statusOutput) {
	fmt.Fprintf(w, "Config:   %s\n", out.ConfigPath)
	fmt.Fprintf(w, "State DB: %s (schema v%d)\n", out.StateDB, out.Schema)
	fmt.Fprintf(w, "Policy:   %s\n", out.Policy)

	if out.Daemon.State == daemonStateRunning {
		fmt.Fprintf(w, "Daemon:   %s (PID %d)\n", out.Daemon.State, out.Daemon.PID)
	} else {
		fmt.Fprintf(w, "Daemon:   %s\n", out.Daemon.State)
	}

	fmt.Fprintln(w)

	wmRows := make([][]string, 0, len(out.Watermarks))
	for _, wm := range out.Watermarks {
		wmRows = append(wmRows, []string{wm.Direction, formatWatermark(wm.Watermark)})
	}

	printTable(w, []string{"DIRECTION", "WATERMARK"}, wmRows)

	if len(out.Jobs) == 0 {
		fmt.Fprintln(w, "\nNo jobs recorded yet.")
		return
	}

	fmt.Fprintln(w)

	jobRows := make([][]string, 0, len(out.Jobs))
	for i := range out.Jobs {
		j := &out.Jobs[i]
		jobRows = append(jobRows, []string{
			formatTime(j.StartedAt),
			j.Direction,
			j.Outcome,
			strconv.Itoa(j.Polled),
			strconv.Itoa(j.Created),
			strconv.Itoa(j.Updated),
			strconv.Itoa(j.Failed),
			formatDuration(j.FinishedAt.Sub(j.StartedAt)),
			j.ID,
		})
	}

	printTable(w, []string{"STARTED", "DIRECTION", "OUTCOME", "POLLED", "CREATED", "UPDATED", "FAILED", "TOOK", "JOB"}, jobRows)
}

type statusFailure struct {
	Email    string `json:"email"`
	SourceID string `json:"source_id"`
	Tier     string `json:"tier"`
	Error    string `json:"error"`
}

func runStatusJob(ctx context.Context, cc *CLIContext, state *sync.StateStore, jobID string) error {
	failures, err := state.JobFailures(ctx, jobID)
	if err != nil {
		return err
	}

	out := make([]statusFailure, 0, len(failures))
	for _, f := range failures {
		out = append(out, statusFailure(f))
	}

	if cc.Flags.JSON {
		return writeJSON(os.Stdout, out)
	}

	if len(out) == 0 {
		fmt.Printf("Job %s has no record failures.\n", jobID)
		return nil
	}

	rows := make([][]string, 0, len(out))
	for _, f := range out {
		rows = append(rows, []string{f.Email, f.SourceID, f.Tier, f.Error})
	}

	printTable(os.Stdout, []string{"EMAIL", "SOURCE ID", "TIER", "ERROR"}, rows)

	return nil
}

// writeJSON writes v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}
