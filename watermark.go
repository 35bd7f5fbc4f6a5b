package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/crmsync/internal/crm"
)

func newWatermarkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watermark",
		Short: "Inspect or reset sync watermarks",
	}

	cmd.AddCommand(newWatermarkShowCmd())
	cmd.AddCommand(newWatermarkResetCmd())

	return cmd
}

func newWatermarkShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the watermark of each direction",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			state, err := openStateStore(cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer state.Close()

			out := make([]statusWatermark, 0, len(crm.Directions))

			for _, d := range crm.Directions {
				pos, err := state.Position(cmd.Context(), d)
				if err != nil {
					return err
				}

				out = append(out, watermarkOf(d, pos))
			}

			if cc.Flags.JSON {
				return writeJSON(os.Stdout, out)
			}

			for _, wm := range out {
				fmt.Printf("%s\t%s\n", wm.Direction, formatWatermark(wm.Watermark))
			}

			return nil
		},
	}
}

func newWatermarkResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Move a direction's watermark, re-syncing everything after it",
		Long: `Set the watermark of one direction (or both) to the given instant and clear
the last synced ID. The next job re-reads every source contact modified at or
after it. Resetting to the
epoch re-syncs the whole source CRM.

Refused while a 'sync --watch' daemon is running on the same state database.`,
		RunE: runWatermarkReset,
	}

	cmd.Flags().String("direction", "", "direction to reset (a-to-b or b-to-a; default both)")
	cmd.Flags().String("to", "epoch", `new watermark: RFC 3339 timestamp or "epoch"`)

	return cmd
}

func runWatermarkReset(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	dirFlag, _ := cmd.Flags().GetString("direction")
	toFlag, _ := cmd.Flags().GetString("to")

	to, err := parseWatermarkFlag(toFlag)
	if err != nil {
		return err
	}

	dirs := crm.Directions

	if dirFlag != "" {
		d, err := crm.ParseDirection(dirFlag)
		if err != nil {
			return err
		}

		dirs = []crm.Direction{d}
	}

	if proc, err := runningDaemon(pidFilePath(cc.Cfg)); err == nil {
		return fmt.Errorf("a sync daemon is running (PID %d): stop it before resetting watermarks", proc.Pid)
	}

	state, err := openStateStore(cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer state.Close()

	for _, d := range dirs {
		if err := state.Reset(cmd.Context(), d, to); err != nil {
			return err
		}

		cc.Statusf("%s watermark reset to %s\n", d, formatWatermark(to))
	}

	return nil
}

// parseWatermarkFlag accepts "epoch" or an RFC 3339 timestamp with optional
// fractional seconds.
func parseWatermarkFlag(s string) (time.Time, error) {
	if s == "epoch" {
		return time.Unix(0, 0).UTC(), nil
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --to %q: want an RFC 3339 timestamp or \"epoch\"", s)
	}

	return t.UTC(), nil
}
