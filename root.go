package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/crmsync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// skipConfigAnnotation marks commands that must run without a resolved
// configuration.
const skipConfigAnnotation = "skipConfig"

// logFilePerms restricts the optional log file to owner and group.
const logFilePerms = 0o640

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagPolicy     string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// CLIFlags is the parsed persistent flag set of one invocation.
type CLIFlags struct {
	ConfigPath string
	Policy     *string // nil unless --policy was given
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext carries what every subcommand needs: flags, the logger, and
// the resolved configuration (nil for skipConfig commands).
type CLIContext struct {
	Flags  CLIFlags
	Logger *slog.Logger
	Cfg    *config.Resolved
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext stored by PersistentPreRunE. Every
// RunE runs after it, so a missing context is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("crmsync: CLIContext missing from command context")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crmsync",
		Short: "Bidirectional contact sync between two CRMs",
		Long: `crmsync keeps the contacts of two CRM systems in step. Each direction
polls its source for contacts changed since a persisted watermark, links
accounts according to the configured policy, and upserts the contacts into
the other system keyed by email.`,
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc := &CLIContext{Flags: currentFlags(cmd), Logger: bootstrapLogger()}

			if cmd.Annotations[skipConfigAnnotation] != "true" {
				if err := loadConfig(cc); err != nil {
					return err
				}
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagPolicy, "policy", "", "account sync policy (assignDummyAccount, syncAccount, none)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newWatermarkCmd())
	cmd.AddCommand(newContactCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// currentFlags snapshots the persistent flags. --policy is passed on only
// when given explicitly, so an empty --policy="" still selects none.
func currentFlags(cmd *cobra.Command) CLIFlags {
	f := CLIFlags{
		ConfigPath: flagConfigPath,
		JSON:       flagJSON,
		Verbose:    flagVerbose,
		Quiet:      flagQuiet,
	}

	if cmd.Flags().Changed("policy") {
		p := flagPolicy
		f.Policy = &p
	}

	return f
}

// loadConfig resolves the effective configuration from the four-layer
// override chain and rebuilds the logger from it.
func loadConfig(cc *CLIContext) error {
	cli := config.CLIOverrides{
		ConfigPath: cc.Flags.ConfigPath,
		Policy:     cc.Flags.Policy,
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := buildLogger(resolved, cc.Flags)
	if err != nil {
		return err
	}

	cc.Cfg = resolved
	cc.Logger = logger

	logger.Debug("configuration resolved",
		slog.String("config_path", resolved.ConfigPath),
		slog.String("state_db", resolved.StatePath),
		slog.String("policy", resolved.Policy.String()),
	)

	if !resolved.PolicyRecognized {
		logger.Warn("unrecognized account sync policy, using none",
			slog.String("configured", resolved.PolicyInput),
		)
	}

	return nil
}

// bootstrapLogger is used before configuration is loaded, and for commands
// that never load it. Warn by default; CLI flags adjust it.
func bootstrapLogger() *slog.Logger {
	level := slog.LevelWarn

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Config-file log level provides the baseline; --verbose and
// --quiet override it because CLI flags always win.
func buildLogger(cfg *config.Resolved, flags CLIFlags) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.LogLevel)

	// CLI flags override config (highest priority).
	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	var out io.Writer = os.Stderr

	if cfg.Logging.LogFile != "" {
		f, err := os.OpenFile(cfg.Logging.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePerms)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}

		out = f
	}

	opts := &slog.HandlerOptions{Level: level}

	if useJSONLogs(cfg.Logging.LogFormat, out) {
		return slog.New(slog.NewJSONHandler(out, opts)), nil
	}

	return slog.New(slog.NewTextHandler(out, opts)), nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// useJSONLogs resolves log_format. "auto" picks text on a terminal and JSON
// everywhere else (files, pipes, journald).
func useJSONLogs(format string, out io.Writer) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	}

	f, ok := out.(*os.File)
	if !ok {
		return true
	}

	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
