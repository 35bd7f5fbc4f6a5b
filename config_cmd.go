package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/crmsync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			eff := effectiveConfigOf(cc.Cfg)

			if cc.Flags.JSON {
				return writeJSON(os.Stdout, eff)
			}

			renderEffective(os.Stdout, eff)

			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "path",
		Short:       "Print the default config file location",
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Println(config.DefaultConfigPath())
			return nil
		},
	}
}

// effectiveConfig is the display form of config.Resolved: durations as
// strings and the client secret reduced to the variable that holds it.
type effectiveConfig struct {
	ConfigPath       string          `json:"config_path"`
	PollInterval     string          `json:"poll_interval"`
	BatchSize        int             `json:"batch_size"`
	DispatchWorkers  int             `json:"dispatch_workers"`
	JobTimeout       string          `json:"job_timeout"`
	WatermarkDefault string          `json:"watermark_default"`
	Policy           string          `json:"policy"`
	DummyAccountIDA  string          `json:"dummy_account_id_a,omitempty"`
	DummyAccountIDB  string          `json:"dummy_account_id_b,omitempty"`
	SystemA          effectiveSystem `json:"system_a"`
	SystemB          effectiveSystem `json:"system_b"`
	StateDB          string          `json:"state_db"`
	LogLevel         string          `json:"log_level"`
	LogFormat        string          `json:"log_format"`
	LogFile          string          `json:"log_file,omitempty"`
	RequestTimeout   string          `json:"request_timeout"`
}

type effectiveSystem struct {
	Backend         string `json:"backend"`
	BaseURL         string `json:"base_url,omitempty"`
	TokenURL        string `json:"token_url,omitempty"`
	ClientID        string `json:"client_id,omitempty"`
	ClientSecretEnv string `json:"client_secret_env,omitempty"`
	NotifyURL       string `json:"notify_url,omitempty"`
	Dir             string `json:"dir,omitempty"`
	IntegrationUser string `json:"integration_user,omitempty"`
}

func effectiveConfigOf(r *config.Resolved) effectiveConfig {
	return effectiveConfig{
		ConfigPath:       r.ConfigPath,
		PollInterval:     r.PollInterval.String(),
		BatchSize:        r.BatchSize,
		DispatchWorkers:  r.DispatchWorkers,
		JobTimeout:       r.JobTimeout.String(),
		WatermarkDefault: formatWatermark(r.WatermarkDefault),
		Policy:           r.Policy.String(),
		DummyAccountIDA:  r.DummyAccountIDA,
		DummyAccountIDB:  r.DummyAccountIDB,
		SystemA:          effectiveSystem(r.SystemA),
		SystemB:          effectiveSystem(r.SystemB),
		StateDB:          r.StatePath,
		LogLevel:         r.Logging.LogLevel,
		LogFormat:        r.Logging.LogFormat,
		LogFile:          r.Logging.LogFile,
		RequestTimeout:   r.RequestTimeout.String(),
	}
}

func renderEffective(w io.Writer, e effectiveConfig) {
	fmt.Fprintf(w, "config_path       = %s\n", e.ConfigPath)
	fmt.Fprintf(w, "poll_interval     = %s\n", e.PollInterval)
	fmt.Fprintf(w, "batch_size        = %d\n", e.BatchSize)
	fmt.Fprintf(w, "dispatch_workers  = %d\n", e.DispatchWorkers)
	fmt.Fprintf(w, "job_timeout       = %s\n", e.JobTimeout)
	fmt.Fprintf(w, "watermark_default = %s\n", e.WatermarkDefault)
	fmt.Fprintf(w, "policy            = %s\n", e.Policy)
	fmt.Fprintf(w, "state_db          = %s\n", e.StateDB)
	fmt.Fprintf(w, "log_level         = %s\n", e.LogLevel)
	fmt.Fprintf(w, "log_format        = %s\n", e.LogFormat)

	if e.LogFile != "" {
		fmt.Fprintf(w, "log_file          = %s\n", e.LogFile)
	}

	fmt.Fprintf(w, "request_timeout   = %s\n", e.RequestTimeout)

	renderSystem(w, "system_a", e.SystemA, e.DummyAccountIDA)
	renderSystem(w, "system_b", e.SystemB, e.DummyAccountIDB)
}

func renderSystem(w io.Writer, section string, s effectiveSystem, dummy string) {
	fmt.Fprintf(w, "\n[%s]\n", section)
	fmt.Fprintf(w, "backend           = %s\n", s.Backend)

	for _, kv := range [][2]string{
		{"base_url", s.BaseURL},
		{"token_url", s.TokenURL},
		{"client_id", s.ClientID},
		{"client_secret_env", s.ClientSecretEnv},
		{"notify_url", s.NotifyURL},
		{"dir", s.Dir},
		{"integration_user", s.IntegrationUser},
		{"dummy_account_id", dummy},
	} {
		if kv[1] != "" {
			fmt.Fprintf(w, "%-17s = %s\n", kv[0], kv[1])
		}
	}
}
