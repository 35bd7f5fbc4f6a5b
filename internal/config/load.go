package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tonimelisma/crmsync/internal/crm"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolved is the effective configuration after the override chain, with
// durations and timestamps parsed. It is built once at startup and passed
// by pointer into engine construction.
type Resolved struct {
	ConfigPath string

	PollInterval     time.Duration
	BatchSize        int
	DispatchWorkers  int
	JobTimeout       time.Duration
	WatermarkDefault time.Time // zero = Unix epoch

	Policy crm.AccountPolicy
	// PolicyInput is the configured policy string; PolicyRecognized is false
	// when it was not a known policy name and Policy fell back to none.
	PolicyInput      string
	PolicyRecognized bool
	DummyAccountIDA  string
	DummyAccountIDB  string

	SystemA SystemConfig
	SystemB SystemConfig

	StatePath string
	Logging   LoggingConfig

	RequestTimeout time.Duration
	UserAgent      string
}

// System returns the resolved settings of sys.
func (r *Resolved) System(sys crm.System) *SystemConfig {
	if sys == crm.SystemB {
		return &r.SystemB
	}

	return &r.SystemA
}

// DummyAccountID returns the configured placeholder account of sys.
func (r *Resolved) DummyAccountID(sys crm.System) string {
	if sys == crm.SystemB {
		return r.DummyAccountIDB
	}

	return r.DummyAccountIDA
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
// It returns a fully resolved and validated configuration.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	// 1. Resolve config path: CLI > env > default
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	// 2. Load config file (returns defaults if no file exists)
	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	// 3. Apply env overrides
	if env.Policy != nil {
		cfg.Account.SyncPolicy = *env.Policy
	}

	if env.StateDB != "" {
		cfg.State.DBPath = env.StateDB
	}

	// 4. Apply CLI overrides (pointer fields: nil = not specified)
	if cli.Policy != nil {
		cfg.Account.SyncPolicy = *cli.Policy
	}

	resolved := resolveConfig(cfg)
	resolved.ConfigPath = cfgPath

	// 5. Validate the final resolved configuration
	if err := ValidateResolved(resolved); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return resolved, nil
}

// resolveConfig converts a validated Config into a Resolved. Parse errors
// are impossible here because Validate has already checked every value;
// defaults-only configs are valid by construction.
func resolveConfig(cfg *Config) *Resolved {
	policy, recognized := crm.ParsePolicy(cfg.Account.SyncPolicy)

	r := &Resolved{
		PollInterval:     time.Duration(cfg.Sync.PollFrequencyMillis) * time.Millisecond,
		BatchSize:        cfg.Sync.BatchSize,
		DispatchWorkers:  cfg.Sync.DispatchWorkers,
		JobTimeout:       mustDuration(cfg.Sync.JobTimeout),
		Policy:           policy,
		PolicyInput:      cfg.Account.SyncPolicy,
		PolicyRecognized: recognized,
		DummyAccountIDA:  cfg.Account.DummyAccountIDA,
		DummyAccountIDB:  cfg.Account.DummyAccountIDB,
		SystemA:          cfg.SystemA,
		SystemB:          cfg.SystemB,
		StatePath:        cfg.State.DBPath,
		Logging:          cfg.Logging,
		RequestTimeout:   mustDuration(cfg.Network.RequestTimeout),
		UserAgent:        cfg.Network.UserAgent,
	}

	if cfg.Sync.WatermarkDefault != "" {
		r.WatermarkDefault, _ = time.Parse(time.RFC3339Nano, cfg.Sync.WatermarkDefault)
	}

	if r.StatePath == "" {
		r.StatePath = DefaultStatePath()
	}

	if r.SystemA.Backend == BackendFile && r.SystemA.Dir == "" {
		r.SystemA.Dir = DefaultBackendDir("system_a")
	}

	if r.SystemB.Backend == BackendFile && r.SystemB.Dir == "" {
		r.SystemB.Dir = DefaultBackendDir("system_b")
	}

	return r
}

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
