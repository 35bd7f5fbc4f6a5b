package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/tonimelisma/crmsync/internal/crm"
)

// Validation range constants.
const (
	minPollFrequencyMillis = 100
	minBatchSize           = 1
	maxBatchSize           = 2000
	minDispatchWorkers     = 1
	maxDispatchWorkers     = 64
	minJobTimeout          = 1 * time.Second
	minRequestTimeout      = 1 * time.Second
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
//
// account.sync_policy is deliberately not validated here: an unrecognized
// policy resolves to "none" with a warning (see Resolve).
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateSystem("system_a", &cfg.SystemA)...)
	errs = append(errs, validateSystem("system_b", &cfg.SystemB)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)

	return errors.Join(errs...)
}

// ValidateResolved checks cross-field constraints on the fully resolved
// configuration, after env and CLI overrides have been applied.
func ValidateResolved(r *Resolved) error {
	var errs []error

	if r.Policy == crm.PolicyAssignDummyAccount {
		if r.DummyAccountIDA == "" {
			errs = append(errs, errors.New("account.dummy_account_id_a: required by the assignDummyAccount policy"))
		}

		if r.DummyAccountIDB == "" {
			errs = append(errs, errors.New("account.dummy_account_id_b: required by the assignDummyAccount policy"))
		}
	}

	if r.StatePath == "" {
		errs = append(errs, errors.New("state.db_path: cannot determine a default; set it explicitly"))
	}

	return errors.Join(errs...)
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if s.PollFrequencyMillis < minPollFrequencyMillis {
		errs = append(errs, fmt.Errorf("sync.poll_frequency_millis: must be >= %d, got %d",
			minPollFrequencyMillis, s.PollFrequencyMillis))
	}

	if s.BatchSize < minBatchSize || s.BatchSize > maxBatchSize {
		errs = append(errs, fmt.Errorf("sync.batch_size: must be between %d and %d, got %d",
			minBatchSize, maxBatchSize, s.BatchSize))
	}

	if s.DispatchWorkers < minDispatchWorkers || s.DispatchWorkers > maxDispatchWorkers {
		errs = append(errs, fmt.Errorf("sync.dispatch_workers: must be between %d and %d, got %d",
			minDispatchWorkers, maxDispatchWorkers, s.DispatchWorkers))
	}

	errs = append(errs, validateDurationMin("sync.job_timeout", s.JobTimeout, minJobTimeout)...)

	if s.WatermarkDefault != "" {
		if _, err := time.Parse(time.RFC3339Nano, s.WatermarkDefault); err != nil {
			errs = append(errs, fmt.Errorf("sync.watermark_default: must be RFC 3339, got %q", s.WatermarkDefault))
		}
	}

	return errs
}

var validBackends = map[string]bool{
	BackendHTTP:   true,
	BackendFile:   true,
	BackendMemory: true,
}

func validateSystem(section string, s *SystemConfig) []error {
	if !validBackends[s.Backend] {
		return []error{fmt.Errorf("%s.backend: must be one of http, file, memory; got %q", section, s.Backend)}
	}

	if s.Backend != BackendHTTP {
		return nil
	}

	var errs []error

	if s.BaseURL == "" {
		errs = append(errs, fmt.Errorf("%s.base_url: required for the http backend", section))
	} else {
		errs = append(errs, validateURL(section+".base_url", s.BaseURL, "http", "https")...)
	}

	if s.TokenURL != "" {
		errs = append(errs, validateURL(section+".token_url", s.TokenURL, "http", "https")...)

		if s.ClientID == "" {
			errs = append(errs, fmt.Errorf("%s.client_id: required when token_url is set", section))
		}

		if s.ClientSecretEnv == "" {
			errs = append(errs, fmt.Errorf("%s.client_secret_env: required when token_url is set", section))
		}
	}

	if s.NotifyURL != "" {
		errs = append(errs, validateURL(section+".notify_url", s.NotifyURL, "ws", "wss")...)
	}

	return errs
}

func validateURL(field, raw string, schemes ...string) []error {
	u, err := url.Parse(raw)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", field, err)}
	}

	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}

	return []error{fmt.Errorf("%s: must be an absolute %s URL, got %q", field, schemes[len(schemes)-1], raw)}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	return validateDurationMin("network.request_timeout", n.RequestTimeout, minRequestTimeout)
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, value)}
	}

	return nil
}
