// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for crmsync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags) and
// resolves the result once into a Resolved value that the engine is built
// from.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Sync    SyncConfig    `toml:"sync"`
	Account AccountConfig `toml:"account"`
	SystemA SystemConfig  `toml:"system_a"`
	SystemB SystemConfig  `toml:"system_b"`
	State   StateConfig   `toml:"state"`
	Logging LoggingConfig `toml:"logging"`
	Network NetworkConfig `toml:"network"`
}

// SyncConfig controls job scheduling and sizing.
type SyncConfig struct {
	PollFrequencyMillis int    `toml:"poll_frequency_millis"`
	BatchSize           int    `toml:"batch_size"`
	DispatchWorkers     int    `toml:"dispatch_workers"`
	JobTimeout          string `toml:"job_timeout"`
	WatermarkDefault    string `toml:"watermark_default"` // RFC 3339; empty = Unix epoch
}

// AccountConfig selects the account-linking policy and the placeholder
// accounts used by assignDummyAccount. SyncPolicy is kept as a string: an
// unrecognized value is not an error, it resolves to "none".
type AccountConfig struct {
	SyncPolicy      string `toml:"sync_policy"`
	DummyAccountIDA string `toml:"dummy_account_id_a"`
	DummyAccountIDB string `toml:"dummy_account_id_b"`
}

// Backend names for SystemConfig.Backend.
const (
	BackendHTTP   = "http"
	BackendFile   = "file"
	BackendMemory = "memory"
)

// SystemConfig describes how to reach one CRM. Which fields matter depends
// on Backend: http uses the URL and OAuth2 fields, file uses Dir, memory
// uses none. The client secret itself is never stored in the file, only the
// name of the environment variable holding it.
type SystemConfig struct {
	Backend         string `toml:"backend"`
	BaseURL         string `toml:"base_url"`
	TokenURL        string `toml:"token_url"`
	ClientID        string `toml:"client_id"`
	ClientSecretEnv string `toml:"client_secret_env"`
	NotifyURL       string `toml:"notify_url"`
	Dir             string `toml:"dir"`
	IntegrationUser string `toml:"integration_user"`
}

// StateConfig locates the state database.
type StateConfig struct {
	DBPath string `toml:"db_path"` // empty = DefaultStatePath()
}

// LoggingConfig controls log output behavior: level, format, and file.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls HTTP client behavior for the http backend.
type NetworkConfig struct {
	RequestTimeout string `toml:"request_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to the zero value": --policy="" selects none.
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	Policy     *string // --policy flag
}
