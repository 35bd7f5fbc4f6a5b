package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain.
const (
	defaultPollFrequencyMillis = 10000
	defaultBatchSize           = 200
	defaultDispatchWorkers     = 4
	defaultJobTimeout          = "5m"
	defaultBackend             = BackendFile
	defaultLogLevel            = "info"
	defaultLogFormat           = "auto"
	defaultRequestTimeout      = "30s"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Sync: SyncConfig{
			PollFrequencyMillis: defaultPollFrequencyMillis,
			BatchSize:           defaultBatchSize,
			DispatchWorkers:     defaultDispatchWorkers,
			JobTimeout:          defaultJobTimeout,
		},
		SystemA: SystemConfig{Backend: defaultBackend},
		SystemB: SystemConfig{Backend: defaultBackend},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{
			RequestTimeout: defaultRequestTimeout,
		},
	}
}
