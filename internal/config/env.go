package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig  = "CRMSYNC_CONFIG"
	EnvPolicy  = "CRMSYNC_ACCOUNT_SYNC_POLICY"
	EnvStateDB = "CRMSYNC_STATE_DB"
)

// EnvOverrides holds values derived from environment variables.
// Policy is a pointer because an empty-but-set variable explicitly selects
// the "none" policy.
type EnvOverrides struct {
	ConfigPath string  // CRMSYNC_CONFIG: override config file path
	Policy     *string // CRMSYNC_ACCOUNT_SYNC_POLICY: account sync policy
	StateDB    string  // CRMSYNC_STATE_DB: state database path
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	env := EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		StateDB:    os.Getenv(EnvStateDB),
	}

	if v, ok := os.LookupEnv(EnvPolicy); ok {
		env.Policy = &v
	}

	return env
}
