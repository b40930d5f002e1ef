package api

// Environment variables recognized by every resourcetracker binary.
const (
	// LogLevelEnv is the environment variable used to set the log level.
	LogLevelEnv = "RESOURCETRACKER_LOGGING"
	// ConfigFileEnv is the environment variable used to set the configuration file.
	ConfigFileEnv = "RESOURCETRACKER_CONFIG_FILE"
)
