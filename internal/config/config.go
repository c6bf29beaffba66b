package config

type Config interface {
	EnvConfig
	SessionConfig
}

type EnvConfig interface {
	GetAppName() string
	GetAPIBaseURL() string
	GetEnv() string
	GetStorageBackend() string
	GetStoragePath() string
}

type mainConfig struct {
	EnvVars
	Session
}

func New() Config {
	return mainConfig{}
}

// IsProduction reports whether the environment gates debug-only behaviour
// such as the forced role override.
func IsProduction(c EnvConfig) bool {
	return c.GetEnv() == "PROD"
}
