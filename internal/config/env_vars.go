package config

import (
	"os"
)

const (
	appNameVar        = "APP_NAME"
	apiBaseURLVar     = "AULA_API_URL"
	storageBackendVar = "AULA_STORAGE_BACKEND"
	storagePathVar    = "AULA_STORAGE_PATH"
)

type EnvVars struct{}

var _ EnvConfig = EnvVars{}

func (EnvVars) GetAppName() string {
	return GetEnv(appNameVar, "aula client")
}

func (EnvVars) GetAPIBaseURL() string {
	return GetEnv(apiBaseURLVar, "https://ia.agroup.app/api")
}

func (EnvVars) GetEnv() string {
	env := os.Getenv("ENV")
	if env == "" {
		return "DEV"
	}
	return env
}

// GetStorageBackend selects the durable session store implementation,
// "file" or "sqlite".
func (EnvVars) GetStorageBackend() string {
	return GetEnv(storageBackendVar, "file")
}

func (EnvVars) GetStoragePath() string {
	if path := os.Getenv(storagePathVar); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aula-session"
	}
	return home + "/.aula/session"
}

func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
