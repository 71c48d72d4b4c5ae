package config

import "os"

// Store backend selectors.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds process configuration.
type Config struct {
	Store        string // memory | sqlite | postgres
	DatabasePath string // sqlite file path
	DatabaseURL  string // postgres DSN
	PolicyPath   string
	ArtifactsDir string
	LogLevel     string
}

// Load reads configuration from environment variables.
func Load() *Config {
	store := os.Getenv("ALISA_STORE")
	if store == "" {
		store = StoreSQLite
	}

	dbPath := os.Getenv("ALISA_DB")
	if dbPath == "" {
		dbPath = "data/alisa_audit.db"
	}

	dbURL := os.Getenv("ALISA_DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://alisa@localhost:5432/alisa?sslmode=disable"
	}

	policyPath := os.Getenv("ALISA_POLICY")
	if policyPath == "" {
		policyPath = "config/policy.yaml"
	}

	artifactsDir := os.Getenv("ALISA_ARTIFACTS_DIR")
	if artifactsDir == "" {
		artifactsDir = "data/artifacts"
	}

	logLevel := os.Getenv("ALISA_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	return &Config{
		Store:        store,
		DatabasePath: dbPath,
		DatabaseURL:  dbURL,
		PolicyPath:   policyPath,
		ArtifactsDir: artifactsDir,
		LogLevel:     logLevel,
	}
}
