package devserver

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the development server settings, read from the environment
type Config struct {
	Port          string
	Seed          uint64
	CatalogueSize int
	// PromotedEvery marks every n-th catalogue item as a paid placement; 0 disables ads
	PromotedEvery int
	DBDriver      string
	DBDSN         string
	LogLevel      string
	LogFile       string
	ServiceName   string
	Tracing       bool
	OTLPEndpoint  string
	// Latency is added to every feed response to exercise client SLO telemetry
	Latency time.Duration
}

// LoadConfig loads .env if present and reads FEEDKIT_DEV_* variables
func LoadConfig() Config {
	// a missing .env file is normal
	_ = godotenv.Load()

	return Config{
		Port:          getEnvOrDefault("PORT", "8787"),
		Seed:          uint64(getEnvInt("FEEDKIT_DEV_SEED", 42)),
		CatalogueSize: getEnvInt("FEEDKIT_DEV_CATALOGUE_SIZE", 200),
		PromotedEvery: getEnvInt("FEEDKIT_DEV_PROMOTED_EVERY", 7),
		DBDriver:      getEnvOrDefault("FEEDKIT_DEV_DB_DRIVER", "sqlite"),
		DBDSN:         getEnvOrDefault("FEEDKIT_DEV_DB_DSN", "feedkit-dev.db"),
		LogLevel:      getEnvOrDefault("LOG_LEVEL", "info"),
		LogFile:       getEnvOrDefault("LOG_FILE", "devserver.log"),
		ServiceName:   getEnvOrDefault("OTEL_SERVICE_NAME", "feedkit-devserver"),
		Tracing:       os.Getenv("OTEL_ENABLED") == "true",
		OTLPEndpoint:  getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		Latency:       time.Duration(getEnvInt("FEEDKIT_DEV_LATENCY_MS", 0)) * time.Millisecond,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
