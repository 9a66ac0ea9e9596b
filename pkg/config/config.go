package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var configDir string
var configFilePath string
var credentialsPath string
var statePath string

// getConfigDir returns platform-specific config directory
func getConfigDir() (string, error) {
	if runtime.GOOS == "windows" {
		// Windows: %LOCALAPPDATA%\feedkit
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		if appData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			appData = home
		}
		return filepath.Join(appData, "feedkit"), nil
	}

	// Unix-like (macOS, Linux): ~/.config/feedkit
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "feedkit"), nil
}

// getSystemConfigPaths returns platform-specific system config paths
func getSystemConfigPaths() []string {
	if runtime.GOOS == "windows" {
		return []string{filepath.Join(os.Getenv("ProgramFiles"), "Feedkit", "config.toml")}
	}

	return []string{
		"/etc/feedkit/config.toml",
		"/usr/local/etc/feedkit/config.toml",
	}
}

// Init initializes the configuration
func Init(configPath string) error {
	var err error
	if configPath != "" {
		configDir = filepath.Dir(configPath)
		configFilePath = configPath
	} else {
		configDir, err = getConfigDir()
		if err != nil {
			return err
		}
		configFilePath = filepath.Join(configDir, "config.toml")
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return err
	}

	credentialsPath = filepath.Join(configDir, "credentials")
	statePath = filepath.Join(configDir, "state.json")

	viper.Reset()
	viper.SetConfigType("toml")
	viper.SetEnvPrefix("FEEDKIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	// System config is the foundation, user config overrides it
	for _, sysConfigPath := range getSystemConfigPaths() {
		if _, err := os.Stat(sysConfigPath); err == nil {
			viper.SetConfigFile(sysConfigPath)
			_ = viper.ReadInConfig()
			break
		}
	}

	viper.SetConfigFile(configFilePath)
	_ = viper.MergeInConfig()

	return nil
}

func setDefaults() {
	viper.SetDefault("api.base_url", "http://localhost:8787")
	viper.SetDefault("api.timeout", 30)
	viper.SetDefault("api.anon_key", "")
	viper.SetDefault("output.format", "text")

	viper.SetDefault("feed.path", "/functions/v1/unified-feed")
	viper.SetDefault("feed.page_size", 30)
	viper.SetDefault("feed.stale_seconds", 15)
	viper.SetDefault("feed.request_timeout_ms", 10000)
	viper.SetDefault("feed.slo_target_ms", 500)

	viper.SetDefault("geo.timeout_ms", 1000)
	viper.SetDefault("geo.max_age_minutes", 5)
	viper.SetDefault("geo.near_radius_miles", 25.0)

	viper.SetDefault("tracker.tick_ms", 250)
	viper.SetDefault("tracker.flush_seconds", 5)
	viper.SetDefault("tracker.event_complete_ms", 2000)
	viper.SetDefault("tracker.post_complete_ms", 3000)
	viper.SetDefault("tracker.video_complete_fraction", 0.9)
	viper.SetDefault("tracker.ad_min_dwell_ms", 500)

	viper.SetDefault("storage.backend", "file")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("sink.driver", "http")
	viper.SetDefault("sink.dsn", "")

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.otlp_endpoint", "localhost:4318")
	viper.SetDefault("telemetry.sampling_rate", 1.0)
	viper.SetDefault("telemetry.analytics_path", "/analytics/v1/events")
	viper.SetDefault("metrics.addr", "")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.file", filepath.Join(configDir, "feedkit.log"))
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// GetString returns a string configuration value
func GetString(key string) string {
	value := viper.GetString(key)
	if key == "log.file" || key == "sink.dsn" {
		return expandPath(value)
	}
	return value
}

// GetInt returns an int configuration value
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool configuration value
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetFloat64 returns a float configuration value
func GetFloat64(key string) float64 {
	return viper.GetFloat64(key)
}

// GetMillis reads an integer key expressed in milliseconds as a duration.
func GetMillis(key string) time.Duration {
	return time.Duration(viper.GetInt64(key)) * time.Millisecond
}

// GetSeconds reads an integer key expressed in seconds as a duration.
func GetSeconds(key string) time.Duration {
	return time.Duration(viper.GetInt64(key)) * time.Second
}

// IsSet reports whether key has a value, including a default
func IsSet(key string) bool {
	return viper.IsSet(key)
}

// Set overrides a value for the current process without persisting it
func Set(key string, value interface{}) {
	viper.Set(key, value)
}

// SetString sets a string configuration value
func SetString(key string, value string) error {
	viper.Set(key, value)
	return viper.WriteConfigAs(configFilePath)
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() string {
	return configDir
}

// GetCredentialsPath returns the path to the credentials file
func GetCredentialsPath() string {
	return credentialsPath
}

// GetStatePath returns the path of the persistent key-value state file
func GetStatePath() string {
	return statePath
}
