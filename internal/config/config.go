// Package config provides shared configuration loading from environment
// and defaults, plus the hot-reloadable scoring tunables file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/invisible-tech/incident-core/internal/devhealth"
	"github.com/invisible-tech/incident-core/internal/trust"
)

// GetEnv returns the value of key from the environment, or defaultValue if unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

// GetEnvDuration returns the duration for key, or defaultValue if unset/invalid.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

// GetEnvInt returns the integer for key, or defaultValue if unset/invalid.
func GetEnvInt(key string, defaultValue int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return n
}

// CoreConfig holds configuration for the sync core daemon.
type CoreConfig struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration

	BackendEndpoint string
	BackendAPIKey   string
	BackendTimeout  time.Duration

	RefreshInterval  time.Duration
	DrainInterval    time.Duration
	QueueJournalPath string
	RetryCeiling     int

	TunablesPath string

	// MergeRetry re-runs a failed merge once against a freshly re-fetched
	// server snapshot before surfacing the merge conflict to the operator.
	MergeRetry bool

	MQTTBrokerURL string
	MQTTClientID  string
	MQTTTopic     string
}

// DefaultCoreConfig returns core config from environment with defaults.
func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		HTTPAddr:         GetEnv("HTTP_ADDR", ":8090"),
		ShutdownTimeout:  GetEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		BackendEndpoint:  GetEnv("BACKEND_ENDPOINT", ""),
		BackendAPIKey:    GetEnv("BACKEND_API_KEY", ""),
		BackendTimeout:   GetEnvDuration("BACKEND_TIMEOUT", 30*time.Second),
		RefreshInterval:  GetEnvDuration("REFRESH_INTERVAL", 30*time.Second),
		DrainInterval:    GetEnvDuration("DRAIN_INTERVAL", 15*time.Second),
		QueueJournalPath: GetEnv("QUEUE_JOURNAL_PATH", "/var/lib/incident-core/queue.json"),
		RetryCeiling:     GetEnvInt("RETRY_CEILING", 5),
		TunablesPath:     GetEnv("TUNABLES_PATH", ""),
		MergeRetry:       GetEnv("MERGE_RETRY", "") == "true",
		MQTTBrokerURL:    GetEnv("MQTT_BROKER_URL", ""),
		MQTTClientID:     GetEnv("MQTT_CLIENT_ID", "incident-core"),
		MQTTTopic:        GetEnv("MQTT_HEARTBEAT_TOPIC", "devices/+/heartbeat"),
	}
}

// Tunables are the operator-adjustable scoring parameters for trust and
// device health. They are loaded from a YAML file and hot-reloaded when the
// file changes; the stated invariants (score monotonicity, severity
// ordering, status precedence) hold for any values.
type Tunables struct {
	Trust  trust.Tunables     `yaml:"trust"`
	Health devhealth.Tunables `yaml:"health"`
}

// DefaultTunables returns the built-in scoring parameters.
func DefaultTunables() Tunables {
	return Tunables{
		Trust:  trust.DefaultTunables(),
		Health: devhealth.DefaultTunables(),
	}
}

// LoadTunables reads the YAML tunables file. Fields absent from the file
// keep their defaults.
func LoadTunables(path string) (Tunables, error) {
	tun := DefaultTunables()
	data, err := os.ReadFile(path)
	if err != nil {
		return tun, fmt.Errorf("failed to read tunables file: %w", err)
	}
	if err := yaml.Unmarshal(data, &tun); err != nil {
		return tun, fmt.Errorf("failed to parse tunables file: %w", err)
	}
	return tun, nil
}
