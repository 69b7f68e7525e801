// Package config provides configuration management for postura.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultWorkerPort is the HTTP port of the session worker.
	DefaultWorkerPort = 38120
	// DefaultDetectorURL is the base URL of the remote detection service.
	DefaultDetectorURL = "http://127.0.0.1:8000"
	// DefaultEndpointID names the detector endpoint a session connects to.
	DefaultEndpointID = "default"
	// DefaultLogCapacity is how many posture events a session keeps.
	DefaultLogCapacity = 500

	dataDirName   = ".postura"
	settingsName  = "settings.json"
	endpointsName = "endpoints.yaml"
	dbName        = "postura.db"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DefaultICEServers are used when no STUN/TURN servers are configured.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// Settings keys, readable from settings.json and the environment.
const (
	KeyWorkerHost     = "POSTURA_WORKER_HOST"
	KeyWorkerPort     = "POSTURA_WORKER_PORT"
	KeyDetectorURL    = "POSTURA_DETECTOR_URL"
	KeyEndpointID     = "POSTURA_ENDPOINT_ID"
	KeyConnectTimeout = "POSTURA_CONNECT_TIMEOUT_SECONDS"
	KeyICEServers     = "POSTURA_ICE_SERVERS"
	KeyCaptureFile    = "POSTURA_CAPTURE_FILE"
	KeyCaptureFPS     = "POSTURA_CAPTURE_FPS"
	KeyLogCapacity    = "POSTURA_LOG_CAPACITY"
	KeyDBDriver       = "POSTURA_DB_DRIVER"
	KeyDatabaseDSN    = "POSTURA_DATABASE_DSN"
	KeyMaxConns       = "POSTURA_MAX_CONNS"
	KeyRecentSessions = "POSTURA_RECENT_SESSIONS"
)

var settingKeys = []string{
	KeyWorkerHost, KeyWorkerPort, KeyDetectorURL, KeyEndpointID, KeyConnectTimeout,
	KeyICEServers, KeyCaptureFile, KeyCaptureFPS, KeyLogCapacity, KeyDBDriver,
	KeyDatabaseDSN, KeyMaxConns, KeyRecentSessions,
}

// Config holds runtime configuration.
type Config struct {
	WorkerHost            string
	WorkerPort            int
	DetectorURL           string
	EndpointID            string
	ConnectTimeoutSeconds int
	ICEServers            []string
	CaptureFile           string
	CaptureFPS            int
	LogCapacity           int
	DBDriver              string
	DatabaseDSN           string // postgres DSN or sqlite path; empty means DBPath()
	MaxConns              int
	RecentSessions        int
}

// ConnectTimeout returns the media session connect timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// DSN returns the database connection string for the configured driver.
func (c *Config) DSN() string {
	if c.DatabaseDSN != "" {
		return c.DatabaseDSN
	}
	return DBPath()
}

var (
	global     *Config
	globalOnce sync.Once
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		WorkerHost:            "127.0.0.1",
		WorkerPort:            DefaultWorkerPort,
		DetectorURL:           DefaultDetectorURL,
		EndpointID:            DefaultEndpointID,
		ConnectTimeoutSeconds: 15,
		ICEServers:            append([]string(nil), DefaultICEServers...),
		CaptureFPS:            15,
		LogCapacity:           DefaultLogCapacity,
		DBDriver:              DriverSQLite,
		MaxConns:              4,
		RecentSessions:        20,
	}
}

// DataDir returns the data directory path.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, dataDirName)
}

// DBPath returns the SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), dbName)
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), settingsName)
}

// EndpointsPath returns the detector endpoint registry path.
func EndpointsPath() string {
	return filepath.Join(DataDir(), endpointsName)
}

// EnsureDataDir creates the data directory if needed.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0o750)
}

// EnsureSettings writes a default settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	def := Default()
	data, err := json.MarshalIndent(map[string]any{
		KeyWorkerPort:     def.WorkerPort,
		KeyDetectorURL:    def.DetectorURL,
		KeyEndpointID:     def.EndpointID,
		KeyICEServers:     strings.Join(def.ICEServers, ","),
		KeyLogCapacity:    def.LogCapacity,
		KeyDBDriver:       def.DBDriver,
		KeyRecentSessions: def.RecentSessions,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// EnsureAll creates the data directory and default settings.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Load reads settings.json, then applies environment overrides.
// A missing or unreadable settings file leaves the defaults in place.
func Load() (*Config, error) {
	cfg := Default()

	settings := map[string]any{}
	if data, err := os.ReadFile(SettingsPath()); err == nil {
		if err := json.Unmarshal(data, &settings); err != nil {
			log.Warn().Err(err).Str("path", SettingsPath()).Msg("Ignoring invalid settings file")
			settings = map[string]any{}
		}
	}

	for _, key := range settingKeys {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			settings[key] = v
		}
	}

	cfg.apply(settings)
	return cfg, nil
}

func (c *Config) apply(settings map[string]any) {
	if v, ok := stringValue(settings[KeyWorkerHost]); ok {
		c.WorkerHost = v
	}
	if v, ok := intValue(settings[KeyWorkerPort]); ok {
		c.WorkerPort = v
	}
	if v, ok := stringValue(settings[KeyDetectorURL]); ok {
		c.DetectorURL = v
	}
	if v, ok := stringValue(settings[KeyEndpointID]); ok {
		c.EndpointID = v
	}
	if v, ok := intValue(settings[KeyConnectTimeout]); ok {
		c.ConnectTimeoutSeconds = v
	}
	if v, ok := listValue(settings[KeyICEServers]); ok {
		c.ICEServers = v
	}
	if v, ok := stringValue(settings[KeyCaptureFile]); ok {
		c.CaptureFile = v
	}
	if v, ok := intValue(settings[KeyCaptureFPS]); ok {
		c.CaptureFPS = v
	}
	if v, ok := intValue(settings[KeyLogCapacity]); ok {
		c.LogCapacity = v
	}
	if v, ok := stringValue(settings[KeyDBDriver]); ok {
		switch strings.ToLower(v) {
		case DriverSQLite, DriverPostgres:
			c.DBDriver = strings.ToLower(v)
		default:
			log.Warn().Str("driver", v).Msg("Unknown database driver, using sqlite")
		}
	}
	if v, ok := stringValue(settings[KeyDatabaseDSN]); ok {
		c.DatabaseDSN = v
	}
	if v, ok := intValue(settings[KeyMaxConns]); ok {
		c.MaxConns = v
	}
	if v, ok := intValue(settings[KeyRecentSessions]); ok {
		c.RecentSessions = v
	}
}

// Get returns the process-wide configuration, loading it once.
func Get() *Config {
	globalOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		global = cfg
	})
	return global
}

// GetWorkerPort returns the worker port, preferring a valid POSTURA_WORKER_PORT.
func GetWorkerPort() int {
	if v := os.Getenv(KeyWorkerPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			return port
		}
	}
	return Get().WorkerPort
}

// intValue accepts JSON numbers and numeric strings; non-positive values are ignored.
func intValue(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		if t > 0 {
			return int(t), true
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil && n > 0 {
			return n, true
		}
	}
	return 0, false
}

func stringValue(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return strings.TrimSpace(s), true
}

func listValue(v any) ([]string, bool) {
	switch t := v.(type) {
	case string:
		if out := splitTrim(t); len(out) > 0 {
			return out, true
		}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := stringValue(item); ok {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out, true
		}
	}
	return nil, false
}

// splitTrim splits a comma-separated list, dropping empty entries.
func splitTrim(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
