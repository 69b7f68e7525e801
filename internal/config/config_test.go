// Package config provides configuration management for postura.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ConfigSuite is a test suite for config operations.
type ConfigSuite struct {
	suite.Suite
	tempDir string
}

func (s *ConfigSuite) SetupTest() {
	s.tempDir = s.T().TempDir()
	s.T().Setenv("HOME", s.tempDir)
	for _, key := range settingKeys {
		s.T().Setenv(key, "")
	}
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigSuite))
}

func (s *ConfigSuite) writeSettings(content string) {
	s.Require().NoError(os.MkdirAll(filepath.Join(s.tempDir, dataDirName), 0o750))
	s.Require().NoError(os.WriteFile(filepath.Join(s.tempDir, dataDirName, settingsName), []byte(content), 0o600))
}

// TestDefault tests default configuration values.
func (s *ConfigSuite) TestDefault() {
	cfg := Default()

	s.Equal(DefaultWorkerPort, cfg.WorkerPort)
	s.Equal(DefaultDetectorURL, cfg.DetectorURL)
	s.Equal(DefaultEndpointID, cfg.EndpointID)
	s.Equal(DefaultLogCapacity, cfg.LogCapacity)
	s.Equal(DriverSQLite, cfg.DBDriver)
	s.Equal(4, cfg.MaxConns)
	s.Equal(15*time.Second, cfg.ConnectTimeout())
	s.Equal(DefaultICEServers, cfg.ICEServers)
}

// TestPaths tests data directory derived paths.
func (s *ConfigSuite) TestPaths() {
	s.Equal(filepath.Join(s.tempDir, ".postura"), DataDir())
	s.Contains(DBPath(), "postura.db")
	s.Contains(SettingsPath(), "settings.json")
	s.Equal(filepath.Join(DataDir(), "endpoints.yaml"), EndpointsPath())
	s.Equal(DBPath(), Default().DSN())
}

// TestEnsureAll tests directory and settings creation.
func (s *ConfigSuite) TestEnsureAll() {
	s.Require().NoError(EnsureAll())

	info, err := os.Stat(DataDir())
	s.Require().NoError(err)
	s.True(info.IsDir())

	_, err = os.Stat(SettingsPath())
	s.Require().NoError(err)

	// Existing settings are left untouched.
	s.writeSettings(`{"POSTURA_WORKER_PORT": 40000}`)
	s.Require().NoError(EnsureSettings())
	cfg, err := Load()
	s.Require().NoError(err)
	s.Equal(40000, cfg.WorkerPort)
}

// TestEnsureSettingsRoundTrip tests that the written defaults load back unchanged.
func (s *ConfigSuite) TestEnsureSettingsRoundTrip() {
	s.Require().NoError(EnsureAll())
	cfg, err := Load()
	s.Require().NoError(err)
	s.Equal(Default(), cfg)
}

// TestLoad_TableDriven tests configuration loading with various scenarios.
func (s *ConfigSuite) TestLoad_TableDriven() {
	tests := []struct {
		name         string
		settingsJSON string
		port         int
		detector     string
		capacity     int
	}{
		{
			name:     "no settings file",
			port:     DefaultWorkerPort,
			detector: DefaultDetectorURL,
			capacity: DefaultLogCapacity,
		},
		{
			name:         "custom port",
			settingsJSON: `{"POSTURA_WORKER_PORT": 38888}`,
			port:         38888,
			detector:     DefaultDetectorURL,
			capacity:     DefaultLogCapacity,
		},
		{
			name:         "multiple settings",
			settingsJSON: `{"POSTURA_WORKER_PORT": 39999, "POSTURA_DETECTOR_URL": "https://detector.local", "POSTURA_LOG_CAPACITY": 50}`,
			port:         39999,
			detector:     "https://detector.local",
			capacity:     50,
		},
		{
			name:         "numeric strings",
			settingsJSON: `{"POSTURA_WORKER_PORT": "39000"}`,
			port:         39000,
			detector:     DefaultDetectorURL,
			capacity:     DefaultLogCapacity,
		},
		{
			name:         "non-positive values ignored",
			settingsJSON: `{"POSTURA_WORKER_PORT": 0, "POSTURA_LOG_CAPACITY": -5}`,
			port:         DefaultWorkerPort,
			detector:     DefaultDetectorURL,
			capacity:     DefaultLogCapacity,
		},
		{
			name:         "invalid JSON returns defaults",
			settingsJSON: `{invalid}`,
			port:         DefaultWorkerPort,
			detector:     DefaultDetectorURL,
			capacity:     DefaultLogCapacity,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.T().Setenv("HOME", s.T().TempDir())
			home, _ := os.UserHomeDir()
			s.tempDir = home
			if tt.settingsJSON != "" {
				s.writeSettings(tt.settingsJSON)
			}

			cfg, err := Load()
			s.NoError(err)
			s.Require().NotNil(cfg)
			s.Equal(tt.port, cfg.WorkerPort)
			s.Equal(tt.detector, cfg.DetectorURL)
			s.Equal(tt.capacity, cfg.LogCapacity)
		})
	}
}

// TestLoad_EnvOverrides tests that environment values win over the settings file.
func (s *ConfigSuite) TestLoad_EnvOverrides() {
	s.writeSettings(`{"POSTURA_ENDPOINT_ID": "desk", "POSTURA_DB_DRIVER": "sqlite"}`)
	s.T().Setenv(KeyEndpointID, "laptop")
	s.T().Setenv(KeyDBDriver, "Postgres")
	s.T().Setenv(KeyDatabaseDSN, "postgres://localhost/postura")
	s.T().Setenv(KeyICEServers, "stun:a.example, turn:b.example")

	cfg, err := Load()
	s.Require().NoError(err)
	s.Equal("laptop", cfg.EndpointID)
	s.Equal(DriverPostgres, cfg.DBDriver)
	s.Equal("postgres://localhost/postura", cfg.DSN())
	s.Equal([]string{"stun:a.example", "turn:b.example"}, cfg.ICEServers)
}

// TestLoad_UnknownDriver tests that an unknown driver keeps sqlite.
func (s *ConfigSuite) TestLoad_UnknownDriver() {
	s.writeSettings(`{"POSTURA_DB_DRIVER": "oracle", "POSTURA_ICE_SERVERS": ["stun:x", ""]}`)

	cfg, err := Load()
	s.Require().NoError(err)
	s.Equal(DriverSQLite, cfg.DBDriver)
	s.Equal([]string{"stun:x"}, cfg.ICEServers)
}

// TestSplitTrim tests the splitTrim helper function.
func TestSplitTrim(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "empty string", input: "", expected: []string{}},
		{name: "single value", input: "stun:a", expected: []string{"stun:a"}},
		{name: "values with spaces", input: " a , b , c ", expected: []string{"a", "b", "c"}},
		{name: "empty values filtered", input: "a,,b,,", expected: []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, splitTrim(tt.input))
		})
	}
}

// TestGet tests the global config getter.
func TestGet(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := Get()
	require.NotNil(t, cfg)
	assert.Greater(t, cfg.WorkerPort, 0)
	assert.Same(t, cfg, Get())
}

// TestGetWorkerPort_WithEnv tests GetWorkerPort with environment variable.
func TestGetWorkerPort_WithEnv(t *testing.T) {
	t.Setenv(KeyWorkerPort, "45678")
	assert.Equal(t, 45678, GetWorkerPort())

	t.Setenv(KeyWorkerPort, "not-a-number")
	assert.Greater(t, GetWorkerPort(), 0)

	t.Setenv(KeyWorkerPort, "0")
	assert.Greater(t, GetWorkerPort(), 0)
}
