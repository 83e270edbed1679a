// Package config provides configuration management for the recorder.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the main application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Database  DatabaseConfig  `yaml:"database"`
	Router    RouterConfig    `yaml:"router"`
	Auth      AuthConfig      `yaml:"auth"`
	Detection DetectionConfig `yaml:"detection"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Listen         string   `yaml:"listen"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StorageConfig holds media storage settings.
type StorageConfig struct {
	Root string `yaml:"root"`
}

// ArchiveDir returns the 24/7 archive directory for a camera.
func (s StorageConfig) ArchiveDir(cameraID string) string {
	return filepath.Join(s.Root, "continuous", cameraID)
}

// EventsDir returns the event-clip directory for a camera.
func (s StorageConfig) EventsDir(cameraID string) string {
	return filepath.Join(s.Root, "events", cameraID)
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RouterConfig holds media-router (MediaMTX) settings.
type RouterConfig struct {
	Binary      string `yaml:"binary"`
	ConfigPath  string `yaml:"config_path"`
	APIURL      string `yaml:"api_url"`
	RTSPPort    int    `yaml:"rtsp_port"`
	WebRTCPort  int    `yaml:"webrtc_port"`
	Managed     bool   `yaml:"managed"`
	HealthURL   string `yaml:"health_url"`
	AdminUser   string `yaml:"admin_user"`
	AdminPass   string `yaml:"admin_pass"`
}

// AuthConfig holds token signing settings.
type AuthConfig struct {
	SigningKey string `yaml:"signing_key"`
}

// DetectionConfig holds detector-service settings.
type DetectionConfig struct {
	ServiceURL string `yaml:"service_url"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file, applies environment
// overrides and fills defaults. A missing file is not an error; the
// defaults plus environment are enough to run.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.setDefaults()

	if cfg.Auth.SigningKey == "" {
		return nil, fmt.Errorf("auth signing key not set (ARGUS_SIGNING_KEY)")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString(&c.Server.Listen, "ARGUS_LISTEN")
	envString(&c.Storage.Root, "ARGUS_STORAGE_ROOT")
	envString(&c.Database.Path, "ARGUS_DB_PATH")
	envString(&c.Router.Binary, "ARGUS_ROUTER_BINARY")
	envString(&c.Router.ConfigPath, "ARGUS_ROUTER_CONFIG")
	envString(&c.Router.APIURL, "ARGUS_ROUTER_API_URL")
	envInt(&c.Router.RTSPPort, "ARGUS_ROUTER_RTSP_PORT")
	envInt(&c.Router.WebRTCPort, "ARGUS_ROUTER_WEBRTC_PORT")
	envString(&c.Auth.SigningKey, "ARGUS_SIGNING_KEY")
	envString(&c.Detection.ServiceURL, "ARGUS_DETECTION_URL")
	envString(&c.Logging.Level, "ARGUS_LOG_LEVEL")
}

func (c *Config) setDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Storage.Root == "" {
		c.Storage.Root = "/data"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.Storage.Root, "argus.db")
	}
	if c.Router.Binary == "" {
		c.Router.Binary = "mediamtx"
	}
	if c.Router.ConfigPath == "" {
		c.Router.ConfigPath = filepath.Join(c.Storage.Root, "mediamtx.yml")
	}
	if c.Router.APIURL == "" {
		c.Router.APIURL = "http://127.0.0.1:9997"
	}
	if c.Router.RTSPPort == 0 {
		c.Router.RTSPPort = 8554
	}
	if c.Router.WebRTCPort == 0 {
		c.Router.WebRTCPort = 8889
	}
	if c.Router.HealthURL == "" {
		c.Router.HealthURL = c.Router.APIURL + "/v3/paths/list"
	}
	if c.Detection.ServiceURL == "" {
		c.Detection.ServiceURL = "http://127.0.0.1:8500"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
