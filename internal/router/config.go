// Package router manages the external media router (MediaMTX): its
// generated configuration, its control API and, optionally, its
// process lifetime. Cameras publish nothing themselves; the router
// pulls RTSP sources and exposes WHEP playback and disk recording.
package router

import (
	"bytes"
	"fmt"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the generated MediaMTX configuration. Only the fields the
// recorder controls are emitted; everything else stays at the router's
// defaults.
type Config struct {
	RTSPAddress       string                `yaml:"rtspAddress,omitempty"`
	WebRTCAddress     string                `yaml:"webrtcAddress,omitempty"`
	HLS               bool                  `yaml:"hls"`
	API               bool                  `yaml:"api"`
	APIAddress        string                `yaml:"apiAddress,omitempty"`
	AuthMethod        string                `yaml:"authMethod,omitempty"`
	AuthHTTPAddress   string                `yaml:"authHTTPAddress,omitempty"`
	AuthInternalUsers []AuthInternalUser    `yaml:"authInternalUsers,omitempty"`
	PathDefaults      PathDefaults          `yaml:"pathDefaults"`
	Paths             map[string]PathConfig `yaml:"paths"`
}

// PathDefaults applies to every path unless overridden.
type PathDefaults struct {
	Record                bool   `yaml:"record"`
	RecordFormat          string `yaml:"recordFormat,omitempty"`
	RecordPartDuration    string `yaml:"recordPartDuration,omitempty"`
	RecordSegmentDuration string `yaml:"recordSegmentDuration,omitempty"`
}

// PathConfig is one stream path.
type PathConfig struct {
	Source         string `yaml:"source,omitempty" json:"source,omitempty"`
	SourceOnDemand bool   `yaml:"sourceOnDemand" json:"sourceOnDemand"`
	Record         bool   `yaml:"record" json:"record"`
	RecordPath     string `yaml:"recordPath,omitempty" json:"recordPath,omitempty"`
}

// AuthInternalUser grants access to the router's surfaces.
type AuthInternalUser struct {
	User        string           `yaml:"user" json:"user"`
	Pass        string           `yaml:"pass,omitempty" json:"pass,omitempty"`
	IPs         []string         `yaml:"ips,omitempty" json:"ips,omitempty"`
	Permissions []AuthPermission `yaml:"permissions,omitempty" json:"permissions,omitempty"`
}

// AuthPermission is one allowed action, optionally path-scoped.
type AuthPermission struct {
	Action string `yaml:"action" json:"action"`
	Path   string `yaml:"path,omitempty" json:"path,omitempty"`
}

// CameraPath is the desired router state for one camera.
type CameraPath struct {
	Name       string // stream path slug
	Source     string // RTSP source URL
	Record     bool
	ArchiveDir string // per-camera archive directory
}

// ViewerCred is an ephemeral read-only credential scoped to one path.
type ViewerCred struct {
	User string
	Pass string
	Path string
}

// TestPath is a short-lived probe path for connection testing.
type TestPath struct {
	Name   string
	Source string
}

// State is the full desired router state.
type State struct {
	Cameras     []CameraPath
	ViewerCreds []ViewerCred
	TestPaths   []TestPath
}

// Archive segment length. Segments are cut on clock quarters so the
// filename timestamp doubles as the index key.
const segmentDuration = "900s"

// Builder renders desired state into a router configuration.
type Builder struct {
	RTSPPort   int
	WebRTCPort int
	APIURL     string
	AdminUser  string
	AdminPass  string

	// AuthCallbackURL makes the router defer read authentication to
	// our stream-auth endpoint, which is how viewer credentials report
	// first use. Empty keeps the internal user list authoritative.
	AuthCallbackURL string
}

func (b Builder) Build(state State) Config {
	cfg := Config{
		RTSPAddress:   fmt.Sprintf(":%d", b.RTSPPort),
		WebRTCAddress: fmt.Sprintf(":%d", b.WebRTCPort),
		HLS:           false,
		API:           true,
		APIAddress:    ":9997",
		PathDefaults: PathDefaults{
			Record:                false,
			RecordFormat:          "fmp4",
			RecordPartDuration:    "1s",
			RecordSegmentDuration: segmentDuration,
		},
		Paths: make(map[string]PathConfig),
	}

	if b.AuthCallbackURL != "" {
		cfg.AuthMethod = "http"
		cfg.AuthHTTPAddress = b.AuthCallbackURL
	}
	if b.AdminUser != "" {
		cfg.AuthInternalUsers = append(cfg.AuthInternalUsers, AuthInternalUser{
			User: b.AdminUser,
			Pass: b.AdminPass,
			// Read lets the clip recorder pull RTSP for live dumps.
			Permissions: []AuthPermission{{Action: "api"}, {Action: "read"}},
		})
	}
	for _, cred := range state.ViewerCreds {
		cfg.AuthInternalUsers = append(cfg.AuthInternalUsers, AuthInternalUser{
			User: cred.User,
			Pass: cred.Pass,
			Permissions: []AuthPermission{
				{Action: "read", Path: cred.Path},
			},
		})
	}

	for _, cam := range state.Cameras {
		pc := PathConfig{
			Source:         cam.Source,
			SourceOnDemand: false,
			Record:         cam.Record,
		}
		if cam.Record {
			pc.RecordPath = filepath.Join(cam.ArchiveDir, "%Y%m%d_%H%M%S")
		}
		cfg.Paths[cam.Name] = pc
	}

	for _, tp := range state.TestPaths {
		cfg.Paths[tp.Name] = PathConfig{
			Source:         tp.Source,
			SourceOnDemand: false,
			Record:         false,
		}
	}

	return cfg
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
