package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/argus-nvr/argus/internal/store"
)

type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryTotal   uint64  `json:"memory_total"`
	MemoryUsed    uint64  `json:"memory_used"`
	DiskTotal     uint64  `json:"disk_total"`
	DiskFree      uint64  `json:"disk_free"`
	BusConnected  bool    `json:"bus_connected"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		BusConnected:  s.bus.Healthy(),
	}

	if percents, err := cpu.PercentWithContext(r.Context(), 0, false); err == nil && len(percents) > 0 {
		resp.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemoryTotal = vm.Total
		resp.MemoryUsed = vm.Used
	}
	if usage, err := disk.Usage(s.storage.Root); err == nil {
		resp.DiskTotal = usage.Total
		resp.DiskFree = usage.Free
	}
	if !resp.BusConnected {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.Settings.Get(r.Context())
	if err != nil {
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings store.Settings
	if !decodeJSON(w, r, &settings) {
		return
	}
	if err := s.store.Settings.Update(r.Context(), &settings); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// streamAuthRequest is the router's external auth callback body. The
// router sends more fields than the decision needs.
type streamAuthRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
	IP       string `json:"ip"`
	Action   string `json:"action"`
	Path     string `json:"path"`
}

// handleStreamAuth answers the router's per-connection auth callback:
// 2xx admits, anything else refuses. The router's admin identity passes
// for every action; viewer credentials pass for reads only, and a pass
// here starts the credential's used lifetime.
func (s *Server) handleStreamAuth(w http.ResponseWriter, r *http.Request) {
	var req streamAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if s.RouterAdminUser != "" &&
		subtle.ConstantTimeCompare([]byte(req.User), []byte(s.RouterAdminUser)) == 1 &&
		subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.RouterAdminPass)) == 1 {
		w.WriteHeader(http.StatusOK)
		return
	}
	if req.Action == "read" && s.creds.Authenticate(req.User, req.Password, req.Path) {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusUnauthorized)
}

// handleWebRTCCreds mints an ephemeral viewer credential for WHEP
// playback.
func (s *Server) handleWebRTCCreds(w http.ResponseWriter, r *http.Request) {
	cred, err := s.creds.Issue("")
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "credential pool exhausted, retry shortly")
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

// handleDownload streams an archive segment or event artifact. The
// path must stay under the storage root and name a camera the caller
// owns.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	cameraID, ok := downloadCamera(rel)
	if !ok {
		badRequest(w, "invalid download path")
		return
	}

	// Ownership check doubles as the existence check; a foreign camera
	// reads as missing.
	if _, err := s.store.Cameras.Get(r.Context(), currentUser(r).ID, cameraID); err != nil {
		storeError(w, err)
		return
	}

	full := filepath.Join(s.storage.Root, filepath.FromSlash(path.Clean(rel)))
	http.ServeFile(w, r, full)
}

// downloadCamera validates the relative path shape
// (continuous|events)/<cameraID>/<file> and extracts the camera id.
func downloadCamera(rel string) (string, bool) {
	if rel == "" || strings.Contains(rel, "..") || strings.HasPrefix(rel, "/") {
		return "", false
	}
	parts := strings.Split(path.Clean(rel), "/")
	if len(parts) != 3 {
		return "", false
	}
	if parts[0] != "continuous" && parts[0] != "events" {
		return "", false
	}
	if parts[1] == "" || parts[2] == "" {
		return "", false
	}
	return parts[1], true
}
