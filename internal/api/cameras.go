package api

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/argus-nvr/argus/internal/detect"
	"github.com/argus-nvr/argus/internal/store"
)

type cameraPatch struct {
	Name                *string `json:"name"`
	RTSPURL             *string `json:"rtsp_url"`
	RTSPSubstreamURL    *string `json:"rtsp_substream_url"`
	Mode                *string `json:"mode"`
	Sensitivity         *int    `json:"sensitivity"`
	ROIMask             *string `json:"roi_mask"`
	ObjectClasses       *string `json:"object_classes"`
	ContinuousRecording *bool   `json:"continuous_recording"`
}

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	cameras, err := s.store.Cameras.List(r.Context(), currentUser(r).ID)
	if err != nil {
		internalError(w)
		return
	}
	if cameras == nil {
		cameras = []*store.Camera{}
	}
	writeJSON(w, http.StatusOK, cameras)
}

func (s *Server) handleCreateCamera(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name                string `json:"name"`
		RTSPURL             string `json:"rtsp_url"`
		RTSPSubstreamURL    string `json:"rtsp_substream_url"`
		Mode                string `json:"mode"`
		Sensitivity         int    `json:"sensitivity"`
		ROIMask             string `json:"roi_mask"`
		ContinuousRecording bool   `json:"continuous_recording"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		badRequest(w, "name must not be empty")
		return
	}
	if !validRTSPURL(req.RTSPURL) {
		badRequest(w, "rtsp_url must be an rtsp:// URL")
		return
	}
	if req.RTSPSubstreamURL != "" && !validRTSPURL(req.RTSPSubstreamURL) {
		badRequest(w, "rtsp_substream_url must be an rtsp:// URL")
		return
	}
	mode, ok := parseMode(req.Mode)
	if !ok {
		badRequest(w, "mode must be off, motion or ai")
		return
	}
	// Zero means "not set"; the store fills in the default.
	if req.Sensitivity != 0 && (req.Sensitivity < 1 || req.Sensitivity > 100) {
		badRequest(w, "sensitivity must be between 1 and 100")
		return
	}
	if !detect.ValidROIMask(req.ROIMask) {
		badRequest(w, "roi_mask must be a comma-separated list of cell indices 0-99")
		return
	}

	cam := &store.Camera{
		UserID:              currentUser(r).ID,
		Name:                req.Name,
		RTSPURL:             req.RTSPURL,
		RTSPSubstreamURL:    req.RTSPSubstreamURL,
		Mode:                mode,
		Sensitivity:         req.Sensitivity,
		ROIMask:             req.ROIMask,
		ContinuousRecording: req.ContinuousRecording,
	}
	if err := s.store.Cameras.Create(r.Context(), cam); err != nil {
		storeError(w, err)
		return
	}
	if err := s.recording.AddCamera(r.Context(), cam.ID); err != nil {
		s.logger.Error("Failed to start archive indexing", "camera", cam.ID, "error", err)
	}
	s.reconcile(r.Context())
	writeJSON(w, http.StatusCreated, cam)
}

func (s *Server) handleGetCamera(w http.ResponseWriter, r *http.Request) {
	cam, err := s.store.Cameras.Get(r.Context(), currentUser(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cam)
}

func (s *Server) handlePatchCamera(w http.ResponseWriter, r *http.Request) {
	cam, err := s.store.Cameras.Get(r.Context(), currentUser(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err)
		return
	}

	var patch cameraPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	if !applyPatch(cam, patch, w) {
		return
	}

	if err := s.store.Cameras.Update(r.Context(), cam); err != nil {
		storeError(w, err)
		return
	}
	s.reconcile(r.Context())
	writeJSON(w, http.StatusOK, cam)
}

func (s *Server) handleDeleteCamera(w http.ResponseWriter, r *http.Request) {
	cam, err := s.store.Cameras.Get(r.Context(), currentUser(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err)
		return
	}

	// Row first: the FK cascade clears segments and events, then the
	// file trees go.
	if err := s.store.Cameras.Delete(r.Context(), cam.UserID, cam.ID); err != nil {
		storeError(w, err)
		return
	}
	if err := s.recording.RemoveCamera(r.Context(), cam.ID); err != nil {
		s.logger.Error("Failed to remove camera files", "camera", cam.ID, "error", err)
	}
	s.webhook.Invalidate(cam.Path)
	s.reconcile(r.Context())
	noContent(w)
}

func (s *Server) handleReorderCameras(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CameraIDs []string `json:"camera_ids"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.CameraIDs) == 0 {
		badRequest(w, "camera_ids must not be empty")
		return
	}
	if err := s.store.Cameras.Reorder(r.Context(), currentUser(r).ID, req.CameraIDs); err != nil {
		storeError(w, err)
		return
	}
	noContent(w)
}

// handleTestConnection registers a short-lived router path for the
// given source so the browser can probe it over WHEP.
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RTSPURL string `json:"rtsp_url"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !validRTSPURL(req.RTSPURL) {
		badRequest(w, "rtsp_url must be an rtsp:// URL")
		return
	}

	name := "test_" + randomSlug()
	if err := s.syncer.AddTestPath(r.Context(), name, req.RTSPURL); err != nil {
		writeError(w, http.StatusBadGateway, "media router unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": name})
}

func applyPatch(cam *store.Camera, patch cameraPatch, w http.ResponseWriter) bool {
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			badRequest(w, "name must not be empty")
			return false
		}
		cam.Name = name
	}
	if patch.RTSPURL != nil {
		if !validRTSPURL(*patch.RTSPURL) {
			badRequest(w, "rtsp_url must be an rtsp:// URL")
			return false
		}
		cam.RTSPURL = *patch.RTSPURL
	}
	if patch.RTSPSubstreamURL != nil {
		if *patch.RTSPSubstreamURL != "" && !validRTSPURL(*patch.RTSPSubstreamURL) {
			badRequest(w, "rtsp_substream_url must be an rtsp:// URL")
			return false
		}
		cam.RTSPSubstreamURL = *patch.RTSPSubstreamURL
	}
	if patch.Mode != nil {
		mode, ok := parseMode(*patch.Mode)
		if !ok {
			badRequest(w, "mode must be off, motion or ai")
			return false
		}
		cam.Mode = mode
	}
	if patch.Sensitivity != nil {
		if *patch.Sensitivity < 1 || *patch.Sensitivity > 100 {
			badRequest(w, "sensitivity must be between 1 and 100")
			return false
		}
		cam.Sensitivity = *patch.Sensitivity
	}
	if patch.ROIMask != nil {
		if !detect.ValidROIMask(*patch.ROIMask) {
			badRequest(w, "roi_mask must be a comma-separated list of cell indices 0-99")
			return false
		}
		cam.ROIMask = *patch.ROIMask
	}
	if patch.ObjectClasses != nil {
		cam.ObjectClasses = *patch.ObjectClasses
	}
	if patch.ContinuousRecording != nil {
		cam.ContinuousRecording = *patch.ContinuousRecording
	}
	return true
}

func parseMode(s string) (store.DetectionMode, bool) {
	switch store.DetectionMode(s) {
	case store.ModeOff, store.ModeMotion, store.ModeAI:
		return store.DetectionMode(s), true
	case "":
		return store.ModeOff, true
	}
	return "", false
}

func validRTSPURL(url string) bool {
	return strings.HasPrefix(url, "rtsp://") && len(url) > len("rtsp://")
}

func randomSlug() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
