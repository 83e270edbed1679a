package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/argus-nvr/argus/internal/auth"
)

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentUser(r))
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.DisplayName == "" {
		badRequest(w, "display_name must not be empty")
		return
	}

	user := currentUser(r)
	if err := s.store.Users.UpdateDisplayName(r.Context(), user.ID, req.DisplayName); err != nil {
		storeError(w, err)
		return
	}
	user.DisplayName = req.DisplayName
	writeJSON(w, http.StatusOK, user)
}

// handleChangePassword verifies the current password, stores the new
// hash and revokes every outstanding token.
func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Current string `json:"current"`
		New     string `json:"new"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.New) < minPasswordLength {
		badRequest(w, "password must be at least 8 characters")
		return
	}

	user := currentUser(r)
	ok, err := auth.CheckPassword(req.Current, user.PasswordHash)
	if err != nil || !ok {
		writeError(w, http.StatusForbidden, "current password is incorrect")
		return
	}

	hash, err := auth.HashPassword(req.New)
	if err != nil {
		internalError(w)
		return
	}
	if err := s.store.Users.UpdatePassword(r.Context(), user.ID, hash); err != nil {
		storeError(w, err)
		return
	}
	if err := s.store.Users.BumpTokensValidFrom(r.Context(), user.ID, time.Now().UTC()); err != nil {
		storeError(w, err)
		return
	}
	noContent(w)
}

// handleLogoutAll invalidates every token issued before now.
func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if err := s.store.Users.BumpTokensValidFrom(r.Context(), user.ID, time.Now().UTC()); err != nil {
		storeError(w, err)
		return
	}
	noContent(w)
}
