package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/argus-nvr/argus/internal/store"
)

const maxBodyBytes = 1 << 20

// errorBody is the error envelope every failed request returns.
type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}

func badRequest(w http.ResponseWriter, detail string) {
	writeError(w, http.StatusBadRequest, detail)
}

func unauthorized(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "invalid or expired credentials")
}

// notFound serves both missing and foreign resources, so an id's
// existence never leaks across accounts.
func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func conflict(w http.ResponseWriter, detail string) {
	writeError(w, http.StatusConflict, detail)
}

func internalError(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, "internal error")
}

func noContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// storeError maps repository sentinels onto HTTP statuses.
func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		notFound(w)
	case errors.Is(err, store.ErrConflict):
		conflict(w, "conflict")
	default:
		internalError(w)
	}
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown
// fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, "malformed request body")
		return false
	}
	return true
}
