package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/argus-nvr/argus/internal/store"
)

const defaultEventLimit = 100

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.EventFilter{
		CameraID: q.Get("camera_id"),
		Limit:    defaultEventLimit,
	}
	if v := q.Get("start_ts"); v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			badRequest(w, "start_ts must be a unix timestamp")
			return
		}
		filter.From = time.Unix(ts, 0).UTC()
	}
	if v := q.Get("end_ts"); v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			badRequest(w, "end_ts must be a unix timestamp")
			return
		}
		filter.To = time.Unix(ts, 0).UTC()
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 1000 {
			badRequest(w, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			badRequest(w, "offset must not be negative")
			return
		}
		filter.Offset = offset
	}

	events, err := s.store.Events.List(r.Context(), currentUser(r).ID, filter)
	if err != nil {
		internalError(w)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleEventSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	to := time.Now().UTC()
	from := to.AddDate(0, -1, 0)
	if v := q.Get("start_ts"); v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			badRequest(w, "start_ts must be a unix timestamp")
			return
		}
		from = time.Unix(ts, 0).UTC()
	}
	if v := q.Get("end_ts"); v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			badRequest(w, "end_ts must be a unix timestamp")
			return
		}
		to = time.Unix(ts, 0).UTC()
	}

	var offset time.Duration
	if v := q.Get("tz_offset"); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil {
			badRequest(w, "tz_offset must be minutes east of UTC")
			return
		}
		offset = time.Duration(minutes) * time.Minute
	} else {
		_, seconds := time.Now().Zone()
		offset = time.Duration(seconds) * time.Second
	}

	summary, err := s.store.Events.Summary(r.Context(), currentUser(r).ID,
		from, to, offset, q.Get("camera_id"))
	if err != nil {
		internalError(w)
		return
	}
	if summary == nil {
		summary = []store.DaySummary{}
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.store.Events.Delete(r.Context(), currentUser(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err)
		return
	}
	s.removeEventFiles(ev)
	noContent(w)
}

// handleBatchDeleteEvents removes the named events. Ids that do not
// exist, or belong to someone else, are silently skipped.
func (s *Server) handleBatchDeleteEvents(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventIDs []string `json:"event_ids"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	deleted, err := s.store.Events.DeleteBatch(r.Context(), currentUser(r).ID, req.EventIDs)
	if err != nil {
		internalError(w)
		return
	}
	for _, ev := range deleted {
		s.removeEventFiles(ev)
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": len(deleted)})
}

func (s *Server) removeEventFiles(ev *store.Event) {
	dir := s.storage.EventsDir(ev.CameraID)
	for _, name := range []string{ev.VideoPath, ev.ThumbnailPath} {
		if name == "" {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove event file", "event", ev.ID, "file", name, "error", err)
		}
	}
}
