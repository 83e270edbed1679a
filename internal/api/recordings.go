package api

import (
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// parseDayQuery reads date_str (local YYYY-MM-DD) and tz_offset
// (minutes east of UTC, default server zone) from the query.
func parseDayQuery(r *http.Request) (day time.Time, offset time.Duration, err error) {
	day, err = time.Parse("2006-01-02", r.URL.Query().Get("date_str"))
	if err != nil {
		return time.Time{}, 0, err
	}

	if v := r.URL.Query().Get("tz_offset"); v != "" {
		minutes, perr := strconv.Atoi(v)
		if perr != nil {
			return time.Time{}, 0, perr
		}
		return day, time.Duration(minutes) * time.Minute, nil
	}
	_, seconds := time.Now().Zone()
	return day, time.Duration(seconds) * time.Second, nil
}

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	cam, err := s.store.Cameras.Get(r.Context(), currentUser(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err)
		return
	}
	day, offset, err := parseDayQuery(r)
	if err != nil {
		badRequest(w, "date_str must be YYYY-MM-DD")
		return
	}

	from := day.Add(-offset)
	segments, err := s.recording.Timeline().SegmentsCovering(r.Context(), cam.ID, from, from.Add(24*time.Hour))
	if err != nil {
		internalError(w)
		return
	}

	type recordingEntry struct {
		Filename string    `json:"filename"`
		URL      string    `json:"url"`
		Time     time.Time `json:"time"`
		Duration float64   `json:"duration"`
	}
	entries := make([]recordingEntry, 0, len(segments))
	for _, seg := range segments {
		entries = append(entries, recordingEntry{
			Filename: seg.Filename,
			URL: "/api/download?path=" + url.QueryEscape(
				path.Join("continuous", cam.ID, seg.Filename)),
			Time:     seg.StartTime,
			Duration: seg.Duration,
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRecordingTimeline(w http.ResponseWriter, r *http.Request) {
	cam, err := s.store.Cameras.Get(r.Context(), currentUser(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err)
		return
	}
	day, offset, err := parseDayQuery(r)
	if err != nil {
		badRequest(w, "date_str must be YYYY-MM-DD")
		return
	}

	spans, err := s.recording.Timeline().Day(r.Context(), cam.ID, day, offset)
	if err != nil {
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, spans)
}

func (s *Server) handleWipeRecordings(w http.ResponseWriter, r *http.Request) {
	cam, err := s.store.Cameras.Get(r.Context(), currentUser(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err)
		return
	}

	removed, err := s.recording.Wipe(r.Context(), cam.ID)
	if err != nil {
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": removed})
}
