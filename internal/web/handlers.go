package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/soucevi1/diploma-thesis-server/internal/connection"
	"github.com/soucevi1/diploma-thesis-server/internal/ingest"
	"github.com/soucevi1/diploma-thesis-server/internal/model"
)

const (
	defaultEventWindow     = 24 * time.Hour
	defaultRecordingWindow = 7 * 24 * time.Hour
	defaultLimit           = 100
	maxBodyBytes           = 4096
)

var errNoActive = errors.New("no active connection")

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
}

// ActiveResponse is returned by the active-sender endpoints.
type ActiveResponse struct {
	ID       string `json:"id"`
	Previous string `json:"previous,omitempty"`
}

// StatsResponse is returned by GET /api/stats.
type StatsResponse struct {
	Version        string        `json:"version,omitempty"`
	Uptime         string        `json:"uptime"`
	Connections    int           `json:"connections"`
	Recording      int           `json:"recording"`
	Active         string        `json:"active"`
	BufferSize     int           `json:"buffer_size"`
	PreRollSeconds float64       `json:"preroll_seconds"`
	Ingest         *ingest.Stats `json:"ingest,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps registry and connection errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrInvalidSenderID):
		status = http.StatusBadRequest
	case errors.Is(err, connection.ErrNotFound), errors.Is(err, errNoActive):
		status = http.StatusNotFound
	case errors.Is(err, connection.ErrAlreadyRecording),
		errors.Is(err, connection.ErrNotRecording),
		errors.Is(err, connection.ErrFileExists):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.Error("Request failed: %v", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// senderID resolves the {id} path value, accepting "a" or "active" for the
// current active sender.
func (s *Server) senderID(raw string) (string, error) {
	switch strings.TrimSpace(raw) {
	case "a", "active":
		id := s.reg.Active()
		if id == "" {
			return "", errNoActive
		}
		return id, nil
	}
	return model.ParseSenderID(raw)
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.List())
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	id, err := s.senderID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	info, err := s.reg.Info(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRemoveConnection(w http.ResponseWriter, r *http.Request) {
	id, err := s.senderID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.reg.Remove(id, true); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	id, err := s.senderID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	rec, err := s.reg.StartRecording(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	id, err := s.senderID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	rec, err := s.reg.StopRecording(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetActive(w http.ResponseWriter, r *http.Request) {
	id := s.reg.Active()
	if id == "" {
		s.writeError(w, errNoActive)
		return
	}
	writeJSON(w, http.StatusOK, ActiveResponse{ID: id})
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	id, err := model.ParseSenderID(body.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	previous, err := s.reg.SetActive(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ActiveResponse{ID: id, Previous: previous})
}

func (s *Server) handleClearActive(w http.ResponseWriter, r *http.Request) {
	s.reg.ClearActive()
	w.WriteHeader(http.StatusNoContent)
}

// queryWindow parses the optional "since" and "limit" parameters.
func queryWindow(r *http.Request, defWindow time.Duration) (time.Duration, int, error) {
	window := defWindow
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return 0, 0, errors.New("invalid since duration")
		}
		window = d
	}
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = n
	}
	return window, limit, nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	window, limit, err := queryWindow(r, defaultEventWindow)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	events, err := s.events.Recent(window, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "recording catalog disabled"})
		return
	}
	window, limit, err := queryWindow(r, defaultRecordingWindow)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	sender := ""
	if v := r.URL.Query().Get("sender"); v != "" {
		if sender, err = model.ParseSenderID(v); err != nil {
			s.writeError(w, err)
			return
		}
	}
	recs, err := s.catalog.Recordings(window, sender, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []model.Recording{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	conns := s.reg.List()
	resp := StatsResponse{
		Version:     s.version,
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		Connections: len(conns),
		Active:      s.reg.Active(),
		BufferSize:  s.reg.BufferSize(),
	}
	for _, c := range conns {
		if c.State == model.StateRecording {
			resp.Recording++
		}
	}
	if s.bytesPerSecond > 0 {
		resp.PreRollSeconds = float64(resp.BufferSize) / float64(s.bytesPerSecond)
	}
	if s.stats != nil {
		st := s.stats()
		resp.Ingest = &st
	}
	writeJSON(w, http.StatusOK, resp)
}
