package web

import (
	"net/http"
	"time"

	"github.com/soucevi1/diploma-thesis-server/internal/config"
	"github.com/soucevi1/diploma-thesis-server/internal/ingest"
	"github.com/soucevi1/diploma-thesis-server/internal/logging"
	"github.com/soucevi1/diploma-thesis-server/internal/model"
	"github.com/soucevi1/diploma-thesis-server/internal/storage"
)

// Controller is the part of the connection registry exposed over HTTP.
type Controller interface {
	List() []model.ConnectionInfo
	Info(id string) (model.ConnectionInfo, error)
	Remove(id string, manual bool) error
	Active() string
	SetActive(id string) (string, error)
	ClearActive()
	StartRecording(id string) (model.Recording, error)
	StopRecording(id string) (model.Recording, error)
	BufferSize() int
}

// Server is the HTTP control API.
type Server struct {
	cfg     config.WebConfig
	reg     Controller
	events  storage.EventStore
	catalog storage.RecordingCatalog
	mux     *http.ServeMux
	srv     *http.Server
	log     *logging.Logger

	stats          func() ingest.Stats
	bytesPerSecond int
	version        string
	startTime      time.Time
}

// NewServer creates a new API server. catalog may be nil when SQLite
// storage is disabled.
func NewServer(cfg config.WebConfig, reg Controller, events storage.EventStore, catalog storage.RecordingCatalog) *Server {
	s := &Server{
		cfg:       cfg,
		reg:       reg,
		events:    events,
		catalog:   catalog,
		mux:       http.NewServeMux(),
		log:       logging.Default().Named("web"),
		startTime: time.Now(),
	}

	s.mux.HandleFunc("GET /api/connections", s.handleListConnections)
	s.mux.HandleFunc("GET /api/connections/{id}", s.handleGetConnection)
	s.mux.HandleFunc("DELETE /api/connections/{id}", s.handleRemoveConnection)
	s.mux.HandleFunc("POST /api/connections/{id}/recording", s.handleStartRecording)
	s.mux.HandleFunc("DELETE /api/connections/{id}/recording", s.handleStopRecording)
	s.mux.HandleFunc("GET /api/active", s.handleGetActive)
	s.mux.HandleFunc("PUT /api/active", s.handleSetActive)
	s.mux.HandleFunc("DELETE /api/active", s.handleClearActive)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/recordings", s.handleRecordings)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)

	s.srv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          s.log.StdLogger(logging.WARN),
	}

	return s
}

// Start begins listening and serving HTTP requests. It blocks until the server
// is shut down or encounters a fatal error.
func (s *Server) Start() error {
	s.log.Info("Web server listening on %s", s.cfg.Listen)
	return s.srv.ListenAndServe()
}

// Stop shuts down the web server.
func (s *Server) Stop() error {
	return s.srv.Close()
}

// SetInfo configures what the stats endpoint reports besides the registry.
func (s *Server) SetInfo(stats func() ingest.Stats, bytesPerSecond int, version string, startTime time.Time) {
	s.stats = stats
	s.bytesPerSecond = bytesPerSecond
	s.version = version
	s.startTime = startTime
}

// Mux returns the underlying ServeMux for testing purposes.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}
