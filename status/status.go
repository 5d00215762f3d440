// Package status is the Status Endpoint: a minimal HTTP surface exposing
// /healthz and /api/summary, adapted from web.Server (same
// http.Server-with-graceful-shutdown shape and per-request debug logging)
// down to the two read-only routes a daemon actually needs, dropping the
// dashboard's process/network/sigma-rule-editing surface entirely.
package status

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/snitchd/snitchd/execache"
	"github.com/snitchd/snitchd/recordstore"
	"github.com/snitchd/snitchd/sigma"
)

// Server serves the daemon's health and summary endpoints.
type Server struct {
	db      *sql.DB
	store   *recordstore.Store
	cache   *execache.Cache
	detector *sigma.Detector
	logger  *slog.Logger
	addr    string

	startedAt time.Time
}

// New builds a Server listening on HOST/PORT env vars, defaulting to
// localhost:5100.
func New(db *sql.DB, store *recordstore.Store, cache *execache.Cache, detector *sigma.Detector, logger *slog.Logger) *Server {
	host := os.Getenv("HOST")
	if host == "" {
		host = "localhost"
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "5100"
	}
	return &Server{
		db:        db,
		store:     store,
		cache:     cache,
		detector:  detector,
		logger:    logger,
		addr:      host + ":" + port,
		startedAt: time.Now(),
	}
}

type summary struct {
	UptimeSeconds  float64        `json:"uptime_seconds"`
	CachedExes     int            `json:"cached_executables"`
	ActiveRules    int            `json:"active_rules"`
	Detections     map[string]int `json:"detections_by_severity"`
	KnownExecutables int          `json:"known_executables"`
}

// Start runs the HTTP server until ctx is cancelled, shutting down within 5
// seconds of cancellation the way web.Server.Start does.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.logged(s.handleHealthz))
	mux.HandleFunc("/api/summary", s.logged(s.handleSummary))

	srv := &http.Server{Addr: s.addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("status server shutdown", "error", err)
		}
	}()

	s.logger.Info("status server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) logged(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("status request", "method", r.Method, "path", r.URL.Path)
		h(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.db.Ping(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum := summary{
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		CachedExes:    s.cache.Len(),
		Detections:    map[string]int{},
	}
	if s.detector != nil {
		stats := s.detector.Stats()
		sum.ActiveRules = stats.ActiveRules
		sum.Detections = stats.SeverityCounts
	}
	if s.store != nil {
		sum.KnownExecutables = s.store.Count()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sum)
}
