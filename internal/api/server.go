// Package api exposes the controller's status over HTTP: health, component
// status, Prometheus metrics and a websocket stream of tick reports.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"amp-controller/internal/config"
	"amp-controller/internal/models"
	"amp-controller/internal/observability"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type StatusProvider interface {
	GetStatus() map[string]interface{}
}

type TickSource interface {
	LastReport() models.TickReport
}

type Server struct {
	server  *http.Server
	config  *config.Config
	logger  *logrus.Logger
	metrics *observability.Metrics
	hub     *Hub
	ticks   TickSource

	components map[string]StatusProvider
	started    time.Time
}

func NewServer(cfg *config.Config, ticks TickSource, hub *Hub, metrics *observability.Metrics, logger *logrus.Logger) *Server {
	return &Server{
		config:     cfg,
		logger:     logger,
		metrics:    metrics,
		hub:        hub,
		ticks:      ticks,
		components: make(map[string]StatusProvider),
		started:    time.Now(),
	}
}

// AddComponent registers a named status section shown under /status.
func (s *Server) AddComponent(name string, provider StatusProvider) {
	s.components[name] = provider
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/health", s.metrics.WrapHandler("/health", http.HandlerFunc(s.healthHandler))).Methods("GET")
	r.Handle("/status", s.metrics.WrapHandler("/status", http.HandlerFunc(s.statusHandler))).Methods("GET")
	r.Handle("/status/{component}", s.metrics.WrapHandler("/status/{component}", http.HandlerFunc(s.componentHandler))).Methods("GET")
	r.Handle("/ticks/last", s.metrics.WrapHandler("/ticks/last", http.HandlerFunc(s.lastTickHandler))).Methods("GET")
	r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	// not wrapped: the upgrade needs the raw ResponseWriter
	r.HandleFunc("/ws", s.hub.handleWebSocket).Methods("GET")

	return r
}

// Handler is the router with access logging and panic recovery applied.
func (s *Server) Handler(accessLog io.Writer) http.Handler {
	recovery := handlers.RecoveryHandler(handlers.RecoveryLogger(s.logger), handlers.PrintRecoveryStack(false))
	return recovery(handlers.LoggingHandler(accessLog, s.Router()))
}

func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	accessLog := s.logger.WriterLevel(logrus.DebugLevel)
	defer accessLog.Close()

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(accessLog),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Infof("Starting status API on %s", addr)

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down status API...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	last := s.ticks.LastReport()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"state":     last.State,
		"last_tick": last.At,
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.components))
	for name := range s.components {
		names = append(names, name)
	}
	sort.Strings(names)

	status := make(map[string]interface{}, len(names)+1)
	for _, name := range names {
		status[name] = s.components[name].GetStatus()
	}
	status["subscribers"] = s.hub.Clients()
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) componentHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["component"]
	provider, ok := s.components[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown component " + name})
		return
	}
	writeJSON(w, http.StatusOK, provider.GetStatus())
}

func (s *Server) lastTickHandler(w http.ResponseWriter, r *http.Request) {
	last := s.ticks.LastReport()
	if last.ID == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no tick yet"})
		return
	}
	writeJSON(w, http.StatusOK, last)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
