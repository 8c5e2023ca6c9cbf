// Package api exposes the recorder over HTTP: status and control endpoints
// plus a websocket stream of lifecycle events.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pairstream/pairstream/internal/capture"
	"github.com/pairstream/pairstream/internal/compose"
	"github.com/pairstream/pairstream/internal/config"
	"github.com/pairstream/pairstream/internal/events"
	"github.com/pairstream/pairstream/internal/logger"
	"github.com/rs/zerolog"
)

// Server represents the HTTP API server
type Server struct {
	log          zerolog.Logger
	router       *mux.Router
	orchestrator *capture.Orchestrator
	configMgr    *config.Manager
	bus          *events.Bus
	upgrader     websocket.Upgrader
}

// NewServer creates a new API server
func NewServer(orchestrator *capture.Orchestrator, configMgr *config.Manager, bus *events.Bus) *Server {
	s := &Server{
		log:          logger.WithComponent("api").With().Logger(),
		router:       mux.NewRouter(),
		orchestrator: orchestrator,
		configMgr:    configMgr,
		bus:          bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Recorder state and control
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/record/start", s.handleRecordStart).Methods("POST")
	api.HandleFunc("/record/stop", s.handleRecordStop).Methods("POST")
	api.HandleFunc("/outputs", s.handleOutputs).Methods("GET")

	// Composition layout
	api.HandleFunc("/layout", s.handleGetLayout).Methods("GET")
	api.HandleFunc("/layout", s.handleSetLayout).Methods("PUT")

	// Configuration
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")

	// Lifecycle event stream
	api.HandleFunc("/events", s.handleEvents)

	// Health check
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start starts the HTTP server
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.log.Info().Str("addr", addr).Msg("Starting API server")
	return http.ListenAndServe(addr, s.enableCORS(s.router))
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HTTP Handlers

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"state":         s.orchestrator.State(),
		"quality":       s.orchestrator.QualityLevel(),
		"layout":        s.orchestrator.Layout(),
		"dropped_pairs": s.orchestrator.DroppedPairs(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (s *Server) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	mode, err := capture.ParseOutputMode(req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.orchestrator.StartRecording(mode); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "recording"})
}

func (s *Server) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.StopRecording(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.orchestrator.Outputs())
}

func (s *Server) handleOutputs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.orchestrator.Outputs())
}

func (s *Server) handleGetLayout(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.orchestrator.Layout())
}

func (s *Server) handleSetLayout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind            string  `json:"kind"`
		Corner          string  `json:"corner"`
		SizeFraction    float64 `json:"size_fraction"`
		PrimaryFraction float64 `json:"primary_fraction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	layout, err := compose.ParseLayout(req.Kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Corner != "" {
		corner, err := compose.ParseCorner(req.Corner)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		layout.Corner = corner
	}
	if req.SizeFraction > 0 {
		layout.SizeFraction = req.SizeFraction
	}
	if req.PrimaryFraction > 0 {
		layout.PrimaryFraction = req.PrimaryFraction
	}

	s.orchestrator.SetLayout(layout)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(layout.WithDefaults())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.configMgr.Get()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cfg)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	updates, cancel := s.bus.Subscribe(16)
	defer cancel()

	for event := range updates {
		if err := conn.WriteJSON(event); err != nil {
			s.log.Debug().Err(err).Msg("WebSocket write failed, closing")
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}
