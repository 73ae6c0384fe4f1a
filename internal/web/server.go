// Package web serves the operator JSON API and the live websocket feed.
package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"oee-monitor/internal/production"
	"oee-monitor/internal/rules"
	"oee-monitor/internal/setup"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication on /api/.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets the allowed CORS and websocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithRules exposes the rule engine and its scripts.
func WithRules(engine *rules.Engine, mgr *rules.Manager) ServerOption {
	return func(s *Server) {
		s.ruleEngine = engine
		s.ruleMgr = mgr
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP front of one production state.
type Server struct {
	state          *production.State
	pipeline       *setup.Pipeline
	hub            *Hub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	ruleEngine     *rules.Engine
	ruleMgr        *rules.Manager
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the server and starts its websocket hub. Every
// production event is pushed to connected clients.
func NewServer(state *production.State, pipeline *setup.Pipeline, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		state:    state,
		pipeline: pipeline,
		logger:   logger.With("component", "web"),
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.hub = NewHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run()
	}()
	s.unsubEvents = state.Events().OnAll(func(ev production.Event) {
		s.hub.Broadcast(ev)
	})

	s.routes()
	return s
}

// Stop unsubscribes from events, closes websocket clients and waits for the hub.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.hub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/state", s.handleState)
	s.mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	s.mux.HandleFunc("PATCH /api/settings", s.handlePatchSettings)
	s.mux.HandleFunc("GET /api/shifts", s.handleShifts)
	s.mux.HandleFunc("PUT /api/shifts/current", s.handleSetCurrentShift)
	s.mux.HandleFunc("POST /api/live/refresh", s.handleRefresh)
	s.mux.HandleFunc("PUT /api/view", s.handleSetView)
	s.mux.HandleFunc("PUT /api/poll-interval", s.handleSetPollInterval)

	s.mux.HandleFunc("GET /api/setup", s.handleSetup)
	s.mux.HandleFunc("POST /api/setup/load", s.handleSetupLoad)
	s.mux.HandleFunc("POST /api/setup/plant", s.handleSetupPlant)
	s.mux.HandleFunc("POST /api/setup/sector", s.handleSetupSector)
	s.mux.HandleFunc("POST /api/setup/line", s.handleSetupLine)
	s.mux.HandleFunc("POST /api/setup/product", s.handleSetupProduct)
	s.mux.HandleFunc("POST /api/setup/commit", s.handleSetupCommit)

	s.mux.HandleFunc("GET /api/rules", s.handleListRules)
	s.mux.HandleFunc("GET /api/rules/{id}", s.handleGetRule)
	s.mux.HandleFunc("POST /api/rules/{id}/run", s.handleRunRule)

	s.mux.HandleFunc("GET /api/version", s.handleVersion)
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying CORS and API key checks.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		if origin := r.Header.Get("Origin"); origin != "" {
			if r.Method == http.MethodOptions {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// The websocket upgrade cannot carry custom headers, so only /api/ is keyed.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
