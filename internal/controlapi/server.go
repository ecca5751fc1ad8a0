// Package controlapi is the control API: a thin JSON/SSE HTTP surface over
// the routing engine, for rule management, start/stop control, and a live
// feed of classification and routing events.
package controlapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"splitrouted/internal/controlauth"
	"splitrouted/internal/engine"
	"splitrouted/internal/matcher"
	"splitrouted/internal/util"
)

// StatusPayload summarises engine run state for the dashboard.
type StatusPayload struct {
	Running      bool           `json:"running"`
	Rules        []matcher.Rule `json:"rules"`
	VPNInterface string         `json:"vpnInterface,omitempty"`
	VPNAddress   string         `json:"vpnAddress,omitempty"`
}

// Server wires the engine and auth manager to an HTTP handler.
type Server struct {
	engine *engine.Engine
	auth   *controlauth.Manager
	cfg    engine.Config

	mu      sync.Mutex
	running bool

	watchersMu sync.Mutex
	watchers   map[chan streamMessage]struct{}
}

// New creates a control API server for the given engine and start config.
func New(eng *engine.Engine, auth *controlauth.Manager, cfg engine.Config) *Server {
	return &Server{
		engine:   eng,
		auth:     auth,
		cfg:      cfg,
		watchers: make(map[chan streamMessage]struct{}),
	}
}

// Router constructs the http.Handler with all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/api/login", s.handleLogin)

	r.Group(func(api chi.Router) {
		api.Use(s.requireAuth(controlauth.ScopeRead))
		api.Get("/api/status", s.handleStatus)
		api.Get("/api/rules", s.handleGetRules)
		api.Get("/api/stream", s.handleStream)
	})

	r.Group(func(api chi.Router) {
		api.Use(s.requireAuth(controlauth.ScopeControl))
		api.Post("/api/start", s.handleStart)
		api.Post("/api/stop", s.handleStop)
		api.Put("/api/rules", s.handleSetRules)
		api.Post("/api/auth/token", s.handleRegenerateToken)
	})

	return r
}

// StartEventPump drains engine events into the SSE broadcaster until stop
// is closed.
func (s *Server) StartEventPump(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-s.engine.Events():
			if !ok {
				return
			}
			s.broadcastEvent(ev)
		}
	}
}

func (s *Server) requireAuth(scope controlauth.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if !s.auth.ValidateToken(token, scope) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ReadToken string `json:"readToken"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !s.auth.CheckPassword(req.Password) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	token, err := s.auth.GetToken(controlauth.ScopeControl)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	readToken, err := s.auth.GetToken(controlauth.ScopeRead)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ReadToken: readToken})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	payload := StatusPayload{Running: running, Rules: s.engine.Rules(), VPNInterface: s.cfg.VPNInterface}
	if running && s.cfg.VPNInterface != "" {
		if addr, err := util.InterfaceIPv4(s.cfg.VPNInterface); err == nil {
			payload.VPNAddress = addr
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.Start(s.cfg); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.running = true
	writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.Stop(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.running = false
	writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Rules())
}

func (s *Server) handleSetRules(w http.ResponseWriter, r *http.Request) {
	var rules []matcher.Rule
	if err := json.NewDecoder(r.Body).Decode(&rules); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.engine.SetRules(rules); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Rules())
}

func (s *Server) handleRegenerateToken(w http.ResponseWriter, r *http.Request) {
	scope := controlauth.ScopeControl
	if r.URL.Query().Get("scope") == "read" {
		scope = controlauth.ScopeRead
	}
	token, err := s.auth.RegenerateToken(scope)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
