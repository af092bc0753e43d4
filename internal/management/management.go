// Package management provides a lightweight HTTP API for runtime
// inspection and control of a running council process.
//
// Endpoints:
//
//	GET  /status               - process health, uptime, routing config
//	GET  /metrics               - metrics.Snapshot as JSON
//	POST /sessions/{id}/clear  - discard a session's retained history and vault tokens
//	GET  /tunnel/state          - cloud tunnel connection state and stats
package management

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"crypto/subtle"
	"strings"

	"github.com/superinstance/tripartite-council/internal/config"
	"github.com/superinstance/tripartite-council/internal/metrics"
	"github.com/superinstance/tripartite-council/internal/obslog"
	"github.com/superinstance/tripartite-council/internal/tunnel"
)

// SessionClearer is the narrow capability /sessions/{id}/clear needs
// from the council. Satisfied by *council.Council; management does
// not import internal/council directly to avoid a dependency cycle
// risk as the two packages grow (council may someday want to report
// its own operational status through this API).
type SessionClearer interface {
	ClearSession(sessionID string) error
}

// TunnelStatus is the narrow capability /tunnel/state needs from the
// cloud tunnel. Satisfied by *tunnel.Tunnel.
type TunnelStatus interface {
	State() tunnel.State
	Stats() tunnel.Stats
}

// Server is the management API server.
type Server struct {
	cfg       *config.Config
	startTime time.Time
	sessions  SessionClearer  // nil means /sessions/*/clear is unavailable
	tun       TunnelStatus    // nil means no cloud tunnel is configured
	token     string          // bearer token for auth; empty = no auth
	metrics   *metrics.Metrics // nil = no metrics
	log       *obslog.Logger
	httpSrv   *http.Server // assigned by ListenAndServe; nil until then
}

// New creates a management server. sessions and tun may be nil when
// the council was constructed without session retention or without a
// cloud tunnel, respectively; the corresponding endpoints then report
// 503 rather than panicking.
func New(cfg *config.Config, sessions SessionClearer, tun TunnelStatus, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		sessions:  sessions,
		tun:       tun,
		token:     cfg.ManagementToken,
		metrics:   m,
		log:       obslog.New("management"),
	}
	if s.token != "" {
		s.log.Info().Msg("bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("POST /sessions/{id}/clear", s.handleClearSession)
	mux.HandleFunc("GET /tunnel/state", s.handleTunnelState)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warn().Str("remoteAddr", r.RemoteAddr).Str("path", r.URL.Path).Msg("unauthorized access attempt")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Status         string  `json:"status"`
		Uptime         string  `json:"uptime"`
		ManagementPort int     `json:"managementPort"`
		Router         struct {
			ForceLocal          bool    `json:"forceLocal"`
			ForceCloud          bool    `json:"forceCloud"`
			MaxLocalTokens      int     `json:"maxLocalTokens"`
			ComplexityThreshold float64 `json:"complexityThreshold"`
		} `json:"router"`
		Consensus struct {
			Threshold float64 `json:"threshold"`
			MaxRounds int     `json:"maxRounds"`
		} `json:"consensus"`
	}

	resp := response{
		Status:         "running",
		Uptime:         time.Since(s.startTime).Round(time.Second).String(),
		ManagementPort: s.cfg.ManagementPort,
	}
	resp.Router.ForceLocal = s.cfg.Router.ForceLocal
	resp.Router.ForceCloud = s.cfg.Router.ForceCloud
	resp.Router.MaxLocalTokens = s.cfg.Router.MaxLocalTokens
	resp.Router.ComplexityThreshold = s.cfg.Router.ComplexityThreshold
	resp.Consensus.Threshold = s.cfg.Consensus.Threshold
	resp.Consensus.MaxRounds = s.cfg.Consensus.MaxRounds

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// handleClearSession discards a session's retained conversation
// history and vault tokens immediately, independent of whichever
// retainSession value earlier Process calls used. This is the
// operator-facing escape hatch for "forget this session now."
func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "session management not enabled", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	if err := s.sessions.ClearSession(id); err != nil {
		s.log.Error().Err(err).Str("sessionID", id).Msg("failed to clear session")
		http.Error(w, fmt.Sprintf("clear session: %v", err), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"cleared": id})
}

func (s *Server) handleTunnelState(w http.ResponseWriter, _ *http.Request) {
	if s.tun == nil {
		http.Error(w, "cloud tunnel not configured", http.StatusServiceUnavailable)
		return
	}
	type response struct {
		State tunnel.State `json:"state"`
		Stats tunnel.Stats `json:"stats"`
	}
	s.writeJSON(w, http.StatusOK, response{State: s.tun.State(), Stats: s.tun.Stats()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("JSON encode error")
	}
}

// ListenAndServe starts the management HTTP server and blocks until it
// stops, either from an error or a call to Shutdown.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.ManagementPort)
	s.log.Info().Str("addr", addr).Msg("management server listening")
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops a running ListenAndServe, waiting for
// in-flight requests to finish or ctx to expire. Safe to call even if
// ListenAndServe has not yet assigned s.httpSrv (a no-op in that case).
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
