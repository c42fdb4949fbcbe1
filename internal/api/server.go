// Package api implements the Request Handler: the HTTP/JSON and WebSocket
// surface spec.md §6 describes, translating wire requests into calls on
// engine.Engine and engine.Engine's results back into JSON responses.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oversightgw/oversightgw/internal/auth"
	"github.com/oversightgw/oversightgw/internal/config"
	"github.com/oversightgw/oversightgw/internal/dispatch"
	"github.com/oversightgw/oversightgw/internal/engine"
)

// Server is the gateway's HTTP + WebSocket surface.
type Server struct {
	config     config.ServerConfig
	engine     *engine.Engine
	cfgLoader  *config.Loader
	keys       *auth.KeyStore
	tokens     *auth.TokenManager
	wsHub      *WebSocketHub
	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new gateway server. keys is the static X-API-Key
// allow-list every endpoint but /health requires; tokens is the optional
// operator bearer-token manager for the admin-only config endpoints.
// dispatcher's broadcast events are fanned out live to /ws/dashboard
// clients by subscribing the Server's own WebSocketHub to it.
func NewServer(cfg config.ServerConfig, eng *engine.Engine, cfgLoader *config.Loader, keys *auth.KeyStore, tokens *auth.TokenManager, dispatcher *dispatch.Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:    cfg,
		engine:    eng,
		cfgLoader: cfgLoader,
		keys:      keys,
		tokens:    tokens,
		wsHub:     NewWebSocketHub(logger, cfg.CORS),
		mux:       http.NewServeMux(),
		logger:    logger.With("component", "api.Server"),
	}
	if dispatcher != nil {
		dispatcher.Subscribe(s.wsHub)
	}
	s.registerRoutes()
	return s
}

// apiKeyRequired wraps a handler with the static X-API-Key check every
// endpoint but /health requires, per spec.md §6.
func (s *Server) apiKeyRequired(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := auth.KeyFromRequest(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing X-API-Key header")
			return
		}
		if _, ok := s.keys.Verify(key); !ok {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next(w, r)
	}
}

// operatorRequired additionally requires a valid operator bearer token
// with the given permission, layered on top of apiKeyRequired for the
// admin-only config endpoints. If operator tokens are disabled in config
// (the default — nothing issues one in a stock deployment), the handler
// falls back to the plain X-API-Key check so these routes stay reachable.
func (s *Server) operatorRequired(action string, next http.HandlerFunc) http.HandlerFunc {
	if !s.cfgLoader.Get().Auth.OperatorTokensEnabled || s.tokens == nil {
		return s.apiKeyRequired(next)
	}

	return s.apiKeyRequired(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}
		secret := header[len(prefix):]

		token, err := s.tokens.ValidateToken(secret, r.RemoteAddr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired operator token")
			return
		}
		if !auth.HasPermission(token.Role, action) {
			writeError(w, http.StatusForbidden, "insufficient permissions")
			return
		}
		next(w, r)
	})
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /evaluate", s.apiKeyRequired(s.handleEvaluate))
	s.mux.HandleFunc("POST /approve", s.apiKeyRequired(s.handleApprove))
	s.mux.HandleFunc("POST /near-miss", s.apiKeyRequired(s.handleNearMiss))
	s.mux.HandleFunc("GET /budget/{session_id}", s.apiKeyRequired(s.handleBudget))
	s.mux.HandleFunc("GET /stats", s.apiKeyRequired(s.handleStats))
	s.mux.HandleFunc("GET /audit/export", s.apiKeyRequired(s.handleAuditExport))

	s.mux.HandleFunc("POST /config/webhooks", s.operatorRequired("config.webhooks", s.handleCreateWebhook))
	s.mux.HandleFunc("GET /config/webhooks", s.operatorRequired("config.webhooks", s.handleListWebhooks))
	s.mux.HandleFunc("DELETE /config/webhooks/{id}", s.operatorRequired("config.webhooks", s.handleDeleteWebhook))
	s.mux.HandleFunc("POST /config/reload", s.operatorRequired("config.reload", s.handleConfigReload))

	s.mux.HandleFunc("GET /ws/dashboard", s.apiKeyRequired(s.wsHub.HandleWebSocket))
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if s.config.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// Start runs the HTTP server on the given address, blocking until it
// stops or fails.
func (s *Server) Start(addr string) error {
	go s.wsHub.Run()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("oversight gateway listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server and its WebSocket hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Mux returns the underlying ServeMux for mounting additional routes.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// APIAddr formats a listen address from a port number.
func APIAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}
