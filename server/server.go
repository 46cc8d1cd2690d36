// Package server exposes the handshake, realtime relay and frame upload
// endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/room4-2/OpenTranslate/config"
	"github.com/room4-2/OpenTranslate/messages"
	"github.com/room4-2/OpenTranslate/session"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxFrameBody = 10 * 1024 * 1024

// UpstreamFactory creates the model session for a new relay
type UpstreamFactory func() session.Upstream

type Server struct {
	httpServer  *http.Server
	upgrader    websocket.Upgrader
	sessions    *session.Manager
	config      *config.Config
	newUpstream UpstreamFactory
	tools       session.Tools
	logger      *zap.Logger
}

// New creates the HTTP server. tools may be nil.
func New(cfg *config.Config, sessions *session.Manager, newUpstream UpstreamFactory, tools session.Tools, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		sessions:    sessions,
		config:      cfg,
		newUpstream: newUpstream,
		tools:       tools,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    64 * 1024, // 64KB for audio chunks
			WriteBufferSize:   64 * 1024,
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || originAllowed(cfg.AllowedOrigins, origin)
			},
		},
	}

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.Handler(),
		// no read/write timeouts, they would cut long-lived websockets
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the routed handler with CORS applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/handshake", s.handleHandshake)
	mux.HandleFunc("/realtime", s.handleRealtime)
	mux.HandleFunc("/api/upload_video_frame", s.handleUploadFrame)
	mux.HandleFunc("/health", s.handleHealth)
	return s.cors(mux)
}

// Start begins listening for connections
func (s *Server) Start() error {
	s.logger.Info("Server starting",
		zap.Int("port", s.config.Port),
		zap.String("realtime", fmt.Sprintf("ws://localhost:%d/realtime", s.config.Port)),
	)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server")
	s.sessions.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(s.config.AllowedOrigins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := messages.Encode(v)
	if err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: messages.StatusOK, Sessions: s.sessions.Count()})
}
