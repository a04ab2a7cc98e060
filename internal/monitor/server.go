// Package monitor serves the client's debug endpoints: expvar stats and a
// JSON view of the connection and session state.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
)

type Status struct {
	State             string     `json:"state"`
	ConnectionId      string     `json:"connection_id,omitempty"`
	UserId            string     `json:"user_id"`
	ConnectedAt       *time.Time `json:"connected_at,omitempty"`
	LastHeartbeat     *time.Time `json:"last_heartbeat,omitempty"`
	OpenConversations []string   `json:"open_conversations"`
	Conversations     int        `json:"conversations"`
	UnreadTotal       int        `json:"unread_total"`
}

// StatusFunc reports the current status when /status is requested.
type StatusFunc func() Status

type Server struct {
	log *log.Logger
	srv *http.Server
}

// NewServer builds a server on addr. mux already carries the stats handler;
// /status is added to it. Requests are logged to accessLog.
func NewServer(logger *log.Logger, addr string, mux *http.ServeMux, status StatusFunc, allowedOrigins []string, accessLog io.Writer) *Server {
	s := &Server{log: logger}

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJson(w, http.StatusOK, status())
	})

	var h http.Handler = mux
	if len(allowedOrigins) > 0 {
		h = handlers.CORS(
			handlers.MaxAge(3600),
			handlers.AllowedOrigins(allowedOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Origin", "Accept"}),
		)(h)
	}
	h = handlers.LoggingHandler(accessLog, h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(logger), handlers.PrintRecoveryStack(false))(h)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Start() error {
	s.log.Printf("debug server listening on %s", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("debug server shutdown: %w", err)
	}
	return nil
}

func writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
