// Package gateway exposes the HTTP surface: health checks and the
// webhook endpoints of channels that receive pushed updates.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pocketbotio/pocketbot/pkg/logger"
)

// Endpoint is a channel-provided webhook target.
type Endpoint interface {
	WebhookPath() string
	WebhookHandler() http.Handler
}

// Server is the bot's HTTP listener.
type Server struct {
	srv     *http.Server
	addr    string
	started time.Time
}

func NewServer(host string, port int, endpoints ...Endpoint) *Server {
	mux := http.NewServeMux()
	s := &Server{
		addr:    net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		started: time.Now(),
	}

	mux.HandleFunc("/healthz", s.handleHealth)
	for _, ep := range endpoints {
		mux.Handle(ep.WebhookPath(), ep.WebhookHandler())
		logger.InfoCF("gateway", "Webhook endpoint registered", map[string]interface{}{
			"path": ep.WebhookPath(),
		})
	}

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

// Start begins serving and blocks until the listener stops.
func (s *Server) Start() error {
	logger.InfoCF("gateway", "HTTP server listening", map[string]interface{}{
		"addr": s.addr,
	})
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.InfoC("gateway", "Shutting down HTTP server...")
	return s.srv.Shutdown(ctx)
}

// Handler exposes the routing table for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}
