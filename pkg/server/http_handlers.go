package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// startHTTPServer serves WebSocket sessions, Prometheus metrics and the
// health check on http_port
func (s *Server) startHTTPServer() error {
	if s.config.HTTPPort <= 0 {
		log.Printf("HTTP server disabled (http_port=%d)", s.config.HTTPPort)
		return nil
	}

	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.httpAddr = listener.Addr()

	s.httpServer = &http.Server{
		Handler:           s.httpHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("HTTP server listening on %s (ws://server%s/ws, /metrics, /health)", addr, addr)

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()
	return nil
}

// HTTPAddr returns the HTTP listener address, or nil when disabled
func (s *Server) HTTPAddr() net.Addr {
	return s.httpAddr
}

func (s *Server) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.Handle("/metrics", promhttp.HandlerFor(s.metricsRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.HealthHandler)
	return mux
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":           "healthy",
		"uptime_seconds":   int64(time.Since(s.startTime).Seconds()),
		"active_sessions":  s.sessions.AuthenticatedCount(),
		"pending_sessions": s.sessions.PendingCount(),
	}

	status := http.StatusOK
	if s.db != nil {
		count, err := s.db.CountAccounts(r.Context())
		if err != nil {
			log.Printf("Health check: database unavailable: %v", err)
			health["status"] = "degraded"
			health["database_accessible"] = false
			status = http.StatusServiceUnavailable
		} else {
			health["database_accessible"] = true
			health["accounts"] = count
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		log.Printf("Error encoding health JSON: %v", err)
	}
}
