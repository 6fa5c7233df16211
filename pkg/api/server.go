package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rubiojr/swapsync/pkg/log"
	"github.com/rubiojr/swapsync/pkg/optimistic"
	"github.com/rubiojr/swapsync/pkg/queue"
	"github.com/rubiojr/swapsync/pkg/realtime"
	"github.com/rubiojr/swapsync/pkg/swapsync"
	"github.com/rubiojr/swapsync/pkg/targeting"
)

var logger = log.ForService("api")

// Service is the part of swapsync.Service the API reads from.
type Service interface {
	GetHealthCheck() swapsync.Health
	GetMetrics() swapsync.Metrics
	Store() *targeting.Store
	Queue() *queue.Queue
	Coordinator() *optimistic.Coordinator
	Events() (uint64, <-chan realtime.Notification)
	StopEvents(id uint64)
}

type Server struct {
	svc      Service
	registry *prometheus.Registry
	metrics  *httpMetrics
	router   *mux.Router
}

// NewServer builds the router. reg receives the HTTP request metrics and is
// exposed on /metrics; pass nil for a private registry.
func NewServer(svc Service, reg *prometheus.Registry) *Server {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s := &Server{
		svc:      svc,
		registry: reg,
		metrics:  newHTTPMetrics(reg),
		router:   mux.NewRouter(),
	}
	s.RegisterRoutes(s.router)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           CorsMiddleware(s),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("status API listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down status API: %w", err)
		}
		return nil
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("encoding JSON response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, error, message string) {
	response := ErrorResponse{
		Error:   error,
		Message: message,
	}
	s.writeJSON(w, status, response)
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
