package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arifwicaksono2000/botapp-trader/engine"
	"github.com/arifwicaksono2000/botapp-trader/logger"
)

// Controller is the part of the engine the control surface drives.
type Controller interface {
	EmergencyStop(ctx context.Context) (int, error)
	Status(ctx context.Context) (engine.Status, error)
}

// Server handles HTTP API requests
type Server struct {
	engine Controller
	events http.Handler
	token  string
}

// NewServer creates a new API server instance. events serves the SSE
// stream; token guards the emergency stop and disables it when empty.
func NewServer(ctrl Controller, events http.Handler, token string) *Server {
	return &Server{
		engine: ctrl,
		events: events,
		token:  token,
	}
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/emergency-stop", s.requireToken(s.handleEmergencyStop))
	mux.HandleFunc("GET /api/status", s.handleStatus)
	if s.events != nil {
		mux.Handle("GET /api/events", s.events) // SSE Endpoint
	}
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.corsMiddleware(s.loggingMiddleware(mux))
}

// Start serves on port until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("API Server starting on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
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
		return srv.Shutdown(shutdownCtx)
	}
}

// Middleware
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debugf("%s %s %v", r.Method, r.URL.Path, time.Since(start))
	})
}

// Handlers live in handlers.go.
