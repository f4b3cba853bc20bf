package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"
)

const controlTimeout = 10 * time.Second

// handleHealth returns the health status of the API
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), controlTimeout)
	defer cancel()

	st, err := s.engine.Status(ctx)
	if err != nil {
		respondWithError(w, http.StatusServiceUnavailable, "engine unavailable", err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), controlTimeout)
	defer cancel()

	n, err := s.engine.EmergencyStop(ctx)
	if err != nil {
		respondWithError(w, http.StatusServiceUnavailable, "engine unavailable", err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"status":           "halted",
		"closes_requested": n,
	})
}

// requireToken checks the Bearer token. An empty configured token refuses
// every request.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			respondWithError(w, http.StatusForbidden, "control token not configured", nil)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			respondWithError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		next(w, r)
	}
}
