package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/headline-goat/splitgoat/internal/experiment"
	"github.com/headline-goat/splitgoat/internal/store"
)

// maxBodyBytes caps request bodies on every JSON endpoint.
const maxBodyBytes = 1 << 20

type HealthResponse struct {
	Status        string `json:"status"`
	TestsCount    int    `json:"tests_count"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// AssignmentResponse carries the assigned variant, or null when the user is
// not in the test.
type AssignmentResponse struct {
	TestID  string         `json:"test_id"`
	UserID  string         `json:"user_id"`
	Variant *store.Variant `json:"variant"`
}

// ConversionRequest is the body of POST /api/tests/{id}/conversions.
type ConversionRequest struct {
	UserID    string         `json:"user_id"`
	EventType string         `json:"event_type"`
	Value     *float64       `json:"value,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type ConversionResponse struct {
	Attributed bool `json:"attributed"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		s.logger.Error("health check failed", "error", err)
		respondError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	_, total, err := s.svc.ListTests(r.Context(), store.ListFilter{PageSize: 1})
	if err != nil {
		s.logger.Error("health check failed", "error", err)
		respondError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	respondJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		TestsCount:    total,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleAssignment(w http.ResponseWriter, r *http.Request) {
	testID := r.PathValue("id")
	userID := r.URL.Query().Get("user_id")

	variant, err := s.svc.AssignVariant(r.Context(), testID, userID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, AssignmentResponse{TestID: testID, UserID: userID, Variant: variant})
}

func (s *Server) handleConversion(w http.ResponseWriter, r *http.Request) {
	var req ConversionRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "user_id: user id is required")
		return
	}

	attributed, err := s.svc.RecordConversion(r.Context(), r.PathValue("id"), req.UserID, req.EventType, req.Value, req.Metadata)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, ConversionResponse{Attributed: attributed})
}

// decodeJSON reads a bounded JSON body into dst, answering 400 on failure.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "request body required")
			return false
		}
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// respondServiceError maps the experiment error taxonomy onto HTTP statuses.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case experiment.IsValidation(err):
		respondError(w, http.StatusBadRequest, err.Error())
	case experiment.IsNotFound(err):
		respondError(w, http.StatusNotFound, err.Error())
	case experiment.IsConflict(err):
		respondError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
