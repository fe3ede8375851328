package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/headline-goat/splitgoat/internal/experiment"
	"github.com/headline-goat/splitgoat/internal/store"
)

// ListTestsResponse is one page of tests.
type ListTestsResponse struct {
	Tests    []*store.Experiment `json:"tests"`
	Total    int                 `json:"total"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
}

// UpdateTestRequest is the body of PATCH /api/tests/{id}. Omitted fields are
// left unchanged.
type UpdateTestRequest struct {
	Name          *string               `json:"name,omitempty"`
	Description   *string               `json:"description,omitempty"`
	Audience      *store.AudienceFilter `json:"audience,omitempty"`
	ClearAudience bool                  `json:"clear_audience,omitempty"`
	EndDate       *time.Time            `json:"end_date,omitempty"`
	ClearEndDate  bool                  `json:"clear_end_date,omitempty"`
}

type ConversionsResponse struct {
	Conversions []*store.Conversion `json:"conversions"`
}

func (s *Server) handleCreateTest(w http.ResponseWriter, r *http.Request) {
	var params experiment.CreateTestParams
	if !s.decodeJSON(w, r, &params) {
		return
	}

	test, err := s.svc.CreateTest(r.Context(), params)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, test)
}

func (s *Server) handleListTests(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.ListFilter{
		Status:    store.TestStatus(query.Get("status")),
		CreatedBy: query.Get("created_by"),
	}

	if pageStr := query.Get("page"); pageStr != "" {
		page, err := strconv.Atoi(pageStr)
		if err != nil {
			respondError(w, http.StatusBadRequest, "page: must be an integer")
			return
		}
		filter.Page = page
	}
	if sizeStr := query.Get("page_size"); sizeStr != "" {
		size, err := strconv.Atoi(sizeStr)
		if err != nil {
			respondError(w, http.StatusBadRequest, "page_size: must be an integer")
			return
		}
		filter.PageSize = size
	}
	filter = filter.Normalize()

	tests, total, err := s.svc.ListTests(r.Context(), filter)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	// Return empty array instead of null
	if tests == nil {
		tests = []*store.Experiment{}
	}
	respondJSON(w, http.StatusOK, ListTestsResponse{
		Tests:    tests,
		Total:    total,
		Page:     filter.Page,
		PageSize: filter.PageSize,
	})
}

func (s *Server) handleGetTest(w http.ResponseWriter, r *http.Request) {
	test, err := s.svc.GetTest(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, test)
}

func (s *Server) handleUpdateTest(w http.ResponseWriter, r *http.Request) {
	var req UpdateTestRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	test, err := s.svc.UpdateTest(r.Context(), r.PathValue("id"), store.TestUpdate{
		Name:          req.Name,
		Description:   req.Description,
		Audience:      req.Audience,
		ClearAudience: req.ClearAudience,
		EndDate:       req.EndDate,
		ClearEndDate:  req.ClearEndDate,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, test)
}

func (s *Server) handleDeleteTest(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteTest(r.Context(), r.PathValue("id")); err != nil {
		s.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// transitionHandler serves one lifecycle action.
func (s *Server) transitionHandler(action func(context.Context, string) (*store.Experiment, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		test, err := action(r.Context(), r.PathValue("id"))
		if err != nil {
			s.respondServiceError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, test)
	})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.svc.GetResults(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, results)
}

func (s *Server) handleListConversions(w http.ResponseWriter, r *http.Request) {
	conversions, err := s.svc.ListConversions(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if conversions == nil {
		conversions = []*store.Conversion{}
	}
	respondJSON(w, http.StatusOK, ConversionsResponse{Conversions: conversions})
}
