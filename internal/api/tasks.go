package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
	"github.com/JakeFAU/scraper-fleet/internal/tasks"
)

type createBatchRequest struct {
	Tasks []tasks.NewTask `json:"tasks"`
}

type dispatchRequest struct {
	WorkerID string `json:"workerId,omitempty"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req tasks.NewTask
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	task, err := s.tasks.Create(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.requestDispatch("", "task created")
	writeJSON(w, s.logger, http.StatusCreated, task)
}

func (s *Server) createTaskBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	created, err := s.tasks.CreateBatch(r.Context(), req.Tasks)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.requestDispatch("", "task batch created")
	writeJSON(w, s.logger, http.StatusCreated, map[string]any{"tasks": created, "count": len(created)})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	filter := fleet.TaskFilter{
		WorkerID: strings.TrimSpace(r.URL.Query().Get("workerId")),
		Limit:    limit,
		Offset:   offset,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		filter.Status = fleet.TaskStatus(strings.ToUpper(raw))
		if !filter.Status.Valid() {
			s.fail(w, r, fmt.Errorf("%w: unknown task status %q", fleet.ErrValidation, raw))
			return
		}
	}
	found, err := s.tasks.FindAll(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]any{
		"tasks":  found,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.FindOne(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, task)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.requestDispatch("", "task retried")
	writeJSON(w, s.logger, http.StatusOK, task)
}

func (s *Server) listTaskResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.tasks.ListResults(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) nudgeDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	accepted := false
	if s.dispatch != nil {
		accepted = s.dispatch.Request(req.WorkerID, "operator request")
	}
	writeJSON(w, s.logger, http.StatusAccepted, map[string]bool{"accepted": accepted})
}
