package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

type registerWorkerRequest struct {
	Name string `json:"name"`
}

type registerWorkerResponse struct {
	Worker fleet.Worker `json:"worker"`
	Token  string       `json:"token"`
}

type updateStatusRequest struct {
	Status fleet.WorkerStatus `json:"status"`
}

func (s *Server) registerWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	worker, tok, err := s.workers.Register(r.Context(), req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, s.logger, http.StatusCreated, registerWorkerResponse{Worker: worker, Token: tok})
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.workers.FindAll(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]any{"workers": workers})
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	ids := []string{}
	if s.sessions != nil {
		ids = append(ids, s.sessions.Sessions()...)
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]any{"workerIds": ids})
}

func (s *Server) getWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := s.workers.FindOne(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, worker)
}

func (s *Server) deleteWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.workers.Delete(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.kick(id, "worker deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resetWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	worker, err := s.workers.Reset(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.kick(id, "worker reset")
	s.requestDispatch("", "worker reset")
	writeJSON(w, s.logger, http.StatusOK, worker)
}

func (s *Server) updateWorkerStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	status := fleet.WorkerStatus(strings.ToUpper(strings.TrimSpace(string(req.Status))))
	if !status.Valid() {
		s.fail(w, r, fmt.Errorf("%w: unknown worker status %q", fleet.ErrValidation, req.Status))
		return
	}
	worker, err := s.workers.UpdateStatus(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, worker)
}

func (s *Server) getWorkerToken(w http.ResponseWriter, r *http.Request) {
	tok, err := s.workers.GetToken(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"token": tok})
}

func (s *Server) regenerateWorkerToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tok, err := s.workers.RegenerateToken(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.kick(id, "token regenerated")
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"token": tok})
}

// kick closes the worker's live session, if any, so a revoked token cannot
// keep using an already-authenticated connection.
func (s *Server) kick(workerID, reason string) {
	if s.sessions == nil {
		return
	}
	if s.sessions.Kick(workerID) {
		s.logger.Info("worker session closed", zap.String("worker_id", workerID), zap.String("reason", reason))
	}
}
