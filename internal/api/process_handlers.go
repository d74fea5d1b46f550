package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-process-hub/internal/process"
)

const defaultFailureMessage = "process failed"

func (s *Server) listAllProcesses(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"processes": nonNil(s.hub.ListAllProcesses())})
}

func (s *Server) listOwnerProcesses(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner_id")
	writeJSON(w, http.StatusOK, map[string]any{"processes": nonNil(s.hub.ListProcesses(owner))})
}

func (s *Server) getProcess(w http.ResponseWriter, r *http.Request) {
	owner, id := processParams(r)
	p, ok := s.hub.GetProcess(owner, id)
	if !ok {
		writeError(w, http.StatusNotFound, "process not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"process": p})
}

// registerProcess handles POST /api/processes. It returns 201 with the new
// process, 400 for missing fields and 409 when the owner already has a
// process with the same id.
func (s *Server) registerProcess(w http.ResponseWriter, r *http.Request) {
	var req process.Registration
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	p, err := s.hub.RegisterProcess(req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]any{"process": p})
	case errors.Is(err, process.ErrInvalidProcess):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, process.ErrDuplicateProcess):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("register process failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to register process")
	}
}

// Reports from pipelines are best effort: unknown or finished processes are
// ignored and the response only says whether anything changed.

func (s *Server) updateProcess(w http.ResponseWriter, r *http.Request) {
	owner, id := processParams(r)
	var req process.Update
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	writeAccepted(w, s.hub.UpdateProcess(owner, id, req))
}

func (s *Server) completeProcess(w http.ResponseWriter, r *http.Request) {
	owner, id := processParams(r)
	var req process.Completion
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	writeAccepted(w, s.hub.CompleteProcess(owner, id, req))
}

func (s *Server) failProcess(w http.ResponseWriter, r *http.Request) {
	owner, id := processParams(r)
	var req struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		msg = defaultFailureMessage
	}
	writeAccepted(w, s.hub.FailProcess(owner, id, msg))
}

func (s *Server) removeProcess(w http.ResponseWriter, r *http.Request) {
	owner, id := processParams(r)
	s.hub.RemoveProcess(owner, id)
	w.WriteHeader(http.StatusNoContent)
}

func processParams(r *http.Request) (string, string) {
	return chi.URLParam(r, "owner_id"), chi.URLParam(r, "process_id")
}

func writeAccepted(w http.ResponseWriter, applied bool) {
	writeJSON(w, http.StatusAccepted, map[string]bool{"applied": applied})
}

func nonNil(ps []process.Process) []process.Process {
	if ps == nil {
		return []process.Process{}
	}
	return ps
}
