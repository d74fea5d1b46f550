package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/realtime-process-hub/internal/broadcast"
)

// pushProgress handles POST /api/progress/{operation_key}. Pushes to a key
// with no open stream are accepted and dropped; the response reports whether
// a stream took the frame.
func (s *Server) pushProgress(w http.ResponseWriter, r *http.Request) {
	opKey := strings.TrimSpace(chi.URLParam(r, "operation_key"))
	if opKey == "" {
		writeError(w, http.StatusBadRequest, "operation_key is required")
		return
	}
	var req broadcast.Progress
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Percentage < 0 || req.Percentage > 100 {
		writeError(w, http.StatusBadRequest, "percentage must be between 0 and 100")
		return
	}
	delivered := s.hub.PushProgress(opKey, req)
	writeJSON(w, http.StatusAccepted, map[string]bool{"delivered": delivered})
}

// pushCompletion handles POST /api/progress/{operation_key}/complete.
func (s *Server) pushCompletion(w http.ResponseWriter, r *http.Request) {
	opKey := strings.TrimSpace(chi.URLParam(r, "operation_key"))
	if opKey == "" {
		writeError(w, http.StatusBadRequest, "operation_key is required")
		return
	}
	var req broadcast.Completion
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	delivered := s.hub.PushCompletion(opKey, req.Result, req.OperationType)
	writeJSON(w, http.StatusAccepted, map[string]bool{"delivered": delivered})
}
