package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-process-hub/internal/sse"
	"github.com/JakeFAU/realtime-process-hub/internal/stream"
)

// streamProgress handles GET /api/progress/{operation_key}/stream. The
// connection stays open until the client leaves or a newer stream for the
// same key replaces it.
func (s *Server) streamProgress(w http.ResponseWriter, r *http.Request) {
	opKey := strings.TrimSpace(chi.URLParam(r, "operation_key"))
	if opKey == "" {
		writeError(w, http.StatusBadRequest, "operation_key is required")
		return
	}
	key := stream.ProgressKey(opKey)
	if !s.admit(key, stream.ChannelProgress) {
		writeError(w, http.StatusTooManyRequests, "too many stream opens")
		return
	}
	t, err := sse.Prepare(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	h, err := s.hub.OpenProgressStream(opKey, t)
	if err != nil {
		s.logger.Warn("open progress stream failed", zap.String("key", key), zap.Error(err))
		return
	}
	s.hold(r, key, h)
}

// streamProcesses handles GET /api/processes/stream?owner_id=. The owner may
// also be sent as the X-Owner-ID header.
func (s *Server) streamProcesses(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get("owner_id"))
	if owner == "" {
		owner = strings.TrimSpace(r.Header.Get("X-Owner-ID"))
	}
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}
	key := stream.ProcessesKey(owner)
	if !s.admit(key, stream.ChannelProcesses) {
		writeError(w, http.StatusTooManyRequests, "too many stream opens")
		return
	}
	t, err := sse.Prepare(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	h, err := s.hub.OpenProcessesStream(owner, t)
	if err != nil {
		s.logger.Warn("open processes stream failed", zap.String("key", key), zap.Error(err))
		return
	}
	s.hold(r, key, h)
}

// hold blocks until the client disconnects or the stream's writer exits,
// then unregisters the stream.
func (s *Server) hold(r *http.Request, key string, h stream.Handle) {
	select {
	case <-r.Context().Done():
	case <-h.Done():
	}
	s.hub.CloseStream(key, h)
}

func (s *Server) admit(key string, ch stream.Channel) bool {
	if s.limiter == nil || s.limiter.Allow(string(ch)+":"+key) {
		return true
	}
	if s.metrics != nil {
		s.metrics.ObserveRejectedOpen(ch)
	}
	s.logger.Debug("stream open rejected", zap.String("key", key))
	return false
}
