package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-process-hub/internal/broadcast"
	"github.com/JakeFAU/realtime-process-hub/internal/config"
	"github.com/JakeFAU/realtime-process-hub/internal/metrics"
	"github.com/JakeFAU/realtime-process-hub/internal/policy/ratelimit"
	"github.com/JakeFAU/realtime-process-hub/internal/process"
	"github.com/JakeFAU/realtime-process-hub/internal/sse"
	"github.com/JakeFAU/realtime-process-hub/internal/store"
	"github.com/JakeFAU/realtime-process-hub/internal/stream"
)

const maxBodyBytes = 1 << 20

// Hub is the subset of *broadcast.Broadcaster the handlers drive.
type Hub interface {
	OpenProgressStream(operationKey string, t sse.Transport) (stream.Handle, error)
	OpenProcessesStream(ownerID string, t sse.Transport) (stream.Handle, error)
	CloseStream(key string, h stream.Handle)
	PushProgress(operationKey string, p broadcast.Progress) bool
	PushCompletion(operationKey string, result any, operationType string) bool
	RegisterProcess(reg process.Registration) (process.Process, error)
	UpdateProcess(ownerID, processID string, u process.Update) bool
	CompleteProcess(ownerID, processID string, c process.Completion) bool
	FailProcess(ownerID, processID, message string) bool
	RemoveProcess(ownerID, processID string) bool
	GetProcess(ownerID, processID string) (process.Process, bool)
	ListProcesses(ownerID string) []process.Process
	ListAllProcesses() []process.Process
	StreamCount() int
}

// Server wires HTTP handlers to the hub and the run history.
type Server struct {
	router  chi.Router
	hub     Hub
	runs    *RunHandler
	metrics *metrics.Metrics
	limiter *ratelimit.Limiter
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. m, limiter and
// runs may be nil: metrics are then not exported, stream opens are not
// limited and run history answers 503.
func NewServer(
	hub Hub,
	runs store.RunRepository,
	m *metrics.Metrics,
	limiter *ratelimit.Limiter,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		hub:     hub,
		runs:    NewRunHandler(runs, logger),
		metrics: m,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if m != nil {
		r.Use(m.Middleware)
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}

		// Streams stay open for the life of the client and must flush, so
		// they sit outside the timeout group.
		r.Get("/progress/{operation_key}/stream", s.streamProgress)
		r.Get("/processes/stream", s.streamProcesses)

		r.Group(func(r chi.Router) {
			if cfg.Server.RequestTimeout > 0 {
				r.Use(timeoutMiddleware(cfg.Server.RequestTimeout))
			}
			r.Post("/progress/{operation_key}", s.pushProgress)
			r.Post("/progress/{operation_key}/complete", s.pushCompletion)

			r.Get("/processes", s.listAllProcesses)
			r.Post("/processes", s.registerProcess)
			r.Route("/processes/{owner_id}", func(r chi.Router) {
				r.Get("/", s.listOwnerProcesses)
				r.Route("/{process_id}", func(r chi.Router) {
					r.Get("/", s.getProcess)
					r.Patch("/", s.updateProcess)
					r.Delete("/", s.removeProcess)
					r.Post("/complete", s.completeProcess)
					r.Post("/error", s.failProcess)
				})
			})

			r.Get("/runs", s.runs.ListRuns)
			r.Get("/runs/{owner_id}/{process_id}", s.runs.GetRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ready",
		"streams": s.hub.StreamCount(),
	})
}

// decodeJSON reads a bounded JSON body into dst. An empty body is allowed
// when optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("request_id", requestID(r.Context())),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

// apiKeyMiddleware accepts the key as a header or, for EventSource clients
// that cannot set headers, as the api_key query parameter.
func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
