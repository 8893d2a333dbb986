package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
	"github.com/JakeFAU/scraper-fleet/internal/metrics"
	"github.com/JakeFAU/scraper-fleet/internal/registry"
	"github.com/JakeFAU/scraper-fleet/internal/tasks"
)

const (
	defaultRequestTimeout = 30 * time.Second
	apiKeyHeader          = "X-API-Key"
)

// WorkerService is the registry surface the API drives.
type WorkerService interface {
	Register(ctx context.Context, name string) (fleet.Worker, string, error)
	FindAll(ctx context.Context) ([]fleet.Worker, error)
	FindOne(ctx context.Context, id string) (fleet.Worker, error)
	Delete(ctx context.Context, id string) error
	Reset(ctx context.Context, id string) (fleet.Worker, error)
	RegenerateToken(ctx context.Context, id string) (string, error)
	GetToken(ctx context.Context, id string) (string, error)
	UpdateStatus(ctx context.Context, id string, status fleet.WorkerStatus) (fleet.Worker, error)
}

// TaskService is the task store surface the API drives.
type TaskService interface {
	Create(ctx context.Context, in tasks.NewTask) (fleet.Task, error)
	CreateBatch(ctx context.Context, in []tasks.NewTask) ([]fleet.Task, error)
	FindAll(ctx context.Context, filter fleet.TaskFilter) ([]fleet.Task, error)
	FindOne(ctx context.Context, id string) (fleet.Task, error)
	Delete(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) (fleet.Task, error)
	ListResults(ctx context.Context, taskID string) ([]fleet.Result, error)
}

// Sessions exposes the live worker channel.
type Sessions interface {
	Kick(workerID string) bool
	Sessions() []string
}

// DispatchRequester enqueues a dispatch attempt without blocking.
type DispatchRequester interface {
	Request(workerID, reason string) bool
}

// Pinger is a dependency readyz checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires the Server. Gateway, Sessions, Dispatch, and Checks are
// optional.
type Options struct {
	Workers        WorkerService
	Tasks          TaskService
	Sessions       Sessions
	Dispatch       DispatchRequester
	Gateway        http.Handler
	Checks         map[string]Pinger
	APIKey         string
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the registry, task store, and gateway.
type Server struct {
	router   chi.Router
	workers  WorkerService
	tasks    TaskService
	sessions Sessions
	dispatch DispatchRequester
	checks   map[string]Pinger
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Workers == nil {
		return nil, errors.New("worker service is required")
	}
	if opts.Tasks == nil {
		return nil, errors.New("task service is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	s := &Server{
		workers:  opts.Workers,
		tasks:    opts.Tasks,
		sessions: opts.Sessions,
		dispatch: opts.Dispatch,
		checks:   opts.Checks,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// The worker channel hijacks the connection, so it stays outside the
	// timeout handler and authenticates with its own token.
	if opts.Gateway != nil {
		r.Method(http.MethodGet, "/workers", opts.Gateway)
	}

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/v1", func(r chi.Router) {
			r.Route("/workers", func(r chi.Router) {
				r.Post("/", s.registerWorker)
				r.Get("/", s.listWorkers)
				r.Get("/sessions", s.listSessions)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.getWorker)
					r.Delete("/", s.deleteWorker)
					r.Post("/reset", s.resetWorker)
					r.Put("/status", s.updateWorkerStatus)
					r.Get("/token", s.getWorkerToken)
					r.Post("/token", s.regenerateWorkerToken)
				})
			})
			r.Route("/tasks", func(r chi.Router) {
				r.Post("/", s.createTask)
				r.Post("/batch", s.createTaskBatch)
				r.Get("/", s.listTasks)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.getTask)
					r.Delete("/", s.deleteTask)
					r.Post("/retry", s.retryTask)
					r.Get("/results", s.listTaskResults)
				})
			})
			r.Post("/dispatch", s.nudgeDispatch)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failing := map[string]string{}
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failing", failing))
		writeJSON(w, s.logger, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failing": failing})
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) requestDispatch(workerID, reason string) {
	if s.dispatch == nil {
		return
	}
	if !s.dispatch.Request(workerID, reason) {
		s.logger.Debug("dispatch request dropped", zap.String("reason", reason))
	}
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

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, logger, http.StatusInternalServerError, codeInternal, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":{"code":"TIMEOUT","message":"request timed out"}}`)
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(apiKeyHeader)
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, zap.NewNop(), http.StatusUnauthorized, codeUnauthorized, "missing or invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
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
		rw.status = http.StatusSwitchingProtocols
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

var _ WorkerService = (*registry.Service)(nil)
var _ TaskService = (*tasks.Service)(nil)
