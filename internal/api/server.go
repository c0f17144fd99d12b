package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-importer/internal/catalog"
	"github.com/JakeFAU/review-importer/internal/config"
	"github.com/JakeFAU/review-importer/internal/importer"
	"github.com/JakeFAU/review-importer/internal/metrics"
)

const (
	userHeader       = "X-User-ID"
	workbookMIMEType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	enqueueTimeout   = 5 * time.Second
)

// JobDispatcher queues new jobs and cancels running ones.
type JobDispatcher interface {
	Enqueue(ctx context.Context, item importer.QueueItem) error
	Cancel(jobID string) bool
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router     chi.Router
	jobStore   importer.JobStore
	staging    importer.BlobStore
	dispatcher JobDispatcher
	idGen      importer.IDGenerator
	clock      importer.Clock
	cfg        config.Config
	logger     *zap.Logger
	checks     map[string]ReadinessCheck
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobStore importer.JobStore,
	staging importer.BlobStore,
	dispatcher JobDispatcher,
	idGen importer.IDGenerator,
	clock importer.Clock,
	cfg config.Config,
	logger *zap.Logger,
	checks map[string]ReadinessCheck,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobStore:   jobStore,
		staging:    staging,
		dispatcher: dispatcher,
		idGen:      idGen,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.Named("api"),
		checks:     checks,
	}
	timeout := cfg.Server.RequestTimeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(timeoutMiddleware(timeout))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/imports", func(r chi.Router) {
			r.Post("/", s.submitImport)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.getImportStatus)
				r.Post("/cancel", s.cancelImport)
			})
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
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	failing := map[string]string{}
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failing", failing))
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failing": failing})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitImport(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.Header.Get(userHeader))
	if owner == "" {
		s.writeError(w, http.StatusUnauthorized, "missing "+userHeader)
		return
	}
	if s.cfg.Server.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxUploadBytes)
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "multipart field \"file\" required")
		return
	}
	defer func() { _ = file.Close() }()

	visibility, err := catalog.ParseVisibility(r.FormValue("visibility"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if err := importer.ValidateWorkbook(bytes.NewReader(data)); err != nil {
		s.logger.Info("rejected upload", zap.String("owner", owner), zap.Error(err))
		s.writeError(w, http.StatusBadRequest, "file is not a readable workbook")
		return
	}

	jobID, err := s.enqueueImport(r.Context(), owner, visibility, data)
	if err != nil {
		s.logger.Error("submit import failed", zap.String("owner", owner), zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		s.writeError(w, status, "failed to queue import")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) enqueueImport(
	ctx context.Context,
	owner string,
	visibility catalog.Visibility,
	data []byte,
) (string, error) {
	jobID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	name, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate file name: %w", err)
	}
	path := stagingPath(s.cfg.Staging.Prefix, now, name)
	if _, err := s.staging.PutObject(ctx, path, workbookMIMEType, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("stage workbook: %w", err)
	}

	job := importer.Job{
		ID:         jobID,
		Owner:      owner,
		Visibility: visibility,
		File:       path,
		Status:     importer.JobStatusQueued,
		Submitted:  now,
	}
	if err := s.jobStore.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	item := importer.QueueItem{JobID: jobID, Attempt: 1, Submitted: now.Unix()}
	if err := s.dispatcher.Enqueue(queueCtx, item); err != nil {
		// The row exists but will never run; mark it so the owner sees why.
		if uerr := s.jobStore.UpdateJobStatus(
			context.WithoutCancel(ctx), jobID, importer.JobStatusFailed, "enqueue failed", importer.Counters{},
		); uerr != nil {
			s.logger.Error("mark unqueued job failed", zap.String("job_id", jobID), zap.Error(uerr))
		}
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	s.logger.Info("import queued",
		zap.String("job_id", jobID),
		zap.String("owner", owner),
		zap.String("file", path),
	)
	return jobID, nil
}

func (s *Server) getImportStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadOwnedJob(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, job.Record())
}

func (s *Server) cancelImport(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadOwnedJob(w, r)
	if !ok {
		return
	}
	if s.dispatcher.Cancel(job.ID) {
		s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": "canceling"})
		return
	}
	if job.Status.Terminal() {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("job already %s", job.Status))
		return
	}
	if err := s.jobStore.UpdateJobStatus(
		r.Context(), job.ID, importer.JobStatusCanceled, "canceled via API", job.Counters,
	); err != nil {
		s.logger.Error("cancel job failed", zap.String("job_id", job.ID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"job_id": job.ID, "status": string(importer.JobStatusCanceled)})
}

// loadOwnedJob resolves the job_id route param. Jobs owned by someone
// other than the caller are reported as missing.
func (s *Server) loadOwnedJob(w http.ResponseWriter, r *http.Request) (importer.Job, bool) {
	owner := strings.TrimSpace(r.Header.Get(userHeader))
	if owner == "" {
		s.writeError(w, http.StatusUnauthorized, "missing "+userHeader)
		return importer.Job{}, false
	}
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobStore.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, importer.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return importer.Job{}, false
		}
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return importer.Job{}, false
	}
	if owner != job.Owner {
		s.writeError(w, http.StatusNotFound, "job not found")
		return importer.Job{}, false
	}
	return job, true
}

func stagingPath(prefix string, now time.Time, name string) string {
	return fmt.Sprintf("%s/%s/%s.xlsx", strings.Trim(prefix, "/"), now.UTC().Format("2006/01/02"), name)
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
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
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
					writeJSON(logger, w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(zap.L(), w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(s.logger, w, status, payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(s.logger, w, status, map[string]string{"error": msg})
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
