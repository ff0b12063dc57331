package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"mechx/internal/auth"
	xerrors "mechx/internal/errors"
	"mechx/internal/journal"
	"mechx/internal/observability/metrics"
	"mechx/internal/task"
	"mechx/pkg/logger"
)

// Jobs is the subset of task.Service the API drives.
type Jobs interface {
	Submit(ctx context.Context, id string, req task.Request) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	Retry(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.JobStats, error)
}

// Journal is the read side of the request journal.
type Journal interface {
	Get(ctx context.Context, requestID string) (journal.Record, error)
	ListLatest(ctx context.Context, limit int) ([]journal.Record, error)
}

// Server serves the REST API.
type Server struct {
	addr    string
	jobs    Jobs
	journal Journal
	guard   func(http.Handler) http.Handler
	logger  *slog.Logger

	watchInterval time.Duration
	upgrader      websocket.Upgrader
}

// NewServer builds a Server. A nil journal disables the journal routes.
func NewServer(addr string, jobs Jobs, j Journal) *Server {
	return &Server{
		addr:          addr,
		jobs:          jobs,
		journal:       j,
		logger:        logger.Named("api"),
		watchInterval: defaultWatchInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
		},
	}
}

// Protect wraps every /api/v1 route with mw. Health and metrics stay open.
func (s *Server) Protect(mw func(http.Handler) http.Handler) *Server {
	s.guard = mw
	return s
}

// CreateRequest is the body of POST /api/v1/requests.
type CreateRequest struct {
	ID string `json:"id,omitempty"`
	task.Request
}

type errorResponse struct {
	Code    string `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Handler returns the routed handler with metrics instrumentation.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/requests", "create_request", s.handleCreate)
	s.route(mux, "GET /api/v1/requests", "list_requests", s.handleList)
	s.route(mux, "GET /api/v1/requests/{id}", "get_request", s.handleGet)
	s.route(mux, "POST /api/v1/requests/{id}/retry", "retry_request", s.handleRetry)
	s.route(mux, "GET /api/v1/requests/{id}/watch", "watch_request", s.handleWatch)
	s.route(mux, "GET /api/v1/stats", "stats", s.handleStats)
	s.route(mux, "GET /api/v1/journal", "journal", s.handleJournal)
	s.route(mux, "GET /api/v1/journal/{requestID}", "journal_entry", s.handleJournalEntry)
	mux.Handle("GET /healthz", instrument("healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})))
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start serves until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("api listening", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, h http.HandlerFunc) {
	var handler http.Handler = h
	if s.guard != nil {
		handler = s.guard(handler)
	}
	mux.Handle(pattern, instrument(name, handler))
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "read request body"))
		return
	}
	body, err := decodeCreateRequest(raw)
	if err != nil {
		s.writeError(w, err)
		return
	}
	job, err := s.jobs.Submit(r.Context(), body.ID, body.Request)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("job accepted", slog.String("job_id", job.ID), slog.String("caller", auth.Caller(r.Context())))
	w.Header().Set("Location", "/api/v1/requests/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("job requeued", slog.String("job_id", job.ID), slog.String("caller", auth.Caller(r.Context())))
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	jobs, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	stats, err := s.jobs.Stats(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, xerrors.New(xerrors.CodeConfiguration, "journal disabled"))
		return
	}
	limit, err := intParam(r, "limit", 20)
	if err != nil {
		s.writeError(w, err)
		return
	}
	records, err := s.journal.ListLatest(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleJournalEntry(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, xerrors.New(xerrors.CodeConfiguration, "journal disabled"))
		return
	}
	rec, err := s.journal.Get(r.Context(), r.PathValue("requestID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func listOptions(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	limit, err := intParam(r, "limit", 20)
	if err != nil {
		return nil, err
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		return nil, err
	}
	opts := []task.ListOption{task.WithLimit(limit), task.WithOffset(offset)}
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "unknown status "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if q.Get("order") == "asc" {
		opts = append(opts, task.WithOldestFirst())
	}
	if mech := q.Get("mech"); mech != "" {
		if !common.IsHexAddress(mech) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "mech must be a hex address")
		}
		opts = append(opts, task.WithPriorityMech(mech))
	}
	if raw := q.Get("submitted"); raw != "" {
		submitted, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "submitted must be a boolean")
		}
		opts = append(opts, task.WithSubmitted(submitted))
	}
	if query := q.Get("q"); query != "" {
		opts = append(opts, task.WithQuery(query))
	}
	return opts, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, name+" must be a non-negative integer")
	}
	return v, nil
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", slog.Any("error", err))
	}
	msg := err.Error()
	if e, ok := xerrors.From(err); ok {
		msg = e.Message()
	}
	writeJSON(w, status, errorResponse{
		Code:    string(xerrors.CodeOf(err)),
		Kind:    string(xerrors.KindOf(err)),
		Message: msg,
	})
}

func statusFor(err error) int {
	switch code := xerrors.CodeOf(err); code {
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case task.CodeTaskConflict, task.CodeTaskCompleted, task.CodeTaskSubmitted:
		return http.StatusConflict
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindValidation:
		return http.StatusBadRequest
	case xerrors.KindConfiguration:
		return http.StatusServiceUnavailable
	case xerrors.KindRPC, xerrors.KindQueue, xerrors.KindStorage:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the watch route upgrade to a websocket.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(r.ResponseWriter).Hijack()
	if err == nil {
		r.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func instrument(name string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

// withContext rejects requests once the root context is done.
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
