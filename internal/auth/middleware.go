package auth

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// MiddlewareConfig maps HTTP methods to the permissions they require. The
// "*" key applies to methods without an entry.
type MiddlewareConfig struct {
	RequiredPermissions map[string][]string
}

// DefaultMiddlewareConfig requires requests:read for reads and
// requests:write for everything else.
func DefaultMiddlewareConfig() MiddlewareConfig {
	return MiddlewareConfig{RequiredPermissions: map[string][]string{
		http.MethodGet:  {PermissionRequestsRead},
		http.MethodHead: {PermissionRequestsRead},
		"*":             {PermissionRequestsWrite},
	}}
}

// Middleware authenticates and authorizes each request. A disabled service
// passes requests through unchanged.
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Header.Get("Authorization"))
			if err != nil {
				s.deny(w, r, http.StatusUnauthorized, "access_denied", err, "")
				return
			}
			perms := cfg.RequiredPermissions[r.Method]
			if len(perms) == 0 {
				perms = cfg.RequiredPermissions["*"]
			}
			if err := subject.Authorize(perms...); err != nil {
				s.deny(w, r, http.StatusForbidden, "permission_denied", err, subject.Name)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(ContextWithSubject(r.Context(), subject)))
			s.audit.Info("api_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", aw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("subject", subject.Name))
		})
	}
}

func (s *Service) deny(w http.ResponseWriter, r *http.Request, status int, event string, err error, subject string) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="mechx"`)
	}
	w.WriteHeader(status)
	code := "UNAUTHORIZED"
	if errors.Is(err, ErrPermissionDenied) {
		code = "FORBIDDEN"
	}
	_, _ = w.Write([]byte(`{"code":"` + code + `","kind":"VALIDATION","message":"` + http.StatusText(status) + `"}` + "\n"))
	s.audit.Warn(event,
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("subject", subject),
		slog.String("error", err.Error()))
}

type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *auditWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(w.ResponseWriter).Hijack()
	if err == nil {
		w.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (w *auditWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
