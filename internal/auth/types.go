// Package auth guards the daemon API with static bearer tokens. Each token
// carries a name and a set of permissions; handlers see the authenticated
// Subject through the request context.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Permissions checked by the API.
const (
	PermissionRequestsRead  = "requests:read"
	PermissionRequestsWrite = "requests:write"
	PermissionAll           = "*"
)

// Common errors returned by the authentication subsystem.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
)

// Subject is the authenticated caller.
type Subject struct {
	Name        string
	Permissions []string

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
}

// HasPermission reports whether the subject holds permission. The "*"
// permission grants everything.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet[PermissionAll]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize fails with ErrPermissionDenied unless every permission is held.
func (s *Subject) Authorize(permissions ...string) error {
	for _, perm := range permissions {
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

type contextKey int

const subjectKey contextKey = iota

// ContextWithSubject returns a copy of ctx carrying subject.
func ContextWithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectKey, subject)
}

// FromContext returns the subject set by the middleware.
func FromContext(ctx context.Context) (*Subject, bool) {
	subject, ok := ctx.Value(subjectKey).(*Subject)
	return subject, ok && subject != nil
}

// Caller names the caller of ctx for job audit entries. Requests served
// while authentication is disabled are "anonymous".
func Caller(ctx context.Context) string {
	if subject, ok := FromContext(ctx); ok {
		return subject.Name
	}
	return "anonymous"
}
