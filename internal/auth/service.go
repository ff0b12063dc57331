package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"

	xerrors "mechx/internal/errors"
	"mechx/pkg/logger"
)

// Token is one configured API credential. Either the plain token or its
// hex-encoded SHA-256 digest may be given.
type Token struct {
	Name        string
	Token       string
	SHA256      string
	Permissions []string
}

type credential struct {
	digest  [sha256.Size]byte
	subject Subject
}

// Service authenticates bearer tokens. A Service without tokens is
// disabled and lets every request through.
type Service struct {
	credentials []credential
	audit       *slog.Logger
}

// NewService validates tokens and returns the service.
func NewService(tokens []Token) (*Service, error) {
	s := &Service{audit: logger.Audit()}
	for i, tok := range tokens {
		name := strings.TrimSpace(tok.Name)
		if name == "" {
			return nil, xerrors.New(xerrors.CodeConfiguration, "api token name is required",
				xerrors.WithMetadata("index", strconv.Itoa(i)))
		}
		var digest [sha256.Size]byte
		switch {
		case tok.SHA256 != "":
			raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(tok.SHA256), "0x"))
			if err != nil || len(raw) != sha256.Size {
				return nil, xerrors.New(xerrors.CodeConfiguration, "api token "+name+": sha256 must be 32 hex bytes")
			}
			copy(digest[:], raw)
		case tok.Token != "":
			digest = sha256.Sum256([]byte(tok.Token))
		default:
			return nil, xerrors.New(xerrors.CodeConfiguration, "api token "+name+": token or sha256 is required")
		}
		if len(tok.Permissions) == 0 {
			return nil, xerrors.New(xerrors.CodeConfiguration, "api token "+name+": at least one permission is required")
		}
		s.credentials = append(s.credentials, credential{
			digest:  digest,
			subject: Subject{Name: name, Permissions: append([]string(nil), tok.Permissions...)},
		})
	}
	return s, nil
}

// Enabled reports whether any token is configured.
func (s *Service) Enabled() bool {
	return s != nil && len(s.credentials) > 0
}

// AuthenticateRequest resolves an Authorization header to a subject.
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))
	var match *credential
	for i := range s.credentials {
		if subtle.ConstantTimeCompare(digest[:], s.credentials[i].digest[:]) == 1 {
			match = &s.credentials[i]
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	subject := match.subject
	subject.permissionsSet = nil
	subject.normalise()
	return &subject, nil
}
