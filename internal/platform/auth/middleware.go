package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stockroom/api/internal/platform/httpx"
	"github.com/stockroom/api/internal/platform/requestctx"
)

const defaultVerifyTimeout = 5 * time.Second

var (
	// ErrTokenExpired signals that the bearer token has expired.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenInvalid signals that the bearer token failed verification.
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// Verifier turns a raw bearer token into an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// VerifierFunc adapts ordinary functions to Verifier.
type VerifierFunc func(ctx context.Context, token string) (*Identity, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (*Identity, error) {
	return f(ctx, token)
}

// Authenticator tries each configured verifier in order; the first one that accepts the
// token supplies the identity.
type Authenticator struct {
	verifiers []Verifier
}

// NewAuthenticator builds an Authenticator; nil verifiers are skipped.
func NewAuthenticator(verifiers ...Verifier) *Authenticator {
	a := &Authenticator{}
	for _, v := range verifiers {
		if v != nil {
			a.verifiers = append(a.verifiers, v)
		}
	}
	return a
}

// Authenticate verifies token against every verifier and returns the first identity.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if a == nil || len(a.verifiers) == 0 {
		return nil, ErrTokenInvalid
	}
	var errs []error
	for _, v := range a.verifiers {
		identity, err := v.Verify(ctx, token)
		if err == nil && identity != nil {
			return identity, nil
		}
		if err == nil {
			err = ErrTokenInvalid
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// RequireAuth rejects requests without a valid bearer token (401) and identities that
// hold none of the allowed roles (403). No roles means any authenticated identity.
func (a *Authenticator) RequireAuth(allowedRoles ...string) func(http.Handler) http.Handler {
	allowed := make([]string, 0, len(allowedRoles))
	for _, role := range allowedRoles {
		if role = normaliseRole(role); role != "" {
			allowed = append(allowed, role)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "Authentication required", http.StatusUnauthorized))
				return
			}

			identity, err := a.Authenticate(ctx, token)
			if err != nil {
				if errors.Is(err, ErrTokenExpired) {
					httpx.WriteError(ctx, w, httpx.NewError("token_expired", "Token expired", http.StatusUnauthorized))
					return
				}
				httpx.WriteError(ctx, w, httpx.NewError("invalid_token", "Invalid token", http.StatusUnauthorized))
				return
			}

			if len(allowed) > 0 && !identity.HasAnyRole(allowed...) {
				httpx.WriteError(ctx, w, httpx.NewError("forbidden", "Insufficient permissions", http.StatusForbidden))
				return
			}

			ctx = WithIdentity(ctx, identity)
			if requestctx.HasLogger(ctx) {
				ctx = requestctx.WithLogger(ctx, requestctx.Logger(ctx).With(
					zap.String("actor_id", identity.Subject),
					zap.String("actor_role", identity.PrimaryRole()),
				))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
