package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
)

// ProviderFirebase labels identities verified from Firebase ID tokens.
const ProviderFirebase = "firebase"

// IDTokenVerifier is the subset of the Firebase Auth client used for verification.
type IDTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// FirebaseVerifier turns Firebase ID tokens into identities. Roles come from the custom
// "role"/"roles" claims and default to RoleUser.
type FirebaseVerifier struct {
	client       IDTokenVerifier
	timeout      time.Duration
	fallbackRole string
}

// FirebaseOption customises FirebaseVerifier instances.
type FirebaseOption func(*FirebaseVerifier)

// WithFirebaseTimeout overrides the timeout used for Admin SDK calls.
func WithFirebaseTimeout(d time.Duration) FirebaseOption {
	return func(v *FirebaseVerifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithFallbackRole sets the role assigned when the token carries none. Empty disables it.
func WithFallbackRole(role string) FirebaseOption {
	return func(v *FirebaseVerifier) { v.fallbackRole = normaliseRole(role) }
}

// NewFirebaseVerifier initialises the Admin SDK for projectID.
func NewFirebaseVerifier(ctx context.Context, projectID string, opts ...FirebaseOption) (*FirebaseVerifier, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errors.New("firebase project id is required")
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID})
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	authClient, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase auth client: %w", err)
	}
	return NewFirebaseVerifierWithClient(authClient, opts...), nil
}

// NewFirebaseVerifierWithClient wraps an existing ID token verifier.
func NewFirebaseVerifierWithClient(client IDTokenVerifier, opts ...FirebaseOption) *FirebaseVerifier {
	v := &FirebaseVerifier{
		client:       client,
		timeout:      defaultVerifyTimeout,
		fallbackRole: RoleUser,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Verify checks idToken with Firebase using a bounded context.
func (v *FirebaseVerifier) Verify(ctx context.Context, idToken string) (*Identity, error) {
	if v == nil || v.client == nil {
		return nil, errors.New("firebase verifier not initialised")
	}
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	token, err := v.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		switch {
		case firebaseauth.IsIDTokenExpired(err):
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}
	}

	roles := rolesFromClaims(token.Claims)
	if len(roles) == 0 && v.fallbackRole != "" {
		roles = []string{v.fallbackRole}
	}
	email, _ := token.Claims["email"].(string)
	return &Identity{
		Subject:  token.UID,
		Email:    strings.TrimSpace(email),
		Roles:    roles,
		Provider: ProviderFirebase,
	}, nil
}

func rolesFromClaims(claims map[string]any) []string {
	var roles []string
	for _, key := range []string{"role", "roles"} {
		switch v := claims[key].(type) {
		case string:
			roles = appendRole(roles, v)
		case []string:
			for _, role := range v {
				roles = appendRole(roles, role)
			}
		case []any:
			for _, item := range v {
				if role, ok := item.(string); ok {
					roles = appendRole(roles, role)
				}
			}
		case map[string]any:
			for role, enabled := range v {
				if flag, ok := enabled.(bool); ok && flag {
					roles = appendRole(roles, role)
				}
			}
		}
	}
	return roles
}
