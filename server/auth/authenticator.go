// Package auth verifies bearer tokens and mirrors the authenticated
// user into the local store.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/ratherhq/rather/store"
)

type contextKey int

const (
	// UserIDContextKey carries the authenticated user id.
	UserIDContextKey contextKey = iota
	claimsContextKey
)

const issuer = "rather"

// Claims is the token payload. Subject is the stable user id.
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 bearer tokens and upserts a mirror row
// for the user on every authenticated request.
type Authenticator struct {
	store  *store.Store
	secret string
}

func NewAuthenticator(st *store.Store, secret string) *Authenticator {
	return &Authenticator{store: st, secret: secret}
}

// Authenticate parses the Authorization header value and returns the
// verified claims. The user row is created or refreshed as a side
// effect so foreign keys always resolve.
func (a *Authenticator) Authenticate(ctx context.Context, authHeader string) (*Claims, error) {
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || token == "" {
		return nil, errors.New("missing bearer token")
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(a.secret), nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "invalid token")
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token claims")
	}

	if _, err := a.store.UpsertUser(ctx, &store.UpsertUser{
		ID:    claims.Subject,
		Email: claims.Email,
		Name:  claims.Name,
		Ts:    time.Now().UnixMilli(),
	}); err != nil {
		return nil, errors.Wrap(err, "failed to mirror user")
	}

	return claims, nil
}

// GenerateToken issues a signed token for the given user, valid for d.
func GenerateToken(secret, userID, email, name string, d time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Email: email,
		Name:  name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// SetClaimsInContext stores the verified claims and user id.
func SetClaimsInContext(ctx context.Context, claims *Claims) context.Context {
	ctx = context.WithValue(ctx, claimsContextKey, claims)
	return context.WithValue(ctx, UserIDContextKey, claims.Subject)
}

// ClaimsFromContext returns the claims set by the auth middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	return claims, ok
}

// UserIDFromContext returns the authenticated user id.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(UserIDContextKey).(string)
	return id, ok
}
