// Package identity verifies user identity tokens and carries the verified
// user through request contexts.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/blooom-app/blooom/internal/domain"
	"github.com/blooom-app/blooom/internal/store"
	"github.com/golang-jwt/jwt/v5"
)

const (
	TokenCookieName = "blooom_token"
	tokenQueryParam = "token"
	issuer          = "blooom"
)

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid identity token")

type contextKey int

const (
	userIDKey contextKey = iota
	usernameKey
)

// Claims is the payload of an identity token.
type Claims struct {
	UserID   int64  `json:"uid"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs an identity token for the given user.
func IssueToken(secret []byte, userID domain.UserID, username string, ttl time.Duration) (string, error) {
	if !userID.Valid() {
		return "", fmt.Errorf("issue token: invalid user id %d", userID)
	}
	now := time.Now()
	claims := Claims{
		UserID:   int64(userID),
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies a signed identity token.
func ParseToken(secret []byte, raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !domain.UserID(claims.UserID).Valid() {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	return claims, nil
}

// UserIDFromContext extracts the verified user ID from the request context.
func UserIDFromContext(ctx context.Context) domain.UserID {
	if v, ok := ctx.Value(userIDKey).(domain.UserID); ok {
		return v
	}
	return 0
}

// UsernameFromContext extracts the username from the request context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// WithUser returns a context carrying a verified user.
func WithUser(ctx context.Context, userID domain.UserID, username string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, usernameKey, username)
}

func tokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	if c, err := r.Cookie(TokenCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	// Browsers cannot set headers on a WebSocket upgrade.
	return r.URL.Query().Get(tokenQueryParam)
}

func deriveUsername(userID domain.UserID) string {
	return "user-" + userID.String()
}

// EnsureUser makes sure userID has a user row and returns its username. An
// empty username keeps the stored one, or derives "user-<id>" for new rows.
func EnsureUser(ctx context.Context, repo store.UserStore, userID domain.UserID, username string) (string, error) {
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if user != nil && (username == "" || user.Username == username) {
		return user.Username, nil
	}
	if username == "" {
		username = deriveUsername(userID)
	}

	now := time.Now()
	created := now
	if user != nil {
		created = user.CreatedAt
	}
	err = repo.UpsertUser(ctx, &domain.User{
		ID:        userID,
		Username:  username,
		CreatedAt: created,
		UpdatedAt: now,
	})
	return username, err
}

// Middleware verifies the identity token when one is present and makes sure
// the user exists in the repository. Requests without a token pass through
// anonymously; a bad token is rejected.
func Middleware(repo store.Repository, secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := tokenFromRequest(r)
			if raw == "" || len(secret) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := ParseToken(secret, raw)
			if err != nil {
				http.Error(w, `{"error":"invalid identity token"}`, http.StatusUnauthorized)
				return
			}

			userID := domain.UserID(claims.UserID)
			username, err := EnsureUser(r.Context(), repo, userID, claims.Username)
			if err != nil {
				http.Error(w, `{"error":"failed to initialize user"}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID, username)))
		})
	}
}

// Require rejects requests that carry no verified identity.
func Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !UserIDFromContext(r.Context()).Valid() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
