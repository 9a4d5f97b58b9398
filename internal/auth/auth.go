// Package auth verifies HS256 tokens issued by the upstream identity service.
// Token issuance is not this module's concern; Sign exists for tooling and tests.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"courier/pkg/interfaces"
	"courier/pkg/types"
)

// RoleService marks tokens issued to backend callers rather than end users.
const RoleService = "service"

// Claims is the token body. The user ID travels in "sub".
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// JWTAuthenticator implements interfaces.Authenticator.
type JWTAuthenticator struct {
	secret     []byte
	issuer     string
	cookieName string
	parser     *jwt.Parser
}

var _ interfaces.Authenticator = (*JWTAuthenticator)(nil)

// NewJWTAuthenticator creates an authenticator for HS256 tokens. An empty
// issuer disables the issuer check.
func NewJWTAuthenticator(secret, issuer, cookieName string) *JWTAuthenticator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTAuthenticator{
		secret:     []byte(secret),
		issuer:     issuer,
		cookieName: cookieName,
		parser:     jwt.NewParser(opts...),
	}
}

// Authenticate verifies token and returns its subject.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, token string) (string, error) {
	claims, err := a.Verify(ctx, token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Verify checks token and returns its claims.
func (a *JWTAuthenticator) Verify(_ context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	parsed, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !types.IsValidUserID(claims.Subject) {
		return nil, ErrInvalidSubject
	}
	return claims, nil
}

// Sign issues an end-user token for userID valid for ttl.
func (a *JWTAuthenticator) Sign(userID string, ttl time.Duration) (string, error) {
	return a.sign(userID, "", ttl)
}

// SignService issues a backend token carrying RoleService.
func (a *JWTAuthenticator) SignService(name string, ttl time.Duration) (string, error) {
	return a.sign(name, RoleService, ttl)
}

func (a *JWTAuthenticator) sign(subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// TokenFromRequest extracts a token from, in order, the session cookie, an
// Authorization bearer header and the token query parameter.
func (a *JWTAuthenticator) TokenFromRequest(r *http.Request) string {
	if a.cookieName != "" {
		if cookie, err := r.Cookie(a.cookieName); err == nil && cookie.Value != "" {
			return cookie.Value
		}
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && token != "" {
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("token")
}

type (
	userIDKey struct{}
	roleKey   struct{}
)

// WithUserID stores an authenticated user ID in ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFrom returns the user ID stored by Middleware.
func UserIDFrom(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey{}).(string)
	return userID, ok && userID != ""
}

// RoleFrom returns the token role stored by Middleware.
func RoleFrom(ctx context.Context) string {
	role, _ := ctx.Value(roleKey{}).(string)
	return role
}

// Middleware rejects requests without a valid token and stores the user ID
// and role in the request context.
func Middleware(a *JWTAuthenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := a.Verify(r.Context(), a.TokenFromRequest(r))
			if err != nil {
				logger.Warn("rejected request", "path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := WithUserID(r.Context(), claims.Subject)
			ctx = context.WithValue(ctx, roleKey{}, claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole runs after Middleware and answers 403 unless the token carries
// role.
func RequireRole(role string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if RoleFrom(r.Context()) != role {
				userID, _ := UserIDFrom(r.Context())
				logger.Warn("forbidden request", "path", r.URL.Path, "userID", userID, "required", role)
				http.Error(w, ErrForbiddenRole.Error(), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
