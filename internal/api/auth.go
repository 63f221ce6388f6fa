package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tandem-run/tandem/internal/core"
	"github.com/tandem-run/tandem/internal/router"
)

type identityKey struct{}

// Identity is the authenticated caller extracted from the bearer token.
type Identity struct {
	User   string
	Tenant string
	Role   router.Role
}

// IdentityFrom returns the request identity set by the auth middleware.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// IssueToken mints an HS256 token for the claims. Used by the CLI and
// tests; production deployments bring their own issuer.
func IssueToken(secret, user, tenant string, role router.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user":   user,
		"tenant": tenant,
		"role":   role.String(),
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", core.WrapError(core.CodeFatal, err, "failed to sign token")
	}
	return signed, nil
}

// authMiddleware validates the bearer token and stores the identity on
// the request context. Missing or bad tokens are unauthorized; a token
// without a tenant claim is useless and rejected the same way.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			s.writeError(w, r, core.NewError(core.CodeUnauthorized, "missing bearer token"))
			return
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, core.NewErrorf(core.CodeUnauthorized, "unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s.secret), nil
		})
		if err != nil || !token.Valid {
			s.writeError(w, r, core.NewError(core.CodeUnauthorized, "invalid token"))
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			s.writeError(w, r, core.NewError(core.CodeUnauthorized, "invalid token claims"))
			return
		}
		user, _ := claims["user"].(string)
		tenant, _ := claims["tenant"].(string)
		roleStr, _ := claims["role"].(string)
		if user == "" || tenant == "" {
			s.writeError(w, r, core.NewError(core.CodeUnauthorized, "token lacks user or tenant"))
			return
		}
		role, err := router.ParseRole(roleStr)
		if err != nil {
			s.writeError(w, r, core.NewError(core.CodeUnauthorized, "token carries an unknown role"))
			return
		}

		ctx := context.WithValue(r.Context(), identityKey{}, Identity{
			User:   user,
			Tenant: tenant,
			Role:   role,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
