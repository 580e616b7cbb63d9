package runtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/articleforge/articleforge/config"
)

// LoadJWTSecret resolves the shared JWT secret from config.
func LoadJWTSecret(cfg *config.Config) ([]byte, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if cfg.Server.JWTSecret != "" {
		return []byte(cfg.Server.JWTSecret), nil
	}
	return nil, errors.New("jwt secret not configured (server.jwt_secret or ARTICLEFORGE_SERVER_JWT_SECRET)")
}

// Identity is the authenticated principal carried on every request.
type Identity struct {
	UserID string
	OrgID  string
	Role   string
}

// SignJWT issues a signed token binding a user to its organization and role.
func SignJWT(id Identity, secret []byte, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":    id.UserID,
		"org_id": id.OrgID,
		"role":   id.Role,
		"exp":    time.Now().Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// EchoAuthMiddleware validates JWT tokens from the Authorization header or
// the auth cookie and stores the caller identity on the request context.
func EchoAuthMiddleware(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tok := extractToken(c)
			if tok == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
			}
			parsed, err := jwt.Parse(tok, func(t *jwt.Token) (interface{}, error) { return secret, nil })
			if err != nil || !parsed.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			claims, ok := parsed.Claims.(jwt.MapClaims)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			id := Identity{}
			if sub, ok := claims["sub"].(string); ok {
				id.UserID = sub
			}
			if org, ok := claims["org_id"].(string); ok {
				id.OrgID = org
			}
			if role, ok := claims["role"].(string); ok {
				id.Role = role
			}
			if id.UserID == "" || id.OrgID == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			c.Set("identity", id)
			c.SetRequest(c.Request().WithContext(ContextWithIdentity(c.Request().Context(), id)))
			return next(c)
		}
	}
}

func extractToken(c echo.Context) string {
	if h := c.Request().Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	if ck, err := c.Cookie("auth"); err == nil {
		return ck.Value
	}
	return ""
}

type identityKey struct{}

// ContextWithIdentity stores the caller identity on a context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by the auth middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	if v := ctx.Value(identityKey{}); v != nil {
		if id, ok := v.(Identity); ok {
			return id, true
		}
	}
	return Identity{}, false
}

// IdentityFromEcho returns the identity for an authenticated echo request.
func IdentityFromEcho(c echo.Context) (Identity, bool) {
	if raw := c.Get("identity"); raw != nil {
		if id, ok := raw.(Identity); ok {
			return id, true
		}
	}
	return IdentityFromContext(c.Request().Context())
}

// RequireRole rejects callers whose role is not in the allowed set.
func RequireRole(allowed ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, ok := IdentityFromEcho(c)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			for _, role := range allowed {
				if id.Role == role {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
		}
	}
}
