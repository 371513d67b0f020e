// Package auth provides the identity slice the validation service needs:
// a bearer-token middleware that resolves the caller into a User so that
// validation runs can be attributed to their owner. Token issuance and role
// management live outside this service.
package auth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const userContextKey = "auth_user"

// User is the authenticated caller attached to the request context.
type User struct {
	ID    string
	Name  string
	Roles []string
}

// HasRole reports whether the user carries the given role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type Claims struct {
	jwt.RegisteredClaims
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

// Middleware validates HS256 bearer tokens signed with secret and stores the
// resulting User on the echo context.
func Middleware(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			raw := strings.TrimPrefix(header, "Bearer ")

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set(userContextKey, &User{
				ID:    claims.Subject,
				Name:  claims.Name,
				Roles: claims.Roles,
			})
			return next(c)
		}
	}
}

// DevMiddleware attaches a fixed admin user to every request. Development only.
func DevMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(userContextKey, &User{
				ID:    "dev-user",
				Name:  "Développement",
				Roles: []string{"admin"},
			})
			return next(c)
		}
	}
}

// RequireRole rejects requests whose user carries none of the given roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := CurrentUser(c)
			if user == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			for _, role := range roles {
				if user.HasRole(role) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
		}
	}
}

// CurrentUser returns the authenticated user from the echo context, or nil.
func CurrentUser(c echo.Context) *User {
	user, _ := c.Get(userContextKey).(*User)
	return user
}
