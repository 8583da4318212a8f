package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/hajj-portal/internal/identity"
	"github.com/iliyamo/hajj-portal/internal/utils"
)

// Context keys set by the authentication middleware.
const (
	ctxUserID   = "user_id"
	ctxRole     = "role"
	ctxIdentity = "identity"
)

// bearerToken returns the raw token of an "Authorization: Bearer" header.
// present reports whether the header was sent at all.
func bearerToken(c echo.Context) (raw string, present bool) {
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	if auth == "" {
		return "", false
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", true
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")), true
}

// authenticate validates raw and stores the account in the context.
func authenticate(c echo.Context, secret, raw string) bool {
	claims, err := utils.ParseAccessToken(secret, raw)
	if err != nil {
		return false
	}
	uid, err := claims.UserID()
	if err != nil {
		return false
	}
	c.Set(ctxUserID, uid)
	c.Set(ctxRole, claims.Role)
	c.Set(ctxIdentity, identity.NewRegistered(uid, claims.Role))
	return true
}

// JWTAuth requires a valid Bearer access token.  Handlers read the account
// through UserID, Role or IdentityFrom.
func JWTAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, present := bearerToken(c)
			if !present || raw == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			if !authenticate(c, secret, raw) {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}
			return next(c)
		}
	}
}

// UserID returns the authenticated account id, or 0 for guests.
func UserID(c echo.Context) uint64 {
	id, _ := c.Get(ctxUserID).(uint64)
	return id
}

// Role returns the authenticated account role, or "".
func Role(c echo.Context) string {
	role, _ := c.Get(ctxRole).(string)
	return role
}
