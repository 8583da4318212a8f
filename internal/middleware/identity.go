package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/hajj-portal/internal/config"
	"github.com/iliyamo/hajj-portal/internal/identity"
)

// DeviceHeader carries the device token for clients without cookies.
const DeviceHeader = "X-Device-ID"

// Identity resolves the actor of every tracker request.  A valid Bearer
// token makes the caller a registered user; a Bearer token that does not
// verify is rejected with 401 rather than silently downgraded.  Without a
// token the caller is a guest identified by the device cookie or the
// X-Device-ID header.  Guests without either get a fresh device token in a
// cookie.
func Identity(secret string, cookie config.CookieConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if raw, present := bearerToken(c); present {
				if raw == "" || !authenticate(c, secret, raw) {
					return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
				}
				return next(c)
			}

			dev := strings.TrimSpace(c.Request().Header.Get(DeviceHeader))
			if dev == "" {
				if ck, err := c.Cookie(cookie.Name); err == nil {
					dev = ck.Value
				}
			}
			if dev != "" && !identity.ValidDeviceID(dev) {
				return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid device id"})
			}
			if dev == "" {
				dev = identity.NewDeviceID()
				c.SetCookie(&http.Cookie{
					Name:     cookie.Name,
					Value:    dev,
					Path:     "/",
					MaxAge:   int(cookie.MaxAge.Seconds()),
					HttpOnly: true,
					Secure:   cookie.Secure,
					SameSite: http.SameSiteLaxMode,
				})
			}
			c.Set(ctxIdentity, identity.NewGuest(dev))
			return next(c)
		}
	}
}

// IdentityFrom returns the actor resolved by Identity or JWTAuth.
func IdentityFrom(c echo.Context) (identity.Identity, bool) {
	id, ok := c.Get(ctxIdentity).(identity.Identity)
	return id, ok
}

// actorKey identifies the caller for rate limiting, or "" before the
// caller is known.
func actorKey(c echo.Context) string {
	if id, ok := IdentityFrom(c); ok {
		return id.Key()
	}
	return ""
}
