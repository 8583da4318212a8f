package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/hajj-portal/internal/config"
	"github.com/iliyamo/hajj-portal/internal/identity"
	"github.com/iliyamo/hajj-portal/internal/model"
	"github.com/iliyamo/hajj-portal/internal/utils"
)

const testSecret = "test-secret"

var testCookie = config.CookieConfig{Name: "device_id", MaxAge: time.Hour}

// run sends req through mw and returns the recorder and the identity seen by
// the handler.
func run(t *testing.T, mw echo.MiddlewareFunc, req *http.Request) (*httptest.ResponseRecorder, identity.Identity, bool) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	var (
		seen   identity.Identity
		called bool
	)
	err := mw(func(c echo.Context) error {
		called = true
		seen, _ = IdentityFrom(c)
		return c.NoContent(http.StatusNoContent)
	})(c)
	require.NoError(t, err)
	return rec, seen, called
}

func bearer(t *testing.T, userID uint64, role string) string {
	t.Helper()
	tok, err := utils.NewAccessToken(testSecret, userID, role, 5)
	require.NoError(t, err)
	return "Bearer " + tok.Token
}

func TestIdentityRegistered(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/parts", nil)
	req.Header.Set(echo.HeaderAuthorization, bearer(t, 42, model.RoleAdmin))
	req.AddCookie(&http.Cookie{Name: "device_id", Value: "dev_ignored"})

	rec, id, called := run(t, Identity(testSecret, testCookie), req)
	require.True(t, called)
	assert.Equal(t, identity.NewRegistered(42, model.RoleAdmin), id)
	assert.True(t, id.IsAdmin())
	assert.Empty(t, rec.Header().Get("Set-Cookie"))
}

func TestIdentityRejectsBadToken(t *testing.T) {
	for _, h := range []string{"Bearer nonsense", "Bearer ", "Basic abc"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/parts", nil)
		req.Header.Set(echo.HeaderAuthorization, h)
		rec, _, called := run(t, Identity(testSecret, testCookie), req)
		assert.False(t, called, h)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, h)
	}
}

func TestIdentityGuestFromCookieOrHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/parts", nil)
	req.AddCookie(&http.Cookie{Name: "device_id", Value: "dev_cookie"})
	_, id, _ := run(t, Identity(testSecret, testCookie), req)
	assert.Equal(t, identity.NewGuest("dev_cookie"), id)

	req = httptest.NewRequest(http.MethodGet, "/v1/parts", nil)
	req.Header.Set(DeviceHeader, "dev_header")
	req.AddCookie(&http.Cookie{Name: "device_id", Value: "dev_cookie"})
	_, id, _ = run(t, Identity(testSecret, testCookie), req)
	assert.Equal(t, "dev_header", id.DeviceID)

	req = httptest.NewRequest(http.MethodGet, "/v1/parts", nil)
	req.Header.Set(DeviceHeader, "not valid!")
	rec, _, called := run(t, Identity(testSecret, testCookie), req)
	assert.False(t, called)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdentityIssuesDeviceCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/parts", nil)
	rec, id, called := run(t, Identity(testSecret, testCookie), req)
	require.True(t, called)
	assert.Equal(t, identity.Guest, id.Kind)
	assert.True(t, strings.HasPrefix(id.DeviceID, "dev_"))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "device_id", cookies[0].Name)
	assert.Equal(t, id.DeviceID, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, 3600, cookies[0].MaxAge)
}

func TestJWTAuthAndRequireRole(t *testing.T) {
	admin := func(next echo.HandlerFunc) echo.HandlerFunc {
		return JWTAuth(testSecret)(RequireRole(model.RoleAdmin)(next))
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/users", nil)
	rec, _, called := run(t, admin, req)
	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/admin/users", nil)
	req.Header.Set(echo.HeaderAuthorization, bearer(t, 7, model.RoleUser))
	rec, _, called = run(t, admin, req)
	assert.False(t, called)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/admin/users", nil)
	req.Header.Set(echo.HeaderAuthorization, bearer(t, 1, model.RoleAdmin))
	rec, id, called := run(t, admin, req)
	assert.True(t, called)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, uint64(1), id.UserID)
}

func TestRateKeyStrategies(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/parts/3/claim", nil)
	req.Header.Set(echo.HeaderXRealIP, "10.0.0.1")
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/v1/parts/:id/claim")

	cfg := config.RateLimitConfig{Prefix: "rl"}
	assert.Equal(t, "rl:id:ip:10.0.0.1:route:POST /v1/parts/:id/claim", buildRateKey(cfg, c))

	c.Set(ctxIdentity, identity.NewGuest("dev_a"))
	assert.Equal(t, "rl:id:device:dev_a:route:POST /v1/parts/:id/claim", buildRateKey(cfg, c))
	cfg.KeyStrategy = "ip"
	assert.Equal(t, "rl:ip:10.0.0.1", buildRateKey(cfg, c))
}

func TestDisabledLimiterAndCachePassThrough(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/tracks", nil)
	rec, _, called := run(t, NewTokenBucket(config.RateLimitConfig{Enabled: true}, nil, nil), req)
	assert.True(t, called)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))

	cache := NewRedisCache(config.CacheConfig{Enabled: true, Methods: "GET", Prefix: "cache"}, nil, nil)
	req = httptest.NewRequest(http.MethodGet, "/v1/admin/tracks", nil)
	rec, _, called = run(t, cache.Middleware(), req)
	assert.True(t, called)
	assert.Empty(t, rec.Header().Get("X-Cache"))
	assert.NoError(t, cache.Purge(req.Context(), cache.RoutePrefix("/v1/admin/tracks")))
	assert.Equal(t, "cache:/v1/admin/tracks", cache.RoutePrefix("/v1/admin/tracks"))
}

func TestCachePayloadEncoding(t *testing.T) {
	hdr := http.Header{"Content-Type": {"application/json"}}
	bs, err := encodePayload(http.StatusOK, hdr, []byte(`{"ok":true}`))
	require.NoError(t, err)
	status, got, body, ok := decodePayload(bs)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, hdr, got)
	assert.Equal(t, `{"ok":true}`, string(body))

	_, _, _, ok = decodePayload(bs[:6])
	assert.False(t, ok)
}
