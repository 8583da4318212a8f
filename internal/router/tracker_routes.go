package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/hajj-portal/internal/config"
	"github.com/iliyamo/hajj-portal/internal/handler"
	"github.com/iliyamo/hajj-portal/internal/middleware"
)

// RegisterTracker registers the part grid endpoints.  Every caller gets an
// identity: registered users through their Bearer token, everyone else as a
// guest keyed by the device cookie.  Writes pass through the rate limiter,
// which runs after Identity so buckets are per caller.
func RegisterTracker(e *echo.Echo, h *handler.PartsHandler, jwtSecret string, cookie config.CookieConfig, limiter echo.MiddlewareFunc) {
	g := e.Group("/v1/parts", middleware.Identity(jwtSecret, cookie))
	g.GET("", h.List)
	g.GET("/stream", h.Stream)
	g.POST("/:id/claim", h.Claim, limiter)
	g.DELETE("/:id/claim", h.Release, limiter)

	e.GET("/v1/tracker", h.Tracker)
}

// RegisterFiles registers the public signing endpoint.
func RegisterFiles(e *echo.Echo, f *handler.FilesHandler) {
	e.GET("/v1/files/sign", f.Sign)
}

// RegisterNotifications registers the per-user notification endpoints.  All
// routes require a valid JWT.
func RegisterNotifications(e *echo.Echo, n *handler.NotificationsHandler, jwtSecret string) {
	g := e.Group("/v1/notifications", middleware.JWTAuth(jwtSecret))
	g.GET("", n.List)
	g.GET("/stream", n.Stream)
	g.POST("/read-all", n.MarkAllRead)
	g.POST("/:id/read", n.MarkRead)
}
