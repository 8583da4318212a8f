package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/hajj-portal/internal/handler"
	"github.com/iliyamo/hajj-portal/internal/middleware"
	"github.com/iliyamo/hajj-portal/internal/model"
)

// HistoryRoute is the cached history listing.  The archiver purges its
// cache entries after every archive.
const HistoryRoute = "/v1/admin/tracks"

// RegisterAdmin registers admin-scoped endpoints under /v1/admin.  All
// routes require a valid JWT and the admin role.
func RegisterAdmin(e *echo.Echo, a *handler.AdminHandler, f *handler.FilesHandler, jwtSecret string, cache *middleware.RedisCache) {
	g := e.Group(
		"/v1/admin",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleAdmin),
	)

	// ---- Rounds ----
	g.POST("/tracks", a.Archive)
	g.GET("/tracks", a.History, cache.Middleware())
	g.GET("/participation", a.Participation)
	g.GET("/stats", a.Stats)

	// ---- Users ----
	g.GET("/users", a.ListUsers)
	g.PATCH("/users/:id/role", a.UpdateRole)

	// ---- Files ----
	g.POST("/files", f.Upload)
	g.DELETE("/files", f.Delete)
}
