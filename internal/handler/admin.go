package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/hajj-portal/internal/middleware"
	"github.com/iliyamo/hajj-portal/internal/repository"
	"github.com/iliyamo/hajj-portal/internal/tracker"
)

// DefaultHistoryLimit caps the history listing when ?limit is absent.
const DefaultHistoryLimit = 50

// AdminHandler serves the admin dashboard: archiving, history, user
// management and counters.
type AdminHandler struct {
	Archiver    *tracker.Archiver
	Parts       *repository.PartRepo
	Settings    *repository.SettingsRepo
	Tracks      *repository.TrackRepo
	Users       *repository.UserRepo
	DefaultName string
}

func NewAdminHandler(archiver *tracker.Archiver, parts *repository.PartRepo, settings *repository.SettingsRepo, tracks *repository.TrackRepo, users *repository.UserRepo, defaultName string) *AdminHandler {
	return &AdminHandler{Archiver: archiver, Parts: parts, Settings: settings, Tracks: tracks, Users: users, DefaultName: defaultName}
}

type archiveReq struct {
	Name string `json:"name" validate:"required,notblank,max=255"`
}

type roleReq struct {
	Role string `json:"role" validate:"required,oneof=user admin"`
}

// Archive closes the current round and opens a new one named in the body.
func (h *AdminHandler) Archive(c echo.Context) error {
	who, ok := middleware.IdentityFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req archiveReq
	if ok, err := bindAndValidate(c, &req); !ok {
		return err
	}
	res, err := h.Archiver.ArchiveAndReset(c.Request().Context(), who, req.Name)
	if err != nil {
		return trackerError(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

// History lists archived rounds, newest first.  ?limit=0 returns all.
func (h *AdminHandler) History(c echo.Context) error {
	limit := DefaultHistoryLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid limit"})
		}
		limit = n
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	tracks, err := h.Tracks.List(ctx, limit)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "load history failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{"tracks": tracks})
}

// Participation lists everyone who holds or held a part.
func (h *AdminHandler) Participation(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	current, err := h.Parts.ListAll(ctx)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "load parts failed"})
	}
	history, err := h.Tracks.List(ctx, 0)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "load history failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{"participants": tracker.Participation(current, history)})
}

// Stats returns the dashboard counters.
func (h *AdminHandler) Stats(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	var (
		s   tracker.Stats
		err error
	)
	if s.Users, err = h.Users.Count(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "count users failed"})
	}
	if s.TotalParts, s.ClaimedParts, err = h.Parts.Counts(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "count parts failed"})
	}
	if s.ArchivedTracks, err = h.Tracks.Count(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "count tracks failed"})
	}
	state, err := h.Settings.State(ctx, h.DefaultName)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "load tracker state failed"})
	}
	s.CompletedCount = state.CompletedCount
	return c.JSON(http.StatusOK, s)
}

// ListUsers lists every account without password hashes.
func (h *AdminHandler) ListUsers(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	users, err := h.Users.List(ctx)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "load users failed"})
	}
	out := make([]userPart, 0, len(users))
	for _, u := range users {
		out = append(out, toUserPart(u))
	}
	return c.JSON(http.StatusOK, echo.Map{"users": out})
}

// UpdateRole promotes or demotes an account.  Admins cannot change their
// own role.
func (h *AdminHandler) UpdateRole(c echo.Context) error {
	id, ok := paramID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid user id"})
	}
	var req roleReq
	if ok, err := bindAndValidate(c, &req); !ok {
		return err
	}
	if id == middleware.UserID(c) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "cannot change your own role"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Users.UpdateRole(ctx, id, req.Role); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "user not found"})
		}
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "update failed"})
	}
	u, err := h.Users.GetByID(ctx, id)
	if err != nil {
		return c.JSON(http.StatusOK, echo.Map{"id": id, "role": req.Role})
	}
	return c.JSON(http.StatusOK, toUserPart(u))
}
