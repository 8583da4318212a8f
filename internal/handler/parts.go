package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/hajj-portal/internal/identity"
	"github.com/iliyamo/hajj-portal/internal/middleware"
	"github.com/iliyamo/hajj-portal/internal/tracker"
)

// PartsHandler serves the part grid to guests and registered users.
type PartsHandler struct {
	Engine      *tracker.Engine
	Bridge      *tracker.Bridge
	Settings    tracker.StateReader
	DefaultName string
}

func NewPartsHandler(engine *tracker.Engine, bridge *tracker.Bridge, settings tracker.StateReader, defaultName string) *PartsHandler {
	return &PartsHandler{Engine: engine, Bridge: bridge, Settings: settings, DefaultName: defaultName}
}

type claimReq struct {
	GuestName string `json:"guest_name"`
}

func viewer(c echo.Context) (identity.Identity, bool) {
	return middleware.IdentityFrom(c)
}

func partParam(c echo.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// List returns the grid as seen by the caller, read straight from the
// store.
func (h *PartsHandler) List(c echo.Context) error {
	who, ok := viewer(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unknown caller"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	parts, err := h.Engine.List(ctx)
	if err != nil {
		return trackerError(c, err)
	}
	state, err := h.Settings.State(ctx, h.DefaultName)
	if err != nil {
		slog.Warn("load tracker state failed", "err", err)
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "service unavailable, try again"})
	}
	return c.JSON(http.StatusOK, tracker.View(parts, state, who))
}

// Tracker returns the current round name and the completed count.
func (h *PartsHandler) Tracker(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	state, err := h.Settings.State(ctx, h.DefaultName)
	if err != nil {
		slog.Warn("load tracker state failed", "err", err)
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "service unavailable, try again"})
	}
	return c.JSON(http.StatusOK, state)
}

// Claim takes a free part for the caller.  Guests send {"guest_name": ...}.
func (h *PartsHandler) Claim(c echo.Context) error {
	who, ok := viewer(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unknown caller"})
	}
	id, ok := partParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid part id"})
	}
	var req claimReq
	if err := c.Bind(&req); err != nil && !errors.Is(err, io.EOF) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}

	p, err := h.Engine.Claim(c.Request().Context(), who, id, req.GuestName)
	if err != nil {
		return trackerError(c, err)
	}
	return c.JSON(http.StatusOK, tracker.ViewPart(p, who))
}

// Release frees a part held by the caller, or any part for an admin.
func (h *PartsHandler) Release(c echo.Context) error {
	who, ok := viewer(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unknown caller"})
	}
	id, ok := partParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid part id"})
	}
	if err := h.Engine.Release(c.Request().Context(), who, id); err != nil {
		return trackerError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Stream pushes a "snapshot" event with the caller's view every time the
// grid or the tracker state changes.  The first event is the current grid.
func (h *PartsHandler) Stream(c echo.Context) error {
	who, ok := viewer(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unknown caller"})
	}
	ctx := c.Request().Context()
	if _, err := h.Bridge.Snapshot(ctx); err != nil {
		return trackerError(c, err)
	}

	updates := h.Bridge.Watch(ctx)
	sseStart(c)
	ping := time.NewTicker(sseKeepAlive)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if err := sseSend(c, "snapshot", snap.Version, tracker.ViewSnapshot(snap, who)); err != nil {
				return nil
			}
		case <-ping.C:
			if err := ssePing(c); err != nil {
				return nil
			}
		}
	}
}
