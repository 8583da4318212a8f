package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/hajj-portal/internal/feed"
	"github.com/iliyamo/hajj-portal/internal/middleware"
	"github.com/iliyamo/hajj-portal/internal/model"
	"github.com/iliyamo/hajj-portal/internal/repository"
)

// NotificationLimit is how many notifications a listing returns.
const NotificationLimit = 10

// NotificationsHandler serves a registered user's notifications.
type NotificationsHandler struct {
	Notes *repository.NotificationRepo
	Bus   feed.Bus
}

func NewNotificationsHandler(notes *repository.NotificationRepo, bus feed.Bus) *NotificationsHandler {
	return &NotificationsHandler{Notes: notes, Bus: bus}
}

type notificationsResp struct {
	Items  []model.Notification `json:"items"`
	Unread int                  `json:"unread"`
}

func (h *NotificationsHandler) load(ctx context.Context, userID uint64) (notificationsResp, error) {
	items, err := h.Notes.Latest(ctx, userID, NotificationLimit)
	if err != nil {
		return notificationsResp{}, err
	}
	unread, err := h.Notes.UnreadCount(ctx, userID)
	if err != nil {
		return notificationsResp{}, err
	}
	return notificationsResp{Items: items, Unread: unread}, nil
}

// List returns the latest notifications and the unread count.
func (h *NotificationsHandler) List(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	resp, err := h.load(ctx, middleware.UserID(c))
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "load notifications failed"})
	}
	return c.JSON(http.StatusOK, resp)
}

// MarkRead flags one of the caller's notifications as read.
func (h *NotificationsHandler) MarkRead(c echo.Context) error {
	id, ok := paramID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid notification id"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Notes.MarkRead(ctx, middleware.UserID(c), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "notification not found"})
		}
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "update failed"})
	}
	return c.NoContent(http.StatusNoContent)
}

// MarkAllRead flags every notification of the caller as read.
func (h *NotificationsHandler) MarkAllRead(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	n, err := h.Notes.MarkAllRead(ctx, middleware.UserID(c))
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "update failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{"updated": n})
}

// Stream sends the caller's listing once and again whenever a notification
// addressed to them is created.
func (h *NotificationsHandler) Stream(c echo.Context) error {
	uid := middleware.UserID(c)
	ctx := c.Request().Context()
	sub, err := h.Bus.Subscribe(ctx, feed.TableNotifications, feed.Filter{UserID: uid})
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "notification feed unavailable"})
	}
	defer sub.Close()

	first, err := h.load(ctx, uid)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "load notifications failed"})
	}
	sseStart(c)
	if err := sseSend(c, "notifications", 0, first); err != nil {
		return nil
	}
	ping := time.NewTicker(sseKeepAlive)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-sub.C():
			if !ok {
				return nil
			}
			resp, err := h.load(ctx, uid)
			if err != nil {
				continue
			}
			if err := sseSend(c, "notifications", 0, resp); err != nil {
				return nil
			}
		case <-ping.C:
			if err := ssePing(c); err != nil {
				return nil
			}
		}
	}
}
