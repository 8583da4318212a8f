package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/hajj-portal/internal/storage"
)

// FilesHandler uploads lesson files and hands out signed links to them.
type FilesHandler struct {
	Store *storage.Store
}

func NewFilesHandler(store *storage.Store) *FilesHandler {
	return &FilesHandler{Store: store}
}

// Upload stores the multipart field "file" and returns its reference
// (admin only).
func (h *FilesHandler) Upload(c echo.Context) error {
	if !h.Store.Enabled() {
		return storageError(c, storage.ErrNotConfigured)
	}
	if limit := h.Store.MaxBytes(); limit > 0 {
		// leave room for the multipart framing around the file
		c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, limit+(1<<20))
	}
	fh, err := c.FormFile("file")
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return storageError(c, storage.ErrTooLarge)
		}
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "file field required"})
	}
	f, err := fh.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable file"})
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(c.Request().Context(), 60*time.Second)
	defer cancel()

	obj, err := h.Store.Upload(ctx, fh.Filename, fh.Header.Get(echo.HeaderContentType), f, fh.Size)
	if err != nil {
		return storageError(c, err)
	}
	return c.JSON(http.StatusCreated, obj)
}

// Sign turns a stored reference (?url=) into a link the browser can open.
// References outside the bucket are returned unchanged.
func (h *FilesHandler) Sign(c echo.Context) error {
	raw := strings.TrimSpace(c.QueryParam("url"))
	if raw == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "url required"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	return c.JSON(http.StatusOK, echo.Map{"url": h.Store.ResolveURL(ctx, raw)})
}

// Delete removes an uploaded file given its reference (?url=, admin only).
func (h *FilesHandler) Delete(c echo.Context) error {
	raw := strings.TrimSpace(c.QueryParam("url"))
	if raw == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "url required"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()
	if err := h.Store.Delete(ctx, raw); err != nil {
		return storageError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
