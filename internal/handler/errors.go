package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/hajj-portal/internal/storage"
	"github.com/iliyamo/hajj-portal/internal/tracker"
	"github.com/iliyamo/hajj-portal/internal/utils"
)

// trackerError answers a failed tracker operation.  Only the error kind is
// exposed; driver messages stay in the log.
func trackerError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, tracker.ErrPartialArchive):
		slog.Error("archive needs operator attention", "path", c.Path(), "err", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "archive partially applied; check the history before retrying",
			"fatal": true,
		})
	case errors.Is(err, tracker.ErrConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": "part already taken"})
	case errors.Is(err, tracker.ErrPermissionDenied):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "permission denied"})
	case errors.Is(err, tracker.ErrValidation):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, tracker.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "part not found"})
	case errors.Is(err, tracker.ErrBackendUnavailable):
		slog.Warn("tracker backend unavailable", "path", c.Path(), "err", err)
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "service unavailable, try again"})
	}
	slog.Error("tracker request failed", "path", c.Path(), "err", err)
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}

// storageError answers a failed upload or signing request.
func storageError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotConfigured):
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "file storage is not configured"})
	case errors.Is(err, storage.ErrTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{"error": "file too large"})
	case errors.Is(err, storage.ErrInvalidKey):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid file reference"})
	}
	slog.Error("storage request failed", "path", c.Path(), "err", err)
	return c.JSON(http.StatusBadGateway, echo.Map{"error": "file storage failed"})
}

// bindAndValidate binds the request body into req and runs the registered
// validator.  On failure the 400 response has already been written and the
// returned bool is false.
func bindAndValidate(c echo.Context, req any) (bool, error) {
	if err := c.Bind(req); err != nil {
		return false, c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if c.Echo().Validator == nil {
		return true, nil
	}
	if err := c.Validate(req); err != nil {
		if v, ok := c.Echo().Validator.(*utils.Validator); ok {
			if fields := v.FieldErrors(err); fields != nil {
				return false, c.JSON(http.StatusBadRequest, echo.Map{"error": "validation failed", "fields": fields})
			}
		}
		return false, c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	return true, nil
}

// paramID parses a positive numeric path parameter.
func paramID(c echo.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// HTTPErrorHandler renders errors that escape handlers, such as unknown
// routes or panics recovered by echo, in the same {"error": ...} shape.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := http.StatusText(code)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if s, ok := he.Message.(string); ok {
			msg = s
		} else {
			msg = http.StatusText(code)
		}
	} else {
		slog.Error("unhandled error", "method", c.Request().Method, "path", c.Path(), "err", err)
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, echo.Map{"error": msg})
}
