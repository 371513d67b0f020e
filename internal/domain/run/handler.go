package run

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ramq/validateur/internal/platform/auth"
	"github.com/ramq/validateur/internal/platform/progress"
	"github.com/ramq/validateur/pkg/pagination"
)

type Handler struct {
	svc *Service
	ws  *progress.WSHandler
}

func NewHandler(svc *Service, ws *progress.WSHandler) *Handler {
	return &Handler{svc: svc, ws: ws}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/runs", h.CreateRun)
	api.GET("/runs", h.ListRuns)
	api.GET("/runs/:id", h.GetRun)
	api.GET("/runs/:id/results", h.ListResults)
	api.GET("/runs/:id/export", h.ExportSSV)
	api.GET("/runs/:id/stream", h.ws.Stream)
	api.POST("/runs/:id/cancel", h.Cancel)
	api.DELETE("/runs/:id", h.DeleteRun)
}

// CreateRun accepts a multipart upload under the "file" field and returns
// the queued run.
func (h *Handler) CreateRun(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing file field")
	}
	file, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	createdBy := ""
	if user := auth.CurrentUser(c); user != nil {
		createdBy = user.ID
	}

	v, err := h.svc.CreateRun(c.Request().Context(), createdBy, fileHeader.Filename, content)
	if err != nil {
		switch {
		case errors.Is(err, ErrFileTooLarge):
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
		case errors.Is(err, ErrEmptyFile):
			return echo.NewHTTPError(http.StatusBadRequest, "empty file")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusAccepted, v)
}

func (h *Handler) ListRuns(c echo.Context) error {
	pg := pagination.FromContext(c)
	createdBy := c.QueryParam("createdBy")
	runs, total, err := h.svc.ListRuns(c.Request().Context(), createdBy, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(runs, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	v, err := h.svc.GetRun(c.Request().Context(), id)
	if err != nil {
		return notFoundOr500(err, "run not found")
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) ListResults(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	results, total, err := h.svc.Results(c.Request().Context(), id, c.QueryParam("severity"), pg.Limit, pg.Offset)
	if err != nil {
		return notFoundOr500(err, "run not found")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(results, total, pg.Limit, pg.Offset))
}

// ExportSSV streams the run's records as an SSV exchange file.
func (h *Handler) ExportSSV(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var buf bytes.Buffer
	if err := h.svc.ExportSSV(c.Request().Context(), id, &buf); err != nil {
		return notFoundOr500(err, "run not found")
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+id.String()+`.ssv"`)
	return c.Blob(http.StatusOK, "text/plain; charset=utf-8", buf.Bytes())
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	v, err := h.svc.Cancel(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrRunFinished) {
			return echo.NewHTTPError(http.StatusConflict, "run already finished")
		}
		return notFoundOr500(err, "run not found")
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) DeleteRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeleteRun(c.Request().Context(), id); err != nil {
		return notFoundOr500(err, "run not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func notFoundOr500(err error, msg string) error {
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, msg)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
