package catalog

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ramq/validateur/internal/platform/auth"
	"github.com/ramq/validateur/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – any authenticated role
	api.GET("/codes", h.ListCodes)
	api.GET("/codes/:code", h.GetCode)
	api.GET("/contexts", h.ListContexts)
	api.GET("/contexts/:name", h.GetContext)
	api.GET("/establishments", h.ListEstablishments)
	api.GET("/establishments/:name", h.GetEstablishment)
	api.GET("/rules", h.ListRules)
	api.GET("/rules/:id", h.GetRule)

	// Write endpoints – admin only
	adminGroup := api.Group("", auth.RequireRole("admin"))
	adminGroup.PUT("/codes/:code", h.UpsertCode)
	adminGroup.DELETE("/codes/:code", h.DeleteCode)
	adminGroup.PUT("/contexts/:name", h.UpsertContext)
	adminGroup.DELETE("/contexts/:name", h.DeleteContext)
	adminGroup.PUT("/establishments/:name", h.UpsertEstablishment)
	adminGroup.DELETE("/establishments/:name", h.DeleteEstablishment)
	adminGroup.POST("/rules", h.CreateRule)
	adminGroup.PUT("/rules/:id", h.UpdateRule)
	adminGroup.POST("/rules/:id/enable", h.EnableRule)
	adminGroup.POST("/rules/:id/disable", h.DisableRule)
	adminGroup.DELETE("/rules/:id", h.DeleteRule)
}

// -- Billing code handlers --

func (h *Handler) ListCodes(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListCodes(c.Request().Context(), c.QueryParam("q"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetCode(c echo.Context) error {
	code, err := h.svc.GetCode(c.Request().Context(), c.Param("code"))
	if err != nil {
		return notFoundOr500(err, "code not found")
	}
	return c.JSON(http.StatusOK, code)
}

func (h *Handler) UpsertCode(c echo.Context) error {
	var bc BillingCode
	if err := c.Bind(&bc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	bc.Code = c.Param("code")
	if err := h.svc.UpsertCode(c.Request().Context(), &bc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, bc)
}

func (h *Handler) DeleteCode(c echo.Context) error {
	if err := h.svc.DeleteCode(c.Request().Context(), c.Param("code")); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Context element handlers --

func (h *Handler) ListContexts(c echo.Context) error {
	items, err := h.svc.ListContexts(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetContext(c echo.Context) error {
	el, err := h.svc.GetContext(c.Request().Context(), c.Param("name"))
	if err != nil {
		return notFoundOr500(err, "context element not found")
	}
	return c.JSON(http.StatusOK, el)
}

func (h *Handler) UpsertContext(c echo.Context) error {
	var el ContextElement
	if err := c.Bind(&el); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	el.Name = c.Param("name")
	if err := h.svc.UpsertContext(c.Request().Context(), &el); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, el)
}

func (h *Handler) DeleteContext(c echo.Context) error {
	if err := h.svc.DeleteContext(c.Request().Context(), c.Param("name")); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Establishment handlers --

func (h *Handler) ListEstablishments(c echo.Context) error {
	items, err := h.svc.ListEstablishments(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetEstablishment(c echo.Context) error {
	e, err := h.svc.GetEstablishment(c.Request().Context(), c.Param("name"))
	if err != nil {
		return notFoundOr500(err, "establishment not found")
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) UpsertEstablishment(c echo.Context) error {
	var e Establishment
	if err := c.Bind(&e); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e.Name = c.Param("name")
	if err := h.svc.UpsertEstablishment(c.Request().Context(), &e); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) DeleteEstablishment(c echo.Context) error {
	if err := h.svc.DeleteEstablishment(c.Request().Context(), c.Param("name")); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Rule handlers --

func (h *Handler) ListRules(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListRules(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetRule(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	r, err := h.svc.GetRule(c.Request().Context(), id)
	if err != nil {
		return notFoundOr500(err, "rule not found")
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) CreateRule(c echo.Context) error {
	var r Rule
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateRule(c.Request().Context(), &r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) UpdateRule(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var r Rule
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r.ID = id
	if err := h.svc.UpdateRule(c.Request().Context(), &r); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "rule not found")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) EnableRule(c echo.Context) error  { return h.setRuleEnabled(c, true) }
func (h *Handler) DisableRule(c echo.Context) error { return h.setRuleEnabled(c, false) }

func (h *Handler) setRuleEnabled(c echo.Context, enabled bool) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	r, err := h.svc.SetRuleEnabled(c.Request().Context(), id, enabled)
	if err != nil {
		return notFoundOr500(err, "rule not found")
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) DeleteRule(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeleteRule(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func notFoundOr500(err error, msg string) error {
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, msg)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
