package tracking

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/custody/internal/domain/audittrail"
	"github.com/ehr/custody/internal/domain/custody"
	"github.com/ehr/custody/internal/platform/auth"
)

type Handler struct {
	tracker *Tracker
	logger  zerolog.Logger
}

func NewHandler(tracker *Tracker, logger zerolog.Logger) *Handler {
	return &Handler{tracker: tracker, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole("physician", "nurse", "lab_tech", "compliance_officer"))
	readGroup.GET("/custody/specimens/:id/trail", h.GetTrail)
	readGroup.GET("/custody/specimens/:id/compliance", h.GetCompliance)

	officerGroup := api.Group("", auth.RequireRole("compliance_officer"))
	officerGroup.POST("/compliance/specimens/:id/violations/:violation_id/resolve", h.ResolveViolation)
}

func (h *Handler) GetTrail(c echo.Context) error {
	trail, err := h.tracker.Trail(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.mapError(err)
	}
	return c.JSON(http.StatusOK, trail)
}

// GetCompliance returns the catalog evaluation, or only the built-in rules
// with ?baseline=true.
func (h *Handler) GetCompliance(c echo.Context) error {
	ctx := c.Request().Context()
	if c.QueryParam("baseline") == "true" {
		status, err := h.tracker.Baseline(ctx, c.Param("id"))
		if err != nil {
			return h.mapError(err)
		}
		return c.JSON(http.StatusOK, status)
	}
	trail, err := h.tracker.Trail(ctx, c.Param("id"))
	if err != nil {
		return h.mapError(err)
	}
	return c.JSON(http.StatusOK, trail.Compliance)
}

type resolveRequest struct {
	Note string `json:"note"`
}

func (h *Handler) ResolveViolation(c echo.Context) error {
	vid, err := uuid.Parse(c.Param("violation_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid violation_id")
	}
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	v, err := h.tracker.Resolve(c.Request().Context(), c.Param("id"), vid, req.Note)
	if err != nil {
		return h.mapError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) mapError(err error) error {
	var notFound *custody.SpecimenNotFoundError
	switch {
	case errors.As(err, &notFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrViolationNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "violation not found")
	case errors.Is(err, audittrail.ErrViolationAlreadyResolved):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, custody.ErrUnauthenticated):
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	case errors.Is(err, custody.ErrStoreUnavailable):
		h.logger.Error().Err(err).Msg("resource store unavailable")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "resource store unavailable, try again")
	}
	h.logger.Error().Err(err).Msg("unexpected tracking error")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
