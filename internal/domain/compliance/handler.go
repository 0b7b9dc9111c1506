package compliance

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/custody/internal/domain/custody"
	"github.com/ehr/custody/internal/platform/auth"
	"github.com/ehr/custody/pkg/pagination"
)

type Handler struct {
	agg          *Aggregator
	reports      ReportRepository
	requirements []Requirement
	timeout      time.Duration
	logger       zerolog.Logger
}

func NewHandler(agg *Aggregator, reports ReportRepository, requirements []Requirement, timeout time.Duration, logger zerolog.Logger) *Handler {
	return &Handler{agg: agg, reports: reports, requirements: requirements, timeout: timeout, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole("physician", "nurse", "lab_tech", "compliance_officer"))
	readGroup.GET("/compliance/requirements", h.ListRequirements)

	officerGroup := api.Group("", auth.RequireRole("compliance_officer"))
	officerGroup.POST("/compliance/reports", h.GenerateReport)
	officerGroup.GET("/compliance/reports", h.ListReports)
	officerGroup.GET("/compliance/reports/:id", h.GetReport)
}

func (h *Handler) ListRequirements(c echo.Context) error {
	return c.JSON(http.StatusOK, h.requirements)
}

type generateRequest struct {
	Type  ReportType `json:"type"`
	Start time.Time  `json:"start"`
	End   time.Time  `json:"end"`
}

func (h *Handler) GenerateReport(c echo.Context) error {
	var req generateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Type == "" {
		req.Type = ReportDaily
	}

	ctx := c.Request().Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	rep, err := h.agg.GenerateReport(ctx, req.Type, req.Start, req.End)
	switch {
	case err == nil:
		return c.JSON(http.StatusCreated, rep)
	case errors.Is(err, ErrInvalidReport):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrReportTimeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "report generation timed out; narrow the window or retry")
	case errors.Is(err, custody.ErrStoreUnavailable):
		h.logger.Error().Err(err).Msg("report generation failed")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "resource store unavailable, try again")
	}
	h.logger.Error().Err(err).Msg("report generation failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "report generation failed")
}

func (h *Handler) ListReports(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.reports.List(c.Request().Context(), pg)
	if err != nil {
		h.logger.Error().Err(err).Msg("list reports")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "resource store unavailable, try again")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithNext(c.Request().URL.Path))
}

func (h *Handler) GetReport(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rep, err := h.reports.Get(c.Request().Context(), id)
	if errors.Is(err, ErrReportNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "report not found")
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("get report")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "resource store unavailable, try again")
	}
	return c.JSON(http.StatusOK, rep)
}
