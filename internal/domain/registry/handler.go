package registry

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/custody/internal/platform/auth"
)

type Handler struct {
	reg *Registry
}

func NewHandler(reg *Registry) *Handler {
	return &Handler{reg: reg}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("physician", "nurse", "lab_tech", "compliance_officer"))
	read.GET("/locations", h.ListLocations)
	read.GET("/locations/:id", h.GetLocation)
	read.GET("/stations", h.ListStations)
	read.GET("/stations/:id", h.GetStation)
}

func (h *Handler) ListLocations(c echo.Context) error {
	return c.JSON(http.StatusOK, h.reg.Locations())
}

func (h *Handler) GetLocation(c echo.Context) error {
	loc, err := h.reg.Location(c.Param("id"))
	if errors.Is(err, ErrLocationNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "location not found")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"location": loc,
		"stations": h.reg.StationsAt(loc.ID),
	})
}

func (h *Handler) ListStations(c echo.Context) error {
	return c.JSON(http.StatusOK, h.reg.Stations())
}

func (h *Handler) GetStation(c echo.Context) error {
	st, err := h.reg.Station(c.Param("id"))
	if errors.Is(err, ErrStationNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "station not found")
	}
	return c.JSON(http.StatusOK, st)
}
