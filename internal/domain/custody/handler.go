package custody

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/custody/internal/platform/auth"
	"github.com/ehr/custody/pkg/pagination"
)

const (
	msgPartialWrite     = "custody event recorded but specimen snapshot not updated; queued for reconciliation"
	msgStoreUnavailable = "resource store unavailable, try again"
)

// Handler provides custody HTTP endpoints.
type Handler struct {
	rec    *Recorder
	logger zerolog.Logger
}

func NewHandler(rec *Recorder, logger zerolog.Logger) *Handler {
	return &Handler{rec: rec, logger: logger}
}

// RegisterRoutes registers custody routes on the API group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints: physician, nurse, lab_tech, compliance_officer
	readGroup := api.Group("", auth.RequireRole("physician", "nurse", "lab_tech", "compliance_officer"))
	readGroup.GET("/custody/specimens/:id", h.GetSpecimen)
	readGroup.GET("/custody/specimens/:id/events", h.ListEvents)

	// Write endpoints: lab_tech, nurse
	writeGroup := api.Group("", auth.RequireRole("lab_tech", "nurse"))
	writeGroup.POST("/custody/check-in", h.CheckIn)
	writeGroup.POST("/custody/check-out", h.CheckOut)
	writeGroup.POST("/custody/location-update", h.LocationUpdate)
	writeGroup.POST("/custody/incidents", h.HandlingIncident)
	writeGroup.POST("/custody/specimens", h.RegisterSpecimen)

	opsGroup := api.Group("", auth.RequireRole("lab_tech", "compliance_officer"))
	opsGroup.GET("/custody/reconciliation", h.ListReconciliation)
	opsGroup.POST("/custody/reconciliation/:event_id/retry", h.RetryReconciliation)
}

type checkInRequest struct {
	SpecimenID    string   `json:"specimen_id"`
	StationID     string   `json:"station_id"`
	QRCodeScanned bool     `json:"qr_code_scanned"`
	Comments      string   `json:"comments"`
	TemperatureC  *float64 `json:"temperature_c"`
}

type checkOutRequest struct {
	SpecimenID    string   `json:"specimen_id"`
	FromStationID string   `json:"from_station_id"`
	ToStationID   string   `json:"to_station_id"`
	Comments      string   `json:"comments"`
	TemperatureC  *float64 `json:"temperature_c"`
}

type locationUpdateRequest struct {
	SpecimenID   string   `json:"specimen_id"`
	LocationID   string   `json:"location_id"`
	Status       Status   `json:"status"`
	StationID    string   `json:"station_id"`
	Comments     string   `json:"comments"`
	TemperatureC *float64 `json:"temperature_c"`
}

type incidentRequest struct {
	SpecimenID string `json:"specimen_id"`
	StationID  string `json:"station_id"`
	Comments   string `json:"comments"`
}

func options(temp *float64, stationID string) []RecordOption {
	var opts []RecordOption
	if temp != nil {
		opts = append(opts, WithTemperature(*temp))
	}
	if stationID != "" {
		opts = append(opts, WithStation(stationID))
	}
	return opts
}

func (h *Handler) CheckIn(c echo.Context) error {
	var req checkInRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SpecimenID == "" || req.StationID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "specimen_id and station_id are required")
	}
	ev, err := h.rec.RecordCheckIn(c.Request().Context(), req.SpecimenID, req.StationID,
		req.QRCodeScanned, req.Comments, options(req.TemperatureC, "")...)
	if err != nil {
		return h.mapError(err)
	}
	return c.JSON(http.StatusCreated, ev)
}

func (h *Handler) CheckOut(c echo.Context) error {
	var req checkOutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SpecimenID == "" || req.FromStationID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "specimen_id and from_station_id are required")
	}
	ev, err := h.rec.RecordCheckOut(c.Request().Context(), req.SpecimenID, req.FromStationID,
		req.ToStationID, req.Comments, options(req.TemperatureC, "")...)
	if err != nil {
		return h.mapError(err)
	}
	return c.JSON(http.StatusCreated, ev)
}

func (h *Handler) LocationUpdate(c echo.Context) error {
	var req locationUpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SpecimenID == "" || req.LocationID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "specimen_id and location_id are required")
	}
	ev, err := h.rec.RecordLocationUpdate(c.Request().Context(), req.SpecimenID, req.LocationID,
		req.Status, req.Comments, options(req.TemperatureC, req.StationID)...)
	if err != nil {
		return h.mapError(err)
	}
	return c.JSON(http.StatusCreated, ev)
}

func (h *Handler) HandlingIncident(c echo.Context) error {
	var req incidentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SpecimenID == "" || req.Comments == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "specimen_id and comments are required")
	}
	ev, err := h.rec.RecordHandlingIncident(c.Request().Context(), req.SpecimenID, req.Comments,
		options(nil, req.StationID)...)
	if err != nil {
		return h.mapError(err)
	}
	return c.JSON(http.StatusCreated, ev)
}

func (h *Handler) RegisterSpecimen(c echo.Context) error {
	var sp Specimen
	if err := c.Bind(&sp); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.rec.RegisterSpecimen(c.Request().Context(), &sp); err != nil {
		return h.mapError(err)
	}
	return c.JSON(http.StatusCreated, sp)
}

func (h *Handler) GetSpecimen(c echo.Context) error {
	sp, err := h.rec.GetSpecimen(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.mapError(err)
	}
	return c.JSON(http.StatusOK, sp)
}

func (h *Handler) ListEvents(c echo.Context) error {
	pg := pagination.FromContext(c)
	events, err := h.rec.Events(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.mapError(err)
	}
	resp := pagination.NewResponse(pagination.Slice(events, pg), len(events), pg)
	return c.JSON(http.StatusOK, resp.WithNext(c.Request().URL.Path))
}

func (h *Handler) ListReconciliation(c echo.Context) error {
	pendingOnly := c.QueryParam("state") != "all"
	return c.JSON(http.StatusOK, h.rec.Reconciliation().List(pendingOnly))
}

func (h *Handler) RetryReconciliation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("event_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event_id")
	}
	sp, err := h.rec.Reconcile(c.Request().Context(), id)
	if err != nil {
		return h.mapError(err)
	}
	return c.JSON(http.StatusOK, sp)
}

// mapError converts recorder errors to HTTP errors. Store failure causes are
// logged and never sent to the client.
func (h *Handler) mapError(err error) error {
	var (
		partial    *PartialWriteError
		station    *StationNotFoundError
		location   *LocationNotFoundError
		specimen   *SpecimenNotFoundError
		transition *InvalidStatusTransitionError
		pending    *ReconciliationPendingError
		input      *InvalidInputError
	)
	switch {
	case errors.As(err, &partial):
		return echo.NewHTTPError(http.StatusInternalServerError, msgPartialWrite)
	case errors.As(err, &station), errors.As(err, &location), errors.As(err, &specimen):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &transition), errors.As(err, &pending):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &input):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrUnauthenticated):
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	case errors.Is(err, ErrSpecimenExists):
		return echo.NewHTTPError(http.StatusConflict, "specimen already exists")
	case errors.Is(err, ErrReconciliationNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyReconciled):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrStoreUnavailable):
		h.logger.Error().Err(err).Msg("resource store unavailable")
		return echo.NewHTTPError(http.StatusServiceUnavailable, msgStoreUnavailable)
	}
	h.logger.Error().Err(err).Msg("unexpected custody error")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
