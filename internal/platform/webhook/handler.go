package webhook

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/custody/internal/platform/auth"
	"github.com/ehr/custody/internal/platform/stream"
	"github.com/ehr/custody/pkg/pagination"
)

// Handler exposes endpoint management and the delivery log.
type Handler struct {
	d *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{d: d}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/webhooks", auth.RequireRole("admin"))
	g.POST("", h.Register)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.DELETE("/:id", h.Delete)
	g.POST("/:id/pause", h.Pause)
	g.POST("/:id/resume", h.Resume)
	g.POST("/:id/test", h.Test)
	g.GET("/:id/deliveries", h.Deliveries)
	g.POST("/deliveries/:delivery_id/retry", h.Retry)
}

type registerRequest struct {
	URL    string        `json:"url"`
	Secret string        `json:"secret"`
	Kinds  []stream.Kind `json:"kinds"`
}

func (h *Handler) Register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ep, err := h.d.Register(c.Request().Context(), req.URL, req.Secret, req.Kinds,
		auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	// The secret is shown once, on creation.
	return c.JSON(http.StatusCreated, ep)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	eps, err := h.d.store.ListEndpoints(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "listing webhooks failed")
	}
	out := make([]Endpoint, 0, len(eps))
	for _, ep := range pagination.Slice(eps, pg) {
		out = append(out, ep.redacted())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(out, len(eps), pg))
}

func (h *Handler) Get(c echo.Context) error {
	ep, err := h.d.store.GetEndpoint(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, ep.redacted())
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.d.store.DeleteEndpoint(c.Request().Context(), c.Param("id")); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Pause(c echo.Context) error {
	return h.setStatus(c, StatusPaused)
}

func (h *Handler) Resume(c echo.Context) error {
	return h.setStatus(c, StatusActive)
}

func (h *Handler) setStatus(c echo.Context, status string) error {
	ep, err := h.d.SetStatus(c.Request().Context(), c.Param("id"), status)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, ep.redacted())
}

func (h *Handler) Test(c echo.Context) error {
	del, err := h.d.Test(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, del)
}

func (h *Handler) Deliveries(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := h.d.store.GetEndpoint(ctx, c.Param("id")); err != nil {
		return mapError(err)
	}
	pg := pagination.FromContext(c)
	dels, err := h.d.store.ListDeliveries(ctx, c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "listing deliveries failed")
	}
	resp := pagination.NewResponse(pagination.Slice(dels, pg), len(dels), pg)
	return c.JSON(http.StatusOK, resp.WithNext(c.Request().URL.Path))
}

func (h *Handler) Retry(c echo.Context) error {
	del, err := h.d.Redeliver(c.Request().Context(), c.Param("delivery_id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, del)
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrEndpointNotFound), errors.Is(err, ErrDeliveryNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "webhook store error")
}
