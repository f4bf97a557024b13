package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/superagenthq/superagent/internal/fault"
	"github.com/superagenthq/superagent/internal/supervisor"
)

// FleetHandler is the operator control surface over the supervisor.
type FleetHandler struct {
	sup    *supervisor.Supervisor
	logger *slog.Logger
}

func NewFleetHandler(log *slog.Logger, sup *supervisor.Supervisor) *FleetHandler {
	return &FleetHandler{
		sup:    sup,
		logger: log.With(slog.String("handler", "fleet")),
	}
}

func (h *FleetHandler) Register(e *echo.Echo) {
	g := e.Group("/fleet")
	g.GET("", h.List)
	g.POST("/reconcile", h.Reconcile)
	g.POST("/:id/deploy", h.Deploy)
	g.POST("/:id/stop", h.Stop)
	g.POST("/:id/restart", h.Restart)
	g.GET("/:id/status", h.Status)
	g.GET("/:id/logs", h.Logs)
}

func (h *FleetHandler) List(c echo.Context) error {
	specs := h.sup.ListSpecs()
	ids := make([]string, 0, len(specs))
	for _, spec := range specs {
		ids = append(ids, spec.ID)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"specs":     ids,
		"instances": h.sup.ListInstances(),
	})
}

func (h *FleetHandler) Reconcile(c echo.Context) error {
	if err := h.sup.Reconcile(c.Request().Context()); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"instances": h.sup.ListInstances()})
}

func (h *FleetHandler) Deploy(c echo.Context) error {
	id := c.Param("id")
	if err := h.sup.Deploy(c.Request().Context(), id); err != nil {
		return respondError(c, err)
	}
	h.logger.Info("deploy requested", slog.String("agent", id))
	return h.respondStatus(c, id)
}

func (h *FleetHandler) Stop(c echo.Context) error {
	id := c.Param("id")
	grace := time.Duration(0)
	if v := c.QueryParam("grace_seconds"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			return respondError(c, fault.New(fault.KindConfig, "grace_seconds must be a non-negative integer"))
		}
		grace = time.Duration(secs) * time.Second
	}
	if err := h.sup.Stop(c.Request().Context(), id, grace); err != nil {
		return respondError(c, err)
	}
	h.logger.Info("stop requested", slog.String("agent", id))
	return h.respondStatus(c, id)
}

func (h *FleetHandler) Restart(c echo.Context) error {
	id := c.Param("id")
	if err := h.sup.Restart(c.Request().Context(), id); err != nil {
		return respondError(c, err)
	}
	h.logger.Info("restart requested", slog.String("agent", id))
	return h.respondStatus(c, id)
}

func (h *FleetHandler) Status(c echo.Context) error {
	return h.respondStatus(c, c.Param("id"))
}

func (h *FleetHandler) Logs(c echo.Context) error {
	var tail int64
	if v := c.QueryParam("tail"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return respondError(c, fault.New(fault.KindConfig, "tail must be a non-negative integer"))
		}
		tail = n
	}
	out, err := h.sup.Logs(c.Request().Context(), c.Param("id"), tail)
	if err != nil {
		return respondError(c, err)
	}
	return c.String(http.StatusOK, out)
}

func (h *FleetHandler) respondStatus(c echo.Context, id string) error {
	st, err := h.sup.StatusOf(id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}
