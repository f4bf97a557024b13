package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/superagenthq/superagent/internal/fault"
	"github.com/superagenthq/superagent/internal/memory"
)

type MemoryHandler struct {
	svc    *memory.Service
	logger *slog.Logger
}

func NewMemoryHandler(log *slog.Logger, svc *memory.Service) *MemoryHandler {
	return &MemoryHandler{
		svc:    svc,
		logger: log.With(slog.String("handler", "memory")),
	}
}

func (h *MemoryHandler) Register(e *echo.Echo) {
	g := e.Group("/memory")
	g.POST("", h.Store)
	g.POST("/search", h.Search)
	g.GET("/recent", h.Recent)
	g.GET("/health", h.Health)
}

func (h *MemoryHandler) Store(c echo.Context) error {
	var req memory.StoreRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, fault.Wrap(fault.KindConfig, "invalid request body", err))
	}
	id, err := h.svc.Store(c.Request().Context(), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]int64{"id": id})
}

func (h *MemoryHandler) Search(c echo.Context) error {
	var req memory.SearchRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, fault.Wrap(fault.KindConfig, "invalid request body", err))
	}
	results, err := h.svc.Search(c.Request().Context(), req)
	if err != nil {
		return respondError(c, err)
	}
	if results == nil {
		results = []memory.SearchResult{}
	}
	return c.JSON(http.StatusOK, map[string]any{"results": results})
}

func (h *MemoryHandler) Recent(c echo.Context) error {
	var agentID *string
	if v := c.QueryParam("agent_id"); v != "" {
		agentID = &v
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	records, err := h.svc.Recent(c.Request().Context(), agentID, limit)
	if err != nil {
		return respondError(c, err)
	}
	if records == nil {
		records = []memory.Record{}
	}
	return c.JSON(http.StatusOK, map[string]any{"memories": records})
}

func (h *MemoryHandler) Health(c echo.Context) error {
	if err := h.svc.Health(c.Request().Context()); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
