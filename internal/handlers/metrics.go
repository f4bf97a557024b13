package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/superagenthq/superagent/internal/metrics"
)

type MetricsHandler struct {
	m *metrics.Metrics
}

func NewMetricsHandler(m *metrics.Metrics) *MetricsHandler {
	return &MetricsHandler{m: m}
}

func (h *MetricsHandler) Register(e *echo.Echo) {
	e.GET("/metrics", h.m.Handler())
}
