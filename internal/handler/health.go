package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"bicycle-proxy-go/internal/config"
	"bicycle-proxy-go/internal/target"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	target  *target.Target
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, t *target.Target, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, target: t, version: v}
}

// Healthz returns a simple OK response for liveness checks.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	contextPath := h.cfg.Server.ContextPath
	if contextPath == "" {
		contextPath = "/"
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":       "ok",
		"version":      string(h.version),
		"upstream_url": h.target.BaseURL(),
		"context_path": contextPath,
	})
}
