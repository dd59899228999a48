package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bicycle-proxy-go/internal/config"
	"bicycle-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// The metrics parameter is optional; the metrics endpoint is only served
// when it is non-nil.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	admin := cfg.Admin.Prefix
	e.GET(admin+"/healthz", health.Healthz)
	e.GET(admin+"/status", health.Status)

	if m != nil {
		h := promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
		e.GET(cfg.Metrics.Path, echo.WrapHandler(h))
	}

	root := cfg.Server.ContextPath
	if root == "" {
		root = "/"
	}
	e.GET(root, proxy.HandleGet)
	e.POST(root, proxy.HandlePost)
	e.GET(cfg.Server.ContextPath+"/*", proxy.HandleGet)
	e.POST(cfg.Server.ContextPath+"/*", proxy.HandlePost)
}
