package handler

import (
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"bicycle-proxy-go/internal/client"
	"bicycle-proxy-go/internal/config"
	"bicycle-proxy-go/internal/service"
	"bicycle-proxy-go/internal/target"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestConfig returns a config pointing at the given upstream URL with the
// proxy mounted at contextPath.
func newTestConfig(t *testing.T, upstreamURL, basePath, contextPath string) *config.Config {
	t.Helper()
	u, err := url.Parse(upstreamURL)
	if err != nil {
		t.Fatalf("parse upstream url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split upstream host: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("upstream port: %v", err)
	}

	return &config.Config{
		Server: config.ServerConfig{ContextPath: contextPath},
		Upstream: config.UpstreamConfig{
			Protocol:        u.Scheme,
			Host:            host,
			Port:            port,
			Path:            basePath,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
		Upload:  config.UploadConfig{SpillDir: t.TempDir()},
		Admin:   config.AdminConfig{Prefix: "/_proxy"},
		Metrics: config.MetricsConfig{Path: "/_proxy/metrics"},
	}
}

func newTestHandlers(t *testing.T, cfg *config.Config) (*ProxyHandler, *HealthHandler, *target.Target) {
	t.Helper()
	tg, err := config.NewTarget(cfg)
	if err != nil {
		t.Fatalf("NewTarget: %v", err)
	}
	logger := discardLogger()
	uc := client.NewUpstreamClient(cfg, logger, nil)
	svc := service.NewProxyService(uc, tg, cfg, logger, nil)
	return NewProxyHandler(svc, cfg, logger), NewHealthHandler(cfg, tg, "test"), tg
}

// hostOf returns the host:port part of an httptest server URL.
func hostOf(srv *httptest.Server) string {
	u, _ := url.Parse(srv.URL)
	return u.Host
}
