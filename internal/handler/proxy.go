// Package handler exposes the proxy and its admin endpoints over Echo.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"bicycle-proxy-go/internal/config"
	"bicycle-proxy-go/internal/model"
	"bicycle-proxy-go/internal/service"
)

// ProxyHandler forwards GET and POST requests under the context path to the
// target and streams the response back.
type ProxyHandler struct {
	service     *service.ProxyService
	contextPath string
	logger      *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:     svc,
		contextPath: cfg.Server.ContextPath,
		logger:      logger.With("component", "proxy_handler"),
	}
}

// HandleGet proxies a bodiless GET request.
func (h *ProxyHandler) HandleGet(c echo.Context) error {
	return h.handle(c, false)
}

// HandlePost proxies a POST request together with its body.
func (h *ProxyHandler) HandlePost(c echo.Context) error {
	return h.handle(c, true)
}

func (h *ProxyHandler) handle(c echo.Context, withBody bool) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		PathInfo: h.pathInfo(req.URL),
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
	}
	if withBody {
		pr.ContentType = req.Header.Get(echo.HeaderContentType)
		pr.ContentLength = req.ContentLength
		pr.Body = req.Body
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := h.service.Relay(c.Response(), req.Method, h.caller(c), resp); err != nil {
		if c.Response().Committed {
			return err
		}
		return h.mapError(c, err)
	}
	return nil
}

// pathInfo is the escaped request path below the context path.
func (h *ProxyHandler) pathInfo(u *url.URL) string {
	return strings.TrimPrefix(u.EscapedPath(), h.contextPath)
}

// caller describes how the client reached the proxy, from the inbound Host.
func (h *ProxyHandler) caller(c echo.Context) model.Caller {
	tls := c.Scheme() == "https"
	port := 80
	if tls {
		port = 443
	}

	host := c.Request().Host
	if name, p, err := net.SplitHostPort(host); err == nil {
		host = name
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	} else {
		host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	}

	return model.Caller{
		ServerName:  host,
		Port:        port,
		TLS:         tls,
		ContextPath: h.contextPath,
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	if errors.Is(err, model.ErrMalformedUpload) {
		h.logger.Warn("rejecting request body", "err", err, "path", path)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "malformed request body",
		})
	}

	h.logger.Error("proxy error",
		"err", err,
		"path", path,
	)

	if errors.Is(err, service.ErrSpill) {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "could not buffer upload",
		})
	}

	if errors.Is(err, model.ErrUpstreamProtocol) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "invalid upstream response",
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, model.ErrTransport) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
