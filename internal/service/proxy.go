// Package service implements the core proxy forwarding logic: rebuilding the
// inbound request for the target and relaying the upstream response.
package service

import (
	"fmt"
	"log/slog"

	"bicycle-proxy-go/internal/client"
	"bicycle-proxy-go/internal/config"
	"bicycle-proxy-go/internal/metrics"
	"bicycle-proxy-go/internal/model"
	"bicycle-proxy-go/internal/target"
)

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client      *client.UpstreamClient
	target      *target.Target
	transformer *Transformer
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewProxyService creates a ProxyService.
// The metrics parameter is optional; pass nil to disable relay metrics.
func NewProxyService(c *client.UpstreamClient, t *target.Target, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	mr := NewMultipartReconstructor(cfg.Upload.Limit(), cfg.Upload.SpillDir, logger, m)

	return &ProxyService{
		client:      c,
		target:      t,
		transformer: NewTransformer(t, mr),
		logger:      logger.With("component", "proxy_service"),
		metrics:     m,
	}
}

// Forward rebuilds pr for the target and sends it upstream.
// The caller is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	out, err := s.transformer.Transform(pr)
	if err != nil {
		return nil, fmt.Errorf("build outbound request: %w", err)
	}

	s.logger.Debug("forwarding request",
		"method", out.Method,
		"url", out.URL,
		"body", out.Kind.String(),
	)

	resp, err := s.client.DoStream(pr.Ctx, out)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	return resp, nil
}
