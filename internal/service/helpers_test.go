package service

import (
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"bicycle-proxy-go/internal/metrics"
	"bicycle-proxy-go/internal/target"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustTarget(t *testing.T, protocol target.Protocol, host string, port int, path string) *target.Target {
	t.Helper()
	tg, err := target.New(protocol, host, port, path)
	require.NoError(t, err)
	return tg
}

// targetFor returns a target pointing at an httptest server URL.
func targetFor(t *testing.T, rawURL, path string) *target.Target {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return mustTarget(t, target.Protocol(u.Scheme), host, port, path)
}

// gatherValue sums every series of the named counter.
func gatherValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	require.NoError(t, err)
	var sum float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			sum += metric.GetCounter().GetValue()
		}
	}
	return sum
}
