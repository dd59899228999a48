package service

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"bicycle-proxy-go/internal/metrics"
	"bicycle-proxy-go/internal/model"
	"bicycle-proxy-go/internal/target"
)

const headerLocation = "Location"

// relayBufferSize bounds how much of a response body is held at once.
const relayBufferSize = 32 * 1024

var relayBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, relayBufferSize)
		return &b
	},
}

// Relay writes the upstream response to the client.
//
// Redirects in [300, 304) are pointed back at the proxy, 304 is answered with
// an empty body, and every other status is passed through with all upstream
// headers and a streamed body. Relay does not close resp.Body.
func (s *ProxyService) Relay(w http.ResponseWriter, method string, caller model.Caller, resp *model.ProxyResponse) error {
	code := resp.StatusCode

	switch {
	case code >= http.StatusMultipleChoices && code < http.StatusNotModified:
		location := resp.Header.Get(headerLocation)
		if location == "" {
			return fmt.Errorf("%w: status %d without %s header", model.ErrUpstreamProtocol, code, headerLocation)
		}
		rewritten := RewriteLocation(location, s.target, caller)
		s.logger.Debug("rewriting upstream redirect",
			"status", code,
			"from", location,
			"to", rewritten,
		)
		w.Header().Set(headerLocation, rewritten)
		w.WriteHeader(code)
		return nil

	case code == http.StatusNotModified:
		w.Header().Set(headerContentLength, "0")
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	dst := w.Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
	w.WriteHeader(code)

	// Stream the upstream body directly to the client. If the copy fails
	// mid-stream the status has already been sent, so the client receives a
	// truncated response; the error goes back to the server's error channel.
	n, err := copyBody(w, resp.Body)
	if s.metrics != nil {
		s.metrics.RelayedBytes.WithLabelValues(metrics.NormalizeMethod(method)).Add(float64(n))
	}
	if err != nil {
		s.logger.Error("streaming response body",
			"err", err,
			"status", code,
			"bytes", n,
		)
		return fmt.Errorf("relay response body: %w", err)
	}
	return nil
}

func copyBody(dst io.Writer, src io.Reader) (int64, error) {
	bp := relayBufPool.Get().(*[]byte)
	defer relayBufPool.Put(bp)
	return io.CopyBuffer(dst, src, *bp)
}

// RewriteLocation replaces the first occurrence of the target's host and base
// path in location with the host and context path the caller used to reach
// the proxy.
func RewriteLocation(location string, t *target.Target, caller model.Caller) string {
	from := t.HostAndPort() + t.BasePath()
	to := callerPrefix(caller)
	if strings.HasSuffix(from, "/") && !strings.HasSuffix(to, "/") {
		to += "/"
	}
	return strings.Replace(location, from, to, 1)
}

// callerPrefix is the caller-facing host, with a port only when it is not
// the default for the caller's scheme, followed by the context path.
func callerPrefix(c model.Caller) string {
	defaultPort := 80
	if c.TLS {
		defaultPort = 443
	}

	host := c.ServerName
	switch {
	case c.Port != 0 && c.Port != defaultPort:
		host = net.JoinHostPort(host, strconv.Itoa(c.Port))
	case strings.Contains(host, ":"):
		host = "[" + host + "]"
	}
	return host + c.ContextPath
}
