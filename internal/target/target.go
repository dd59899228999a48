// Package target describes the single upstream the proxy forwards to.
package target

import (
	"fmt"
	"strconv"
	"strings"

	"bicycle-proxy-go/internal/model"
)

// Protocol is the upstream URL scheme.
type Protocol string

const (
	HTTP  Protocol = "http"
	HTTPS Protocol = "https"
)

// DefaultPort returns the well-known port of the scheme.
func (p Protocol) DefaultPort() int {
	if p == HTTPS {
		return 443
	}
	return 80
}

// ParseProtocol accepts "http" or "https" in any case.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToLower(s)) {
	case HTTP:
		return HTTP, nil
	case HTTPS:
		return HTTPS, nil
	}
	return "", fmt.Errorf("%w: protocol must be http or https; got %q", model.ErrConfiguration, s)
}

// Target is the immutable upstream descriptor. It is safe for concurrent use.
type Target struct {
	protocol Protocol
	host     string
	port     int
	basePath string
}

// New validates the parts and returns a Target. basePath is normalized to
// start with "/", so an empty path becomes "/".
func New(protocol Protocol, host string, port int, basePath string) (*Target, error) {
	p, err := ParseProtocol(string(protocol))
	if err != nil {
		return nil, err
	}
	if host == "" {
		return nil, fmt.Errorf("%w: upstream host is required", model.ErrConfiguration)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: upstream port must be 1-65535; got %d", model.ErrConfiguration, port)
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	return &Target{protocol: p, host: host, port: port, basePath: basePath}, nil
}

func (t *Target) Protocol() Protocol { return t.protocol }
func (t *Target) Host() string { return t.host }
func (t *Target) Port() int { return t.port }
func (t *Target) BasePath() string { return t.basePath }

// HostAndPort returns the host, with ":port" appended unless the port is the
// scheme's default. It is also the value sent as the outbound Host header.
func (t *Target) HostAndPort() string {
	if t.port == t.protocol.DefaultPort() {
		return t.host
	}
	return t.host + ":" + strconv.Itoa(t.port)
}

// BaseURL returns protocol://HostAndPort() followed by the base path.
func (t *Target) BaseURL() string {
	return string(t.protocol) + "://" + t.HostAndPort() + t.basePath
}

func (t *Target) String() string {
	return t.BaseURL()
}
