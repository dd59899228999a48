package model

import "errors"

// Error kinds surfaced by the proxy. Callers wrap them with context and
// classify with errors.Is.
var (
	// ErrConfiguration is a missing or invalid startup parameter.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrMalformedUpload is an inbound body that cannot be parsed.
	ErrMalformedUpload = errors.New("malformed upload")

	// ErrUpstreamProtocol is an upstream redirect without a usable Location header.
	ErrUpstreamProtocol = errors.New("upstream protocol violation")

	// ErrTransport is a network-level failure talking to the upstream.
	ErrTransport = errors.New("upstream transport failure")
)
