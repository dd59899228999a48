// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest is the inbound request as seen by the forwarding pipeline.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	PathInfo      string // escaped request path below the context path; may be empty
	RawQuery      string
	Header        http.Header
	ContentType   string
	ContentLength int64
	Body          io.ReadCloser // nil for GET
}

// BodyKind identifies how the outbound body was built.
type BodyKind int

const (
	BodyNone BodyKind = iota
	BodyForm
	BodyMultipart
	BodyRaw
)

func (k BodyKind) String() string {
	switch k {
	case BodyForm:
		return "form"
	case BodyMultipart:
		return "multipart"
	case BodyRaw:
		return "raw"
	default:
		return "none"
	}
}

// FormField is a single name/value pair of a URL-encoded form body.
type FormField struct {
	Name  string
	Value string
}

// OutboundRequest is the reconstructed request sent to the upstream.
// It is built once per inbound request and consumed by exactly one call.
type OutboundRequest struct {
	Method        string
	URL           string
	Host          string
	Header        http.Header
	Kind          BodyKind
	Body          io.ReadCloser
	ContentLength int64
}

// Close releases the outbound body if it was never handed to a transport.
func (o *OutboundRequest) Close() error {
	if o.Body == nil {
		return nil
	}
	return o.Body.Close()
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Caller describes how the client addressed this proxy. It is used to point
// upstream redirects back at the proxy.
type Caller struct {
	ServerName  string
	Port        int
	TLS         bool
	ContextPath string
}
