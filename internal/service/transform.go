package service

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"bicycle-proxy-go/internal/model"
	"bicycle-proxy-go/internal/target"
)

const (
	headerContentLength = "Content-Length"
	headerContentType   = "Content-Type"
	headerHost          = "Host"
	headerUserAgent     = "User-Agent"

	formMediaType = "application/x-www-form-urlencoded"
)

// Transformer rebuilds inbound requests as requests against the target.
type Transformer struct {
	target    *target.Target
	multipart *MultipartReconstructor
}

// NewTransformer creates a Transformer.
func NewTransformer(t *target.Target, mr *MultipartReconstructor) *Transformer {
	return &Transformer{target: t, multipart: mr}
}

// Transform produces the outbound request for pr. The returned request owns
// its body; close it if it is never sent.
func (t *Transformer) Transform(pr *model.ProxyRequest) (*model.OutboundRequest, error) {
	out := &model.OutboundRequest{
		Method: pr.Method,
		URL:    t.BuildURL(pr.PathInfo, pr.RawQuery),
	}
	t.CopyHeaders(pr.Header, out)

	if err := t.BuildBody(pr, out); err != nil {
		return nil, err
	}
	return out, nil
}

// BuildURL appends the path info and, when present, the raw query to the
// target's base URL. Neither is re-encoded.
func (t *Transformer) BuildURL(pathInfo, rawQuery string) string {
	u := t.target.BaseURL() + pathInfo
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// CopyHeaders copies every value of every inbound header onto out, one
// instance at a time. Content-Length is dropped because the body is rebuilt,
// and Host always names the target.
func (t *Transformer) CopyHeaders(src http.Header, out *model.OutboundRequest) {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		switch http.CanonicalHeaderKey(key) {
		case headerContentLength, headerHost:
			continue
		}
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
	// An empty value stops net/http from sending its own User-Agent.
	if _, ok := dst[headerUserAgent]; !ok {
		dst[headerUserAgent] = []string{""}
	}

	out.Header = dst
	out.Host = t.target.HostAndPort()
}

// BuildBody sets the outbound body from the inbound one, branching on the
// content type: multipart bodies are re-encoded part by part under a new
// boundary, form bodies are re-encoded pair by pair, anything else is passed
// through untouched.
func (t *Transformer) BuildBody(pr *model.ProxyRequest, out *model.OutboundRequest) error {
	if pr.Body == nil || pr.Body == http.NoBody {
		out.Kind = model.BodyNone
		return nil
	}

	switch mediaType := mediaTypeOf(pr.ContentType); {
	case strings.HasPrefix(mediaType, "multipart/"):
		parts, err := t.multipart.Read(pr.Body, pr.ContentType)
		if err != nil {
			return err
		}
		body, contentType := t.multipart.Write(mediaType, parts)
		out.Kind = model.BodyMultipart
		out.Body = body
		out.ContentLength = -1
		// The inbound boundary does not delimit the rebuilt body.
		out.Header.Set(headerContentType, contentType)

	case mediaType == formMediaType:
		fields, err := ReadForm(pr.Body)
		if err != nil {
			return err
		}
		encoded := EncodeForm(fields)
		out.Kind = model.BodyForm
		out.Body = io.NopCloser(strings.NewReader(encoded))
		out.ContentLength = int64(len(encoded))

	default:
		out.Kind = model.BodyRaw
		out.Body = pr.Body
		out.ContentLength = pr.ContentLength
	}
	return nil
}

// mediaTypeOf returns the lowercased media type of a Content-Type value. A
// value with broken parameters still yields its type, so a bad multipart
// header is rejected by the multipart reader instead of passed through.
func mediaTypeOf(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err == nil {
		return mediaType
	}
	mediaType, _, _ = strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}

// ReadForm parses a URL-encoded body into name/value pairs in the order they
// were sent. Repeated names keep every value.
func ReadForm(r io.Reader) ([]model.FormField, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read form body: %w", model.ErrMalformedUpload, err)
	}

	var fields []model.FormField
	for pair := range strings.SplitSeq(string(raw), "&") {
		if pair == "" {
			continue
		}
		if strings.Contains(pair, ";") {
			return nil, fmt.Errorf("%w: invalid semicolon separator in form body", model.ErrMalformedUpload)
		}
		name, value, _ := strings.Cut(pair, "=")
		name, err = url.QueryUnescape(name)
		if err != nil {
			return nil, fmt.Errorf("%w: form field name: %w", model.ErrMalformedUpload, err)
		}
		value, err = url.QueryUnescape(value)
		if err != nil {
			return nil, fmt.Errorf("%w: form field %q: %w", model.ErrMalformedUpload, name, err)
		}
		fields = append(fields, model.FormField{Name: name, Value: value})
	}
	return fields, nil
}

// EncodeForm is the inverse of ReadForm.
func EncodeForm(fields []model.FormField) string {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(f.Name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(f.Value))
	}
	return b.String()
}
