package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bicycle-proxy-go/internal/config"
	"bicycle-proxy-go/internal/metrics"
	"bicycle-proxy-go/internal/model"
)

func testConfig(timeout int) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  timeout,
			IdleConnections: 10,
		},
	}
}

func TestUpstreamClient_DoStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Host != "virtual.example" {
			t.Errorf("Host = %q, want %q", r.Host, "virtual.example")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewUpstreamClient(testConfig(10), logger, nil)

	out := &model.OutboundRequest{
		Method: http.MethodGet,
		URL:    srv.URL + "/test",
		Host:   "virtual.example",
		Header: http.Header{},
	}
	resp, err := c.DoStream(context.Background(), out)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", string(body), `{"status":"ok"}`)
	}
}

func TestUpstreamClient_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/next" {
			t.Error("client followed the redirect")
		}
		w.Header().Set("Location", "/next")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewUpstreamClient(testConfig(10), logger, nil)

	resp, err := c.DoStream(context.Background(), &model.OutboundRequest{
		Method: http.MethodGet, URL: srv.URL + "/start", Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if got := resp.Header.Get("Location"); got != "/next" {
		t.Errorf("Location = %q, want %q", got, "/next")
	}
}

func TestUpstreamClient_KeepsContentEncoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write([]byte("not-really-gzip"))
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewUpstreamClient(testConfig(10), logger, nil)

	resp, err := c.DoStream(context.Background(), &model.OutboundRequest{
		Method: http.MethodGet, URL: srv.URL, Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "not-really-gzip" {
		t.Errorf("body = %q, want raw bytes", body)
	}
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Error("Content-Encoding header was dropped")
	}
}

func TestUpstreamClient_DoStream_SendsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength != 5 {
			t.Errorf("ContentLength = %d, want 5", r.ContentLength)
		}
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewUpstreamClient(testConfig(10), logger, nil)

	resp, err := c.DoStream(context.Background(), &model.OutboundRequest{
		Method:        http.MethodPost,
		URL:           srv.URL,
		Header:        http.Header{},
		Kind:          model.BodyRaw,
		Body:          io.NopCloser(strings.NewReader("hello")),
		ContentLength: 5,
	})
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Errorf("echoed body = %q, want %q", body, "hello")
	}
}

func TestUpstreamClient_DoStream_Error(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewUpstreamClient(testConfig(1), logger, nil)

	_, err := c.DoStream(context.Background(), &model.OutboundRequest{
		Method: http.MethodGet, URL: "http://127.0.0.1:1/nonexistent", Header: http.Header{},
	})
	if err == nil {
		t.Fatal("DoStream() expected error for unreachable host, got nil")
	}
	if !errors.Is(err, model.ErrTransport) {
		t.Errorf("error = %v, want wrapped ErrTransport", err)
	}
}

func TestUpstreamClient_DoStream_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulate a slow upstream; the request should be canceled before this completes.
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewUpstreamClient(testConfig(30), logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := c.DoStream(ctx, &model.OutboundRequest{
		Method: http.MethodGet, URL: srv.URL + "/slow", Header: http.Header{},
	})
	if err == nil {
		t.Fatal("DoStream() expected error for canceled context, got nil")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want wrapped context.Canceled", err)
	}
}

func TestUpstreamClient_RecordsMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewUpstreamClient(testConfig(10), logger, m)

	resp, err := c.DoStream(context.Background(), &model.OutboundRequest{
		Method: http.MethodGet, URL: srv.URL, Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	_ = resp.Body.Close()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "bicycle_proxy_upstream_responses_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "status_code" && lp.GetValue() == "418" {
					return
				}
			}
		}
	}
	t.Error("expected bicycle_proxy_upstream_responses_total with status_code=418")
}

func TestUpstreamClient_TimeoutCoversHeadersOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		// Keep streaming for longer than the one-second timeout.
		for range 6 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(250 * time.Millisecond):
			}
			_, _ = w.Write([]byte("chunk;"))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewUpstreamClient(testConfig(1), logger, nil)

	resp, err := c.DoStream(context.Background(), &model.OutboundRequest{
		Method: http.MethodGet, URL: srv.URL, Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll() error = %v; a slow body must not hit the header timeout", err)
	}
	if want := strings.Repeat("chunk;", 6); string(body) != want {
		t.Errorf("body = %q, want %q", body, want)
	}
}

func TestUpstreamClient_ResponseHeaderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewUpstreamClient(testConfig(1), logger, nil)

	_, err := c.DoStream(context.Background(), &model.OutboundRequest{
		Method: http.MethodGet, URL: srv.URL, Header: http.Header{},
	})
	if err == nil {
		t.Fatal("DoStream() expected a timeout error, got nil")
	}
	if !errors.Is(err, model.ErrTransport) {
		t.Errorf("error = %v, want wrapped ErrTransport", err)
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Errorf("error = %v, want a timeout net.Error", err)
	}
}
