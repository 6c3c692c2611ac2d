package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

const (
	// BatchPath is appended to the configured endpoint.
	BatchPath = "/v1/batch"

	// DefaultUserAgent identifies the pipeline to the collector.
	DefaultUserAgent = "outbox-go/1.0"

	// maxErrorBody bounds how much of a failed response is kept in HTTPError.
	maxErrorBody = 4 << 10
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	// Endpoint is the collector base URL (e.g. "https://api.example.com").
	Endpoint string

	// WriteKey authenticates the source; sent as the Basic auth username.
	WriteKey string

	// Timeout bounds the whole request, connect through response body.
	Timeout time.Duration

	// Gzip compresses request bodies.
	Gzip bool

	UserAgent string

	// RoundTripper overrides the HTTP transport. Nil uses http.DefaultTransport.
	RoundTripper http.RoundTripper
}

// HTTPClient uploads batch envelopes with POST requests.
type HTTPClient struct {
	client    *http.Client
	url       string
	writeKey  string
	userAgent string
	gzip      bool
	logger    *slog.Logger
}

// NewHTTPClient creates an HTTPClient. If logger is nil, slog.Default() is used.
func NewHTTPClient(cfg HTTPConfig, logger *slog.Logger) (*HTTPClient, error) {
	if cfg.Endpoint == "" {
		return nil, ErrEmptyEndpoint
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.RoundTripper,
		},
		url:       strings.TrimRight(cfg.Endpoint, "/") + BatchPath,
		writeKey:  cfg.WriteKey,
		userAgent: cfg.UserAgent,
		gzip:      cfg.Gzip,
		logger:    logger.With("component", "http-uploader"),
	}, nil
}

// URL returns the full batch upload URL.
func (c *HTTPClient) URL() string {
	return c.url
}

// Open starts a new upload. The request is bound to ctx.
func (c *HTTPClient) Open(ctx context.Context) (Connection, error) {
	conn := &httpConnection{client: c, ctx: ctx}
	conn.w = &conn.body
	if c.gzip {
		conn.gz = gzip.NewWriter(&conn.body)
		conn.w = conn.gz
	}
	return conn, nil
}

type httpConnection struct {
	client *HTTPClient
	ctx    context.Context

	body   bytes.Buffer
	gz     *gzip.Writer
	w      io.Writer
	closed bool
}

func (c *httpConnection) Write(p []byte) (int, error) {
	if c.closed {
		return 0, ErrConnectionClosed
	}
	return c.w.Write(p)
}

func (c *httpConnection) Abort() error {
	c.closed = true
	c.body.Reset()
	return nil
}

func (c *httpConnection) Close() error {
	if c.closed {
		return ErrConnectionClosed
	}
	c.closed = true

	if c.gz != nil {
		if err := c.gz.Close(); err != nil {
			return fmt.Errorf("compress body: %w", err)
		}
	}

	size := c.body.Len()
	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.client.url, &c.body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.client.userAgent)
	if c.gz != nil {
		req.Header.Set("Content-Encoding", "gzip")
	}
	req.SetBasicAuth(c.client.writeKey, "")

	resp, err := c.client.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		c.client.logger.Debug("batch uploaded",
			"status", resp.StatusCode,
			"size_bytes", size,
		)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(body)),
	}
}
