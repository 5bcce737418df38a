package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pkt.systems/pkgd/api"
	"pkt.systems/pkgd/internal/logutil"
	"pkt.systems/pslog"
)

const (
	// DefaultSocket is where pkgd listens unless configured otherwise.
	DefaultSocket      = "unix:///run/pkgd.sock"
	defaultHTTPTimeout = 30 * time.Second
	unixBase           = "http://unix"
)

// APIError is returned for every non-2xx response.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body.
	Body []byte
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		if e.Response.Detail != "" {
			return fmt.Sprintf("pkgd: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
		}
		return "pkgd: " + e.Response.ErrorCode
	}
	return fmt.Sprintf("pkgd: status %d", e.Status)
}

// Code returns the server error code, or "" for non-API errors.
func Code(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Response.ErrorCode
	}
	return ""
}

// Client is safe for concurrent use.
type Client struct {
	base        string
	socket      string
	httpClient  *http.Client
	httpTimeout time.Duration
	logger      pslog.Logger
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client. For unix endpoints its
// transport must already dial the socket.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		c.logger = logutil.WithSubsystem(logger, "client")
	}
}

// WithHTTPTimeout bounds each non-streaming request.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// New creates a client for baseURL, either unix:///path/to.sock or an
// http(s) URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("pkgd: baseURL required")
	}
	c := &Client{
		httpTimeout: defaultHTTPTimeout,
		logger:      logutil.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	switch {
	case strings.HasPrefix(trimmed, "unix://"):
		socket, err := socketPath(trimmed)
		if err != nil {
			return nil, err
		}
		c.socket = socket
		c.base = unixBase
		if c.httpClient == nil {
			c.httpClient = &http.Client{Transport: unixTransport(socket)}
		}
	case strings.HasPrefix(trimmed, "http://"), strings.HasPrefix(trimmed, "https://"):
		if _, err := url.Parse(trimmed); err != nil {
			return nil, fmt.Errorf("pkgd: parse endpoint %q: %w", trimmed, err)
		}
		c.base = strings.TrimRight(trimmed, "/")
		if c.httpClient == nil {
			c.httpClient = &http.Client{}
		}
	default:
		return nil, fmt.Errorf("pkgd: unsupported endpoint %q", trimmed)
	}
	return c, nil
}

func socketPath(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("pkgd: parse unix endpoint: %w", err)
	}
	path := u.Path
	if u.Host != "" {
		path = "/" + u.Host + path
	}
	if path == "" || path == "/" {
		return "", fmt.Errorf("pkgd: unix endpoint missing socket path")
	}
	return path, nil
}

func unixDialer(socket string) func(ctx context.Context, _, _ string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return func(ctx context.Context, _, _ string) (net.Conn, error) {
		return dialer.DialContext(ctx, "unix", socket)
	}
}

func unixTransport(socket string) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = unixDialer(socket)
	transport.DialTLSContext = nil
	transport.TLSClientConfig = nil
	return transport
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, wantStatus int) error {
	ctx, cancel := context.WithTimeout(ctx, c.httpTimeout)
	defer cancel()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("pkgd: encode request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pkgd: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.logger.Trace("client.http.response", "method", method, "path", path, "status", resp.StatusCode, "req_id", resp.Header.Get("X-Request-ID"))
	if resp.StatusCode != wantStatus {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("pkgd: decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var errResp api.ErrorResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &errResp); err != nil {
			return &APIError{Status: resp.StatusCode, Body: data}
		}
	}
	return &APIError{Status: resp.StatusCode, Response: errResp, Body: data}
}

func (c *Client) submit(ctx context.Context, path string, body any) (string, error) {
	var resp api.SubmitResponse
	if err := c.do(ctx, http.MethodPost, path, body, &resp, http.StatusAccepted); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Refresh queues a repository database refresh and returns its correlation id.
func (c *Client) Refresh(ctx context.Context) (string, error) {
	return c.submit(ctx, "/v1/refresh", nil)
}

// InstallPackage queues installation of name.
func (c *Client) InstallPackage(ctx context.Context, name string) (string, error) {
	return c.submit(ctx, "/v1/install", api.InstallRequest{Package: name})
}

// InstallPackages queues installation of names as a single transaction.
func (c *Client) InstallPackages(ctx context.Context, names []string) (string, error) {
	return c.submit(ctx, "/v1/install-many", api.InstallManyRequest{Packages: names})
}

// RemovePackage queues removal of name.
func (c *Client) RemovePackage(ctx context.Context, name string) (string, error) {
	return c.submit(ctx, "/v1/remove", api.RemoveRequest{Package: name})
}

// SystemUpgrade queues a full system upgrade.
func (c *Client) SystemUpgrade(ctx context.Context) (string, error) {
	return c.submit(ctx, "/v1/upgrade", nil)
}

// CheckUpdates lists upgradable packages.
func (c *Client) CheckUpdates(ctx context.Context) ([]api.Update, error) {
	var resp api.UpdatesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/updates", nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return resp.Updates, nil
}

// IsBackendReady reports backend readiness.
func (c *Client) IsBackendReady(ctx context.Context) (bool, error) {
	var resp api.ReadyResponse
	if err := c.do(ctx, http.MethodGet, "/v1/ready", nil, &resp, http.StatusOK); err != nil {
		return false, err
	}
	return resp.Ready, nil
}

// IsPackageInstalled reports whether name is installed.
func (c *Client) IsPackageInstalled(ctx context.Context, name string) (bool, error) {
	var resp api.InstalledResponse
	path := "/v1/installed?package=" + url.QueryEscape(name)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, http.StatusOK); err != nil {
		return false, err
	}
	return resp.Installed, nil
}

// PackageExists reports whether any repository provides name.
func (c *Client) PackageExists(ctx context.Context, name string) (bool, error) {
	var resp api.ExistsResponse
	path := "/v1/exists?package=" + url.QueryEscape(name)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, http.StatusOK); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// Exit asks the daemon to shut down.
func (c *Client) Exit(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/exit", nil, nil, http.StatusAccepted)
}
