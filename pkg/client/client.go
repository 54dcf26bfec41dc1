package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Client talks to the HTTP control API of a running procmaster.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080/api",
		Timeout: 10 * time.Second,
	}
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks that the daemon answers.
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.List(ctx, false)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
	}
	return err == nil
}

// List returns every process, or only started ones.
func (c *Client) List(ctx context.Context, onlyStarted bool) ([]ProcessStatus, error) {
	u := c.baseURL + "/processes"
	if onlyStarted {
		u += "?started=true"
	}
	var out []ProcessStatus
	if err := c.do(ctx, http.MethodGet, u, nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context, name string) (ProcessStatus, error) {
	var out ProcessStatus
	err := c.do(ctx, http.MethodGet, c.processURL(name), nil, "", &out)
	return out, err
}

// Usage samples CPU and memory of a running process.
func (c *Client) Usage(ctx context.Context, name string) (ProcessUsage, error) {
	var out ProcessUsage
	err := c.do(ctx, http.MethodGet, c.processURL(name)+"/usage", nil, "", &out)
	return out, err
}

func (c *Client) Add(ctx context.Context, req AddRequest) error {
	return c.doJSON(ctx, http.MethodPost, c.baseURL+"/processes", req)
}

func (c *Client) Start(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, c.processURL(name)+"/start", nil, "", nil)
}

func (c *Client) Stop(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, c.processURL(name)+"/stop", nil, "", nil)
}

func (c *Client) Remove(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, c.processURL(name), nil, "", nil)
}

func (c *Client) SendStdin(ctx context.Context, name string, data []byte) error {
	return c.do(ctx, http.MethodPost, c.processURL(name)+"/stdin", data, "application/octet-stream", nil)
}

func (c *Client) DownServer(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, c.baseURL+"/servers/"+url.PathEscape(name)+"/down", nil, "", nil)
}

// Reconnect points one process, or every server when name is empty, at a
// new server manager endpoint.
func (c *Client) Reconnect(ctx context.Context, name, addr string, port int) error {
	u := c.baseURL + "/reconnect"
	if name != "" {
		u = c.processURL(name) + "/reconnect"
	}
	return c.doJSON(ctx, http.MethodPost, u, ReconnectRequest{Address: addr, Port: strconv.Itoa(port)})
}

func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, c.baseURL+"/shutdown", nil, "", nil)
}

func (c *Client) processURL(name string) string {
	return c.baseURL + "/processes/" + url.PathEscape(name)
}

func (c *Client) doJSON(ctx context.Context, method, u string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}
	return c.do(ctx, method, u, data, "application/json", nil)
}

// do performs a request and decodes a 2xx JSON body into out when out is
// not nil.
func (c *Client) do(ctx context.Context, method, u string, body []byte, contentType string, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, u)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
	}
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
		return errors.Errorf("HTTP %d", resp.StatusCode)
	}
	return errors.Errorf("API error: %s", er.Error)
}
