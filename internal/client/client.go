// Package client talks to a kernelbox server over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/michaelbrown/kernelbox/internal/callbacks"
	"github.com/michaelbrown/kernelbox/internal/protocol"
)

// DefaultPullTimeout is how long RunCell waits on each pull.
const DefaultPullTimeout = time.Second

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	Detail     string
}

func (e *HTTPError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("kernel server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("kernel server returned %d: %s", e.StatusCode, e.Detail)
}

// Client is a kernelbox API client.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Status(ctx context.Context) (*protocol.GetStatusResponse, error) {
	var resp protocol.GetStatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResetKernel restarts the kernel. A 409 means it is starting or already
// restarting.
func (c *Client) ResetKernel(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/reset_kernel", nil, nil)
}

// Execute submits code. Check the response with Err.
func (c *Client) Execute(ctx context.Context, code string) (*protocol.ExecuteResponse, error) {
	var resp protocol.ExecuteResponse
	if err := c.do(ctx, http.MethodPost, "/execute", protocol.ExecuteRequest{Code: code}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Interrupt(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/interrupt", nil, nil)
}

// PullMessage waits up to timeout for the next output event. Check the
// response with Err.
func (c *Client) PullMessage(ctx context.Context, timeout time.Duration) (*protocol.PullMessageResponse, error) {
	var resp protocol.PullMessageResponse
	req := protocol.PullMessageRequest{Timeout: timeout.Seconds()}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := c.do(ctx, http.MethodPost, "/pull_message", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Callback records a callback, as code inside the kernel does.
func (c *Client) Callback(ctx context.Context, name string, args []any, kwargs map[string]any) error {
	return c.do(ctx, http.MethodPost, "/tool/callback", protocol.CallbackRequest{Name: name, Args: args, Kwargs: kwargs}, nil)
}

func (c *Client) LogException(ctx context.Context, req protocol.LogExceptionRequest) error {
	return c.do(ctx, http.MethodPost, "/tool/log_exception", req, nil)
}

func (c *Client) LogMatplotlibFallback(ctx context.Context, req protocol.LogMatplotlibFallbackRequest) error {
	return c.do(ctx, http.MethodPost, "/tool/log_matplotlib_img_fallback", req, nil)
}

// Handler receives what RunCell relays. Nil fields are skipped.
type Handler struct {
	OnEvent    func(protocol.OutputEvent)
	OnCallback func(callbacks.Record)
}

// RunCell executes code and relays its output until the execution's idle
// status. Any error envelope is returned as an error, and a DEAD kernel is
// returned as kernelerr.ErrKernelDeath even when no error was reported.
// Exceptions raised by the code itself arrive as ErrorEvents, not errors.
func (c *Client) RunCell(ctx context.Context, code string, h Handler) (string, error) {
	exec, err := c.Execute(ctx, code)
	if err != nil {
		return "", err
	}
	if err := exec.Err(); err != nil {
		return "", err
	}
	id := exec.CodeMessageID

	for {
		pull, err := c.PullMessage(ctx, DefaultPullTimeout)
		if err != nil {
			return id, err
		}
		for _, rec := range pull.Callbacks {
			if h.OnCallback != nil {
				h.OnCallback(rec)
			}
		}
		if err := pull.Err(); err != nil {
			return id, err
		}

		ev := pull.Event()
		if ev == nil {
			continue
		}
		if h.OnEvent != nil {
			h.OnEvent(ev)
		}
		if protocol.IsIdleFor(ev, id) {
			return id, nil
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		herr := &HTTPError{StatusCode: resp.StatusCode}
		var detail struct {
			Detail string `json:"detail"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &detail) == nil && detail.Detail != "" {
			herr.Detail = detail.Detail
		} else {
			herr.Detail = strings.TrimSpace(string(raw))
		}
		return herr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
