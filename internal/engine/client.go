// Package engine talks to the external reasoning engine.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/r3labs/sse/v2"

	"github.com/tjfontaine/travel-agent-relay/internal/core/domain"
	"github.com/tjfontaine/travel-agent-relay/internal/core/ports"
)

const (
	defaultConnectRetries = 3
	maxFrameSize          = 4 << 20
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client. The client must not set a
// total Timeout, which would cut long engine streams.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithConnectRetries sets how many times a failed connect is retried.
func WithConnectRetries(n int) ClientOption {
	return func(c *Client) {
		c.retries = n
	}
}

// WithConnectTimeout bounds the wait for response headers.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.connectTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client streams engine turns over HTTP. A turn is POST {base}/agent/stream
// answered by a server-sent event stream whose data lines carry JSON frames.
type Client struct {
	baseURL        string
	apiKey         string
	retries        int
	connectTimeout time.Duration
	httpClient     *http.Client
	logger         *slog.Logger
	newBackOff     func() backoff.BackOff
}

// NewClient creates an engine client for baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		retries: defaultConnectRetries,
		logger:  slog.Default(),
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = c.connectTimeout
		c.httpClient = &http.Client{Transport: transport}
	}
	return c
}

var _ ports.Engine = (*Client)(nil)

// Run starts or resumes a turn. Connection failures and 5xx responses are
// retried with exponential backoff; 4xx responses are not.
func (c *Client) Run(ctx context.Context, cmd *ports.EngineCommand) (<-chan ports.EngineResult, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	connect := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agent/stream", bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		c.setHeaders(req)
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		statusErr := fmt.Errorf("engine returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		if resp.StatusCode < http.StatusInternalServerError {
			return nil, backoff.Permanent(statusErr)
		}
		return nil, statusErr
	}

	resp, err := backoff.Retry(ctx, connect,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.retries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("engine connect failed, retrying",
				slog.String("thread_id", cmd.ThreadID),
				slog.String("error", err.Error()),
				slog.Duration("retry_in", next),
			)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.Cancelled(context.Cause(ctx), "engine connect cancelled")
		}
		return nil, domain.EngineFailure(err, "failed to connect to engine")
	}

	out := make(chan ports.EngineResult)
	go c.streamReader(ctx, resp.Body, out)
	return out, nil
}

func (c *Client) streamReader(ctx context.Context, body io.ReadCloser, out chan<- ports.EngineResult) {
	defer close(out)
	defer body.Close()

	send := func(r ports.EngineResult) bool {
		select {
		case out <- r:
			return true
		case <-ctx.Done():
			return false
		}
	}

	reader := sse.NewEventStreamReader(body, maxFrameSize)
	for {
		raw, err := reader.ReadEvent()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			send(ports.EngineResult{Err: domain.EngineFailure(err, "engine stream read error")})
			return
		}

		data := eventData(raw)
		if len(data) == 0 {
			continue
		}

		var frame domain.EngineFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			send(ports.EngineResult{Err: domain.EngineFailure(err, "malformed engine frame")})
			return
		}
		if !send(ports.EngineResult{Frame: &frame}) {
			return
		}
	}
}

// eventData joins the data lines of one raw SSE event.
func eventData(raw []byte) []byte {
	var data [][]byte
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		line = bytes.TrimPrefix(line, []byte("data:"))
		data = append(data, bytes.TrimPrefix(line, []byte(" ")))
	}
	return bytes.Join(data, []byte("\n"))
}

// State fetches the engine's own view of a thread.
func (c *Client) State(ctx context.Context, threadID string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/agent/state/"+url.PathEscape(threadID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.EngineFailure(err, "engine state request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.EngineFailure(err, "failed to read engine state")
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.NotFound("engine has no state for thread %s", threadID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.EngineFailure(nil, "engine state returned status %d", resp.StatusCode)
	}
	if !json.Valid(respBody) {
		return nil, domain.EngineFailure(nil, "engine state is not valid JSON")
	}
	return respBody, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "travel-agent-relay/1.0")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
