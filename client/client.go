package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/synctree/api"
	"pkt.systems/synctree/internal/treepath"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerWantToken     = "X-Sync-ETag"
	headerIfMatch       = "If-Match"
	headerToken         = "ETag"

	treePrefix   = "/v1/tree"
	streamPrefix = "/v1/stream"
	wsPrefix     = "/v1/streamws"

	defaultUserAgent = "synctree-go"
)

// DefaultHTTPTimeout bounds unary requests when no timeout is configured.
// Streaming requests are exempt; they run until closed.
const DefaultHTTPTimeout = 30 * time.Second

// TokenSource supplies the bearer token presented on every request. The
// auth package provides static and self-refreshing implementations.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type staticTokenSource string

func (s staticTokenSource) Token(context.Context) (string, error) { return string(s), nil }

// Client talks to one synctree server endpoint. It is safe for concurrent
// use; all configuration happens at construction.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	httpTimeout time.Duration
	tokens      TokenSource
	userAgent   string
	wsStreams   bool
	logger      pslog.Base
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack. Use this
// for custom TLS roots, proxies or connection pooling behavior. Any
// Timeout on the supplied client applies to unary requests only; streams
// run without one.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics. Passing nil falls
// back to pslog.NoopLogger().
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		c.logger = logger
	}
}

// WithHTTPTimeout overrides the per-request timeout for unary calls.
// Streams are never subject to it.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithTokenSource authenticates requests with tokens drawn from src.
func WithTokenSource(src TokenSource) Option {
	return func(c *Client) {
		c.tokens = src
	}
}

// WithBearerToken authenticates requests with a fixed bearer token.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		if token != "" {
			c.tokens = staticTokenSource(token)
		}
	}
}

// WithWebSocketStreams switches subscriptions from server-sent events to
// WebSocket transport. Both carry the same events; WebSocket suits
// deployments where intermediaries buffer or time out long-lived HTTP
// responses.
func WithWebSocketStreams(enabled bool) Option {
	return func(c *Client) {
		c.wsStreams = enabled
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// New builds a client for the server at baseURL (scheme plus host, with
// an optional path prefix).
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("client: endpoint required")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("client: parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: endpoint scheme %q not supported", u.Scheme)
	}
	c := &Client{
		baseURL:     strings.TrimRight(trimmed, "/"),
		httpTimeout: DefaultHTTPTimeout,
		userAgent:   defaultUserAgent,
		logger:      pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	return c, nil
}

func (c *Client) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if c.httpTimeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, c.httpTimeout)
}

func (c *Client) applyCommonHeaders(ctx context.Context, req *http.Request) error {
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	applyCorrelationHeader(ctx, req)
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("client: bearer token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// roundTrip performs one unary tree request and returns the response
// payload plus the version token carried in the ETag header, unquoted.
func (c *Client) roundTrip(ctx context.Context, method, p string, query url.Values, body json.RawMessage, ifMatch string, wantToken bool) (json.RawMessage, string, error) {
	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()

	endpoint := c.baseURL + treePrefix + treepath.Escape(p)
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, reader)
	if err != nil {
		return nil, "", fmt.Errorf("client: build request: %w", err)
	}
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}
	if err := c.applyCommonHeaders(ctx, req); err != nil {
		return nil, "", err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ifMatch != "" {
		req.Header.Set(headerIfMatch, strconv.Quote(ifMatch))
	}
	if wantToken {
		req.Header.Set(headerWantToken, "true")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("client: %s %s: %w", method, p, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", c.decodeError(resp)
	}
	token := strings.Trim(resp.Header.Get(headerToken), `"`)
	if resp.StatusCode == http.StatusNoContent {
		return nil, token, nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("client: read response: %w", err)
	}
	return data, token, nil
}

// Get reads the node at p. An absent node comes back as JSON null with a
// nil error.
func (c *Client) Get(ctx context.Context, p string, opts api.GetOptions) (api.ReadResult, error) {
	query := url.Values{}
	if opts.Shallow {
		query.Set("shallow", "true")
	}
	opts.Filter.Values(query)
	c.logger.Trace("client.get.start", "path", p, "shallow", opts.Shallow)
	data, token, err := c.roundTrip(ctx, http.MethodGet, p, query, nil, "", opts.WantToken)
	if err != nil {
		c.logger.Debug("client.get.error", "path", p, "error", err)
		return api.ReadResult{}, err
	}
	c.logger.Trace("client.get.success", "path", p, "bytes", len(data))
	return api.ReadResult{Data: data, Token: token}, nil
}

// Put replaces the node at p with payload. A nil payload writes JSON
// null, which removes the node.
func (c *Client) Put(ctx context.Context, p string, payload json.RawMessage, opts api.WriteOptions) (api.WriteResult, error) {
	query := url.Values{}
	if opts.Silent {
		query.Set("silent", "true")
	}
	c.logger.Trace("client.put.start", "path", p, "bytes", len(payload))
	data, token, err := c.roundTrip(ctx, http.MethodPut, p, query, orNull(payload), opts.IfMatch, opts.WantToken)
	if err != nil {
		c.logger.Debug("client.put.error", "path", p, "error", err)
		return api.WriteResult{}, err
	}
	c.logger.Trace("client.put.success", "path", p)
	return api.WriteResult{Data: data, Token: token}, nil
}

// Patch applies a field map to the node at p. Unless the write is silent
// the server responds with the merged value.
func (c *Client) Patch(ctx context.Context, p string, fields json.RawMessage, opts api.WriteOptions) (api.WriteResult, error) {
	query := url.Values{}
	if opts.Silent {
		query.Set("silent", "true")
	}
	c.logger.Trace("client.patch.start", "path", p, "bytes", len(fields))
	data, token, err := c.roundTrip(ctx, http.MethodPatch, p, query, orNull(fields), opts.IfMatch, opts.WantToken)
	if err != nil {
		c.logger.Debug("client.patch.error", "path", p, "error", err)
		return api.WriteResult{}, err
	}
	c.logger.Trace("client.patch.success", "path", p)
	return api.WriteResult{Data: data, Token: token}, nil
}

// Delete removes the node at p. Deleting an absent node succeeds.
func (c *Client) Delete(ctx context.Context, p string, opts api.WriteOptions) (api.WriteResult, error) {
	query := url.Values{}
	if opts.Silent {
		query.Set("silent", "true")
	}
	c.logger.Trace("client.delete.start", "path", p)
	data, token, err := c.roundTrip(ctx, http.MethodDelete, p, query, nil, opts.IfMatch, opts.WantToken)
	if err != nil {
		c.logger.Debug("client.delete.error", "path", p, "error", err)
		return api.WriteResult{}, err
	}
	c.logger.Trace("client.delete.success", "path", p)
	return api.WriteResult{Data: data, Token: token}, nil
}

// Post stores payload under a server-generated child of p and returns the
// generated key.
func (c *Client) Post(ctx context.Context, p string, payload json.RawMessage) (api.PostResult, error) {
	c.logger.Trace("client.post.start", "path", p, "bytes", len(payload))
	data, _, err := c.roundTrip(ctx, http.MethodPost, p, nil, orNull(payload), "", false)
	if err != nil {
		c.logger.Debug("client.post.error", "path", p, "error", err)
		return api.PostResult{}, err
	}
	var out api.PostResult
	if err := json.Unmarshal(data, &out); err != nil {
		return api.PostResult{}, fmt.Errorf("client: decode post response: %w", err)
	}
	if out.Name == "" {
		return api.PostResult{}, errors.New("client: post response missing generated key")
	}
	c.logger.Trace("client.post.success", "path", p, "name", out.Name)
	return out, nil
}

func orNull(payload json.RawMessage) json.RawMessage {
	if payload == nil {
		return json.RawMessage("null")
	}
	return payload
}

// APIError is a non-2xx server response.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for diagnostics.
	Body []byte
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		if e.Response.Detail != "" {
			return fmt.Sprintf("synctree: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
		}
		return fmt.Sprintf("synctree: %s", e.Response.ErrorCode)
	}
	return fmt.Sprintf("synctree: status %d", e.Status)
}

// Is maps wire-level failures onto the api package sentinels, so callers
// match with errors.Is instead of inspecting status codes.
func (e *APIError) Is(target error) bool {
	switch target {
	case api.ErrPreconditionFailed:
		return e.Status == http.StatusPreconditionFailed ||
			e.Response.ErrorCode == api.ErrorCodePreconditionFailed
	case api.ErrAuthRevoked:
		return e.Response.ErrorCode == api.ErrorCodeAuthRevoked
	}
	return false
}

// CurrentToken returns the token of the value that defeated a conditional
// write, when the server included one.
func (e *APIError) CurrentToken() string {
	return e.Response.CurrentETag
}

func (c *Client) decodeError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Status: resp.StatusCode}
	}
	var errResp api.ErrorResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &errResp); err != nil {
			// Keep the body for diagnostics even when it is not an envelope.
			return &APIError{Status: resp.StatusCode, Body: data}
		}
	}
	return &APIError{Status: resp.StatusCode, Response: errResp, Body: data}
}
