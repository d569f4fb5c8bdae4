package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/synctree/api"
	"pkt.systems/synctree/internal/treepath"
)

// Stream opens a change subscription rooted at p. The returned stream is
// pull-based: nothing is read from the transport until Next is called.
// Canceling the ctx passed here tears the subscription down; in-flight
// Next calls then fail and the failure is sticky.
func (c *Client) Stream(ctx context.Context, p string, opts api.StreamOptions) (api.WireStream, error) {
	if c.wsStreams {
		return c.dialWebSocket(ctx, p, opts)
	}
	return c.openSSE(ctx, p, opts)
}

func streamQuery(opts api.StreamOptions) url.Values {
	query := url.Values{}
	if opts.Shallow {
		query.Set("shallow", "true")
	}
	opts.Filter.Values(query)
	return query
}

func (c *Client) openSSE(ctx context.Context, p string, opts api.StreamOptions) (api.WireStream, error) {
	endpoint := c.baseURL + streamPrefix + treepath.Escape(p)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("client: build stream request: %w", err)
	}
	if query := streamQuery(opts); len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}
	if err := c.applyCommonHeaders(ctx, req); err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// Streams outlive any unary timeout configured on the HTTP client.
	streamClient := *c.httpClient
	streamClient.Timeout = 0
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: open stream %s: %w", p, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.decodeError(resp)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("client: unexpected stream content type %q", ct)
	}
	c.logger.Debug("client.stream.start", "path", p, "transport", "sse")
	return newSSEStream(resp.Body), nil
}

var sseReaderPool = sync.Pool{
	New: func() any {
		return &bufio.Reader{}
	},
}

// sseStream parses server-sent events off a response body. One frame is
// read per Next call, so backpressure propagates to the server's socket.
type sseStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	err    error
	closed bool
}

func newSSEStream(body io.ReadCloser) *sseStream {
	reader, _ := sseReaderPool.Get().(*bufio.Reader)
	if reader == nil {
		reader = &bufio.Reader{}
	}
	reader.Reset(body)
	return &sseStream{body: body, reader: reader}
}

// ssePayload is the JSON document carried on a frame's data line.
type ssePayload struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

func (s *sseStream) Next(ctx context.Context) (api.Event, error) {
	if s.err != nil {
		return api.Event{}, s.err
	}
	if s.closed {
		return api.Event{}, io.EOF
	}
	for {
		if err := ctx.Err(); err != nil {
			s.err = err
			return api.Event{}, err
		}
		name, data, err := s.readFrame()
		if err != nil {
			s.err = err
			return api.Event{}, err
		}
		if name == "" {
			continue
		}
		ev, err := decodeSSEFrame(name, data)
		if err != nil {
			s.err = err
			return api.Event{}, err
		}
		return ev, nil
	}
}

// readFrame consumes lines up to the next blank-line frame terminator and
// returns the frame's event name and concatenated data payload.
func (s *sseStream) readFrame() (string, []byte, error) {
	var (
		name string
		data bytes.Buffer
	)
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if name != "" || data.Len() > 0 {
				return name, data.Bytes(), nil
			}
		case strings.HasPrefix(line, ":"):
			// comment line, used by servers as socket keep-alive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

// decodeSSEFrame maps a frame onto the wire event model. The event name
// carries the kind verbatim; unknown kinds pass through so the translator
// can flag them.
func decodeSSEFrame(name string, data []byte) (api.Event, error) {
	ev := api.Event{Kind: api.EventKind(name)}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ev, nil
	}
	var payload ssePayload
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return api.Event{}, fmt.Errorf("client: decode stream payload: %w", err)
	}
	ev.Path = payload.Path
	ev.Data = payload.Data
	return ev, nil
}

func (s *sseStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.reader != nil {
		s.reader.Reset(nil)
		sseReaderPool.Put(s.reader)
		s.reader = nil
	}
	return s.body.Close()
}

func (c *Client) dialWebSocket(ctx context.Context, p string, opts api.StreamOptions) (api.WireStream, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + wsPrefix + treepath.Escape(p)
	u.RawQuery = streamQuery(opts).Encode()

	header := http.Header{}
	if c.userAgent != "" {
		header.Set("User-Agent", c.userAgent)
	}
	if id := CorrelationIDFromContext(ctx); id != "" {
		header.Set(headerCorrelationID, id)
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("client: bearer token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, c.decodeError(resp)
		}
		return nil, fmt.Errorf("client: dial stream %s: %w", p, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	c.logger.Debug("client.stream.start", "path", p, "transport", "websocket")
	return &wsStream{conn: conn}, nil
}

// wsStream reads wire events as JSON text messages off a WebSocket
// connection.
type wsStream struct {
	conn   *websocket.Conn
	err    error
	closed bool
}

func (s *wsStream) Next(ctx context.Context) (api.Event, error) {
	if s.err != nil {
		return api.Event{}, s.err
	}
	if s.closed {
		return api.Event{}, io.EOF
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(deadline)
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
	if err := ctx.Err(); err != nil {
		s.err = err
		return api.Event{}, err
	}
	_, msg, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			err = io.EOF
		}
		s.err = err
		return api.Event{}, err
	}
	var ev api.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		s.err = fmt.Errorf("client: decode stream message: %w", err)
		return api.Event{}, s.err
	}
	return ev, nil
}

func (s *wsStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return s.conn.Close()
}
