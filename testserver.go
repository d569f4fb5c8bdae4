package synctree

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
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"pkt.systems/synctree/api"
	"pkt.systems/synctree/auth"
	"pkt.systems/synctree/client"
	"pkt.systems/synctree/internal/treestore"
)

const (
	apiTreePrefix     = "/v1/tree"
	apiStreamPrefix   = "/v1/stream"
	apiStreamWSPrefix = "/v1/streamws"
)

const defaultKeepAliveInterval = 15 * time.Second

// TestServer is an in-process tree-store server for tests and local
// development. It speaks the same HTTP surface a production deployment
// does: the tree CRUD endpoints, SSE streams and WebSocket streams, with
// optional bearer-token authentication.
type TestServer struct {
	// BaseURL is the http endpoint clients connect to.
	BaseURL string
	// Client is a ready-to-use client against the server, unless disabled.
	Client *client.Client

	tree     *treestore.Store
	handler  *testHandler
	httpSrv  *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	secret   []byte
	stopped  sync.Once
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.t.Helper()
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					if strings.Contains(fmt.Sprint(r), "Log in goroutine after") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a pslog logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	logger := pslog.NewStructured(context.Background(), writer)
	if level != pslog.NoLevel {
		logger = logger.LogLevel(level)
	}
	return logger.With("app", "synctree-testserver")
}

type testServerOptions struct {
	listen        string
	logger        pslog.Logger
	secret        string
	seeds         []testSeed
	clientOpts    []client.Option
	disableClient bool
	keepAlive     time.Duration
}

type testSeed struct {
	path  string
	value any
}

// TestServerOption customises NewTestServer/StartTestServer behaviour.
type TestServerOption func(*testServerOptions)

// WithTestListener overrides the listen address (default 127.0.0.1:0).
func WithTestListener(address string) TestServerOption {
	return func(o *testServerOptions) { o.listen = address }
}

// WithTestLogger supplies a custom logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) { o.logger = logger }
}

// WithTestLoggerTB routes server logs through the testing logger at debug
// level.
func WithTestLoggerTB(t testing.TB) TestServerOption {
	return func(o *testServerOptions) { o.logger = NewTestingLogger(t, pslog.DebugLevel) }
}

// WithTestAuth requires requests to carry an HS256 bearer token signed with
// secret. The auto-constructed client is given a matching token source.
func WithTestAuth(secret string) TestServerOption {
	return func(o *testServerOptions) { o.secret = secret }
}

// WithTestSeed stores value at path before the server starts accepting
// requests. May be repeated.
func WithTestSeed(path string, value any) TestServerOption {
	return func(o *testServerOptions) {
		o.seeds = append(o.seeds, testSeed{path: path, value: value})
	}
}

// WithTestClientOptions appends client options used when auto-constructing
// the helper client.
func WithTestClientOptions(opts ...client.Option) TestServerOption {
	return func(o *testServerOptions) { o.clientOpts = append(o.clientOpts, opts...) }
}

// WithoutTestClient disables automatic client creation.
func WithoutTestClient() TestServerOption {
	return func(o *testServerOptions) { o.disableClient = true }
}

// WithTestKeepAliveInterval overrides the stream keep-alive cadence.
func WithTestKeepAliveInterval(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		if d > 0 {
			o.keepAlive = d
		}
	}
}

// NewTestServer starts an in-process tree-store server. Call Stop to clean
// up resources.
func NewTestServer(opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{
		listen:    "127.0.0.1:0",
		keepAlive: defaultKeepAliveInterval,
	}
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	tree := treestore.New()
	for _, seed := range options.seeds {
		raw, err := json.Marshal(seed.value)
		if err != nil {
			return nil, fmt.Errorf("synctree: marshal seed %q: %w", seed.path, err)
		}
		if _, _, err := tree.Put(seed.path, raw, ""); err != nil {
			return nil, fmt.Errorf("synctree: seed %q: %w", seed.path, err)
		}
	}

	serverCtx, cancel := context.WithCancel(context.Background())
	handler := &testHandler{
		tree:      tree,
		logger:    logger,
		secret:    []byte(options.secret),
		keepAlive: options.keepAlive,
		ctx:       serverCtx,
	}
	if options.secret == "" {
		handler.secret = nil
	}

	ln, err := net.Listen("tcp", options.listen)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("synctree: listen %s: %w", options.listen, err)
	}
	httpSrv := &http.Server{
		Handler:           handler.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return serverCtx },
	}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("testserver.serve.error", "error", err)
		}
	}()

	ts := &TestServer{
		BaseURL:  "http://" + ln.Addr().String(),
		tree:     tree,
		handler:  handler,
		httpSrv:  httpSrv,
		listener: ln,
		cancel:   cancel,
		secret:   handler.secret,
	}
	if !options.disableClient {
		c, err := ts.NewClient(options.clientOpts...)
		if err != nil {
			_ = ts.Stop(context.Background())
			return nil, err
		}
		ts.Client = c
	}
	logger.Debug("testserver.start", "base_url", ts.BaseURL, "auth", len(ts.secret) > 0)
	return ts, nil
}

// StartTestServer starts a server for the given test and stops it during
// cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ts.Stop(ctx)
	})
	return ts
}

// Tree exposes the server's backing tree for seeding and inspection.
func (ts *TestServer) Tree() *treestore.Store {
	if ts == nil {
		return nil
	}
	return ts.tree
}

// NewClient returns a new client configured against the server. When auth
// is enabled the client carries a token source signed with the server's
// secret.
func (ts *TestServer) NewClient(opts ...client.Option) (*client.Client, error) {
	if ts == nil {
		return nil, errors.New("synctree: nil test server")
	}
	options := make([]client.Option, 0, len(opts)+1)
	if len(ts.secret) > 0 {
		src, err := auth.NewHS256(ts.secret, "testserver-client", time.Hour)
		if err != nil {
			return nil, err
		}
		options = append(options, client.WithTokenSource(src))
	}
	options = append(options, opts...)
	return client.New(ts.BaseURL, options...)
}

// RevokeAuth revokes every credential: live streams receive an
// auth-revoked event and close, and subsequent requests fail with the
// auth_revoked error code.
func (ts *TestServer) RevokeAuth() {
	ts.handler.revoked.Store(true)
	ts.tree.RevokeAll()
}

// Stop shuts the server down, tearing open streams down first.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil {
		return nil
	}
	var err error
	ts.stopped.Do(func() {
		ts.cancel()
		ts.tree.RevokeAll()
		if shutdownErr := ts.httpSrv.Shutdown(ctx); shutdownErr != nil {
			err = ts.httpSrv.Close()
			if err == nil {
				err = shutdownErr
			}
		}
	})
	return err
}

// httpError carries a handler failure to the central error writer.
type httpError struct {
	Status       int
	Code         string
	Detail       string
	CurrentToken string
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

type testHandler struct {
	tree      *treestore.Store
	logger    pslog.Logger
	secret    []byte
	keepAlive time.Duration
	ctx       context.Context
	revoked   atomic.Bool
}

func (h *testHandler) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(apiTreePrefix, h.guard(h.handleTree))
	mux.Handle(apiTreePrefix+"/", h.guard(h.handleTree))
	mux.Handle(apiStreamPrefix, h.guard(h.handleStream))
	mux.Handle(apiStreamPrefix+"/", h.guard(h.handleStream))
	mux.Handle(apiStreamWSPrefix, h.guard(h.handleStreamWS))
	mux.Handle(apiStreamWSPrefix+"/", h.guard(h.handleStreamWS))
	return mux
}

// guard authenticates the request and adapts handler errors onto the wire
// envelope.
func (h *testHandler) guard(next func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.authorize(r); err != nil {
			h.fail(w, r, err)
			return
		}
		if err := next(w, r); err != nil {
			h.fail(w, r, err)
		}
	}
}

func (h *testHandler) authorize(r *http.Request) error {
	if h.revoked.Load() {
		return httpError{Status: http.StatusUnauthorized, Code: api.ErrorCodeAuthRevoked, Detail: "credential revoked"}
	}
	if len(h.secret) == 0 {
		return nil
	}
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		return httpError{Status: http.StatusUnauthorized, Code: "unauthorized", Detail: "missing bearer token"}
	}
	_, err := jwt.Parse(strings.TrimSpace(header[len(prefix):]), func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return h.secret, nil
	})
	if err != nil {
		return httpError{Status: http.StatusUnauthorized, Code: "unauthorized", Detail: "invalid bearer token: " + err.Error()}
	}
	return nil
}

func (h *testHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var httpErr httpError
	if !errors.As(err, &httpErr) {
		httpErr = adaptTreeError(err)
	}
	h.logger.Debug("testserver.request.failure",
		"method", r.Method,
		"path", r.URL.Path,
		"status", httpErr.Status,
		"code", httpErr.Code,
		"detail", httpErr.Detail,
		"correlation_id", r.Header.Get("X-Correlation-Id"),
	)
	h.writeJSON(w, httpErr.Status, api.ErrorResponse{
		ErrorCode:   httpErr.Code,
		Detail:      httpErr.Detail,
		CurrentETag: httpErr.CurrentToken,
	})
}

// adaptTreeError maps tree core failures onto wire status codes.
func adaptTreeError(err error) httpError {
	var mismatch *treestore.TokenMismatchError
	if errors.As(err, &mismatch) {
		return httpError{
			Status:       http.StatusPreconditionFailed,
			Code:         api.ErrorCodePreconditionFailed,
			Detail:       "version token mismatch",
			CurrentToken: mismatch.Current,
		}
	}
	var verr *treestore.ValueError
	if errors.As(err, &verr) {
		return httpError{Status: http.StatusBadRequest, Code: api.ErrorCodeInvalidPayload, Detail: verr.Detail}
	}
	return httpError{Status: http.StatusBadRequest, Code: api.ErrorCodeInvalidPath, Detail: err.Error()}
}

func (h *testHandler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *testHandler) writeRaw(w http.ResponseWriter, status int, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	_, _ = w.Write(raw)
}

func (h *testHandler) handleTree(w http.ResponseWriter, r *http.Request) error {
	p := strings.TrimPrefix(r.URL.Path, apiTreePrefix)
	q := r.URL.Query()
	wantToken := strings.EqualFold(r.Header.Get("X-Sync-ETag"), "true")
	ifMatch := unquoteToken(r.Header.Get("If-Match"))
	silent := q.Get("silent") == "true"

	setToken := func(token string) {
		if wantToken && token != "" {
			w.Header().Set("ETag", strconv.Quote(token))
		}
	}

	switch r.Method {
	case http.MethodGet:
		filter, err := filterFromQuery(q)
		if err != nil {
			return err
		}
		data, token, err := h.tree.Get(p, q.Get("shallow") == "true", filter)
		if err != nil {
			return err
		}
		setToken(token)
		h.writeRaw(w, http.StatusOK, data)
	case http.MethodPut:
		body, err := readBody(r)
		if err != nil {
			return err
		}
		data, token, err := h.tree.Put(p, body, ifMatch)
		if err != nil {
			return err
		}
		setToken(token)
		if silent {
			w.WriteHeader(http.StatusNoContent)
			return nil
		}
		h.writeRaw(w, http.StatusOK, data)
	case http.MethodPatch:
		body, err := readBody(r)
		if err != nil {
			return err
		}
		data, token, err := h.tree.Patch(p, body, ifMatch)
		if err != nil {
			return err
		}
		setToken(token)
		if silent {
			w.WriteHeader(http.StatusNoContent)
			return nil
		}
		h.writeRaw(w, http.StatusOK, data)
	case http.MethodDelete:
		if err := h.tree.Delete(p, ifMatch); err != nil {
			return err
		}
		if silent {
			w.WriteHeader(http.StatusNoContent)
			return nil
		}
		h.writeRaw(w, http.StatusOK, json.RawMessage("null"))
	case http.MethodPost:
		body, err := readBody(r)
		if err != nil {
			return err
		}
		name, err := h.tree.Post(p, body)
		if err != nil {
			return err
		}
		h.writeJSON(w, http.StatusOK, api.PostResult{Name: name})
	default:
		w.Header().Set("Allow", "GET, PUT, PATCH, DELETE, POST")
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: GET, PUT, PATCH, DELETE, POST"}
	}
	return nil
}

func (h *testHandler) handleStream(w http.ResponseWriter, r *http.Request) error {
	p := strings.TrimPrefix(r.URL.Path, apiStreamPrefix)
	q := r.URL.Query()
	filter, err := filterFromQuery(q)
	if err != nil {
		return err
	}
	fl, ok := w.(http.Flusher)
	if !ok {
		return httpError{Status: http.StatusInternalServerError, Code: "streaming_unsupported", Detail: "response writer cannot stream"}
	}
	sub, err := h.tree.Subscribe(p, q.Get("shallow") == "true", filter)
	if err != nil {
		return err
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": stream established\n\n")
	fl.Flush()

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := writeSSEEvent(w, fl, ev); err != nil {
				return nil
			}
			if ev.Kind == api.EventAuthRevoked {
				return nil
			}
		case <-keepAlive.C:
			if err := writeSSEEvent(w, fl, api.Event{Kind: api.EventKeepAlive, Path: "/"}); err != nil {
				return nil
			}
		}
	}
}

func writeSSEEvent(w io.Writer, fl http.Flusher, ev api.Event) error {
	body, err := json.Marshal(struct {
		Path string          `json:"path"`
		Data json.RawMessage `json:"data,omitempty"`
	}{Path: ev.Path, Data: ev.Data})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, body); err != nil {
		return err
	}
	fl.Flush()
	return nil
}

var testUpgrader = websocket.Upgrader{
	ReadBufferSize:  4 << 10,
	WriteBufferSize: 4 << 10,
}

func (h *testHandler) handleStreamWS(w http.ResponseWriter, r *http.Request) error {
	p := strings.TrimPrefix(r.URL.Path, apiStreamWSPrefix)
	q := r.URL.Query()
	filter, err := filterFromQuery(q)
	if err != nil {
		return err
	}
	sub, err := h.tree.Subscribe(p, q.Get("shallow") == "true", filter)
	if err != nil {
		return err
	}
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		// Upgrade already wrote its own failure response.
		return nil
	}
	defer conn.Close()
	defer sub.Close()

	// Reader goroutine: the client never sends data frames, so the first
	// read completes on its close frame or a dead connection.
	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	writeClose := func() {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	}

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-h.ctx.Done():
			writeClose()
			return nil
		case <-peerGone:
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				writeClose()
				return nil
			}
			body, err := json.Marshal(ev)
			if err != nil {
				return nil
			}
			if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
				return nil
			}
			if ev.Kind == api.EventAuthRevoked {
				writeClose()
				return nil
			}
		case <-keepAlive.C:
			body, err := json.Marshal(api.Event{Kind: api.EventKeepAlive, Path: "/"})
			if err != nil {
				return nil
			}
			if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
				return nil
			}
		}
	}
}

func filterFromQuery(q url.Values) (*api.Filter, error) {
	f := api.Filter{OrderBy: q.Get("orderBy")}
	if v := q.Get("limitToFirst"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, httpError{Status: http.StatusBadRequest, Code: api.ErrorCodeInvalidPayload, Detail: "invalid limitToFirst"}
		}
		f.LimitToFirst = n
	}
	if v := q.Get("limitToLast"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, httpError{Status: http.StatusBadRequest, Code: api.ErrorCodeInvalidPayload, Detail: "invalid limitToLast"}
		}
		f.LimitToLast = n
	}
	if v := q.Get("startAt"); v != "" {
		f.StartAt = json.RawMessage(v)
	}
	if v := q.Get("endAt"); v != "" {
		f.EndAt = json.RawMessage(v)
	}
	if v := q.Get("equalTo"); v != "" {
		f.EqualTo = json.RawMessage(v)
	}
	if f.OrderBy == "" && f.LimitToFirst == 0 && f.LimitToLast == 0 &&
		len(f.StartAt) == 0 && len(f.EndAt) == 0 && len(f.EqualTo) == 0 {
		return nil, nil
	}
	return &f, nil
}

func readBody(r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, 8<<20))
	if err != nil {
		return nil, httpError{Status: http.StatusBadRequest, Code: api.ErrorCodeInvalidPayload, Detail: "read request body: " + err.Error()}
	}
	return body, nil
}

func unquoteToken(s string) string {
	if s == "" {
		return ""
	}
	if uq, err := strconv.Unquote(s); err == nil {
		return uq
	}
	return strings.Trim(s, `"`)
}
