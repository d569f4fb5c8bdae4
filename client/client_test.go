package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"pkt.systems/synctree/api"
)

func TestNewValidation(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
	if _, err := New("ftp://example.com"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
	c, err := New("http://localhost:8080/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.baseURL != "http://localhost:8080" {
		t.Fatalf("baseURL %q", c.baseURL)
	}
}

func TestClientGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method %s", r.Method)
		}
		if r.URL.Path != "/v1/tree/accounts/alice" {
			t.Errorf("path %s", r.URL.Path)
		}
		if r.Header.Get(headerWantToken) != "true" {
			t.Errorf("missing token request header")
		}
		if r.Header.Get(headerCorrelationID) == "" {
			t.Errorf("missing correlation header")
		}
		w.Header().Set(headerToken, `"tok-1"`)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"owner":"alice"}`)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := c.Get(context.Background(), "/accounts/alice", api.GetOptions{WantToken: true})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Token != "tok-1" {
		t.Fatalf("token %q", res.Token)
	}
	if string(res.Data) != `{"owner":"alice"}` {
		t.Fatalf("data %s", res.Data)
	}
}

func TestClientGetQueryParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("shallow") != "true" {
			t.Errorf("shallow param missing: %v", q)
		}
		if q.Get("orderBy") != "$key" {
			t.Errorf("orderBy %q", q.Get("orderBy"))
		}
		if q.Get("limitToFirst") != "5" {
			t.Errorf("limitToFirst %q", q.Get("limitToFirst"))
		}
		io.WriteString(w, `null`)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Get(context.Background(), "/accounts", api.GetOptions{
		Shallow: true,
		Filter:  &api.Filter{OrderBy: api.OrderByKey, LimitToFirst: 5},
	})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
}

func TestClientPutConditional(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method %s", r.Method)
		}
		if r.URL.Query().Get("silent") != "true" {
			t.Errorf("silent param missing")
		}
		if got := r.Header.Get(headerIfMatch); got != `"tok-1"` {
			t.Errorf("If-Match %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"owner":"alice"}` {
			t.Errorf("body %s", body)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := c.Put(context.Background(), "/accounts/alice", json.RawMessage(`{"owner":"alice"}`),
		api.WriteOptions{IfMatch: "tok-1", Silent: true})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if res.Data != nil {
		t.Fatalf("silent write returned data %s", res.Data)
	}
}

func TestClientPreconditionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		io.WriteString(w, `{"error":"precondition_failed","detail":"version token mismatch","current_etag":"tok-9"}`)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Put(context.Background(), "/accounts/alice", json.RawMessage(`{}`),
		api.WriteOptions{IfMatch: "tok-1", Silent: true})
	if !errors.Is(err, api.ErrPreconditionFailed) {
		t.Fatalf("expected precondition sentinel, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Status != http.StatusPreconditionFailed || apiErr.CurrentToken() != "tok-9" {
		t.Fatalf("unexpected APIError %+v", apiErr)
	}
}

func TestClientAuthRevokedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":"auth_revoked","detail":"token revoked by administrator"}`)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Get(context.Background(), "/accounts", api.GetOptions{})
	if !errors.Is(err, api.ErrAuthRevoked) {
		t.Fatalf("expected auth-revoked sentinel, got %v", err)
	}
}

func TestClientPatchAndDelete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			body, _ := io.ReadAll(r.Body)
			if string(body) != `{"balance":7}` {
				t.Errorf("patch body %s", body)
			}
			io.WriteString(w, `{"owner":"alice","balance":7}`)
		case http.MethodDelete:
			io.WriteString(w, `null`)
		default:
			t.Errorf("method %s", r.Method)
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := c.Patch(context.Background(), "/accounts/alice", json.RawMessage(`{"balance":7}`), api.WriteOptions{})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if string(res.Data) != `{"owner":"alice","balance":7}` {
		t.Fatalf("merged %s", res.Data)
	}
	if _, err := c.Delete(context.Background(), "/accounts/alice", api.WriteOptions{Silent: true}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestClientPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method %s", r.Method)
		}
		io.WriteString(w, `{"name":"01J8ZQ5RM0QWERTY0000000000"}`)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := c.Post(context.Background(), "/accounts", json.RawMessage(`{"owner":"dora"}`))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if res.Name != "01J8ZQ5RM0QWERTY0000000000" {
		t.Fatalf("name %q", res.Name)
	}
}

func TestClientBearerAndCorrelation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sesame" {
			t.Errorf("Authorization %q", got)
		}
		if got := r.Header.Get(headerCorrelationID); got != "req-42" {
			t.Errorf("correlation %q", got)
		}
		io.WriteString(w, `null`)
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithBearerToken("sesame"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := WithCorrelationID(context.Background(), "req-42")
	if _, err := c.Get(ctx, "/accounts", api.GetOptions{}); err != nil {
		t.Fatalf("Get: %v", err)
	}
}

func TestNormalizeCorrelationID(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"  abc  ", "abc", true},
		{"", "", false},
		{"with space ok", "with space ok", true},
		{"bad\nnewline", "", false},
		{string(make([]byte, MaxCorrelationIDLength+1)), "", false},
	}
	for _, tc := range cases {
		got, ok := NormalizeCorrelationID(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("NormalizeCorrelationID(%q) = %q, %v", tc.in, got, ok)
		}
	}
}
