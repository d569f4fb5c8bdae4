// Package api defines the wire-level contract between synctree clients and a
// tree-store server: raw stream events, read/write options, query filters,
// and the canonical error envelope.
package api

import (
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
)

// EventKind identifies the type of a raw wire event delivered on a stream.
type EventKind string

const (
	// EventPut carries a full value replacement at the event path.
	EventPut EventKind = "put"
	// EventPatch carries a shallow field-map update at the event path.
	EventPatch EventKind = "patch"
	// EventAuthRevoked signals that the credential backing the stream is no
	// longer valid; the stream terminates after this event.
	EventAuthRevoked EventKind = "auth-revoked"
	// EventKeepAlive is a transport-level heartbeat confirming stream
	// liveness. Event translation skips it; it never yields a store event.
	EventKeepAlive EventKind = "keep-alive"
)

// Event is one raw, path-scoped change notification received from a stream
// subscription. Path is relative to the subscribed root ("/" addresses the
// root itself).
type Event struct {
	// Kind is the wire event type.
	Kind EventKind `json:"kind"`
	// Path locates the change relative to the subscription root.
	Path string `json:"path"`
	// Data is the raw JSON payload; absent for kinds that carry none.
	Data json.RawMessage `json:"data,omitempty"`
}

// Filter narrows a read or stream subscription server-side.
type Filter struct {
	// OrderBy names the ordering dimension: OrderByKey or a child field name.
	OrderBy string `json:"order_by,omitempty"`
	// LimitToFirst caps the result to the first n entries in order.
	LimitToFirst int `json:"limit_to_first,omitempty"`
	// LimitToLast caps the result to the last n entries in order.
	LimitToLast int `json:"limit_to_last,omitempty"`
	// StartAt bounds results to entries at or after this JSON value.
	StartAt json.RawMessage `json:"start_at,omitempty"`
	// EndAt bounds results to entries at or before this JSON value.
	EndAt json.RawMessage `json:"end_at,omitempty"`
	// EqualTo restricts results to entries whose ordering value equals this
	// JSON value.
	EqualTo json.RawMessage `json:"equal_to,omitempty"`
}

// OrderByKey orders and bounds a filtered read by child key.
const OrderByKey = "$key"

// Values encodes the filter as request query parameters. A nil filter
// contributes nothing.
func (f *Filter) Values(q url.Values) {
	if f == nil {
		return
	}
	if f.OrderBy != "" {
		q.Set("orderBy", f.OrderBy)
	}
	if f.LimitToFirst > 0 {
		q.Set("limitToFirst", strconv.Itoa(f.LimitToFirst))
	}
	if f.LimitToLast > 0 {
		q.Set("limitToLast", strconv.Itoa(f.LimitToLast))
	}
	if len(f.StartAt) > 0 {
		q.Set("startAt", string(f.StartAt))
	}
	if len(f.EndAt) > 0 {
		q.Set("endAt", string(f.EndAt))
	}
	if len(f.EqualTo) > 0 {
		q.Set("equalTo", string(f.EqualTo))
	}
}

// GetOptions controls a single read.
type GetOptions struct {
	// Shallow requests only the child key set of the addressed node.
	Shallow bool
	// WantToken requests a version token; the read is then served with
	// strong consistency and the result carries the token.
	WantToken bool
	// Filter narrows the read server-side.
	Filter *Filter
}

// WriteOptions controls a put, patch or delete.
type WriteOptions struct {
	// IfMatch makes the write conditional on the supplied version token.
	IfMatch string
	// WantToken requests the post-write version token.
	WantToken bool
	// Silent suppresses the echoed value in the response.
	Silent bool
}

// StreamOptions controls a stream subscription.
type StreamOptions struct {
	// Shallow subscribes to the child key set instead of child values.
	Shallow bool
	// Filter narrows the subscription server-side.
	Filter *Filter
}

// ReadResult is the outcome of a read: the raw value (JSON null when the
// node is absent) and, when requested, its version token.
type ReadResult struct {
	// Data is the raw JSON value at the path.
	Data json.RawMessage
	// Token is the version token, present only when requested.
	Token string
}

// WriteResult is the outcome of a mutating call.
type WriteResult struct {
	// Data is the value echoed by the server; nil for silent writes.
	Data json.RawMessage
	// Token is the post-write version token, present only when requested.
	Token string
}

// PostResult carries the server-generated key for a create.
type PostResult struct {
	// Name is the generated child key.
	Name string `json:"name"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// CurrentETag returns the server's current token for conflict
	// diagnostics on precondition failures.
	CurrentETag string `json:"current_etag,omitempty"`
}

// Stable error codes returned in ErrorResponse.ErrorCode.
const (
	// ErrorCodePreconditionFailed reports a version-token mismatch on a
	// conditional write or delete.
	ErrorCodePreconditionFailed = "precondition_failed"
	// ErrorCodeAuthRevoked reports that the presented credential has been
	// revoked or has expired.
	ErrorCodeAuthRevoked = "auth_revoked"
	// ErrorCodeInvalidPath reports a malformed tree path.
	ErrorCodeInvalidPath = "invalid_path"
	// ErrorCodeInvalidPayload reports an unparsable request body.
	ErrorCodeInvalidPayload = "invalid_payload"
)

// Sentinel errors shared by transports and the core. Transport
// implementations map wire failures onto these so callers can classify with
// errors.Is regardless of the transport in use.
var (
	// ErrPreconditionFailed indicates a conditional write or delete lost an
	// optimistic-concurrency race: the supplied token no longer matched the
	// remote value.
	ErrPreconditionFailed = errors.New("synctree: precondition failed")
	// ErrAuthRevoked indicates the credential backing a call or stream has
	// been revoked; streams terminate with this error.
	ErrAuthRevoked = errors.New("synctree: auth revoked")
)
