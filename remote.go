package synctree

import (
	"context"
	"encoding/json"

	"pkt.systems/synctree/api"
)

// RemoteStore is the transport contract a Store needs: scoped reads and
// writes against slash-delimited tree paths plus stream subscriptions.
// The client package provides the HTTP implementation; tests substitute
// in-memory fakes. Implementations must not retry failed calls, retry
// policy belongs to the caller.
type RemoteStore interface {
	// Get reads the value at path. Absent values come back as JSON null,
	// never as an error. With opts.WantToken the read is strongly
	// consistent and the result carries a version token.
	Get(ctx context.Context, path string, opts api.GetOptions) (api.ReadResult, error)

	// Put replaces the value at path. With opts.IfMatch the write is
	// conditional on the supplied version token and fails with a
	// precondition error when the token is stale.
	Put(ctx context.Context, path string, payload json.RawMessage, opts api.WriteOptions) (api.WriteResult, error)

	// Patch folds a flat field map into the value at path. The fields
	// payload is a JSON object whose keys are slash-delimited field paths;
	// null field values delete. A non-silent patch returns the full merged
	// value at path.
	Patch(ctx context.Context, path string, fields json.RawMessage, opts api.WriteOptions) (api.WriteResult, error)

	// Delete removes the value at path. Deleting an absent value is not an
	// error.
	Delete(ctx context.Context, path string, opts api.WriteOptions) (api.WriteResult, error)

	// Post stores payload under a server-generated child key of path and
	// returns that key.
	Post(ctx context.Context, path string, payload json.RawMessage) (api.PostResult, error)

	// Stream opens a change subscription rooted at path. The first event
	// is a full put of the subtree; subsequent events arrive in commit
	// order with paths at most one segment below the subscription root.
	Stream(ctx context.Context, path string, opts api.StreamOptions) (api.WireStream, error)
}
