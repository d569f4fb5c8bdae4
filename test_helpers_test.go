package synctree

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"pkt.systems/synctree/api"
)

type account struct {
	Owner   string            `json:"owner"`
	Balance int               `json:"balance,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
}

func newAccountStore(remote RemoteStore, path string) (*Store[account], error) {
	return NewStore[account](remote, path, JSONCodec[account]())
}

// fakeRemote scripts RemoteStore behaviour per method. Unset methods fail
// the call so tests notice unexpected traffic.
type fakeRemote struct {
	get    func(ctx context.Context, path string, opts api.GetOptions) (api.ReadResult, error)
	put    func(ctx context.Context, path string, payload json.RawMessage, opts api.WriteOptions) (api.WriteResult, error)
	patch  func(ctx context.Context, path string, fields json.RawMessage, opts api.WriteOptions) (api.WriteResult, error)
	delete func(ctx context.Context, path string, opts api.WriteOptions) (api.WriteResult, error)
	post   func(ctx context.Context, path string, payload json.RawMessage) (api.PostResult, error)
	stream func(ctx context.Context, path string, opts api.StreamOptions) (api.WireStream, error)
}

func (f *fakeRemote) Get(ctx context.Context, path string, opts api.GetOptions) (api.ReadResult, error) {
	if f.get == nil {
		return api.ReadResult{}, errors.New("unexpected Get " + path)
	}
	return f.get(ctx, path, opts)
}

func (f *fakeRemote) Put(ctx context.Context, path string, payload json.RawMessage, opts api.WriteOptions) (api.WriteResult, error) {
	if f.put == nil {
		return api.WriteResult{}, errors.New("unexpected Put " + path)
	}
	return f.put(ctx, path, payload, opts)
}

func (f *fakeRemote) Patch(ctx context.Context, path string, fields json.RawMessage, opts api.WriteOptions) (api.WriteResult, error) {
	if f.patch == nil {
		return api.WriteResult{}, errors.New("unexpected Patch " + path)
	}
	return f.patch(ctx, path, fields, opts)
}

func (f *fakeRemote) Delete(ctx context.Context, path string, opts api.WriteOptions) (api.WriteResult, error) {
	if f.delete == nil {
		return api.WriteResult{}, errors.New("unexpected Delete " + path)
	}
	return f.delete(ctx, path, opts)
}

func (f *fakeRemote) Post(ctx context.Context, path string, payload json.RawMessage) (api.PostResult, error) {
	if f.post == nil {
		return api.PostResult{}, errors.New("unexpected Post " + path)
	}
	return f.post(ctx, path, payload)
}

func (f *fakeRemote) Stream(ctx context.Context, path string, opts api.StreamOptions) (api.WireStream, error) {
	if f.stream == nil {
		return nil, errors.New("unexpected Stream " + path)
	}
	return f.stream(ctx, path, opts)
}

// fakeWire replays scripted events and then returns err, or io.EOF when
// no terminal error is scripted.
type fakeWire struct {
	events []api.Event
	err    error
	next   int
	closed bool
}

func (w *fakeWire) Next(ctx context.Context) (api.Event, error) {
	if err := ctx.Err(); err != nil {
		return api.Event{}, err
	}
	if w.next >= len(w.events) {
		if w.err != nil {
			return api.Event{}, w.err
		}
		return api.Event{}, io.EOF
	}
	ev := w.events[w.next]
	w.next++
	return ev, nil
}

func (w *fakeWire) Close() error {
	w.closed = true
	return nil
}

func streamOf(events ...api.Event) *fakeRemote {
	wire := &fakeWire{events: events}
	return &fakeRemote{
		stream: func(ctx context.Context, path string, opts api.StreamOptions) (api.WireStream, error) {
			return wire, nil
		},
	}
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }
