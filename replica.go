package synctree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/synctree/api"
	"pkt.systems/synctree/mirror"
)

// ReloadStrategy selects how a bulk fetch is reconciled against the
// mirror's current contents.
type ReloadStrategy int

const (
	// ReloadCompareValue keeps the key-diff behaviour of ReloadCompareKey
	// but skips writes for entries whose fetched value is structurally
	// equal to the mirrored one, minimizing backend churn. The default.
	ReloadCompareValue ReloadStrategy = iota
	// ReloadCompareKey upserts every fetched entry unconditionally and
	// removes mirror keys absent from the fetch result.
	ReloadCompareKey
	// ReloadClear wipes the mirror and inserts all fetched entries.
	ReloadClear
)

func (s ReloadStrategy) String() string {
	switch s {
	case ReloadCompareValue:
		return "compare_value"
	case ReloadCompareKey:
		return "compare_key"
	case ReloadClear:
		return "clear"
	default:
		return "unknown"
	}
}

type replicaConfig struct {
	online   func() bool
	await    bool
	strategy ReloadStrategy
	onErr    func(error)
}

// ReplicaOption configures a Replica at construction.
type ReplicaOption func(*replicaConfig)

// WithOnlineCheck installs the predicate consulted before every mutating
// passthrough. When it reports false the call fails with ErrOffline and no
// remote request is made. Without a predicate the replica always goes
// remote.
func WithOnlineCheck(fn func() bool) ReplicaOption {
	return func(cfg *replicaConfig) { cfg.online = fn }
}

// WithAwaitMirrorWrites selects mirror durability. When true (default)
// every mirror write completes before the triggering call returns and its
// failure is reported to that caller. When false, writes are handed to a
// single background writer that applies them in order; failures go to the
// logger and the WithMirrorErrorHandler hook.
func WithAwaitMirrorWrites(await bool) ReplicaOption {
	return func(cfg *replicaConfig) { cfg.await = await }
}

// WithMirrorErrorHandler installs the hook that receives background
// mirror-write failures in fire-and-forget mode. The error is always a
// *MirrorWriteError.
func WithMirrorErrorHandler(fn func(error)) ReplicaOption {
	return func(cfg *replicaConfig) { cfg.onErr = fn }
}

// WithReloadStrategy sets the reconciliation strategy used by Reload and
// by full-subtree reset events. Defaults to ReloadCompareValue.
func WithReloadStrategy(s ReloadStrategy) ReplicaOption {
	return func(cfg *replicaConfig) { cfg.strategy = s }
}

type mirrorOp struct {
	op  string
	key string
	fn  func(context.Context) error
}

// Replica keeps a local mirror synchronized with one store's subtree. It
// owns the mirror exclusively: nothing else may write to it, or the
// mirrored state stops reflecting committed remote history.
//
// Local reads serve from the mirror without touching the network.
// Mutating passthroughs go remote first and mirror the outcome after;
// a mirror failure at that point is reported but never rolls the remote
// change back.
type Replica[T any] struct {
	store    *Store[T]
	mirror   mirror.Store
	log      pslog.Base
	online   func() bool
	await    bool
	strategy ReloadStrategy
	onErr    func(error)

	ops       chan mirrorOp
	writerRun sync.WaitGroup
	closeOnce sync.Once
}

// NewReplica builds a replica over store backed by m. The replica inherits
// the store's logger. Close releases the background writer when
// fire-and-forget mirror writes are enabled.
func NewReplica[T any](store *Store[T], m mirror.Store, opts ...ReplicaOption) (*Replica[T], error) {
	if store == nil {
		return nil, errors.New("synctree: nil store")
	}
	if m == nil {
		return nil, errors.New("synctree: nil mirror")
	}
	cfg := replicaConfig{await: true, strategy: ReloadCompareValue}
	for _, opt := range opts {
		opt(&cfg)
	}
	r := &Replica[T]{
		store:    store,
		mirror:   m,
		log:      store.log,
		online:   cfg.online,
		await:    cfg.await,
		strategy: cfg.strategy,
		onErr:    cfg.onErr,
	}
	if !r.await {
		r.ops = make(chan mirrorOp, 64)
		r.writerRun.Add(1)
		go r.writer()
	}
	return r, nil
}

// Store returns the store this replica synchronizes against.
func (r *Replica[T]) Store() *Store[T] { return r.store }

// Close drains and stops the background mirror writer. It is a no-op when
// mirror writes are awaited. No replica operation may be issued after
// Close.
func (r *Replica[T]) Close() error {
	r.closeOnce.Do(func() {
		if r.ops != nil {
			close(r.ops)
			r.writerRun.Wait()
		}
	})
	return nil
}

// writer applies queued mirror operations strictly in enqueue order, so
// fire-and-forget mode preserves the same mirror history as awaited mode.
func (r *Replica[T]) writer() {
	defer r.writerRun.Done()
	for op := range r.ops {
		if err := op.fn(context.Background()); err != nil {
			r.log.Warn("replica.mirror.error", "op", op.op, "key", op.key, "error", err)
			if r.onErr != nil {
				r.onErr(&MirrorWriteError{Op: op.op, Key: op.key, Err: err})
			}
		}
	}
}

// dispatch runs a mirror operation according to the durability mode:
// inline when awaiting, queued behind earlier operations otherwise.
func (r *Replica[T]) dispatch(ctx context.Context, op, key string, fn func(context.Context) error) error {
	if !r.await {
		r.ops <- mirrorOp{op: op, key: key, fn: fn}
		return nil
	}
	return fn(ctx)
}

// mirrorAfterRemote is dispatch for the passthrough operations, wrapping
// failures in *MirrorWriteError since the remote mutation has already
// succeeded by the time it runs.
func (r *Replica[T]) mirrorAfterRemote(ctx context.Context, op, key string, fn func(context.Context) error) error {
	if err := r.dispatch(ctx, op, key, fn); err != nil {
		r.log.Warn("replica.mirror.error", "op", op, "key", key, "error", err)
		return &MirrorWriteError{Op: op, Key: key, Err: err}
	}
	return nil
}

func (r *Replica[T]) checkOnline() error {
	if r.online != nil && !r.online() {
		return ErrOffline
	}
	return nil
}

// Reload bulk-fetches the subtree with a strongly consistent read,
// optionally narrowed by a server-side filter, and reconciles the result
// into the mirror using the configured strategy.
func (r *Replica[T]) Reload(ctx context.Context, filter *api.Filter) error {
	r.log.Debug("replica.reload.start", "path", r.store.Path(), "strategy", r.strategy.String())
	fetched, _, err := r.store.fetchChildren(ctx, filter, true)
	if err != nil {
		r.log.Warn("replica.reload.error", "path", r.store.Path(), "error", err)
		return err
	}
	return r.dispatch(ctx, "reload", "", func(ctx context.Context) error {
		written, deleted, err := r.reconcile(ctx, fetched)
		if err != nil {
			return err
		}
		r.log.Debug("replica.reload.success", "path", r.store.Path(), "fetched", len(fetched), "written", written, "deleted", deleted)
		return nil
	})
}

// reconcile folds a fetched snapshot into the mirror per the strategy and
// reports how many entries were written and removed.
func (r *Replica[T]) reconcile(ctx context.Context, fetched map[string]json.RawMessage) (written, deleted int, err error) {
	if r.strategy == ReloadClear {
		if err := r.mirror.Clear(ctx); err != nil {
			return 0, 0, err
		}
		if err := r.mirror.PutAll(ctx, fetched); err != nil {
			return 0, 0, err
		}
		return len(fetched), 0, nil
	}

	existing, err := r.mirror.Keys(ctx)
	if err != nil {
		return 0, 0, err
	}
	var stale []string
	for _, key := range existing {
		if _, ok := fetched[key]; !ok {
			stale = append(stale, key)
		}
	}

	writes := fetched
	if r.strategy == ReloadCompareValue {
		writes = make(map[string]json.RawMessage, len(fetched))
		for key, value := range fetched {
			current, err := r.mirror.Get(ctx, key)
			if errors.Is(err, mirror.ErrNotFound) {
				writes[key] = value
				continue
			}
			if err != nil {
				return 0, 0, err
			}
			if !r.rawEqual(current, value) {
				writes[key] = value
			}
		}
	}

	if len(stale) > 0 {
		if err := r.mirror.DeleteAll(ctx, stale); err != nil {
			return 0, 0, err
		}
	}
	if len(writes) > 0 {
		if err := r.mirror.PutAll(ctx, writes); err != nil {
			return 0, len(stale), err
		}
	}
	return len(writes), len(stale), nil
}

// rawEqual compares two encoded entries, preferring the codec's own
// equality when it has one.
func (r *Replica[T]) rawEqual(a, b json.RawMessage) bool {
	if r.store.codec.Equal != nil {
		av, err := r.store.codec.Decode(a)
		if err != nil {
			return false
		}
		bv, err := r.store.codec.Decode(b)
		if err != nil {
			return false
		}
		return r.store.codec.Equal(av, bv)
	}
	return jsonEqual(a, b)
}

// ApplyEvent folds one translated event into the mirror. Reset events
// reconcile the carried snapshot using the configured reload strategy; a
// patch for a key the mirror does not hold fails with an error satisfying
// errors.Is(err, ErrPatchOnMissingValue). Invalid events are logged and
// dropped.
//
// In fire-and-forget mode the fold is queued and ApplyEvent returns nil
// immediately; failures reach the mirror error handler instead.
func (r *Replica[T]) ApplyEvent(ctx context.Context, ev StoreEvent[T]) error {
	switch ev := ev.(type) {
	case ResetEvent[T]:
		encoded, err := r.encodeAll(ev.Values)
		if err != nil {
			return err
		}
		return r.dispatch(ctx, "reset", "", func(ctx context.Context) error {
			written, deleted, err := r.reconcile(ctx, encoded)
			if err != nil {
				return err
			}
			r.log.Debug("replica.reset.success", "path", r.store.Path(), "entries", len(encoded), "written", written, "deleted", deleted)
			return nil
		})
	case PutEvent[T]:
		raw, err := r.store.codec.Encode(ev.Value)
		if err != nil {
			return err
		}
		return r.dispatch(ctx, "put", ev.Key, func(ctx context.Context) error {
			return r.mirror.Put(ctx, ev.Key, raw)
		})
	case DeleteEvent[T]:
		return r.dispatch(ctx, "delete", ev.Key, func(ctx context.Context) error {
			return r.mirror.Delete(ctx, ev.Key)
		})
	case PatchEvent[T]:
		return r.dispatch(ctx, "patch", ev.Key, func(ctx context.Context) error {
			return r.applyPatch(ctx, ev.Key, ev.Patch)
		})
	case InvalidEvent[T]:
		r.log.Debug("replica.event.invalid", "path", ev.Path, "reason", ev.Reason)
		return nil
	default:
		return fmt.Errorf("synctree: unhandled event type %T", ev)
	}
}

// applyPatch reads the mirrored base value, folds the patch in and writes
// the result back. Runs behind any queued mirror writes so the base it
// sees is the one event order dictates.
func (r *Replica[T]) applyPatch(ctx context.Context, key string, patch *PatchSet[T]) error {
	raw, err := r.mirror.Get(ctx, key)
	if errors.Is(err, mirror.ErrNotFound) {
		return fmt.Errorf("synctree: entry %q: %w", key, ErrPatchOnMissingValue)
	}
	if err != nil {
		return err
	}
	base, err := r.store.codec.Decode(raw)
	if err != nil {
		return err
	}
	patched, err := patch.Apply(base)
	if err != nil {
		return err
	}
	encoded, err := r.store.codec.Encode(patched)
	if err != nil {
		return err
	}
	return r.mirror.Put(ctx, key, encoded)
}

// Run subscribes to the store's subtree and folds every translated event
// into the mirror until ctx is canceled or the stream fails. The server's
// initial full snapshot arrives as the first event, so a fresh mirror is
// reconciled before any incremental change applies; no separate Reload is
// needed.
//
// A patch targeting an entry the mirror does not hold fails that single
// fold and is logged; the loop continues and the divergence heals on the
// next reset or reload. Any other mirror failure ends the loop, since the
// mirror can no longer be trusted to reflect event history.
func (r *Replica[T]) Run(ctx context.Context) error {
	stream, err := r.store.Subscribe(ctx, nil)
	if err != nil {
		return err
	}
	defer stream.Close()
	r.log.Info("replica.run.start", "path", r.store.Path())
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.log.Info("replica.run.stop", "path", r.store.Path())
				return ctx.Err()
			}
			r.log.Warn("replica.run.stream_error", "path", r.store.Path(), "error", err)
			return err
		}
		if err := r.ApplyEvent(ctx, ev); err != nil {
			if errors.Is(err, ErrPatchOnMissingValue) {
				r.log.Warn("replica.apply.patch_missing", "path", r.store.Path(), "error", err)
				continue
			}
			r.log.Warn("replica.apply.error", "path", r.store.Path(), "error", err)
			return err
		}
	}
}

func (r *Replica[T]) encodeAll(values map[string]T) (map[string]json.RawMessage, error) {
	encoded := make(map[string]json.RawMessage, len(values))
	for key, v := range values {
		raw, err := r.store.codec.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("synctree: entry %q: %w", key, err)
		}
		encoded[key] = raw
	}
	return encoded, nil
}

// Fetch reads one entry from the remote store and mirrors the outcome:
// the fetched value is upserted, an absent entry is removed locally. The
// fetched result is returned even when only the mirror write failed; in
// that case the error is a *MirrorWriteError.
func (r *Replica[T]) Fetch(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := r.checkOnline(); err != nil {
		return zero, false, err
	}
	v, exists, err := r.store.Fetch(ctx, key)
	if err != nil {
		return zero, false, err
	}
	if !exists {
		return zero, false, r.mirrorAfterRemote(ctx, "delete", key, func(ctx context.Context) error {
			return r.mirror.Delete(ctx, key)
		})
	}
	raw, err := r.store.codec.Encode(v)
	if err != nil {
		return v, true, err
	}
	return v, true, r.mirrorAfterRemote(ctx, "put", key, func(ctx context.Context) error {
		return r.mirror.Put(ctx, key, raw)
	})
}

// Write puts one entry remotely, then mirrors the value it just wrote.
func (r *Replica[T]) Write(ctx context.Context, key string, v T) error {
	if err := r.checkOnline(); err != nil {
		return err
	}
	raw, err := r.store.codec.Encode(v)
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, key, v); err != nil {
		return err
	}
	return r.mirrorAfterRemote(ctx, "put", key, func(ctx context.Context) error {
		return r.mirror.Put(ctx, key, raw)
	})
}

// PatchUpdate applies a field map remotely and mirrors the merged value
// the server returned, so the mirror ends up with the authoritative
// result without a second read.
func (r *Replica[T]) PatchUpdate(ctx context.Context, key string, fields map[string]json.RawMessage) (T, error) {
	var zero T
	if err := r.checkOnline(); err != nil {
		return zero, err
	}
	merged, err := r.store.Patch(ctx, key, fields)
	if err != nil {
		return zero, err
	}
	raw, err := r.store.codec.Encode(merged)
	if err != nil {
		return merged, err
	}
	if merr := r.mirrorAfterRemote(ctx, "put", key, func(ctx context.Context) error {
		return r.mirror.Put(ctx, key, raw)
	}); merr != nil {
		return merged, merr
	}
	return merged, nil
}

// Delete removes one entry remotely, then locally.
func (r *Replica[T]) Delete(ctx context.Context, key string) error {
	if err := r.checkOnline(); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, key); err != nil {
		return err
	}
	return r.mirrorAfterRemote(ctx, "delete", key, func(ctx context.Context) error {
		return r.mirror.Delete(ctx, key)
	})
}

// Create stores v under a server-generated key, mirrors it and returns
// the key. The key is returned even when only the mirror write failed.
func (r *Replica[T]) Create(ctx context.Context, v T) (string, error) {
	if err := r.checkOnline(); err != nil {
		return "", err
	}
	key, err := r.store.Create(ctx, v)
	if err != nil {
		return "", err
	}
	raw, err := r.store.codec.Encode(v)
	if err != nil {
		return key, err
	}
	if merr := r.mirrorAfterRemote(ctx, "put", key, func(ctx context.Context) error {
		return r.mirror.Put(ctx, key, raw)
	}); merr != nil {
		return key, merr
	}
	return key, nil
}

// Get reads one entry from the mirror only. The second return reports
// whether the mirror holds the entry; the remote store is never consulted.
func (r *Replica[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	raw, err := r.mirror.Get(ctx, key)
	if errors.Is(err, mirror.ErrNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	v, err := r.store.codec.Decode(raw)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// ContainsKey reports local presence without touching the remote store.
func (r *Replica[T]) ContainsKey(ctx context.Context, key string) (bool, error) {
	return r.mirror.ContainsKey(ctx, key)
}

// Keys returns the mirror's keys in ascending order.
func (r *Replica[T]) Keys(ctx context.Context) ([]string, error) {
	return r.mirror.Keys(ctx)
}

// Values returns a decoded snapshot of the mirror.
func (r *Replica[T]) Values(ctx context.Context) (map[string]T, error) {
	raw, err := r.mirror.Values(ctx)
	if err != nil {
		return nil, err
	}
	return r.store.decodeChildren(raw)
}

// Iterate walks the mirror in ascending key order, stopping early when fn
// returns false.
func (r *Replica[T]) Iterate(ctx context.Context, fn func(key string, v T) bool) error {
	raw, err := r.mirror.Values(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		v, err := r.store.codec.Decode(raw[key])
		if err != nil {
			return fmt.Errorf("synctree: entry %q: %w", key, err)
		}
		if !fn(key, v) {
			return nil
		}
	}
	return nil
}
