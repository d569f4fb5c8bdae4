package synctree

import (
	"context"

	"pkt.systems/synctree/api"
)

// TransactionOutcome is the decision a transaction transform returns:
// update the entry, delete it, or abort without touching the remote store.
// Build one with TxnUpdate, TxnDelete or TxnAbort.
type TransactionOutcome[T any] struct {
	kind  txnKind
	value T
}

type txnKind int

const (
	txnAbort txnKind = iota
	txnUpdate
	txnDelete
)

// TxnUpdate commits v as the entry's new value.
func TxnUpdate[T any](v T) TransactionOutcome[T] {
	return TransactionOutcome[T]{kind: txnUpdate, value: v}
}

// TxnDelete removes the entry.
func TxnDelete[T any]() TransactionOutcome[T] {
	return TransactionOutcome[T]{kind: txnDelete}
}

// TxnAbort ends the transaction without any remote mutation.
func TxnAbort[T any]() TransactionOutcome[T] {
	return TransactionOutcome[T]{kind: txnAbort}
}

// Transaction runs a single-key optimistic-concurrency read-modify-write:
// a strongly consistent read of key, the caller's transform over the
// current value, then a conditional commit guarded by the read's version
// token. A transform invoked for an absent entry receives the zero value
// and exists == false; choosing TxnUpdate then acts as a create.
//
// If another writer committed between read and commit, the conditional
// request fails and the error satisfies errors.Is(err,
// api.ErrPreconditionFailed). There is no automatic retry; callers that
// want one rerun the whole transaction.
//
// The returned value is the one the transform committed, the zero value
// on delete or abort.
func (s *Store[T]) Transaction(ctx context.Context, key string, fn func(current T, exists bool) TransactionOutcome[T]) (T, error) {
	var zero T
	txn, err := s.Begin(ctx, key)
	if err != nil {
		return zero, err
	}
	outcome := fn(txn.Value(), txn.Exists())
	switch outcome.kind {
	case txnUpdate:
		if err := txn.Commit(ctx, outcome.value); err != nil {
			return zero, err
		}
		return outcome.value, nil
	case txnDelete:
		return zero, txn.Delete(ctx)
	default:
		txn.Abort()
		return zero, nil
	}
}

// Begin starts a two-phase transaction on key: it performs the strongly
// consistent read and hands the value and version token to the caller,
// who later resolves the handle with Commit, Delete or Abort.
func (s *Store[T]) Begin(ctx context.Context, key string) (*Txn[T], error) {
	p, err := s.keyPath(key)
	if err != nil {
		return nil, err
	}
	res, err := s.remote.Get(ctx, p, api.GetOptions{WantToken: true})
	if err != nil {
		return nil, err
	}
	if res.Token == "" {
		return nil, ErrMissingToken
	}
	txn := &Txn[T]{store: s, path: p, token: res.Token}
	if !isNull(res.Data) {
		v, err := s.codec.Decode(res.Data)
		if err != nil {
			return nil, err
		}
		txn.value, txn.exists = v, true
	}
	s.log.Trace("store.txn.begin", "path", p, "exists", txn.exists)
	return txn, nil
}

// Txn is an open two-phase transaction handle. It resolves exactly once:
// the first Commit or Delete attempt that reaches the remote store ends
// it, successful or not, as does Abort. A handle is not safe for
// concurrent use.
type Txn[T any] struct {
	store  *Store[T]
	path   string
	value  T
	exists bool
	token  string
	done   bool
}

// Value returns the value read when the transaction began, the zero value
// if the entry was absent.
func (t *Txn[T]) Value() T { return t.value }

// Exists reports whether the entry existed when the transaction began.
func (t *Txn[T]) Exists() bool { return t.exists }

// Token returns the version token guarding the commit.
func (t *Txn[T]) Token() string { return t.token }

// Commit conditionally writes v. A lost race surfaces as an error
// satisfying errors.Is(err, api.ErrPreconditionFailed) and the remote
// value stays untouched; the caller restarts the transaction to retry.
func (t *Txn[T]) Commit(ctx context.Context, v T) error {
	if t.done {
		return ErrTxnFinished
	}
	raw, err := t.store.codec.Encode(v)
	if err != nil {
		return err
	}
	t.done = true
	if _, err := t.store.remote.Put(ctx, t.path, raw, api.WriteOptions{IfMatch: t.token, Silent: true}); err != nil {
		t.store.log.Debug("store.txn.commit.error", "path", t.path, "error", err)
		return err
	}
	t.store.log.Debug("store.txn.commit.success", "path", t.path)
	return nil
}

// Delete conditionally removes the entry under the same token guard as
// Commit.
func (t *Txn[T]) Delete(ctx context.Context) error {
	if t.done {
		return ErrTxnFinished
	}
	t.done = true
	if _, err := t.store.remote.Delete(ctx, t.path, api.WriteOptions{IfMatch: t.token, Silent: true}); err != nil {
		t.store.log.Debug("store.txn.delete.error", "path", t.path, "error", err)
		return err
	}
	t.store.log.Debug("store.txn.delete.success", "path", t.path)
	return nil
}

// Abort resolves the transaction without any remote mutation.
func (t *Txn[T]) Abort() { t.done = true }
