package synctree

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingToken reports that a strongly consistent read came back
	// without a version token. The transaction engine refuses to continue
	// without one since the commit precondition cannot be formed.
	ErrMissingToken = errors.New("synctree: read returned no version token")

	// ErrPatchOnMissingValue reports an attempt to apply a partial update
	// to a value that is not currently known. It fails the operation that
	// needed the base value, never the surrounding stream.
	ErrPatchOnMissingValue = errors.New("synctree: patch on missing value")

	// ErrOffline reports that a mutating replica operation was refused by
	// the online predicate before any remote call was made.
	ErrOffline = errors.New("synctree: store is offline")

	// ErrTxnFinished reports a commit, delete or abort on a transaction
	// handle that has already been resolved.
	ErrTxnFinished = errors.New("synctree: transaction already finished")
)

// MirrorWriteError wraps a mirror persistence failure that happened after
// the corresponding remote operation already succeeded. The remote state
// change is never rolled back; callers inspect the wrapped error and decide
// whether to reload or retry the local write.
type MirrorWriteError struct {
	// Op is the mirror operation that failed: "put", "delete", "clear",
	// "putall" or "deleteall".
	Op string
	// Key is the affected key, empty for whole-mirror operations.
	Key string
	// Err is the underlying mirror backend error.
	Err error
}

func (e *MirrorWriteError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("synctree: mirror %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("synctree: mirror %s %q failed: %v", e.Op, e.Key, e.Err)
}

func (e *MirrorWriteError) Unwrap() error { return e.Err }
