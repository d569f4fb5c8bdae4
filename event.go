package synctree

// StoreEvent is one translated change to a store's subtree. It is a closed
// set: the only implementations are ResetEvent, PutEvent, DeleteEvent,
// PatchEvent and InvalidEvent, so a type switch over those five is
// exhaustive. Events are immutable and scoped to the store that produced
// them; Key values never contain path separators.
type StoreEvent[T any] interface {
	storeEvent()
}

// ResetEvent replaces the store's entire key space with Values. An empty
// map means the subtree is empty or absent.
type ResetEvent[T any] struct {
	Values map[string]T
}

// PutEvent upserts a single entry.
type PutEvent[T any] struct {
	Key   string
	Value T
}

// DeleteEvent removes a single entry.
type DeleteEvent[T any] struct {
	Key string
}

// PatchEvent carries a deferred partial update for a single entry. The
// patch is applied lazily against whatever base value the consumer holds.
type PatchEvent[T any] struct {
	Key   string
	Patch *PatchSet[T]
}

// InvalidEvent marks a malformed or unsupported notification. It is
// informational: translation continues and consumers are free to ignore
// it. Path is the offending wire path relative to the subscription root.
type InvalidEvent[T any] struct {
	Path   string
	Reason string
}

func (ResetEvent[T]) storeEvent()   {}
func (PutEvent[T]) storeEvent()     {}
func (DeleteEvent[T]) storeEvent()  {}
func (PatchEvent[T]) storeEvent()   {}
func (InvalidEvent[T]) storeEvent() {}

// DataEvent is the single-value analogue of StoreEvent, emitted by
// subscriptions that observe exactly one key or the key set of a subtree.
// The closed set is ValueEvent, ClearEvent and InvalidEvent.
type DataEvent[T any] interface {
	dataEvent()
}

// ValueEvent carries the current value of the observed target.
type ValueEvent[T any] struct {
	Value T
}

// ClearEvent reports that the observed target is now absent.
type ClearEvent[T any] struct{}

func (ValueEvent[T]) dataEvent()   {}
func (ClearEvent[T]) dataEvent()   {}
func (InvalidEvent[T]) dataEvent() {}
