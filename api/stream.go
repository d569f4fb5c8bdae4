package api

import "context"

// WireStream is an open subscription delivering raw wire events in arrival
// order. Implementations hold at most the event currently being read; there
// is no internal buffering beyond that, so a slow consumer exerts
// backpressure on the transport.
type WireStream interface {
	// Next blocks until the next event arrives, the stream fails, or ctx is
	// done. After Next returns an error the stream is terminated and every
	// subsequent call returns the same error.
	Next(ctx context.Context) (Event, error)
	// Close tears the subscription down. Pending and future Next calls
	// return an error.
	Close() error
}
