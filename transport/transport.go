// Package transport defines the Aeron-like abstraction the rest of the
// processor is built against: non-blocking offer/poll over publications
// and subscriptions addressed by (channel, streamId), plus a shared
// counters view and a process-wide driver handle. It plays the same
// role in this module that the broker package plays in this
// repository's own stack: a small interface boundary with at least two
// concrete implementations (transport/memtransport, transport/wsdriver).
package transport

import "context"

// OfferResult is the non-blocking result of Publication.Offer, mirrored
// from the Aeron client's own offer() result codes.
type OfferResult int

const (
	// OfferOK means the frame was accepted.
	OfferOK OfferResult = iota
	// OfferBackPressured means the publication's window is full; retry
	// after a short delay.
	OfferBackPressured
	// OfferNotConnected means no subscriber has connected to this
	// publication yet.
	OfferNotConnected
	// OfferClosed means the publication has been closed.
	OfferClosed
	// OfferAdminAction means a transport administrative action (e.g. log
	// rotation) is in progress; retry shortly.
	OfferAdminAction
	// OfferMaxPositionExceeded is fatal: the publication has exhausted
	// its addressable position space.
	OfferMaxPositionExceeded
)

// Publication is an exclusive writer view over a (channel, streamId).
// Per SPEC_FULL.md §3, at most one Offer call may be outstanding at a
// time; callers needing concurrent producers serialize through the
// Sender's own ring, not through the Publication.
type Publication interface {
	// Offer attempts to write b without blocking, returning a result
	// code the caller uses to decide whether to retry.
	Offer(b []byte) OfferResult
	// Close closes the publication. Idempotent.
	Close() error
}

// FrameHandler is invoked by Subscription.Poll for each frame read, in
// the order they were offered by the matching publication(s).
type FrameHandler func(b []byte)

// Subscription is a polling view over a (channel, streamId). Per
// SPEC_FULL.md §3, it must be polled from exactly one task at a time.
type Subscription interface {
	// Poll reads up to limit frames, invoking handler for each, and
	// returns the number of frames read.
	Poll(handler FrameHandler, limit int) int
	// Close closes the subscription. Idempotent.
	Close() error
}

// Counters enumerates the shared-memory-style position counters
// maintained by the driver, keyed by an opaque id and a human-readable
// label such as "sender pos 3" or "subscriber pos 7". The Driver
// Manager's shutdown algorithm inspects these labels to decide whether
// it is safe to force-shut the driver down.
type Counters interface {
	ForEach(fn func(id int, label string))
}

// Driver is the embedded transport instance managed by driver.Manager.
// A Driver is started once per process (or per Manager, in tests) and
// shared by every Processor that needs it.
type Driver interface {
	// Publication returns the exclusive writer for (channel, streamId),
	// creating the underlying resource on first use.
	Publication(ctx context.Context, channel string, streamID int32) (Publication, error)
	// Subscription returns the polling reader for (channel, streamId),
	// creating the underlying resource on first use.
	Subscription(ctx context.Context, channel string, streamID int32) (Subscription, error)
	// Counters returns the driver's shared counters view.
	Counters() Counters
	// Close tears down the driver itself. Called by the Driver Manager
	// only after its own refcount/shutdown protocol decides it is safe.
	Close() error
}
