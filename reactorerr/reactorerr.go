// Package reactorerr defines the error kinds produced by the processor,
// its sender and dispatcher, and the driver manager. Errors are exported
// sentinel values or small typed errors rather than a generic wrapped
// hierarchy, so callers can branch on them with errors.Is/As the way
// this repository's internal/wswriter branches on ErrWriteLockTimeout.
package reactorerr

import "errors"

// ErrPublicationClosed is returned by the Sender when the outbound
// publication has been closed, typically after a terminal frame has
// already drained and lingered.
var ErrPublicationClosed = errors.New("reactor: publication closed")

// ErrNoSubscribers is returned by the Sender when it gives up retrying
// a "not connected" publication because the session registry reports
// no live sessions left to receive the frame.
var ErrNoSubscribers = errors.New("reactor: no subscribers")

// ErrManagerShuttingDown is returned by the Driver Manager's Acquire
// when the manager is already tearing down the embedded driver. It
// replaces the source's thrown IllegalStateException with a value the
// caller can recover from.
var ErrManagerShuttingDown = errors.New("reactor: driver manager is shutting down")

// ErrMaxPositionExceeded is a fatal Sender error: the publication has
// reached the end of its addressable position space.
var ErrMaxPositionExceeded = errors.New("reactor: publication max position exceeded")

// Temporary is implemented by error kinds that the Sender's retry loop
// should recover from locally rather than propagate, as long as the
// publication linger timeout has not elapsed.
type Temporary interface {
	error
	Temporary() bool
}

// PublicationBackpressuredError is a transient offer() result: the
// publication's window is full. Retry after publicationRetryMillis.
type PublicationBackpressuredError struct{}

func (*PublicationBackpressuredError) Error() string   { return "reactor: publication backpressured" }
func (*PublicationBackpressuredError) Temporary() bool { return true }

// NotConnectedError is a transient offer() result: no subscriber has
// connected to the publication yet. Retried indefinitely until the
// session registry reports no live sessions, at which point the
// Sender gives up with ErrNoSubscribers instead.
type NotConnectedError struct{}

func (*NotConnectedError) Error() string   { return "reactor: publication not connected" }
func (*NotConnectedError) Temporary() bool { return true }

// AdminActionError is a transient offer() result caused by a transport
// administrative action (e.g. log rotation on the driver side).
type AdminActionError struct{}

func (*AdminActionError) Error() string   { return "reactor: publication admin action in progress" }
func (*AdminActionError) Temporary() bool { return true }

// TransportTimeoutError is delivered to downstream subscribers of a
// sender whose heartbeat reply did not arrive within
// heartbeatTimeoutMillis.
type TransportTimeoutError struct {
	SessionID uint64
}

func (e *TransportTimeoutError) Error() string {
	return "reactor: transport heartbeat timeout for session"
}

// MalformedFrameError is returned by frame.Decode on an unknown tag or
// a truncated buffer. It is never fatal to the inbound stream: the
// dispatcher discards the offending frame without logging it and keeps
// polling.
type MalformedFrameError struct {
	Reason string
}

func (e *MalformedFrameError) Error() string {
	if e.Reason == "" {
		return "reactor: malformed frame"
	}
	return "reactor: malformed frame: " + e.Reason
}

// ProtocolViolationError signals a service-request frame referencing a
// session the registry doesn't know about, or an unsolicited heartbeat
// reply.
type ProtocolViolationError struct {
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return "reactor: protocol violation: " + e.Reason
}

// UpstreamError wraps the UTF-8 message carried by a peer's Error
// frame. The decoder never tries to reconstruct a typed exception from
// it; it is always a plain UpstreamError with the message text.
type UpstreamError struct {
	Message string
}

func (e *UpstreamError) Error() string {
	return "reactor: upstream error: " + e.Message
}

// IsTemporary reports whether err should be retried locally by the
// Sender rather than treated as fatal.
func IsTemporary(err error) bool {
	var t Temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return false
}
