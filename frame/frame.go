// Package frame implements the wire codec for the processor's two
// stream families: the service stream (Join, More, Cancel, Heartbeat*)
// and the data/error streams (Next, Complete, Error). It follows this
// repository's message package convention of one concrete Go type per
// wire variant sharing a Type() accessor, rather than a single struct
// with a discriminant tag and a grab-bag of unused fields per variant.
package frame

import (
	"encoding/binary"

	"github.com/aeronio/reactor/reactorerr"
)

// Tag identifies the wire type of a frame, per SPEC_FULL.md §6.
type Tag byte

const (
	TagJoin             Tag = 0x01
	TagMore             Tag = 0x02
	TagCancel           Tag = 0x03
	TagHeartbeatRequest Tag = 0x10
	TagHeartbeatReply   Tag = 0x11
	TagNext             Tag = 0x20
	TagComplete         Tag = 0x21
	TagError            Tag = 0x22
)

// headerSize is the 1-byte tag plus 8-byte sessionId preamble shared by
// every frame variant.
const headerSize = 1 + 8

// Unbounded is the wire encoding of an unbounded (infinite) demand
// request in a More frame.
const Unbounded uint64 = ^uint64(0)

// Frame is implemented by every wire variant. Type reports the wire
// tag so a caller can type-switch without a reflection-based dispatch.
type Frame interface {
	Type() Tag
	SessionID() uint64
}

// Join is sent by a remote subscriber on the service stream to
// register with a sender's Session Registry.
type Join struct {
	SessionIDValue uint64
}

func (f *Join) Type() Tag         { return TagJoin }
func (f *Join) SessionID() uint64 { return f.SessionIDValue }

// More requests additional demand for a session. N == Unbounded means
// unlimited demand.
type More struct {
	SessionIDValue uint64
	N              uint64
}

func (f *More) Type() Tag         { return TagMore }
func (f *More) SessionID() uint64 { return f.SessionIDValue }

// Cancel withdraws a session's subscription.
type Cancel struct {
	SessionIDValue uint64
}

func (f *Cancel) Type() Tag         { return TagCancel }
func (f *Cancel) SessionID() uint64 { return f.SessionIDValue }

// HeartbeatRequest is emitted periodically by a dispatcher to every
// known sender, carrying the sender-local clock reading in SenderNanos
// so the reply can be matched and echoed back unmodified.
type HeartbeatRequest struct {
	SessionIDValue uint64
	SenderNanos    uint64
}

func (f *HeartbeatRequest) Type() Tag         { return TagHeartbeatRequest }
func (f *HeartbeatRequest) SessionID() uint64 { return f.SessionIDValue }

// HeartbeatReply echoes a HeartbeatRequest's SenderNanos back to the
// dispatcher that sent it, proving liveness.
type HeartbeatReply struct {
	SessionIDValue    uint64
	EchoedSenderNanos uint64
}

func (f *HeartbeatReply) Type() Tag         { return TagHeartbeatReply }
func (f *HeartbeatReply) SessionID() uint64 { return f.SessionIDValue }

// Next carries one application payload destined for SessionIDValue (0
// for a broadcast frame observed by every session on the stream).
type Next struct {
	SessionIDValue uint64
	Payload        []byte
}

func (f *Next) Type() Tag         { return TagNext }
func (f *Next) SessionID() uint64 { return f.SessionIDValue }

// Complete is the normal terminal signal for SessionIDValue's stream.
type Complete struct {
	SessionIDValue uint64
}

func (f *Complete) Type() Tag         { return TagComplete }
func (f *Complete) SessionID() uint64 { return f.SessionIDValue }

// Error is the abnormal terminal signal, carried on the dedicated
// errorStreamId so it reaches a peer even if that peer stopped reading
// the data stream.
type Error struct {
	SessionIDValue uint64
	Message        string
}

func (f *Error) Type() Tag         { return TagError }
func (f *Error) SessionID() uint64 { return f.SessionIDValue }

// Encode serializes f per the wire layout in SPEC_FULL.md §6: 1-byte
// tag, 8-byte big-endian sessionId, then the variant's payload.
func Encode(f Frame) []byte {
	switch v := f.(type) {
	case *Join:
		return header(TagJoin, v.SessionIDValue, 0)
	case *More:
		b := header(TagMore, v.SessionIDValue, 8)
		binary.BigEndian.PutUint64(b[headerSize:], v.N)
		return b
	case *Cancel:
		return header(TagCancel, v.SessionIDValue, 0)
	case *HeartbeatRequest:
		b := header(TagHeartbeatRequest, v.SessionIDValue, 8)
		binary.BigEndian.PutUint64(b[headerSize:], v.SenderNanos)
		return b
	case *HeartbeatReply:
		b := header(TagHeartbeatReply, v.SessionIDValue, 8)
		binary.BigEndian.PutUint64(b[headerSize:], v.EchoedSenderNanos)
		return b
	case *Next:
		b := header(TagNext, v.SessionIDValue, len(v.Payload))
		copy(b[headerSize:], v.Payload)
		return b
	case *Complete:
		return header(TagComplete, v.SessionIDValue, 0)
	case *Error:
		b := header(TagError, v.SessionIDValue, len(v.Message))
		copy(b[headerSize:], v.Message)
		return b
	default:
		panic("frame: unknown frame type in Encode")
	}
}

func header(tag Tag, sessionID uint64, payloadLen int) []byte {
	b := make([]byte, headerSize+payloadLen)
	b[0] = byte(tag)
	binary.BigEndian.PutUint64(b[1:headerSize], sessionID)
	return b
}

// Decode parses b into a Frame, returning a *reactorerr.MalformedFrameError
// if the tag is unknown or the buffer is shorter than the variant's
// fixed fields require. It never attempts to reconstruct a typed error
// from an Error frame's message: that is surfaced as plain text via
// reactorerr.UpstreamError by the caller.
func Decode(b []byte) (Frame, error) {
	if len(b) < headerSize {
		return nil, &reactorerr.MalformedFrameError{Reason: "buffer shorter than header"}
	}
	tag := Tag(b[0])
	sessionID := binary.BigEndian.Uint64(b[1:headerSize])
	rest := b[headerSize:]

	switch tag {
	case TagJoin:
		return &Join{SessionIDValue: sessionID}, nil
	case TagMore:
		if len(rest) < 8 {
			return nil, &reactorerr.MalformedFrameError{Reason: "truncated More frame"}
		}
		return &More{SessionIDValue: sessionID, N: binary.BigEndian.Uint64(rest[:8])}, nil
	case TagCancel:
		return &Cancel{SessionIDValue: sessionID}, nil
	case TagHeartbeatRequest:
		if len(rest) < 8 {
			return nil, &reactorerr.MalformedFrameError{Reason: "truncated HeartbeatRequest frame"}
		}
		return &HeartbeatRequest{SessionIDValue: sessionID, SenderNanos: binary.BigEndian.Uint64(rest[:8])}, nil
	case TagHeartbeatReply:
		if len(rest) < 8 {
			return nil, &reactorerr.MalformedFrameError{Reason: "truncated HeartbeatReply frame"}
		}
		return &HeartbeatReply{SessionIDValue: sessionID, EchoedSenderNanos: binary.BigEndian.Uint64(rest[:8])}, nil
	case TagNext:
		payload := make([]byte, len(rest))
		copy(payload, rest)
		return &Next{SessionIDValue: sessionID, Payload: payload}, nil
	case TagComplete:
		return &Complete{SessionIDValue: sessionID}, nil
	case TagError:
		return &Error{SessionIDValue: sessionID, Message: string(rest)}, nil
	default:
		return nil, &reactorerr.MalformedFrameError{Reason: "unknown tag"}
	}
}
