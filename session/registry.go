// Package session implements the Session Registry: the table of remote
// subscribers that have joined a sender's outbound stream, their
// requested demand, their liveness, and their cancellation state. All
// mutation is confined to one goroutine (the inbound dispatcher's
// service-stream poll loop, per SPEC_FULL.md §3); every other reader
// goes through an atomic snapshot pointer, the same shape this
// repository uses for its own mutex-guarded connection tables but
// specialized to a single-writer/many-readers split since the registry
// has exactly one mutator by construction.
package session

import (
	"sync/atomic"
	"time"
)

// Unbounded represents infinite demand, the ∞ top of the saturating
// counter described in SPEC_FULL.md §3.
const Unbounded uint64 = ^uint64(0)

// Session is one remote subscriber's registration. Demand is a
// saturating counter: adding to Unbounded stays Unbounded.
type Session struct {
	ID               uint64
	Demand           uint64
	LastHeartbeat    time.Time
	Cancelled        bool
}

func (s Session) live() bool { return !s.Cancelled }

// Snapshot is an immutable point-in-time view of the registry's
// sessions, safe to read from any goroutine without locking.
type Snapshot struct {
	sessions map[uint64]Session
}

// Sessions returns the live (non-cancelled) sessions in the snapshot.
func (s *Snapshot) Sessions() []Session {
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.live() {
			out = append(out, sess)
		}
	}
	return out
}

// Get returns the session with id, if present in the snapshot.
func (s *Snapshot) Get(id uint64) (Session, bool) {
	sess, ok := s.sessions[id]
	return sess, ok
}

// Registry is the mutable session table. Mutation methods (OnJoin,
// OnServiceRequest, OnHeartbeatReply, Reap) must only be called from
// the owning dispatcher goroutine; Load is safe from any goroutine.
type Registry struct {
	heartbeatTimeout time.Duration
	nextID           uint64
	sessions         map[uint64]Session
	snapshot         atomic.Pointer[Snapshot]
}

// New creates an empty registry. heartbeatTimeout bounds how long a
// session may go without a heartbeat reply before Reap removes it.
func New(heartbeatTimeout time.Duration) *Registry {
	r := &Registry{
		heartbeatTimeout: heartbeatTimeout,
		sessions:         make(map[uint64]Session),
	}
	r.publish()
	return r
}

func (r *Registry) publish() {
	cp := make(map[uint64]Session, len(r.sessions))
	for id, s := range r.sessions {
		cp[id] = s
	}
	r.snapshot.Store(&Snapshot{sessions: cp})
}

// Load returns the current snapshot. Safe to call from any goroutine.
func (r *Registry) Load() *Snapshot {
	return r.snapshot.Load()
}

// OnJoin registers a new session with demand=0, per SPEC_FULL.md §4.4.
func (r *Registry) OnJoin(now time.Time) Session {
	r.nextID++
	s := Session{ID: r.nextID, LastHeartbeat: now}
	r.sessions[s.ID] = s
	r.publish()
	return s
}

// ServiceKind identifies the service-request variant applied by
// OnServiceRequest.
type ServiceKind int

const (
	KindMore ServiceKind = iota
	KindCancel
)

// OnServiceRequest applies a More(n) or Cancel service-request frame
// to the session identified by id. Unknown session ids are no-ops that
// return false; no ProtocolViolationError is raised for them here or
// by the dispatcher, which ignores the result.
func (r *Registry) OnServiceRequest(id uint64, kind ServiceKind, n uint64) (Session, bool) {
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	switch kind {
	case KindMore:
		s.Demand = saturatingAdd(s.Demand, n)
	case KindCancel:
		s.Cancelled = true
	}
	r.sessions[id] = s
	r.publish()
	return s, true
}

// OnHeartbeatReply refreshes a session's liveness timestamp.
func (r *Registry) OnHeartbeatReply(id uint64, now time.Time) (Session, bool) {
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	s.LastHeartbeat = now
	r.sessions[id] = s
	r.publish()
	return s, true
}

// ConsumeDemand decrements a session's demand by one after a Next
// frame has been delivered to it, per the invariant in SPEC_FULL.md §8
// that demand decreases only on delivery. Unbounded demand is left
// untouched.
func (r *Registry) ConsumeDemand(id uint64) {
	s, ok := r.sessions[id]
	if !ok || s.Demand == Unbounded {
		return
	}
	if s.Demand > 0 {
		s.Demand--
	}
	r.sessions[id] = s
	r.publish()
}

// Remove deletes a session outright, used once its in-flight Next
// frames have finished draining after cancellation or reaping.
func (r *Registry) Remove(id uint64) {
	delete(r.sessions, id)
	r.publish()
}

// Reap removes every session whose last heartbeat is older than
// heartbeatTimeout relative to now, returning their ids.
func (r *Registry) Reap(now time.Time) []uint64 {
	var reaped []uint64
	for id, s := range r.sessions {
		if now.Sub(s.LastHeartbeat) > r.heartbeatTimeout {
			reaped = append(reaped, id)
			delete(r.sessions, id)
		}
	}
	if len(reaped) > 0 {
		r.publish()
	}
	return reaped
}

// Empty reports whether no live (non-cancelled) sessions remain. The
// Sender consults it before giving up on a not-connected publication;
// nothing cancels the upstream Subscription when it becomes true.
func (r *Registry) Empty() bool {
	for _, s := range r.Load().sessions {
		if s.live() {
			return false
		}
	}
	return true
}

func saturatingAdd(a, b uint64) uint64 {
	if a == Unbounded || b == Unbounded {
		return Unbounded
	}
	sum := a + b
	if sum < a {
		return Unbounded
	}
	return sum
}
