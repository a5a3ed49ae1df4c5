// Package demand implements the Demand Aggregator: it maps a
// session.Snapshot to a single upstream request(n) value, per
// SPEC_FULL.md §4.5. It holds no goroutine of its own; the Processor's
// demand loop calls Aggregator.Next whenever a service request changes
// the session snapshot and forwards whatever it returns to the upstream
// Subscription.
package demand

import "github.com/aeronio/reactor/session"

const unbounded = session.Unbounded

// Mode selects how the effective demand is computed across sessions.
type Mode int

const (
	// Unicast uses the single session's demand directly.
	Unicast Mode = iota
	// Multicast uses the minimum demand across all live sessions, so the
	// sender moves only as fast as the slowest subscriber.
	Multicast
)

// Aggregator tracks how much demand has already been requested
// upstream so it never over-requests, per the invariant in
// SPEC_FULL.md §4.5.
type Aggregator struct {
	mode             Mode
	alreadyRequested uint64
	forwardedInfinite bool
}

// New creates an Aggregator operating in mode.
func New(mode Mode) *Aggregator {
	return &Aggregator{mode: mode}
}

// Next computes the additional amount to request upstream given the
// current session snapshot, and records it as already requested. It
// returns (n, forward) where forward is false when there is nothing
// new to request (including the case where ∞ was already forwarded
// once and every session remains ∞).
func (a *Aggregator) Next(snap *session.Snapshot) (n uint64, forward bool) {
	sessions := snap.Sessions()
	if len(sessions) == 0 {
		return 0, false
	}

	effective := a.effectiveDemand(sessions)

	if effective == unbounded {
		if a.forwardedInfinite {
			return 0, false
		}
		a.forwardedInfinite = true
		a.alreadyRequested = unbounded
		return unbounded, true
	}

	if effective <= a.alreadyRequested {
		return 0, false
	}

	delta := effective - a.alreadyRequested
	a.alreadyRequested = effective
	return delta, true
}

func (a *Aggregator) effectiveDemand(sessions []session.Session) uint64 {
	switch a.mode {
	case Unicast:
		return sessions[0].Demand
	default:
		min := unbounded
		for _, s := range sessions {
			if s.Demand < min {
				min = s.Demand
			}
		}
		return min
	}
}
