// Package sender implements the Signal Sender: writing encoded frames
// into an outbound transport.Publication with back-pressure-aware
// bounded retry, per SPEC_FULL.md §4.3. The single-writer invariant
// and the share-mode bounded ring are expressed the way this
// repository expresses exclusive access to one writer resource: a
// channel-as-mutex lock (internal/wswriter.Writer) plus, here, a
// bounded channel standing in for the ring buffer described in the
// spec, so a share-mode caller observes one uniform retry policy
// whether the back-pressure originates from the ring or the
// publication itself.
package sender

import (
	"sync"
	"time"

	"github.com/aeronio/reactor/frame"
	"github.com/aeronio/reactor/reactorerr"
	"github.com/aeronio/reactor/transport"
)

// LiveSessions is queried by the retry loop when a publication reports
// "not connected": the Sender keeps retrying only as long as at least
// one session is still registered, per SPEC_FULL.md §4.3.
type LiveSessions func() bool

// Config bounds the Sender's retry behaviour, mirroring
// publicationRetryMillis and publicationLingerTimeoutMillis from
// Context.
type Config struct {
	RetryInterval  time.Duration
	LingerTimeout  time.Duration
	RingBufferSize int
}

// Sender writes Next/Complete/Error frames to a data publication and
// an error publication (errorStreamId, per SPEC_FULL.md §4.3). In
// "create" mode, callers invoke Offer directly and must not call it
// concurrently. In "share" mode, callers invoke Enqueue and a single
// background goroutine (started by Run) drains the ring and performs
// the actual offers, which is how the one-task-owns-the-Sender
// invariant is preserved across multiple upstream producer threads.
type Sender struct {
	cfg       Config
	data      transport.Publication
	errorPub  transport.Publication
	live      LiveSessions
	retries   uint64

	mu     sync.Mutex
	closed bool

	ring chan frame.Frame
}

// New creates a Sender writing to data and errorPub.
func New(cfg Config, data, errorPub transport.Publication, live LiveSessions) *Sender {
	if cfg.RingBufferSize <= 0 {
		cfg.RingBufferSize = 256
	}
	return &Sender{
		cfg:      cfg,
		data:     data,
		errorPub: errorPub,
		live:     live,
		ring:     make(chan frame.Frame, cfg.RingBufferSize),
	}
}

// Retries reports the number of transient retries performed so far,
// the monotonically increasing counter SPEC_FULL.md §8 scenario 6
// exercises.
func (s *Sender) Retries() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// Offer encodes f and writes it directly to the matching publication
// with bounded retry. It is the "create" mode entry point: the caller
// must guarantee it is the only goroutine calling Offer (or Run) at a
// time.
func (s *Sender) Offer(f frame.Frame) error {
	pub := s.data
	if f.Type() == frame.TagError {
		pub = s.errorPub
	}
	return s.offerTo(pub, frame.Encode(f))
}

func (s *Sender) offerTo(pub transport.Publication, b []byte) error {
	deadline := time.Now().Add(s.cfg.LingerTimeout)
	interval := s.cfg.RetryInterval
	if interval <= 0 {
		interval = time.Millisecond
	}

	for {
		switch pub.Offer(b) {
		case transport.OfferOK:
			return nil

		case transport.OfferBackPressured, transport.OfferAdminAction:
			s.bumpRetries()
			if time.Now().After(deadline) {
				return reactorerr.ErrPublicationClosed
			}
			time.Sleep(interval)

		case transport.OfferNotConnected:
			s.bumpRetries()
			if s.live != nil && !s.live() {
				return reactorerr.ErrNoSubscribers
			}
			time.Sleep(interval)

		case transport.OfferClosed:
			return reactorerr.ErrPublicationClosed

		case transport.OfferMaxPositionExceeded:
			return reactorerr.ErrMaxPositionExceeded

		default:
			return reactorerr.ErrPublicationClosed
		}
	}
}

func (s *Sender) bumpRetries() {
	s.mu.Lock()
	s.retries++
	s.mu.Unlock()
}

// Enqueue is the "share" mode entry point: concurrent upstream
// producers call Enqueue, and the goroutine started by Run performs
// the actual ordered offers. Enqueue itself retries (using the same
// interval/linger policy) when the ring is momentarily full, so a
// share-mode caller sees the identical back-pressure contract as a
// direct Offer caller.
func (s *Sender) Enqueue(f frame.Frame) error {
	deadline := time.Now().Add(s.cfg.LingerTimeout)
	interval := s.cfg.RetryInterval
	if interval <= 0 {
		interval = time.Millisecond
	}

	for {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return reactorerr.ErrPublicationClosed
		}

		select {
		case s.ring <- f:
			return nil
		default:
			s.bumpRetries()
			if time.Now().After(deadline) {
				return reactorerr.ErrPublicationClosed
			}
			time.Sleep(interval)
		}
	}
}

// Run drains the share-mode ring, offering each frame in order, until
// stop is closed or a terminal frame (Complete/Error) has been
// drained. It is the single task that owns the Sender in share mode.
func (s *Sender) Run(stop <-chan struct{}) {
	for {
		select {
		case f, ok := <-s.ring:
			if !ok {
				return
			}
			s.Offer(f)
			if f.Type() == frame.TagComplete || f.Type() == frame.TagError {
				return
			}
		case <-stop:
			return
		}
	}
}

// Close performs the terminal sequencing from SPEC_FULL.md §4.3:
// drain whatever is already queued (share mode only; in create mode
// the ring is unused and this is a no-op drain), write the terminal
// frame, then close the publication after the linger timeout.
func (s *Sender) Close(terminal frame.Frame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// drain whatever share-mode callers already queued before the
	// terminal frame, preserving order.
drain:
	for {
		select {
		case f := <-s.ring:
			s.Offer(f)
		default:
			break drain
		}
	}
	err := s.Offer(terminal)

	time.AfterFunc(s.cfg.LingerTimeout, func() {
		s.data.Close()
		s.errorPub.Close()
	})
	return err
}
