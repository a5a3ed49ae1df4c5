// Package dispatcher implements the Inbound Dispatcher: three
// cooperating poll loops (data, error, service) that drain a remote
// sender's streams, route frames by type, and fan decoded items out to
// local downstream subscribers, per SPEC_FULL.md §4.6. The three loops
// are three goroutines, each owning one transport.Subscription
// exclusively and feeding a single dispatch goroutine over a channel —
// the same shape this repository's conn.go uses for its three
// independent I/O loops (results, pub-sub events, receive) funneling
// into one connection's close/dispatch point, rather than a shared
// poll loop guarded by a mutex.
package dispatcher

import (
	"sync"
	"time"

	"github.com/aeronio/reactor/frame"
	"github.com/aeronio/reactor/reactorerr"
	"github.com/aeronio/reactor/session"
	"github.com/aeronio/reactor/transport"
)

// Subscriber is the Reactive-Streams consumer interface this package
// delivers decoded Next payloads to. Signals on a given Subscriber are
// never delivered concurrently or re-entrantly: the dispatch goroutine
// never polls for the next frame while a delivery is in flight.
type Subscriber interface {
	OnNext(payload []byte)
	OnComplete()
	OnError(err error)
}

// Subscription is returned by Dispatcher.Subscribe. Request and Cancel
// enqueue ServiceRequest frames toward the remote sender; they never
// block the caller on the dispatch goroutine.
type Subscription interface {
	Request(n uint64)
	Cancel()
}

type downstreamEntry struct {
	id         uint64
	sub        Subscriber
	requested  uint64
	cancelled  bool
	errNotified bool
}

// Registry is the subset of *session.Registry the dispatcher needs to
// route inbound Join/More/Cancel service-request frames into: those
// frames describe remote subscribers joining THIS processor's own
// outbound (Sender) stream, so the dispatcher feeds them into the
// Session Registry the Sender owns rather than keeping a second copy.
type Registry interface {
	OnJoin(now time.Time) session.Session
	OnServiceRequest(id uint64, kind session.ServiceKind, n uint64) (session.Session, bool)
	OnHeartbeatReply(id uint64, now time.Time) (session.Session, bool)
}

// ReplyWriter writes outbound service-stream frames: HeartbeatReply in
// response to a remote dispatcher's HeartbeatRequest (this processor
// acting as sender), and Join/More/Cancel/HeartbeatRequest when this
// processor's own Dispatcher acts as a client of some other sender.
type ReplyWriter interface {
	Offer(f frame.Frame) error
}

// Config bounds heartbeat behaviour.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	PollBatchSize     int
	// Shared selects whether an inbound Error frame shuts the local
	// processor down (true for a shared multicast channel) or is only
	// delivered to downstream subscribers (false).
	Shared bool
}

// OnShutdown is invoked for every Error frame that arrives on a Shared
// channel, after the error has been delivered to downstream subscribers.
type OnShutdown func(err error)

// Dispatcher drains data/error/service transport.Subscriptions and
// fans decoded Next/Complete/Error frames out to local downstream
// subscribers registered via Subscribe.
type Dispatcher struct {
	cfg     Config
	data    transport.Subscription
	errs    transport.Subscription
	service transport.Subscription
	replies ReplyWriter
	reg     Registry
	onShut  OnShutdown

	mu         sync.Mutex
	downstream map[uint64]*downstreamEntry
	nextID     uint64

	// knownSenders tracks liveness of remote senders this dispatcher has
	// itself sent a HeartbeatRequest to, keyed by our own session id
	// with that sender (assigned by our own Join).
	knownSenders map[uint64]time.Time

	stop chan struct{}
	once sync.Once
}

// New creates a Dispatcher. reg is the Session Registry belonging to
// this Processor's own Sender side; inbound Join/More/Cancel frames on
// the service stream are routed into it.
func New(cfg Config, data, errs, service transport.Subscription, replies ReplyWriter, reg Registry, onShutdown OnShutdown) *Dispatcher {
	if cfg.PollBatchSize <= 0 {
		cfg.PollBatchSize = 64
	}
	return &Dispatcher{
		cfg:          cfg,
		data:         data,
		errs:         errs,
		service:      service,
		replies:      replies,
		reg:          reg,
		onShut:       onShutdown,
		downstream:   make(map[uint64]*downstreamEntry),
		knownSenders: make(map[uint64]time.Time),
		stop:         make(chan struct{}),
	}
}

// Subscribe registers a new downstream entry and returns a Subscription
// the caller uses to express demand and cancellation, per the
// Reactive-Streams Publisher.subscribe contract.
func (d *Dispatcher) Subscribe(sub Subscriber) Subscription {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.downstream[id] = &downstreamEntry{id: id, sub: sub}
	d.mu.Unlock()

	return &localSubscription{d: d, id: id}
}

type localSubscription struct {
	d  *Dispatcher
	id uint64
}

func (s *localSubscription) Request(n uint64) {
	s.d.mu.Lock()
	e, ok := s.d.downstream[s.id]
	if ok {
		e.requested = saturatingAdd(e.requested, n)
	}
	s.d.mu.Unlock()
	if ok {
		s.d.replies.Offer(&frame.More{SessionIDValue: s.id, N: n})
	}
}

func (s *localSubscription) Cancel() {
	s.d.mu.Lock()
	delete(s.d.downstream, s.id)
	s.d.mu.Unlock()
	s.d.replies.Offer(&frame.Cancel{SessionIDValue: s.id})
}

func saturatingAdd(a, b uint64) uint64 {
	if a == ^uint64(0) || b == ^uint64(0) {
		return ^uint64(0)
	}
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}

// Run starts the three poll loops plus the heartbeat prober, and
// blocks until Stop is called. Run is meant to be called from its own
// goroutine by the Processor Facade.
func (d *Dispatcher) Run() {
	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); d.pollLoop(d.data, d.handleDataFrame) }()
	go func() { defer wg.Done(); d.pollLoop(d.errs, d.handleErrorFrame) }()
	go func() { defer wg.Done(); d.pollLoop(d.service, d.handleServiceFrame) }()
	go func() { defer wg.Done(); d.heartbeatLoop() }()
	wg.Wait()
}

// Stop terminates all poll loops. Idempotent.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stop) })
}

func (d *Dispatcher) pollLoop(sub transport.Subscription, handle func([]byte)) {
	for {
		select {
		case <-d.stop:
			return
		default:
		}

		n := sub.Poll(handle, d.cfg.PollBatchSize)
		if n == 0 {
			select {
			case <-d.stop:
				return
			case <-time.After(time.Millisecond):
			}
		}
	}
}

func (d *Dispatcher) heartbeatLoop() {
	if d.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.probeHeartbeats()
		}
	}
}

func (d *Dispatcher) probeHeartbeats() {
	now := time.Now()

	d.mu.Lock()
	ids := make([]uint64, 0, len(d.knownSenders))
	for id := range d.knownSenders {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		d.mu.Lock()
		last := d.knownSenders[id]
		timedOut := now.Sub(last) > d.cfg.HeartbeatTimeout
		d.mu.Unlock()

		if timedOut {
			d.dropSender(id)
			continue
		}
		d.replies.Offer(&frame.HeartbeatRequest{SessionIDValue: id, SenderNanos: uint64(now.UnixNano())})
	}
}

// TrackSender registers a remote sender id (this dispatcher's own
// session id with that sender, assigned on Join) for heartbeat
// probing.
func (d *Dispatcher) TrackSender(id uint64) {
	d.mu.Lock()
	d.knownSenders[id] = time.Now()
	d.mu.Unlock()
}

func (d *Dispatcher) dropSender(id uint64) {
	d.mu.Lock()
	delete(d.knownSenders, id)
	entries := make([]*downstreamEntry, 0, len(d.downstream))
	for _, e := range d.downstream {
		entries = append(entries, e)
	}
	d.mu.Unlock()

	err := &reactorerr.TransportTimeoutError{SessionID: id}
	for _, e := range entries {
		d.deliverError(e, err)
	}
}

func (d *Dispatcher) handleDataFrame(b []byte) {
	f, err := frame.Decode(b)
	if err != nil {
		return
	}
	switch v := f.(type) {
	case *frame.Next:
		d.deliverNext(v)
	case *frame.Complete:
		d.deliverCompleteAll()
	}
}

func (d *Dispatcher) handleErrorFrame(b []byte) {
	f, err := frame.Decode(b)
	if err != nil {
		return
	}
	ef, ok := f.(*frame.Error)
	if !ok {
		return
	}

	d.mu.Lock()
	entries := make([]*downstreamEntry, 0, len(d.downstream))
	for _, e := range d.downstream {
		entries = append(entries, e)
	}
	d.mu.Unlock()

	upstreamErr := &reactorerr.UpstreamError{Message: ef.Message}
	for _, e := range entries {
		d.deliverError(e, upstreamErr)
	}

	if d.cfg.Shared && d.onShut != nil {
		d.onShut(upstreamErr)
	}
}

func (d *Dispatcher) handleServiceFrame(b []byte) {
	f, err := frame.Decode(b)
	if err != nil {
		return
	}

	switch v := f.(type) {
	case *frame.Join:
		if d.reg != nil {
			d.reg.OnJoin(time.Now())
		}
	case *frame.More:
		if d.reg != nil {
			d.reg.OnServiceRequest(v.SessionIDValue, session.KindMore, v.N)
		}
	case *frame.Cancel:
		if d.reg != nil {
			d.reg.OnServiceRequest(v.SessionIDValue, session.KindCancel, 0)
		}
	case *frame.HeartbeatRequest:
		d.replies.Offer(&frame.HeartbeatReply{SessionIDValue: v.SessionIDValue, EchoedSenderNanos: v.SenderNanos})
	case *frame.HeartbeatReply:
		if d.reg != nil {
			d.reg.OnHeartbeatReply(v.SessionIDValue, time.Now())
		}
		d.mu.Lock()
		if _, ok := d.knownSenders[v.SessionIDValue]; ok {
			d.knownSenders[v.SessionIDValue] = time.Now()
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher) deliverNext(n *frame.Next) {
	d.mu.Lock()
	entries := make([]*downstreamEntry, 0, len(d.downstream))
	for _, e := range d.downstream {
		if !e.cancelled && e.requested > 0 {
			entries = append(entries, e)
		}
	}
	d.mu.Unlock()

	for _, e := range entries {
		d.mu.Lock()
		if e.requested != ^uint64(0) {
			e.requested--
		}
		d.mu.Unlock()
		e.sub.OnNext(n.Payload)
	}
}

func (d *Dispatcher) deliverCompleteAll() {
	d.mu.Lock()
	entries := make([]*downstreamEntry, 0, len(d.downstream))
	for id, e := range d.downstream {
		entries = append(entries, e)
		delete(d.downstream, id)
	}
	d.mu.Unlock()

	for _, e := range entries {
		e.sub.OnComplete()
	}
}

func (d *Dispatcher) deliverError(e *downstreamEntry, err error) {
	d.mu.Lock()
	if e.errNotified {
		d.mu.Unlock()
		return
	}
	e.errNotified = true
	delete(d.downstream, e.id)
	d.mu.Unlock()

	e.sub.OnError(err)
}
