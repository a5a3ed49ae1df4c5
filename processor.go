// Package reactor composes the Frame Codec, Driver Manager, Signal
// Sender, Session Registry, Demand Aggregator and Inbound Dispatcher
// into the Processor Facade: a single object that is simultaneously a
// Reactive-Streams Subscriber (for the upstream producer whose items it
// publishes into the transport) and a Publisher (for local downstream
// subscribers fed from the transport), per SPEC_FULL.md §4.7.
package reactor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pborman/uuid"

	"github.com/aeronio/reactor/demand"
	"github.com/aeronio/reactor/dispatcher"
	"github.com/aeronio/reactor/driver"
	"github.com/aeronio/reactor/frame"
	"github.com/aeronio/reactor/reactorerr"
	"github.com/aeronio/reactor/sender"
	"github.com/aeronio/reactor/session"
	"github.com/aeronio/reactor/transport"
)

// Subscription is the upstream-facing half of the Reactive-Streams
// contract: Request/Cancel flow from the Processor to whatever
// produces the items it publishes.
type Subscription interface {
	Request(n uint64)
	Cancel()
}

// Subscriber is implemented by the upstream producer (via OnSubscribe)
// and by local downstream consumers (via Processor.Subscribe).
type Subscriber interface {
	OnSubscribe(s Subscription)
	OnNext(payload []byte)
	OnComplete()
	OnError(err error)
}

// bindState is the explicit single-assignment cell replacing the
// source's volatile delegateSubscriber field (flagged //FIXME: Rethink
// in the original), per the design note in SPEC_FULL.md §9:
// Processor.Unbound -> Processor.Bound(delegate), assigned exactly
// once under a mutex rather than raced through a bare volatile write.
type bindState struct {
	mu     sync.Mutex
	bound  bool
	boundC chan struct{}
}

func newBindState() *bindState {
	return &bindState{boundC: make(chan struct{})}
}

// bind transitions Unbound -> Bound exactly once; subsequent calls are
// no-ops. It never blocks.
func (b *bindState) bind() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bound {
		return
	}
	b.bound = true
	close(b.boundC)
}

func (b *bindState) isBound() bool {
	select {
	case <-b.boundC:
		return true
	default:
		return false
	}
}

// Processor is the Aeron-backed Reactive-Streams Processor. Construct
// with Create (single producer) or Share (concurrent producers); both
// require Context.Validate to succeed.
type Processor struct {
	ctx  Context
	id   string
	mgr  *driver.Manager
	drv  transport.Driver

	registry   *session.Registry
	aggregator *demand.Aggregator
	snd        *sender.Sender
	disp       *dispatcher.Dispatcher

	bind *bindState

	mu          sync.Mutex
	upstreamSub Subscription

	alive atomic.Bool

	shared bool

	demandCh chan struct{}

	localJoinSeq atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
}

var _ Subscriber = (*Processor)(nil)

// replyWriterAdapter satisfies dispatcher.ReplyWriter by writing a
// frame to the service-stream publication directly (bypassing the
// data Sender's retry/ring machinery, since service frames are small
// and latency-sensitive control traffic rather than bulk data).
type replyWriterAdapter struct {
	pub transport.Publication
}

func (r *replyWriterAdapter) Offer(f frame.Frame) error {
	b := frame.Encode(f)
	switch r.pub.Offer(b) {
	case transport.OfferOK:
		return nil
	case transport.OfferClosed:
		return reactorerr.ErrPublicationClosed
	default:
		// service frames are best-effort: a frame the publication does
		// not accept is dropped and not resent; only heartbeat requests
		// go out again, on the next heartbeat tick.
		return nil
	}
}

// Create builds a Processor under the Reactive-Streams single-producer
// contract: the caller must guarantee OnNext/OnComplete/OnError are
// never called concurrently.
func Create(ctx context.Context, c Context, mgr *driver.Manager) (*Processor, error) {
	return newProcessor(ctx, c, mgr, false)
}

// Share builds a Processor that tolerates concurrent upstream
// producers by interposing the bounded ring described in
// SPEC_FULL.md §4.3.
func Share(ctx context.Context, c Context, mgr *driver.Manager) (*Processor, error) {
	return newProcessor(ctx, c, mgr, true)
}

func newProcessor(ctx context.Context, c Context, mgr *driver.Manager, shared bool) (*Processor, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	drv, err := mgr.Acquire()
	if err != nil {
		return nil, err
	}

	dataPub, err := drv.Publication(ctx, c.SenderChannel, c.StreamID)
	if err != nil {
		return nil, err
	}
	errPub, err := drv.Publication(ctx, c.SenderChannel, c.ErrorStreamID)
	if err != nil {
		return nil, err
	}
	svcPub, err := drv.Publication(ctx, c.SenderChannel, c.ServiceRequestStreamID)
	if err != nil {
		return nil, err
	}

	dataSub, err := drv.Subscription(ctx, c.ReceiverChannel, c.StreamID)
	if err != nil {
		return nil, err
	}
	errSub, err := drv.Subscription(ctx, c.ReceiverChannel, c.ErrorStreamID)
	if err != nil {
		return nil, err
	}
	svcSub, err := drv.Subscription(ctx, c.ReceiverChannel, c.ServiceRequestStreamID)
	if err != nil {
		return nil, err
	}

	reg := session.New(c.HeartbeatTimeout)

	mode := demand.Unicast
	if c.MultiPublishers {
		mode = demand.Multicast
	}

	p := &Processor{
		ctx:        c,
		id:         uuid.NewRandom().String(),
		mgr:        mgr,
		drv:        drv,
		registry:   reg,
		aggregator: demand.New(mode),
		bind:       newBindState(),
		shared:     shared,
		demandCh:   make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	p.alive.Store(true)

	p.snd = sender.New(sender.Config{
		RetryInterval:  c.PublicationRetry,
		LingerTimeout:  c.PublicationLingerTimeout,
		RingBufferSize: c.RingBufferSize,
	}, dataPub, errPub, func() bool { return !reg.Empty() })

	replies := &replyWriterAdapter{pub: svcPub}

	p.disp = dispatcher.New(dispatcher.Config{
		HeartbeatInterval: c.HeartbeatInterval,
		HeartbeatTimeout:  c.HeartbeatTimeout,
		PollBatchSize:     c.RingBufferSize,
		Shared:            c.MultiPublishers,
	}, dataSub, errSub, svcSub, replies, &registryBridge{reg: reg, onJoin: p.onSessionEvent, onRequest: p.onSessionEvent}, p.onSharedError)

	go p.disp.Run()
	if shared {
		go p.snd.Run(p.stopCh)
	}
	go p.demandLoop()

	return p, nil
}

// registryBridge adapts *session.Registry to dispatcher.Registry while
// also notifying the Processor's demand loop whenever a Join/More/
// Cancel frame changes the session snapshot, so the Demand Aggregator
// can recompute without polling.
type registryBridge struct {
	reg       *session.Registry
	onJoin    func()
	onRequest func()
}

func (b *registryBridge) OnJoin(now time.Time) session.Session {
	s := b.reg.OnJoin(now)
	b.onJoin()
	return s
}

func (b *registryBridge) OnServiceRequest(id uint64, kind session.ServiceKind, n uint64) (session.Session, bool) {
	s, ok := b.reg.OnServiceRequest(id, kind, n)
	b.onRequest()
	return s, ok
}

func (b *registryBridge) OnHeartbeatReply(id uint64, now time.Time) (session.Session, bool) {
	return b.reg.OnHeartbeatReply(id, now)
}

// onSessionEvent wakes the demand loop. Non-blocking: a pending wakeup
// that hasn't been consumed yet is enough, so this never backs up.
func (p *Processor) onSessionEvent() {
	p.bind.bind()
	select {
	case p.demandCh <- struct{}{}:
	default:
	}
}

func (p *Processor) demandLoop() {
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.demandCh:
			p.mu.Lock()
			up := p.upstreamSub
			p.mu.Unlock()
			if up == nil {
				continue
			}
			n, forward := p.aggregator.Next(p.registry.Load())
			if forward {
				up.Request(n)
			}
		}
	}
}

func (p *Processor) onSharedError(err error) {
	p.Shutdown(err)
}

// OnSubscribe stores the upstream Subscription. Per SPEC_FULL.md §4.7,
// this starts the server side: once the first remote subscriber joins
// our outbound stream (materialized here as the bindState transition),
// the Demand Aggregator begins forwarding request(n) upstream.
func (p *Processor) OnSubscribe(s Subscription) {
	p.mu.Lock()
	p.upstreamSub = s
	p.mu.Unlock()
}

// OnNext publishes payload as a broadcast Next frame (sessionId=0,
// observed by every session on the outbound stream) through the Signal
// Sender.
func (p *Processor) OnNext(payload []byte) {
	if !p.alive.Load() {
		return
	}
	f := &frame.Next{SessionIDValue: 0, Payload: payload}
	if p.shared {
		p.snd.Enqueue(f)
	} else {
		p.snd.Offer(f)
	}
}

// OnComplete drains and closes the Sender with a Complete frame. Per
// SPEC_FULL.md §4.6, a Complete observed by a peer's dispatcher never
// shuts that peer's processor down; only this Processor's Sender side
// terminates.
func (p *Processor) OnComplete() {
	p.snd.Close(&frame.Complete{SessionIDValue: 0})
}

// OnError drains and closes the Sender with an Error frame on the
// dedicated error stream, then shuts this Processor down.
func (p *Processor) OnError(err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	p.snd.Close(&frame.Error{SessionIDValue: 0, Message: msg})
	p.Shutdown(err)
}

// Subscribe registers sub as a local downstream consumer of items
// received from the transport and starts heartbeat tracking under a
// locally numbered id. It does not emit a Join frame, so no remote
// Session Registry gains a session for this subscriber.
func (p *Processor) Subscribe(sub Subscriber) {
	dsub := p.disp.Subscribe(&subscriberAdapter{sub: sub})
	sub.OnSubscribe(&subscriptionAdapter{dsub: dsub})

	joinID := p.localJoinSeq.Add(1)
	p.disp.TrackSender(joinID)
}

// subscriberAdapter adapts this package's Subscriber to
// dispatcher.Subscriber, which only needs the three signal methods
// (OnSubscribe happens once, above, outside the dispatcher's view).
type subscriberAdapter struct {
	sub Subscriber
}

func (a *subscriberAdapter) OnNext(payload []byte) { a.sub.OnNext(payload) }
func (a *subscriberAdapter) OnComplete()           { a.sub.OnComplete() }
func (a *subscriberAdapter) OnError(err error)     { a.sub.OnError(err) }

type subscriptionAdapter struct {
	dsub dispatcher.Subscription
}

func (a *subscriptionAdapter) Request(n uint64) { a.dsub.Request(n) }
func (a *subscriptionAdapter) Cancel()          { a.dsub.Cancel() }

// Alive reports whether the Processor has not yet been shut down.
func (p *Processor) Alive() bool {
	return p.alive.Load()
}

// ID returns the Processor's instance identifier, used only for
// logging/metrics tagging (the wire-level sessionId stays a plain
// uint64 regardless of this value).
func (p *Processor) ID() string { return p.id }

// Shutdown idempotently tears the Processor down: the alive flag is a
// single-shot true->false compare-and-swap, per SPEC_FULL.md §7, so
// calling Shutdown n>=1 times has the same observable effect as once.
func (p *Processor) Shutdown(cause error) {
	if !p.alive.CompareAndSwap(true, false) {
		return
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.disp.Stop()
	p.mgr.Release()

	_ = cause // retained for parity with a future structured shutdown log
}

func (p *Processor) String() string {
	return fmt.Sprintf("Processor(%s, id=%s)", p.ctx.Name, p.id)
}
