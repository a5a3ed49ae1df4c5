package reactor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeronio/reactor/driver"
	"github.com/aeronio/reactor/frame"
	"github.com/aeronio/reactor/transport"
	"github.com/aeronio/reactor/transport/memtransport"
)

// recordingSubscriber is a Subscriber that records every signal it
// receives, used across the end-to-end scenarios below.
type recordingSubscriber struct {
	mu         sync.Mutex
	sub        Subscription
	batch      uint64
	next       [][]byte
	completed  bool
	err        error
}

func (r *recordingSubscriber) OnSubscribe(s Subscription) {
	r.mu.Lock()
	r.sub = s
	batch := r.batch
	r.mu.Unlock()
	if batch > 0 {
		s.Request(batch)
	}
}

func (r *recordingSubscriber) OnNext(b []byte) {
	r.mu.Lock()
	cp := make([]byte, len(b))
	copy(cp, b)
	r.next = append(r.next, cp)
	r.mu.Unlock()
}

func (r *recordingSubscriber) OnComplete() {
	r.mu.Lock()
	r.completed = true
	r.mu.Unlock()
}

func (r *recordingSubscriber) OnError(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *recordingSubscriber) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.next)
}

func duplexContexts(name string, multi bool) (Context, Context) {
	base := DefaultContext()
	base.Name = name
	base.SenderChannel = "loop"
	base.ReceiverChannel = "loop"
	base.StreamID = 10
	base.ErrorStreamID = 11
	base.ServiceRequestStreamID = 12
	base.HeartbeatInterval = 20 * time.Millisecond
	base.HeartbeatTimeout = 60 * time.Millisecond
	base.MultiPublishers = multi

	senderCtx := base
	receiverCtx := base
	receiverCtx.LaunchEmbeddedDriver = false
	return senderCtx, receiverCtx
}

func newMemManager() *driver.Manager {
	return driver.New(func() (transport.Driver, error) { return memtransport.New(), nil })
}

func TestUnicastDeliversOnlyRequestedItems(t *testing.T) {
	senderCtx, receiverCtx := duplexContexts("unicast", false)
	mgr := newMemManager()
	defer mgr.ForceShutdownNow()

	bg := context.Background()
	pub, err := Create(bg, senderCtx, mgr)
	require.NoError(t, err)
	defer pub.Shutdown(nil)

	sub, err := Create(bg, receiverCtx, mgr)
	require.NoError(t, err)
	defer sub.Shutdown(nil)

	rec := &recordingSubscriber{}
	sub.Subscribe(rec)

	pub.OnSubscribe(noopUpstream{})
	pub.OnNext([]byte("one"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, rec.count(), "nothing delivered before demand is requested")

	rec.mu.Lock()
	s := rec.sub
	rec.mu.Unlock()
	s.Request(1)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMulticastAggregatorForwardsMinimumDemand(t *testing.T) {
	senderCtx, _ := duplexContexts("multicast", true)
	mgr := newMemManager()
	defer mgr.ForceShutdownNow()

	bg := context.Background()
	pub, err := Create(bg, senderCtx, mgr)
	require.NoError(t, err)
	defer pub.Shutdown(nil)

	var requests []uint64
	var mu sync.Mutex
	pub.OnSubscribe(&captureUpstream{onRequest: func(n uint64) {
		mu.Lock()
		requests = append(requests, n)
		mu.Unlock()
	}})

	drv, err := mgr.Acquire()
	require.NoError(t, err)
	defer mgr.Release()

	svcPub, err := drv.Publication(bg, senderCtx.ReceiverChannel, senderCtx.ServiceRequestStreamID)
	require.NoError(t, err)

	// two remote sessions join; session 1 grants 5, session 2 grants 2.
	svcPub.Offer(frame.Encode(&frame.Join{SessionIDValue: 1}))
	svcPub.Offer(frame.Encode(&frame.Join{SessionIDValue: 2}))
	svcPub.Offer(frame.Encode(&frame.More{SessionIDValue: 1, N: 5}))
	svcPub.Offer(frame.Encode(&frame.More{SessionIDValue: 2, N: 2}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		var total uint64
		for _, n := range requests {
			total += n
		}
		return total == 2
	}, time.Second, 5*time.Millisecond, "aggregator must request no more than the slowest session's demand")
}

func TestSharedErrorOnFanoutShutsDownLocalSubscribers(t *testing.T) {
	senderCtx, receiverCtx := duplexContexts("shared-error", true)
	mgr := newMemManager()
	defer mgr.ForceShutdownNow()

	bg := context.Background()
	pub, err := Create(bg, senderCtx, mgr)
	require.NoError(t, err)
	defer pub.Shutdown(nil)

	sub, err := Create(bg, receiverCtx, mgr)
	require.NoError(t, err)

	rec := &recordingSubscriber{batch: 10}
	sub.Subscribe(rec)

	pub.OnSubscribe(noopUpstream{})
	pub.OnError(assert.AnError)

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.err != nil
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !sub.Alive() }, time.Second, 5*time.Millisecond,
		"an Error frame on a shared channel shuts the receiving processor down")
}

func TestCompleteDoesNotShutDownReceiver(t *testing.T) {
	senderCtx, receiverCtx := duplexContexts("complete-no-shutdown", false)
	mgr := newMemManager()
	defer mgr.ForceShutdownNow()

	bg := context.Background()
	pub, err := Create(bg, senderCtx, mgr)
	require.NoError(t, err)

	sub, err := Create(bg, receiverCtx, mgr)
	require.NoError(t, err)
	defer sub.Shutdown(nil)

	rec := &recordingSubscriber{batch: 10}
	sub.Subscribe(rec)

	pub.OnSubscribe(noopUpstream{})
	pub.OnComplete()

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.completed
	}, time.Second, 5*time.Millisecond)
	assert.True(t, sub.Alive(), "Complete must not shut the receiving processor down")
}

func TestDriverManagerRefcountAcrossTwoProcessors(t *testing.T) {
	senderCtx, receiverCtx := duplexContexts("refcount", false)
	mgr := newMemManager()
	defer mgr.ForceShutdownNow()

	bg := context.Background()
	pub, err := Create(bg, senderCtx, mgr)
	require.NoError(t, err)
	sub, err := Create(bg, receiverCtx, mgr)
	require.NoError(t, err)

	assert.Equal(t, 2, mgr.Counter())

	pub.Shutdown(nil)
	assert.Equal(t, 1, mgr.Counter())
	assert.False(t, mgr.IsTerminated())

	sub.Shutdown(nil)
	require.Eventually(t, mgr.IsTerminated, time.Second, 5*time.Millisecond)
}

type noopUpstream struct{}

func (noopUpstream) Request(uint64) {}
func (noopUpstream) Cancel()        {}

type captureUpstream struct {
	onRequest func(n uint64)
}

func (c *captureUpstream) Request(n uint64) { c.onRequest(n) }
func (c *captureUpstream) Cancel()          {}
