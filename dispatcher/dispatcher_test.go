package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeronio/reactor/frame"
	"github.com/aeronio/reactor/session"
	"github.com/aeronio/reactor/transport/memtransport"
)

type recordingSubscriber struct {
	mu        sync.Mutex
	next      [][]byte
	completed bool
	err       error
}

func (r *recordingSubscriber) OnNext(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	r.next = append(r.next, cp)
}

func (r *recordingSubscriber) OnComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = true
}

func (r *recordingSubscriber) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recordingSubscriber) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.next)
}

type noopRegistry struct{}

func (noopRegistry) OnJoin(time.Time) session.Session { return session.Session{} }
func (noopRegistry) OnServiceRequest(uint64, session.ServiceKind, uint64) (session.Session, bool) {
	return session.Session{}, false
}
func (noopRegistry) OnHeartbeatReply(uint64, time.Time) (session.Session, bool) {
	return session.Session{}, false
}

type recordingReplyWriter struct {
	mu     sync.Mutex
	frames []frame.Frame
}

func (r *recordingReplyWriter) Offer(f frame.Frame) error {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	return nil
}

func newHarness(t *testing.T, cfg Config) (*Dispatcher, *memtransport.Driver, func()) {
	t.Helper()
	drv := memtransport.New()
	ctx := context.Background()

	dataSub, err := drv.Subscription(ctx, "ch", 1)
	require.NoError(t, err)
	errSub, err := drv.Subscription(ctx, "ch", 2)
	require.NoError(t, err)
	svcSub, err := drv.Subscription(ctx, "ch", 3)
	require.NoError(t, err)

	d := New(cfg, dataSub, errSub, svcSub, &recordingReplyWriter{}, noopRegistry{}, nil)
	go d.Run()

	return d, drv, func() {
		d.Stop()
		dataSub.Close()
		errSub.Close()
		svcSub.Close()
	}
}

func TestDeliversNextOnlyWhenRequested(t *testing.T) {
	d, drv, cleanup := newHarness(t, Config{PollBatchSize: 16})
	defer cleanup()

	sub := &recordingSubscriber{}
	dsub := d.Subscribe(sub)

	ctx := context.Background()
	dataPub, err := drv.Publication(ctx, "ch", 1)
	require.NoError(t, err)

	dataPub.Offer(frame.Encode(&frame.Next{SessionIDValue: 1, Payload: []byte("one")}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, sub.count(), "no demand requested yet")

	dsub.Request(1)
	require.Eventually(t, func() bool { return sub.count() == 1 }, time.Second, 5*time.Millisecond)

	dataPub.Offer(frame.Encode(&frame.Next{SessionIDValue: 1, Payload: []byte("two")}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, sub.count(), "second Next withheld until more demand")

	dsub.Request(1)
	require.Eventually(t, func() bool { return sub.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestCompleteDeliveredToAllAndRemovesEntries(t *testing.T) {
	d, drv, cleanup := newHarness(t, Config{PollBatchSize: 16})
	defer cleanup()

	subA, subB := &recordingSubscriber{}, &recordingSubscriber{}
	dsubA, dsubB := d.Subscribe(subA), d.Subscribe(subB)
	dsubA.Request(10)
	dsubB.Request(10)

	ctx := context.Background()
	dataPub, err := drv.Publication(ctx, "ch", 1)
	require.NoError(t, err)
	dataPub.Offer(frame.Encode(&frame.Complete{SessionIDValue: 0}))

	require.Eventually(t, func() bool {
		subA.mu.Lock()
		defer subA.mu.Unlock()
		subB.mu.Lock()
		defer subB.mu.Unlock()
		return subA.completed && subB.completed
	}, time.Second, 5*time.Millisecond)

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Empty(t, d.downstream, "Complete removes every downstream entry")
}

func TestSharedErrorShutsDownProcessor(t *testing.T) {
	var shutdownCalled bool
	var mu sync.Mutex

	drv := memtransport.New()
	ctx := context.Background()
	dataSub, _ := drv.Subscription(ctx, "ch", 1)
	errSub, _ := drv.Subscription(ctx, "ch", 2)
	svcSub, _ := drv.Subscription(ctx, "ch", 3)

	d := New(Config{PollBatchSize: 16, Shared: true}, dataSub, errSub, svcSub, &recordingReplyWriter{}, noopRegistry{}, func(error) {
		mu.Lock()
		shutdownCalled = true
		mu.Unlock()
	})
	go d.Run()
	defer d.Stop()

	sub := &recordingSubscriber{}
	d.Subscribe(sub)

	errPub, err := drv.Publication(ctx, "ch", 2)
	require.NoError(t, err)
	errPub.Offer(frame.Encode(&frame.Error{SessionIDValue: 0, Message: "boom"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return shutdownCalled
	}, time.Second, 5*time.Millisecond)
	assert.Error(t, sub.err)
}

func TestHeartbeatTimeoutNotifiesDownstream(t *testing.T) {
	d, _, cleanup := newHarness(t, Config{
		PollBatchSize:     16,
		HeartbeatInterval: 5 * time.Millisecond,
		HeartbeatTimeout:  10 * time.Millisecond,
	})
	defer cleanup()

	sub := &recordingSubscriber{}
	d.Subscribe(sub)
	d.TrackSender(1)

	require.Eventually(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return sub.err != nil
	}, time.Second, 5*time.Millisecond)
}
