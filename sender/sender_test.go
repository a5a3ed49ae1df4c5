package sender

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeronio/reactor/frame"
	"github.com/aeronio/reactor/reactorerr"
	"github.com/aeronio/reactor/transport"
)

// fakePublication lets tests script a sequence of offer results before
// settling into OfferOK, and records every accepted frame.
type fakePublication struct {
	results  []transport.OfferResult
	accepted [][]byte
	closed   bool
}

func (f *fakePublication) Offer(b []byte) transport.OfferResult {
	if len(f.results) > 0 {
		r := f.results[0]
		f.results = f.results[1:]
		if r != transport.OfferOK {
			return r
		}
	}
	f.accepted = append(f.accepted, b)
	return transport.OfferOK
}

func (f *fakePublication) Close() error {
	f.closed = true
	return nil
}

func TestOfferRetriesOnBackpressure(t *testing.T) {
	data := &fakePublication{results: []transport.OfferResult{
		transport.OfferBackPressured,
		transport.OfferBackPressured,
	}}
	errPub := &fakePublication{}

	s := New(Config{RetryInterval: time.Millisecond, LingerTimeout: time.Second}, data, errPub, nil)
	err := s.Offer(&frame.Next{SessionIDValue: 1, Payload: []byte("x")})
	require.NoError(t, err)
	assert.Len(t, data.accepted, 1)
	assert.Equal(t, uint64(2), s.Retries())
}

func TestOfferGivesUpAfterLingerTimeout(t *testing.T) {
	data := &fakePublication{}
	for i := 0; i < 1000; i++ {
		data.results = append(data.results, transport.OfferBackPressured)
	}
	errPub := &fakePublication{}

	s := New(Config{RetryInterval: time.Millisecond, LingerTimeout: 20 * time.Millisecond}, data, errPub, nil)
	err := s.Offer(&frame.Next{SessionIDValue: 1, Payload: []byte("x")})
	assert.ErrorIs(t, err, reactorerr.ErrPublicationClosed)
}

func TestNotConnectedGivesUpWhenNoLiveSessions(t *testing.T) {
	data := &fakePublication{results: []transport.OfferResult{
		transport.OfferNotConnected,
		transport.OfferNotConnected,
		transport.OfferNotConnected,
	}}
	errPub := &fakePublication{}

	live := false
	s := New(Config{RetryInterval: time.Millisecond, LingerTimeout: time.Second}, data, errPub, func() bool { return live })
	err := s.Offer(&frame.Next{SessionIDValue: 1, Payload: []byte("x")})
	assert.ErrorIs(t, err, reactorerr.ErrNoSubscribers)
}

func TestErrorFrameGoesToErrorPublication(t *testing.T) {
	data := &fakePublication{}
	errPub := &fakePublication{}

	s := New(Config{RetryInterval: time.Millisecond, LingerTimeout: time.Second}, data, errPub, nil)
	require.NoError(t, s.Offer(&frame.Error{SessionIDValue: 1, Message: "boom"}))

	assert.Empty(t, data.accepted)
	assert.Len(t, errPub.accepted, 1)
}

func TestCloseDrainsRingThenWritesTerminal(t *testing.T) {
	data := &fakePublication{}
	errPub := &fakePublication{}

	s := New(Config{RetryInterval: time.Millisecond, LingerTimeout: 5 * time.Millisecond, RingBufferSize: 4}, data, errPub, nil)
	require.NoError(t, s.Enqueue(&frame.Next{SessionIDValue: 1, Payload: []byte("one")}))
	require.NoError(t, s.Enqueue(&frame.Next{SessionIDValue: 1, Payload: []byte("two")}))

	require.NoError(t, s.Close(&frame.Complete{SessionIDValue: 1}))

	require.Len(t, data.accepted, 3, "two queued Next frames plus the terminal Complete")
	last, err := frame.Decode(data.accepted[2])
	require.NoError(t, err)
	assert.Equal(t, frame.TagComplete, last.Type())

	require.Eventually(t, func() bool { return data.closed }, time.Second, time.Millisecond)
}
