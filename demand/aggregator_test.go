package demand

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeronio/reactor/session"
)

func TestUnicastForwardsSingleSessionDemand(t *testing.T) {
	reg := session.New(time.Second)
	s := reg.OnJoin(time.Now())
	reg.OnServiceRequest(s.ID, session.KindMore, 5)

	a := New(Unicast)
	n, forward := a.Next(reg.Load())
	require.True(t, forward)
	assert.Equal(t, uint64(5), n)

	// requesting again with no new demand yields nothing.
	_, forward = a.Next(reg.Load())
	assert.False(t, forward)
}

func TestMulticastUsesMinimumDemand(t *testing.T) {
	reg := session.New(time.Second)
	a := reg.OnJoin(time.Now())
	b := reg.OnJoin(time.Now())
	reg.OnServiceRequest(a.ID, session.KindMore, 10)
	reg.OnServiceRequest(b.ID, session.KindMore, 3)

	agg := New(Multicast)
	n, forward := agg.Next(reg.Load())
	require.True(t, forward)
	assert.Equal(t, uint64(3), n)
}

func TestNeverOverRequests(t *testing.T) {
	reg := session.New(time.Second)
	s := reg.OnJoin(time.Now())
	reg.OnServiceRequest(s.ID, session.KindMore, 5)

	agg := New(Unicast)
	n1, _ := agg.Next(reg.Load())
	assert.Equal(t, uint64(5), n1)

	reg.OnServiceRequest(s.ID, session.KindMore, 2)
	n2, forward := agg.Next(reg.Load())
	require.True(t, forward)
	assert.Equal(t, uint64(2), n2, "only the delta beyond what was already requested")
}

func TestUnboundedForwardedOnce(t *testing.T) {
	reg := session.New(time.Second)
	s := reg.OnJoin(time.Now())
	reg.OnServiceRequest(s.ID, session.KindMore, session.Unbounded)

	agg := New(Unicast)
	n, forward := agg.Next(reg.Load())
	require.True(t, forward)
	assert.Equal(t, session.Unbounded, n)

	_, forward = agg.Next(reg.Load())
	assert.False(t, forward, "infinite demand is forwarded only once")
}

func TestNoSessionsForwardsNothing(t *testing.T) {
	agg := New(Multicast)
	reg := session.New(time.Second)
	_, forward := agg.Next(reg.Load())
	assert.False(t, forward)
}
