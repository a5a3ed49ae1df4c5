// Package memtransport implements an in-process transport.Driver backed
// by channels and a mutex-guarded position-counter map, with no sockets
// and no external process. It is the default driver for unit tests and
// for any end-to-end scenario that doesn't need a real embedded media
// driver, grounded on the in-memory mock-server pattern this
// repository's own broker tests use (internal/redistest).
package memtransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/aeronio/reactor/transport"
)

type streamKey struct {
	channel  string
	streamID int32
}

// Driver is an in-process transport.Driver. Every Publication/
// Subscription pair created for the same (channel, streamId) shares one
// broadcast hub, so frames offered by a publication are observed by
// every subscription polling the same key, emulating Aeron's
// shared-memory multicast semantics without a real transport.
type Driver struct {
	mu      sync.Mutex
	hubs    map[streamKey]*hub
	closed  bool
	nextPos int
}

// New creates a fresh, empty in-process driver.
func New() *Driver {
	return &Driver{hubs: make(map[streamKey]*hub)}
}

func (d *Driver) hubFor(channel string, streamID int32) *hub {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := streamKey{channel, streamID}
	h, ok := d.hubs[key]
	if !ok {
		h = newHub()
		d.hubs[key] = h
	}
	return h
}

// Publication implements transport.Driver.
func (d *Driver) Publication(_ context.Context, channel string, streamID int32) (transport.Publication, error) {
	h := d.hubFor(channel, streamID)
	d.mu.Lock()
	d.nextPos++
	id := d.nextPos
	d.mu.Unlock()
	return h.newPublication(id), nil
}

// Subscription implements transport.Driver.
func (d *Driver) Subscription(_ context.Context, channel string, streamID int32) (transport.Subscription, error) {
	h := d.hubFor(channel, streamID)
	d.mu.Lock()
	d.nextPos++
	id := d.nextPos
	d.mu.Unlock()
	return h.newSubscription(id), nil
}

// Counters implements transport.Driver.
func (d *Driver) Counters() transport.Counters {
	return countersFunc(func(fn func(id int, label string)) {
		d.mu.Lock()
		hubs := make([]*hub, 0, len(d.hubs))
		for _, h := range d.hubs {
			hubs = append(hubs, h)
		}
		d.mu.Unlock()
		for _, h := range hubs {
			h.forEachCounter(fn)
		}
	})
}

// Close implements transport.Driver.
func (d *Driver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

type countersFunc func(fn func(id int, label string))

func (f countersFunc) ForEach(fn func(id int, label string)) { f(fn) }

// hub fans out frames offered on any of its publications to every
// subscription polling it, and tracks one "sender pos"/"subscriber pos"
// counter per live publication/subscription so the Driver Manager's
// shutdown algorithm has something real to inspect.
type hub struct {
	mu   sync.Mutex
	subs map[int]*subscription
	pubs map[int]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[int]*subscription), pubs: make(map[int]struct{})}
}

func (h *hub) newPublication(id int) *publication {
	h.mu.Lock()
	h.pubs[id] = struct{}{}
	h.mu.Unlock()
	return &publication{hub: h, id: id}
}

func (h *hub) newSubscription(id int) *subscription {
	s := &subscription{hub: h, id: id, frames: make(chan []byte, 1024)}
	h.mu.Lock()
	h.subs[id] = s
	h.mu.Unlock()
	return s
}

func (h *hub) broadcast(b []byte) transport.OfferResult {
	cp := make([]byte, len(b))
	copy(cp, b)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) == 0 {
		return transport.OfferNotConnected
	}
	for _, s := range h.subs {
		select {
		case s.frames <- cp:
		default:
			return transport.OfferBackPressured
		}
	}
	return transport.OfferOK
}

func (h *hub) removePublication(id int) {
	h.mu.Lock()
	delete(h.pubs, id)
	h.mu.Unlock()
}

func (h *hub) removeSubscription(id int) {
	h.mu.Lock()
	s, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		close(s.frames)
	}
}

func (h *hub) forEachCounter(fn func(id int, label string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.pubs {
		fn(id, fmt.Sprintf("sender pos %d", id))
	}
	for id := range h.subs {
		fn(id, fmt.Sprintf("subscriber pos %d", id))
	}
}

type publication struct {
	hub    *hub
	id     int
	closed bool
	mu     sync.Mutex
}

func (p *publication) Offer(b []byte) transport.OfferResult {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return transport.OfferClosed
	}
	return p.hub.broadcast(b)
}

func (p *publication) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.hub.removePublication(p.id)
	return nil
}

type subscription struct {
	hub    *hub
	id     int
	frames chan []byte
	closed bool
	mu     sync.Mutex
}

func (s *subscription) Poll(handler transport.FrameHandler, limit int) int {
	n := 0
	for n < limit {
		select {
		case b, ok := <-s.frames:
			if !ok {
				return n
			}
			handler(b)
			n++
		default:
			return n
		}
	}
	return n
}

func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.hub.removeSubscription(s.id)
	return nil
}
