package wsdriver

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/aeronio/reactor/transport"
)

// wsPublication adapts a dialed websocket connection to
// transport.Publication. wmu is the channel-as-mutex exclusive write
// lock this repository uses in internal/wswriter: a single buffered
// slot that Offer must acquire before writing and always returns.
type wsPublication struct {
	conn   *websocket.Conn
	wmu    chan struct{}
	mu     sync.Mutex
	closed bool
}

func newWSPublication(conn *websocket.Conn) *wsPublication {
	p := &wsPublication{conn: conn, wmu: make(chan struct{}, 1)}
	p.wmu <- struct{}{}
	return p
}

func (p *wsPublication) Offer(b []byte) transport.OfferResult {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return transport.OfferClosed
	}

	<-p.wmu
	err := p.conn.WriteMessage(websocket.BinaryMessage, b)
	p.wmu <- struct{}{}

	if err == nil {
		return transport.OfferOK
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return transport.OfferClosed
	}
	// the relay's subscriber set may be momentarily empty between a
	// subscriber's disconnect and a new one dialing in; treat any other
	// write failure as a transient not-connected condition so the
	// Sender's retry loop, not this adapter, decides when to give up.
	return transport.OfferNotConnected
}

func (p *wsPublication) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.conn.Close()
}

// wsSubscription adapts a dialed websocket connection to
// transport.Subscription, reading frames on a dedicated goroutine into
// a buffered channel so Poll itself never blocks, matching the
// non-blocking poll contract in SPEC_FULL.md §6.
type wsSubscription struct {
	conn   *websocket.Conn
	frames chan []byte
	done   chan struct{}
	closeO sync.Once
}

func newWSSubscription(conn *websocket.Conn) *wsSubscription {
	s := &wsSubscription{
		conn:   conn,
		frames: make(chan []byte, 1024),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *wsSubscription) readLoop() {
	defer close(s.frames)
	for {
		msgType, b, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		select {
		case s.frames <- b:
		case <-s.done:
			return
		}
	}
}

func (s *wsSubscription) Poll(handler transport.FrameHandler, limit int) int {
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

func (s *wsSubscription) Close() error {
	var err error
	s.closeO.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}
