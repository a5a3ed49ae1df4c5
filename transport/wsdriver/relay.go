package wsdriver

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
)

type streamKey struct {
	channel  string
	streamID int32
}

// relay is the embedded media driver's broadcast core: it upgrades
// incoming connections, tags them by role and (channel, streamId), and
// fans out every byte frame written by a publication connection to
// every subscription connection sharing its key. It also implements
// transport.Counters, reporting one "sender pos"/"subscriber pos"
// counter per live connection, the way a real Aeron media driver
// reports per-image position counters.
type relay struct {
	mu   sync.Mutex
	hubs map[streamKey]*relayHub
}

func newRelay() *relay {
	return &relay{hubs: make(map[streamKey]*relayHub)}
}

func (r *relay) hubFor(key streamKey) *relayHub {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[key]
	if !ok {
		h = newRelayHub()
		r.hubs[key] = h
	}
	return h
}

// ForEach implements transport.Counters.
func (r *relay) ForEach(fn func(id int, label string)) {
	r.mu.Lock()
	hubs := make([]*relayHub, 0, len(r.hubs))
	for _, h := range r.hubs {
		hubs = append(hubs, h)
	}
	r.mu.Unlock()
	for _, h := range hubs {
		h.forEachCounter(fn)
	}
}

func (r *relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	role := req.Header.Get(roleHeader)
	channel := req.Header.Get(channelHeader)
	streamID, err := strconv.Atoi(req.Header.Get(streamHeader))
	if err != nil || (role != rolePublication && role != roleSubscription) {
		http.Error(w, "bad relay handshake", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	h := r.hubFor(streamKey{channel: channel, streamID: int32(streamID)})
	if role == rolePublication {
		h.servePublisher(conn)
	} else {
		h.serveSubscriber(conn)
	}
}

// relayHub is the per-(channel,streamId) fan-out point, analogous to
// memtransport's hub but speaking websocket frames over real sockets
// instead of Go channels directly.
type relayHub struct {
	mu   sync.Mutex
	pubs map[int]*websocket.Conn
	subs map[int]*websocket.Conn
	next int
}

func newRelayHub() *relayHub {
	return &relayHub{pubs: make(map[int]*websocket.Conn), subs: make(map[int]*websocket.Conn)}
}

func (h *relayHub) servePublisher(conn *websocket.Conn) {
	h.mu.Lock()
	h.next++
	id := h.next
	h.pubs[id] = conn
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pubs, id)
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		msgType, b, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		h.broadcast(b)
	}
}

func (h *relayHub) serveSubscriber(conn *websocket.Conn) {
	h.mu.Lock()
	h.next++
	id := h.next
	h.subs[id] = conn
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		conn.Close()
	}()

	// a subscriber connection is write-only from the relay's
	// perspective; it still must read (and discard) to drive the
	// underlying websocket's control-frame handling and to notice when
	// the peer closes the connection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *relayHub) broadcast(b []byte) {
	// writes happen under the hub lock so two publisher connections
	// never write to the same subscriber connection at once.
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.subs {
		_ = c.WriteMessage(websocket.BinaryMessage, b)
	}
}

func (h *relayHub) forEachCounter(fn func(id int, label string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.pubs {
		fn(id, fmt.Sprintf("sender pos %d", id))
	}
	for id := range h.subs {
		fn(id, fmt.Sprintf("subscriber pos %d", id))
	}
}
