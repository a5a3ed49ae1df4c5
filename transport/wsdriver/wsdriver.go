// Package wsdriver implements an embedded transport.Driver as a
// loopback HTTP+WebSocket relay, the closest faithful Go analog of
// Aeron's MediaDriver.launchEmbedded available without cgo bindings to
// the real Aeron client. Every Publication and Subscription is a
// websocket client connection dialed back into the relay; the relay
// fans a publication's frames out to every subscription registered on
// the same (channel, streamId), which is the transport's shared-memory
// multicast semantics restated over a socket.
//
// The adapters' connection bookkeeping (a channel-as-mutex write lock
// around every publication write, a sync.Once-guarded close and done
// channel on every subscription) is adapted from this repository's own
// conn.go and internal/wswriter; the relay itself writes to subscriber
// connections only while holding its per-(channel, streamId) hub lock.
package wsdriver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeronio/reactor/transport"
)

const relayPath = "/relay"

// roleHeader/channelHeader/streamHeader identify a relay connection's
// role and addressed (channel, streamId) during the websocket
// handshake, the same way this repository's own server negotiates
// allowed message types via a request header (Juggler-Allowed-Messages)
// rather than a payload round-trip.
const (
	roleHeader    = "X-Reactor-Role"
	channelHeader = "X-Reactor-Channel"
	streamHeader  = "X-Reactor-Stream-Id"

	rolePublication  = "pub"
	roleSubscription = "sub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Driver is an embedded, process-local transport.Driver backed by a
// loopback websocket relay. Call Close to shut the relay's listener
// down; it is safe to call more than once.
type Driver struct {
	ln     net.Listener
	srv    *http.Server
	addr   string
	dialer *websocket.Dialer

	relay *relay

	closeOnce sync.Once
}

// New starts the embedded relay on a loopback port chosen by the OS
// and returns a ready-to-use Driver.
func New() (*Driver, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("wsdriver: listen: %w", err)
	}

	rl := newRelay()
	mux := http.NewServeMux()
	mux.Handle(relayPath, rl)
	srv := &http.Server{Handler: mux}

	d := &Driver{
		ln:     ln,
		srv:    srv,
		addr:   ln.Addr().String(),
		dialer: &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		relay:  rl,
	}

	go srv.Serve(ln)
	return d, nil
}

// Publication implements transport.Driver.
func (d *Driver) Publication(ctx context.Context, channel string, streamID int32) (transport.Publication, error) {
	conn, err := d.dial(ctx, rolePublication, channel, streamID)
	if err != nil {
		return nil, err
	}
	return newWSPublication(conn), nil
}

// Subscription implements transport.Driver.
func (d *Driver) Subscription(ctx context.Context, channel string, streamID int32) (transport.Subscription, error) {
	conn, err := d.dial(ctx, roleSubscription, channel, streamID)
	if err != nil {
		return nil, err
	}
	return newWSSubscription(conn), nil
}

// Counters implements transport.Driver.
func (d *Driver) Counters() transport.Counters {
	return d.relay
}

// Close implements transport.Driver: it stops the relay's listener.
// Idempotent.
func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		err = d.srv.Close()
	})
	return err
}

func (d *Driver) dial(ctx context.Context, role, channel string, streamID int32) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set(roleHeader, role)
	header.Set(channelHeader, channel)
	header.Set(streamHeader, fmt.Sprintf("%d", streamID))

	url := fmt.Sprintf("ws://%s%s", d.addr, relayPath)
	conn, _, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("wsdriver: dial: %w", err)
	}
	return conn, nil
}
