// Command reactor-demo exercises an Aeron-backed reactive processor
// end to end over the embedded loopback websocket driver: one side
// publishes a burst of items, the other side subscribes and requests
// them in small batches, printing delivered items and a final snapshot
// of the demo's expvar counters. It is mostly useful as a manual smoke test and example
// of wiring a Processor together, typical applications will use the
// reactor package as a library in their own main command.
package main

import (
	"context"
	"expvar"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/aeronio/reactor"
	"github.com/aeronio/reactor/config"
	"github.com/aeronio/reactor/driver"
	"github.com/aeronio/reactor/transport"
	"github.com/aeronio/reactor/transport/wsdriver"
)

var (
	configFlag = flag.String("config", "", "Path of the configuration `file`.")
	countFlag  = flag.Int("n", 20, "Number of `items` to publish.")
	batchFlag  = flag.Int("b", 4, "Request `batch` size for the demo subscriber.")
	noLogFlag  = flag.Bool("L", false, "Disable logging.")
)

var vars = expvar.NewMap("reactor")

func main() {
	flag.Parse()

	logFn := log.Printf
	if *noLogFlag {
		logFn = func(_ string, _ ...interface{}) {}
	}

	ctx, err := config.FromFile(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration file: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	if err := run(ctx, logFn); err != nil {
		log.Fatalf("demo failed: %v", err)
	}
}

func launch() (transport.Driver, error) { return wsdriver.New() }

func run(rc reactor.Context, logFn func(string, ...interface{})) error {
	mgr := driver.New(launch)
	defer mgr.ForceShutdownNow()

	bg := context.Background()

	senderCtx := rc
	receiverCtx := rc
	receiverCtx.LaunchEmbeddedDriver = false

	pub, err := reactor.Share(bg, senderCtx, mgr)
	if err != nil {
		return fmt.Errorf("create publisher processor: %w", err)
	}
	defer pub.Shutdown(nil)

	sub, err := reactor.Create(bg, receiverCtx, mgr)
	if err != nil {
		return fmt.Errorf("create subscriber processor: %w", err)
	}
	defer sub.Shutdown(nil)

	done := make(chan struct{})
	var received int

	sub.Subscribe(&demoSubscriber{
		batch: *batchFlag,
		onNext: func(b []byte) {
			received++
			vars.Add("received", 1)
			logFn("received: %s", string(b))
		},
		onComplete: func() {
			logFn("subscriber: upstream complete, received %d items", received)
			close(done)
		},
		onError: func(err error) {
			logFn("subscriber: upstream error: %v", err)
			close(done)
		},
	})

	pub.OnSubscribe(noopUpstreamSubscription{})
	for i := 0; i < *countFlag; i++ {
		pub.OnNext([]byte("item-" + strconv.Itoa(i)))
	}
	pub.OnComplete()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logFn("timed out waiting for completion")
	}

	logFn("expvar snapshot: %s", vars.String())
	return nil
}

// noopUpstreamSubscription satisfies reactor.Subscription for the
// demo's producer side, which pushes items eagerly rather than in
// response to upstream demand.
type noopUpstreamSubscription struct{}

func (noopUpstreamSubscription) Request(uint64) {}
func (noopUpstreamSubscription) Cancel()        {}

// demoSubscriber requests items in small batches, re-requesting one at
// a time as each item arrives, the same staged-demand shape as
// SPEC_FULL.md's multicast demo scenario.
type demoSubscriber struct {
	sub        reactor.Subscription
	batch      int
	onNext     func([]byte)
	onComplete func()
	onError    func(error)
}

func (d *demoSubscriber) OnSubscribe(s reactor.Subscription) {
	d.sub = s
	s.Request(uint64(d.batch))
}

func (d *demoSubscriber) OnNext(b []byte) {
	d.onNext(b)
	d.sub.Request(1)
}

func (d *demoSubscriber) OnComplete()      { d.onComplete() }
func (d *demoSubscriber) OnError(err error) { d.onError(err) }
