// Package driver implements the reference-counted lifecycle of an
// embedded transport.Driver, grounded on
// reactor.aeron.support.EmbeddedMediaDriverManager from the original
// source this specification was distilled from. Unlike that type's
// process-wide singleton (a static INSTANCE field), Manager here is a
// constructable, injectable value per the Open Question resolution in
// SPEC_FULL.md §9: tests get a fresh Manager instead of sharing global
// state. No package-level default Manager is provided; every caller
// constructs its own with New.
package driver

import (
	"strings"
	"sync"
	"time"

	"github.com/aeronio/reactor/reactorerr"
	"github.com/aeronio/reactor/transport"
)

// State is the Driver Manager's lifecycle state, mirroring the
// original's State enum.
type State int

const (
	NotStarted State = iota
	Started
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Started:
		return "Started"
	case ShuttingDown:
		return "ShuttingDown"
	default:
		return "Unknown"
	}
}

// DefaultRetryShutdownInterval and DefaultShutdownTimeout mirror the
// original's DEFAULT_RETRY_SHUTDOWN_MILLIS and
// DEFAULT_SHUTDOWN_TIMEOUT_NS.
const (
	DefaultRetryShutdownInterval = 250 * time.Millisecond
	DefaultShutdownTimeout       = 10 * time.Second
)

// Launcher starts a fresh embedded transport.Driver. Production code
// plugs in wsdriver.New; tests plug in a func returning a
// memtransport.Driver.
type Launcher func() (transport.Driver, error)

// Manager is a process-wide (or per-test) refcounted handle to one
// embedded transport.Driver. The zero value is not usable; construct
// with New.
type Manager struct {
	launch                 Launcher
	retryShutdownInterval   time.Duration
	shutdownTimeout         time.Duration
	shouldShutdownWhenEmpty bool

	mu       sync.Mutex
	state    State
	refcount int
	drv      transport.Driver
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithRetryShutdownInterval overrides DefaultRetryShutdownInterval.
func WithRetryShutdownInterval(d time.Duration) Option {
	return func(m *Manager) { m.retryShutdownInterval = d }
}

// WithShutdownTimeout overrides DefaultShutdownTimeout.
func WithShutdownTimeout(d time.Duration) Option {
	return func(m *Manager) { m.shutdownTimeout = d }
}

// WithShutdownWhenEmpty controls whether a refcount reaching zero
// triggers shutdown, mirroring shouldShutdownWhenNotUsed in the
// original. Defaults to true.
func WithShutdownWhenEmpty(v bool) Option {
	return func(m *Manager) { m.shouldShutdownWhenEmpty = v }
}

// New creates a Manager that launches its embedded driver with launch
// on first Acquire.
func New(launch Launcher, opts ...Option) *Manager {
	m := &Manager{
		launch:                  launch,
		retryShutdownInterval:   DefaultRetryShutdownInterval,
		shutdownTimeout:         DefaultShutdownTimeout,
		shouldShutdownWhenEmpty: true,
		state:                   NotStarted,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire increments the refcount, starting the embedded driver on the
// first call. It fails with reactorerr.ErrManagerShuttingDown if the
// manager is mid-teardown, mirroring launchDriver's IllegalStateException
// but as a recoverable error value instead of a thrown exception.
func (m *Manager) Acquire() (transport.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == ShuttingDown {
		return nil, reactorerr.ErrManagerShuttingDown
	}

	if m.drv == nil {
		drv, err := m.launch()
		if err != nil {
			return nil, err
		}
		m.drv = drv
		m.state = Started
	}
	m.refcount++
	return m.drv, nil
}

// Release decrements the refcount. When it reaches zero and
// shouldShutdownWhenEmpty is set, it transitions to ShuttingDown and
// starts the bounded retry-then-force shutdown loop in a background
// goroutine, mirroring shutdownDriver → shutdown.
func (m *Manager) Release() {
	m.mu.Lock()
	if m.refcount > 0 {
		m.refcount--
	}
	shouldShutdown := m.refcount == 0 && m.shouldShutdownWhenEmpty && m.state == Started
	if shouldShutdown {
		m.state = ShuttingDown
	}
	m.mu.Unlock()

	if shouldShutdown {
		go m.runShutdown()
	}
}

// Counter reports the current refcount.
func (m *Manager) Counter() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refcount
}

// CurrentState reports the current lifecycle state.
func (m *Manager) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsTerminated reports whether the manager has completed teardown.
func (m *Manager) IsTerminated() bool {
	return m.CurrentState() == NotStarted
}

// runShutdown is the bounded retry-then-force shutdown algorithm from
// SPEC_FULL.md §4.2: poll the driver's counters every
// retryShutdownInterval; force shutdown once no "sender pos"/
// "subscriber pos" labels remain, or once shutdownTimeout elapses,
// whichever comes first.
func (m *Manager) runShutdown() {
	deadline := time.Now().Add(m.shutdownTimeout)
	ticker := time.NewTicker(m.retryShutdownInterval)
	defer ticker.Stop()

	for {
		if m.canForceShutdown() || time.Now().After(deadline) {
			m.forceShutdown()
			return
		}
		<-ticker.C
	}
}

func (m *Manager) canForceShutdown() bool {
	m.mu.Lock()
	drv := m.drv
	m.mu.Unlock()
	if drv == nil {
		return true
	}

	canShutdown := true
	drv.Counters().ForEach(func(_ int, label string) {
		if strings.HasPrefix(label, "sender pos") || strings.HasPrefix(label, "subscriber pos") {
			canShutdown = false
		}
	})
	return canShutdown
}

func (m *Manager) forceShutdown() {
	m.mu.Lock()
	drv := m.drv
	m.drv = nil
	m.refcount = 0
	m.state = NotStarted
	m.mu.Unlock()

	if drv != nil {
		drv.Close()
	}
}

// ForceShutdownNow bypasses the retry loop, closing the driver
// immediately regardless of outstanding position counters. It exists
// for tests and emergency teardown paths; production callers should
// prefer Release and let runShutdown apply the bounded wait.
func (m *Manager) ForceShutdownNow() {
	m.mu.Lock()
	m.state = ShuttingDown
	m.mu.Unlock()
	m.forceShutdown()
}
