package coordinator

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/memfleet/memfleet/cacheconn"
	"github.com/memfleet/memfleet/pkg/metrics"
)

// perEndpointConnectWait is the per-endpoint slice of the synthesized startup
// wait budget used when no explicit wait time is configured.
const perEndpointConnectWait = 50 * time.Millisecond

type PoolDriverOptions struct {
	PoolSize int
	Factory  cacheconn.Factory

	// ConnectWaitTime bounds the wait for initial connections.  Zero means
	// scale with the endpoint count instead.
	ConnectWaitTime time.Duration

	Logger *zap.Logger
}

/*
PoolDriver owns the pool of cache-connection clients.  The first membership
notification builds the pool and waits (bounded) for the initial connections;
every later one pushes the new address list into the already-running clients.
The pool itself is an immutable snapshot swapped atomically, so readers never
observe it half-built, and it is never resized after construction.
*/
type PoolDriver struct {
	poolSize        int
	factory         cacheconn.Factory
	connectWaitTime time.Duration
	logger          *zap.Logger

	buildLock sync.Mutex
	pool      atomic.Pointer[poolSnapshot]

	readyOnce sync.Once
	readyCh   chan struct{}
}

type poolSnapshot struct {
	clients []cacheconn.Client
}

func NewPoolDriver(opts PoolDriverOptions) *PoolDriver {
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 1
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PoolDriver{
		poolSize:        poolSize,
		factory:         opts.Factory,
		connectWaitTime: opts.ConnectWaitTime,
		logger:          logger,
		readyCh:         make(chan struct{}),
	}
}

// Ready is closed once the initial pool build has completed, regardless of
// how many endpoints actually connected in time.
func (d *PoolDriver) Ready() <-chan struct{} {
	return d.readyCh
}

// Clients returns the current pool.  Slots whose client failed to construct
// are nil and stay that way for the pool's lifetime.  Returns nil before the
// first membership notification arrives.
func (d *PoolDriver) Clients() []cacheconn.Client {
	snap := d.pool.Load()
	if snap == nil {
		return nil
	}
	return snap.clients
}

// HandleAddresses routes a membership notification: the first one builds the
// pool, later ones update it.  Callers must not deliver an empty list.
func (d *PoolDriver) HandleAddresses(mode ClusterMode, endpoints []string) {
	d.buildLock.Lock()
	defer d.buildLock.Unlock()

	if d.pool.Load() == nil {
		d.buildInitial(mode, endpoints)
		return
	}

	d.updateAddresses(endpoints)
}

// Shutdown shuts down every constructed client in the pool.
func (d *PoolDriver) Shutdown() {
	snap := d.pool.Load()
	if snap == nil {
		return
	}

	for _, client := range snap.clients {
		if client == nil {
			continue
		}
		client.Shutdown()
	}
}

func (d *PoolDriver) connectBudget(numTargets int) time.Duration {
	if d.connectWaitTime > 0 {
		return d.connectWaitTime
	}
	return time.Duration(numTargets) * perEndpointConnectWait
}

func (d *PoolDriver) buildInitial(mode ClusterMode, endpoints []string) {
	numTargets := CountConnectTargets(mode, endpoints)
	latch := newConnectLatch(numTargets)

	clients := make([]cacheconn.Client, d.poolSize)
	for i := range clients {
		client, err := d.factory.NewClient(endpoints, latch)
		if err != nil {
			// the slot stays unset; the rest of the pool carries on
			d.logger.Error("failed to construct a cache client, pool slot left unset",
				zap.Int("slot", i), zap.Error(err))
			continue
		}

		clients[i] = client
	}

	d.pool.Store(&poolSnapshot{clients: clients})
	metrics.Get().PoolBuilds.Inc()

	if numTargets > 0 {
		select {
		case <-latch.DoneCh():
			d.logger.Info("all cache connections are established",
				zap.Int("numEndpoints", numTargets))
		case <-time.After(d.connectBudget(numTargets)):
			// not fatal, the clients keep reconnecting on their own
			d.logger.Warn("some cache connections are not established",
				zap.Int("numEndpoints", numTargets))
		}
	}

	d.readyOnce.Do(func() {
		close(d.readyCh)
	})
}

func (d *PoolDriver) updateAddresses(endpoints []string) {
	addrs := strings.Join(endpoints, ",")

	snap := d.pool.Load()
	for _, client := range snap.clients {
		if client == nil {
			continue
		}

		client.PushAddressUpdate(addrs)
		client.WakeEventLoop()
	}

	metrics.Get().PoolUpdates.Inc()
	d.logger.Info("pushed updated cache addresses to the pool",
		zap.Int("numEndpoints", len(endpoints)))
}

/*
connectLatch counts down as endpoints report their first successful connect.
Repeat connects of the same endpoint never double-count; the target is sized
off the initial address set only, so endpoints that appear mid-startup do not
grow it.
*/
type connectLatch struct {
	lock      sync.Mutex
	remaining int
	seen      map[string]struct{}
	doneCh    chan struct{}
}

var _ cacheconn.Observer = (*connectLatch)(nil)

func newConnectLatch(target int) *connectLatch {
	l := &connectLatch{
		remaining: target,
		seen:      make(map[string]struct{}),
		doneCh:    make(chan struct{}),
	}
	if target <= 0 {
		close(l.doneCh)
	}
	return l
}

func (l *connectLatch) DoneCh() <-chan struct{} {
	return l.doneCh
}

func (l *connectLatch) OnConnected(endpoint string) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if _, ok := l.seen[endpoint]; ok {
		return
	}
	l.seen[endpoint] = struct{}{}

	if l.remaining == 0 {
		return
	}
	l.remaining--
	if l.remaining == 0 {
		close(l.doneCh)
	}
}

func (l *connectLatch) OnDisconnected(endpoint string) {
}
