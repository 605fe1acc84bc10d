package coordinator

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/memfleet/memfleet/cacheconn"
	"github.com/memfleet/memfleet/contrib/coordstore"
	"github.com/memfleet/memfleet/pkg/buildversion"
	"github.com/memfleet/memfleet/pkg/metrics"
)

var moduleVersion = buildversion.GetVersion("github.com/memfleet/memfleet")

type Options struct {
	// Store is the coordination store to watch.  Its configuration carries
	// the session timeout.
	Store coordstore.Store

	// AdminAddress is the coordination store address, used for logging and
	// error reporting only.
	AdminAddress string

	ServiceCode string

	PoolSize int
	Factory  cacheconn.Factory

	// ConnectTimeout bounds the wait for the store's connected signal.
	// Defaults to the usual session timeout (15s), which also covers slow
	// reverse-DNS on session setup.
	ConnectTimeout time.Duration

	// ConnectWaitTime bounds the initial pool connection wait; zero scales
	// it with the endpoint count.
	ConnectWaitTime time.Duration

	// RetryDelay spaces session re-establishment attempts after failures.
	RetryDelay time.Duration

	Logger *zap.Logger
}

/*
Coordinator supervises the coordination-store session for one cache service
and drives the cache client pool from the membership it observes.

Construction performs the first session establishment synchronously and is
the only place the typed errors (ErrAdminConnectTimeout, ErrServiceNotFound,
ErrInitialization) surface.  After that a background worker re-establishes
the session whenever the membership watcher reports it dead, retrying
forever with a fixed delay; every failure inside the loop is logged and
absorbed.  Note this retries ErrServiceNotFound indefinitely too, on the
assumption the service will eventually be registered.
*/
type Coordinator struct {
	store          coordstore.Store
	adminAddress   string
	serviceCode    string
	poolSize       int
	connectTimeout time.Duration
	retryDelay     time.Duration
	logger         *zap.Logger
	driver         *PoolDriver

	wakeCh       chan struct{}
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	stoppedCh    chan struct{}

	lock      sync.Mutex
	session   coordstore.Session
	watcher   *membershipWatcher
	mode      ClusterMode
	modeKnown bool
}

func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("a coordination store must be provided")
	}
	if opts.ServiceCode == "" {
		return nil, errors.New("a service code must be provided")
	}
	if opts.Factory == nil {
		return nil, errors.New("a cache client factory must be provided")
	}

	connectTimeout := opts.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 15 * time.Second
	}

	retryDelay := opts.RetryDelay
	if retryDelay == 0 {
		retryDelay = 5 * time.Second
	}

	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 1
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Coordinator{
		store:          opts.Store,
		adminAddress:   opts.AdminAddress,
		serviceCode:    opts.ServiceCode,
		poolSize:       poolSize,
		connectTimeout: connectTimeout,
		retryDelay:     retryDelay,
		logger:         logger,
		wakeCh:         make(chan struct{}, 1),
		shutdownCh:     make(chan struct{}),
		stoppedCh:      make(chan struct{}),
	}
	c.driver = NewPoolDriver(PoolDriverOptions{
		PoolSize:        poolSize,
		Factory:         opts.Factory,
		ConnectWaitTime: opts.ConnectWaitTime,
		Logger:          logger,
	})

	err := c.startSession()
	if err != nil {
		return nil, err
	}

	go c.retryThread()

	c.logger.Info("coordinator started",
		zap.String("serviceCode", c.serviceCode),
		zap.String("adminAddress", c.adminAddress))

	return c, nil
}

// Ready is closed once the initial pool build completes.  Readiness means
// the pool exists, not that every endpoint connected in time.
func (c *Coordinator) Ready() <-chan struct{} {
	return c.driver.Ready()
}

func (c *Coordinator) WaitUntilReady(ctx context.Context) error {
	select {
	case <-c.driver.Ready():
		return nil
	case <-c.shutdownCh:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clients returns the current pool snapshot.  Slots whose client failed to
// construct are nil.
func (c *Coordinator) Clients() []cacheconn.Client {
	return c.driver.Clients()
}

// Mode reports the naming convention resolved for the service.
func (c *Coordinator) Mode() ClusterMode {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.mode
}

// Pool exposes the driver so callers can shut the clients down on exit; the
// coordinator itself leaves the pool running across session loss.
func (c *Coordinator) Pool() *PoolDriver {
	return c.driver
}

// Close shuts the coordinator down: it wakes the retry worker, which closes
// any live session and exits without scheduling further attempts.  Safe to
// call more than once and concurrently with an in-flight retry attempt; the
// attempt finishes on its own schedule.
func (c *Coordinator) Close() {
	c.shutdownOnce.Do(func() {
		c.logger.Info("shutting down the coordinator",
			zap.String("serviceCode", c.serviceCode))
		close(c.shutdownCh)
	})

	<-c.stoppedCh
}

func (c *Coordinator) startSession() error {
	c.logger.Info("connecting to the coordination store",
		zap.String("serviceCode", c.serviceCode),
		zap.String("adminAddress", c.adminAddress))

	ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
	defer cancel()

	sess, err := c.store.Connect(ctx)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			c.logger.Error("connecting to the coordination store timed out",
				zap.String("adminAddress", c.adminAddress),
				zap.Duration("timeout", c.connectTimeout))
			return errors.Wrap(ErrAdminConnectTimeout, c.adminAddress)
		}

		c.logger.Error("failed to connect to the coordination store", zap.Error(err))
		return errors.Wrap(ErrInitialization, err.Error())
	}

	mode, err := c.probeClusterMode(ctx, sess)
	if err != nil {
		_ = sess.Close()
		return err
	}

	err = c.registerPresence(ctx, sess, mode)
	if err != nil {
		_ = sess.Close()
		return err
	}

	// the listener is bound to the mode resolved for this session, so a
	// callback can never observe a half-committed coordinator
	watchPath := membershipPath(mode, c.serviceCode)
	watcher, err := newMembershipWatcher(sess, watchPath,
		&boundListener{c: c, mode: mode}, c.notifyWatcherDead, c.logger)
	if err != nil {
		_ = sess.Close()
		return errors.Wrap(ErrInitialization, err.Error())
	}

	c.lock.Lock()
	c.session = sess
	c.watcher = watcher
	c.mode = mode
	c.modeKnown = true
	c.lock.Unlock()

	metrics.Get().SessionsEstablished.Inc()
	c.logger.Info("connected to the coordination store",
		zap.String("serviceCode", c.serviceCode),
		zap.Stringer("mode", mode),
		zap.String("sessionID", sess.SessionID()))

	return nil
}

func (c *Coordinator) probeClusterMode(ctx context.Context, sess coordstore.Session) (ClusterMode, error) {
	replExists, err := sess.Exists(ctx, membershipPath(ModeReplicationAware, c.serviceCode))
	if err != nil {
		return ModeSimple, errors.Wrap(ErrInitialization, err.Error())
	}

	probedMode := ModeReplicationAware
	if !replExists {
		simpleExists, err := sess.Exists(ctx, membershipPath(ModeSimple, c.serviceCode))
		if err != nil {
			return ModeSimple, errors.Wrap(ErrInitialization, err.Error())
		}
		if !simpleExists {
			c.logger.Error("service code not found in the coordination store",
				zap.String("serviceCode", c.serviceCode))
			return ModeSimple, errors.Wrap(ErrServiceNotFound, c.serviceCode)
		}

		probedMode = ModeSimple
	}

	// a service never switches modes; if a probe during recovery disagrees
	// with what we resolved at first connect, trust the original resolution
	c.lock.Lock()
	if c.modeKnown && probedMode != c.mode {
		c.logger.Warn("cluster mode probe disagrees with the established mode, keeping the established mode",
			zap.Stringer("establishedMode", c.mode),
			zap.Stringer("probedMode", probedMode))
		probedMode = c.mode
	}
	c.lock.Unlock()

	return probedMode, nil
}

func (c *Coordinator) registerPresence(ctx context.Context, sess coordstore.Session, mode ClusterMode) error {
	hostname, hostAddr, err := localHostIdentity()
	if err != nil {
		c.logger.Error("failed to resolve the local host for the presence record", zap.Error(err))
		return errors.Wrap(ErrInitialization, err.Error())
	}

	path := presenceNodePath(mode, c.serviceCode, hostname, hostAddr,
		c.poolSize, moduleVersion, time.Now(), sess.SessionID())

	exists, err := sess.Exists(ctx, path)
	if err != nil {
		return errors.Wrap(ErrInitialization, err.Error())
	}
	if exists {
		// another racing registration already created it, which is fine
		return nil
	}

	err = sess.CreateEphemeral(ctx, path, nil)
	if err != nil && !stderrors.Is(err, coordstore.ErrNodeExists) {
		return errors.Wrap(ErrInitialization, err.Error())
	}

	c.logger.Info("registered client presence", zap.String("path", path))
	return nil
}

// boundListener forwards membership callbacks with the cluster mode its
// session was established under.
type boundListener struct {
	c    *Coordinator
	mode ClusterMode
}

var _ membershipListener = (*boundListener)(nil)

func (l *boundListener) OnNodeListChanged(nodeNames []string) {
	l.c.handleNodeListChanged(l.mode, nodeNames)
}

func (c *Coordinator) handleNodeListChanged(mode ClusterMode, nodeNames []string) {
	metrics.Get().MembershipUpdates.Inc()

	endpoints := TranslateAddresses(mode, nodeNames)
	if len(endpoints) == 0 {
		// no endpoints currently known; the existing pool, if any, keeps
		// running against its last address list
		c.logger.Warn("membership update carried no endpoints",
			zap.String("serviceCode", c.serviceCode))
		return
	}

	c.driver.HandleAddresses(mode, endpoints)
}

func (c *Coordinator) notifyWatcherDead() {
	metrics.Get().SessionDeaths.Inc()

	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

func (c *Coordinator) sessionDead() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.session == nil {
		return true
	}
	return c.watcher == nil || c.watcher.IsDead()
}

func (c *Coordinator) closeSession() {
	c.lock.Lock()
	sess := c.session
	c.session = nil
	c.watcher = nil
	c.lock.Unlock()

	if sess == nil {
		return
	}

	c.logger.Info("closing the coordination store session",
		zap.String("serviceCode", c.serviceCode),
		zap.String("sessionID", sess.SessionID()))

	err := sess.Close()
	if err != nil {
		c.logger.Warn("failed to close the coordination store session", zap.Error(err))
	}
}

func (c *Coordinator) retryThread() {
	defer close(c.stoppedCh)

	b := backoff.NewConstantBackOff(c.retryDelay)

MainLoop:
	for {
		select {
		case <-c.shutdownCh:
			break MainLoop
		case <-c.wakeCh:
		}

		for {
			if !c.sessionDead() {
				// spurious wake, the session recovered on its own
				continue MainLoop
			}

			c.logger.Warn("unexpected disconnection from the coordination store, reconnecting",
				zap.String("serviceCode", c.serviceCode),
				zap.String("adminAddress", c.adminAddress))
			c.closeSession()

			err := c.startSession()
			if err == nil {
				continue MainLoop
			}

			c.logger.Error("failed to reconnect to the coordination store", zap.Error(err))
			metrics.Get().RetryFailures.WithLabelValues(retryReason(err)).Inc()

			select {
			case <-time.After(b.NextBackOff()):
			case <-c.shutdownCh:
				break MainLoop
			}
		}
	}

	c.closeSession()
}

func retryReason(err error) string {
	switch {
	case stderrors.Is(err, ErrAdminConnectTimeout):
		return "admin_connect_timeout"
	case stderrors.Is(err, ErrServiceNotFound):
		return "service_not_found"
	case stderrors.Is(err, ErrInitialization):
		return "initialization"
	}
	return "unknown"
}
