package coordinator

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/memfleet/memfleet/contrib/coordstore"
)

const testServiceCode = "test-service"

func newTestStore(mode ClusterMode, nodeNames ...string) *coordstore.InProcStore {
	store := coordstore.NewInProcStore()
	store.CreateNode(membershipPath(mode, testServiceCode), nil)
	for _, name := range nodeNames {
		store.CreateNode(membershipPath(mode, testServiceCode)+"/"+name, nil)
	}
	return store
}

func newTestCoordinator(t *testing.T, store *coordstore.InProcStore, factory *fakeFactory) *Coordinator {
	t.Helper()

	coord, err := New(Options{
		Store:           store,
		AdminAddress:    "inproc",
		ServiceCode:     testServiceCode,
		PoolSize:        1,
		Factory:         factory,
		ConnectTimeout:  time.Second,
		ConnectWaitTime: 50 * time.Millisecond,
		RetryDelay:      25 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(coord.Close)

	return coord
}

func waitReady(t *testing.T, coord *Coordinator) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, coord.WaitUntilReady(ctx))
}

func TestCoordinatorSimpleMode(t *testing.T) {
	store := newTestStore(ModeSimple, "10.0.0.1:11211-cacheA")
	factory := &fakeFactory{autoConnect: true}

	coord := newTestCoordinator(t, store, factory)
	waitReady(t, coord)

	assert.Equal(t, ModeSimple, coord.Mode())

	clients := coord.Clients()
	require.Len(t, clients, 1)
	require.NotNil(t, clients[0])

	// the presence record must land under the simple-mode client list and
	// match the operator tooling layout
	presenceNames := store.ChildNames(simpleBasePath + "/client_list/" + testServiceCode)
	require.Len(t, presenceNames, 1)
	assert.Regexp(t,
		regexp.MustCompile(`^[^_]+_[^_]+_1_go_[^_]+_\d{14}_[0-9a-f]+$`),
		presenceNames[0])
}

func TestCoordinatorReplicationMode(t *testing.T) {
	store := newTestStore(ModeReplicationAware, "g1^M^10.0.0.1:11211-cacheA")
	factory := &fakeFactory{autoConnect: true}

	coord := newTestCoordinator(t, store, factory)
	waitReady(t, coord)

	assert.Equal(t, ModeReplicationAware, coord.Mode())

	presenceNames := store.ChildNames(replBasePath + "/client_list/" + testServiceCode)
	assert.Len(t, presenceNames, 1)
}

func TestCoordinatorServiceNotFound(t *testing.T) {
	store := coordstore.NewInProcStore()

	_, err := New(Options{
		Store:       store,
		ServiceCode: "no-such-service",
		Factory:     &fakeFactory{},
		RetryDelay:  25 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServiceNotFound)

	// the half-open session must have been torn down
	assert.Equal(t, 0, store.LiveSessions())
}

func TestCoordinatorAdminConnectTimeout(t *testing.T) {
	store := coordstore.NewInProcStore()
	store.SetConnectDelay(500 * time.Millisecond)

	_, err := New(Options{
		Store:          store,
		ServiceCode:    testServiceCode,
		Factory:        &fakeFactory{},
		ConnectTimeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAdminConnectTimeout)
}

func TestCoordinatorMembershipUpdate(t *testing.T) {
	store := newTestStore(ModeSimple, "10.0.0.1:11211-cacheA")
	factory := &fakeFactory{autoConnect: true}

	coord := newTestCoordinator(t, store, factory)
	waitReady(t, coord)

	store.CreateNode(membershipPath(ModeSimple, testServiceCode)+"/10.0.0.2:11211-cacheB", nil)

	require.Eventually(t, func() bool {
		clients := factory.builtClients()
		if len(clients) != 1 {
			return false
		}
		addrs, ok := clients[0].lastPushed()
		return ok && addrs == "10.0.0.1:11211,10.0.0.2:11211"
	}, 5*time.Second, 10*time.Millisecond, "pool never saw the updated address list")

	// the pool itself must not have been rebuilt
	assert.Equal(t, 1, factory.numCalls())
}

func TestCoordinatorEmptyMembershipKeepsPool(t *testing.T) {
	store := newTestStore(ModeSimple, "10.0.0.1:11211-cacheA")
	factory := &fakeFactory{autoConnect: true}

	coord := newTestCoordinator(t, store, factory)
	waitReady(t, coord)

	store.DeleteNode(membershipPath(ModeSimple, testServiceCode) + "/10.0.0.1:11211-cacheA")

	// an empty membership list must never be pushed into the pool
	time.Sleep(100 * time.Millisecond)
	clients := factory.builtClients()
	require.Len(t, clients, 1)
	_, pushed := clients[0].lastPushed()
	assert.False(t, pushed)
	assert.Equal(t, 1, factory.numCalls())
}

func TestCoordinatorSessionRecovery(t *testing.T) {
	store := newTestStore(ModeSimple, "10.0.0.1:11211-cacheA")
	factory := &fakeFactory{autoConnect: true}

	coord := newTestCoordinator(t, store, factory)
	waitReady(t, coord)

	firstAttempts := store.ConnectAttempts()
	store.KillSessions()

	require.Eventually(t, func() bool {
		return store.LiveSessions() == 1 && store.ConnectAttempts() > firstAttempts
	}, 5*time.Second, 10*time.Millisecond, "session was never re-established")

	// the presence record comes back with the new session
	require.Eventually(t, func() bool {
		return len(store.ChildNames(simpleBasePath+"/client_list/"+testServiceCode)) == 1
	}, 5*time.Second, 10*time.Millisecond, "presence record was not re-registered")

	// the pool survives session loss untouched
	assert.Equal(t, 1, factory.numCalls())
}

func TestCoordinatorRetryPacing(t *testing.T) {
	store := newTestStore(ModeSimple, "10.0.0.1:11211-cacheA")
	factory := &fakeFactory{autoConnect: true}

	coord := newTestCoordinator(t, store, factory)
	waitReady(t, coord)

	baseline := store.ConnectAttempts()
	store.SetConnectError(fmt.Errorf("admin is down"))
	store.KillSessions()

	// with a 25ms retry delay, 200ms allows at most ~8 paced attempts; the
	// loop must keep retrying without terminating and without storming
	time.Sleep(200 * time.Millisecond)
	failedAttempts := store.ConnectAttempts() - baseline
	assert.GreaterOrEqual(t, failedAttempts, 2)
	assert.LessOrEqual(t, failedAttempts, 10)

	// once the store recovers, so does the coordinator
	store.SetConnectError(nil)
	require.Eventually(t, func() bool {
		return store.LiveSessions() == 1
	}, 5*time.Second, 10*time.Millisecond, "coordinator did not recover after the store came back")
}

func TestCoordinatorCloseIdempotent(t *testing.T) {
	store := newTestStore(ModeSimple, "10.0.0.1:11211-cacheA")
	factory := &fakeFactory{autoConnect: true}

	coord := newTestCoordinator(t, store, factory)
	waitReady(t, coord)

	coord.Close()
	coord.Close()

	assert.Equal(t, 0, store.LiveSessions())
}

func TestCoordinatorCloseDuringRetry(t *testing.T) {
	store := newTestStore(ModeSimple, "10.0.0.1:11211-cacheA")
	factory := &fakeFactory{autoConnect: true}

	coord := newTestCoordinator(t, store, factory)
	waitReady(t, coord)

	store.SetConnectError(errors.New("admin is down"))
	store.KillSessions()

	// let the retry loop get going, then shut down mid-flight
	time.Sleep(50 * time.Millisecond)

	closedCh := make(chan struct{})
	go func() {
		coord.Close()
		close(closedCh)
	}()

	select {
	case <-closedCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("close did not complete while retries were in flight")
	}

	attempts := store.ConnectAttempts()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, attempts, store.ConnectAttempts(), "retry attempts continued after close")
	assert.Equal(t, 0, store.LiveSessions())
}

func TestCoordinatorPresenceRegistrationIdempotent(t *testing.T) {
	store := newTestStore(ModeSimple, "10.0.0.1:11211-cacheA")

	sess, err := store.Connect(context.Background())
	require.NoError(t, err)
	defer func() {
		_ = sess.Close()
	}()

	c := &Coordinator{
		serviceCode: testServiceCode,
		poolSize:    1,
		logger:      zap.NewNop(),
	}

	require.NoError(t, c.registerPresence(context.Background(), sess, ModeSimple))
	require.NoError(t, c.registerPresence(context.Background(), sess, ModeSimple))
}
