package coordinator

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/memfleet/memfleet/cacheconn"
)

type fakeClient struct {
	lock      sync.Mutex
	pushed    []string
	wakes     int
	shutdowns int
}

var _ cacheconn.Client = (*fakeClient)(nil)

func (c *fakeClient) PushAddressUpdate(addrs string) {
	c.lock.Lock()
	c.pushed = append(c.pushed, addrs)
	c.lock.Unlock()
}

func (c *fakeClient) WakeEventLoop() {
	c.lock.Lock()
	c.wakes++
	c.lock.Unlock()
}

func (c *fakeClient) Shutdown() {
	c.lock.Lock()
	c.shutdowns++
	c.lock.Unlock()
}

func (c *fakeClient) lastPushed() (string, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if len(c.pushed) == 0 {
		return "", false
	}
	return c.pushed[len(c.pushed)-1], true
}

/*
fakeFactory builds fakeClients.  With autoConnect set it reports every
endpoint as connected during construction, which satisfies the startup latch
immediately.  Slots listed in failSlots fail construction with an error.
*/
type fakeFactory struct {
	autoConnect bool
	failSlots   map[int]bool

	lock    sync.Mutex
	clients []*fakeClient
	calls   int
}

var _ cacheconn.Factory = (*fakeFactory)(nil)

func (f *fakeFactory) NewClient(endpoints []string, obs cacheconn.Observer) (cacheconn.Client, error) {
	f.lock.Lock()
	slot := f.calls
	f.calls++
	f.lock.Unlock()

	if f.failSlots[slot] {
		return nil, errors.New("simulated connection failure")
	}

	if f.autoConnect {
		for _, endpoint := range endpoints {
			obs.OnConnected(endpoint)
		}
	}

	c := &fakeClient{}

	f.lock.Lock()
	f.clients = append(f.clients, c)
	f.lock.Unlock()

	return c, nil
}

func (f *fakeFactory) numCalls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.calls
}

func (f *fakeFactory) builtClients() []*fakeClient {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]*fakeClient(nil), f.clients...)
}
