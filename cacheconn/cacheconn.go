package cacheconn

// FakeEndpoint is the sentinel address a replication group publishes when it
// has no eligible member.  Clients must not dial it, and the coordinator
// excludes it when counting endpoints for the startup connection wait.
const FakeEndpoint = "fake:11211"

// Observer receives per-endpoint connection events from a cache client.
type Observer interface {
	OnConnected(endpoint string)
	OnDisconnected(endpoint string)
}

/*
Client is a single cache-connection client.  Each client owns its own
connection set and event loop.  Address updates are queued with
PushAddressUpdate (a comma-joined endpoint list) and picked up when the
event loop is woken; the client reconciles on its own, disconnecting
removed endpoints and dialing new ones.
*/
type Client interface {
	PushAddressUpdate(addrs string)
	WakeEventLoop()
	Shutdown()
}

// Factory constructs cache clients against an initial endpoint list.
type Factory interface {
	NewClient(endpoints []string, obs Observer) (Client, error)
}
