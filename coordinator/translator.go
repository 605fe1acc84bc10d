package coordinator

import (
	"strings"

	"github.com/memfleet/memfleet/cacheconn"
)

// ClusterMode selects which node-naming convention a service's membership
// path uses.  It is resolved once at session establishment and never changes
// for the lifetime of a coordinator.
type ClusterMode int

const (
	// ModeSimple names nodes as "ip:port-hostname".
	ModeSimple ClusterMode = iota

	// ModeReplicationAware names nodes as "group^{M|S}^ip:port-hostname".
	ModeReplicationAware
)

func (m ClusterMode) String() string {
	switch m {
	case ModeSimple:
		return "simple"
	case ModeReplicationAware:
		return "replication-aware"
	}
	return "unknown"
}

/*
TranslateAddresses turns the raw membership node names into the endpoint list
handed to the cache clients.

Simple mode node names are "ip:port-hostname"; the hostname suffix is dropped.
Replication-aware names carry a group and role marker the downstream endpoint
parser needs, so they pass through whole.  Order is preserved as delivered in
both modes and duplicates are kept.
*/
func TranslateAddresses(mode ClusterMode, nodeNames []string) []string {
	var endpoints []string
	for _, name := range nodeNames {
		if mode == ModeReplicationAware {
			endpoints = append(endpoints, name)
			continue
		}

		endpoint, _, _ := strings.Cut(name, "-")
		endpoints = append(endpoints, endpoint)
	}

	return endpoints
}

// replEndpointToken extracts the "ip:port" token from a replication-aware
// entry of the form "group^{M|S}^ip:port-hostname".
func replEndpointToken(entry string) string {
	roleIdx := strings.LastIndex(entry, "^")
	if roleIdx >= 0 {
		entry = entry[roleIdx+1:]
	}

	endpoint, _, _ := strings.Cut(entry, "-")
	return endpoint
}

/*
CountConnectTargets reports how many endpoints the startup connection wait
should expect to see connect.  Replication-aware lists exclude fake
placeholder endpoints, since a group with no eligible member never produces a
connection.  Simple-mode lists are counted as-is.
*/
func CountConnectTargets(mode ClusterMode, endpoints []string) int {
	if mode != ModeReplicationAware {
		return len(endpoints)
	}

	count := 0
	for _, endpoint := range endpoints {
		if replEndpointToken(endpoint) == cacheconn.FakeEndpoint {
			continue
		}
		count++
	}

	return count
}
