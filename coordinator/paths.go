package coordinator

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Base paths in the coordination store.  Simple and replication-aware
// clusters live under separate roots; which one a service uses is probed at
// session establishment.
const (
	simpleBasePath = "/memfleet"
	replBasePath   = "/memfleet_repl"
)

func basePathFor(mode ClusterMode) string {
	if mode == ModeReplicationAware {
		return replBasePath
	}
	return simpleBasePath
}

// membershipPath is the node whose children enumerate the live cache servers
// for a service.
func membershipPath(mode ClusterMode, serviceCode string) string {
	return basePathFor(mode) + "/cache_list/" + serviceCode
}

// presenceNodePath builds the ephemeral presence record path.  Operator
// tooling parses this layout, so the field order is part of the contract:
// {base}/client_list/{svc}/{hostname}_{ip}_{poolSize}_go_{version}_{YYYYMMDDHHMMSS}_{sessionID}
func presenceNodePath(mode ClusterMode, serviceCode string, hostname string, ip string,
	poolSize int, version string, createdAt time.Time, sessionID string) string {
	return fmt.Sprintf("%s/client_list/%s/%s_%s_%d_go_%s_%s_%s",
		basePathFor(mode), serviceCode, hostname, ip, poolSize, version,
		createdAt.Format("20060102150405"), sessionID)
}

// localHostIdentity resolves the local hostname and an address for it, for
// the presence record.
func localHostIdentity() (string, string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", "", errors.Wrap(err, "failed to determine the local hostname")
	}

	hostAddrs, err := net.LookupHost(hostname)
	if err == nil && len(hostAddrs) > 0 {
		return hostname, hostAddrs[0], nil
	}

	// the hostname does not always resolve; fall back to the interface list
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", "", errors.Wrap(err, "failed to resolve a local host address")
	}

	loopback := ""
	for _, addr := range ifaceAddrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP == nil {
			continue
		}

		if ipNet.IP.IsLoopback() {
			if loopback == "" {
				loopback = ipNet.IP.String()
			}
			continue
		}

		return hostname, ipNet.IP.String(), nil
	}
	if loopback != "" {
		return hostname, loopback, nil
	}

	return "", "", errors.New("no usable local host address")
}
