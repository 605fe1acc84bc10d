package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMembershipPath(t *testing.T) {
	assert.Equal(t, "/memfleet/cache_list/svc", membershipPath(ModeSimple, "svc"))
	assert.Equal(t, "/memfleet_repl/cache_list/svc", membershipPath(ModeReplicationAware, "svc"))
}

func TestPresenceNodePath(t *testing.T) {
	createdAt := time.Date(2026, 8, 31, 13, 45, 9, 0, time.UTC)

	path := presenceNodePath(ModeSimple, "svc", "cachehost", "10.1.2.3",
		4, "v1.2.3", createdAt, "00000000000000ab")

	assert.Equal(t,
		"/memfleet/client_list/svc/cachehost_10.1.2.3_4_go_v1.2.3_20260831134509_00000000000000ab",
		path)

	replPath := presenceNodePath(ModeReplicationAware, "svc", "cachehost", "10.1.2.3",
		4, "v1.2.3", createdAt, "00000000000000ab")
	assert.Equal(t,
		"/memfleet_repl/client_list/svc/cachehost_10.1.2.3_4_go_v1.2.3_20260831134509_00000000000000ab",
		replPath)
}

func TestLocalHostIdentity(t *testing.T) {
	hostname, hostAddr, err := localHostIdentity()
	if err != nil {
		t.Skipf("local host identity unavailable in this environment: %s", err)
	}

	assert.NotEmpty(t, hostname)
	assert.NotEmpty(t, hostAddr)
}
